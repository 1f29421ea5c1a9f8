package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/obscura/internal/storage"
)

const testUserToken = "user-token"

func newTestServer(t *testing.T) (*Server, *storage.DB, *httptest.Server) {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	auth := StaticTokenAuthorizer{testUserToken: "user-1"}
	srv := New(db, auth, Config{
		CommandTimeout: 2 * time.Second,
		SessionTTL:     5 * time.Second,
		FrameSize:      8, // force multi-frame transfers with tiny payloads
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, db, ts
}

func registerNode(t *testing.T, ts *httptest.Server) (nodeID, token string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/nodes",
		strings.NewReader(`{"total_available_space": 1000000}`))
	req.Header.Set("Authorization", "Bearer "+testUserToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("register node: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register node: status %d", resp.StatusCode)
	}
	var out struct {
		NodeID    string `json:"node_id"`
		AuthToken string `json:"auth_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return out.NodeID, out.AuthToken
}

// testAgent stands in for a node agent: it answers commands against an
// in-memory chunk map and speaks the binary frame protocol for sessions.
type testAgent struct {
	ws *websocket.Conn

	mu      sync.Mutex
	chunks  map[string][]byte
	inbound map[string][]byte // upload session id -> reassembled bytes
}

func connectAgent(t *testing.T, srv *Server, ts *httptest.Server, nodeID, token string) *testAgent {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/node"
	header := http.Header{}
	header.Set("X-Node-ID", nodeID)
	header.Set("X-Node-Token", token)
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial node socket: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	a := &testAgent{
		ws:      ws,
		chunks:  make(map[string][]byte),
		inbound: make(map[string][]byte),
	}
	go a.run()

	// Registration happens server-side after the handshake; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := srv.Registry().Lookup(nodeID); err == nil {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("node never registered on the relay")
	return nil
}

func (a *testAgent) put(chunkID string, data []byte) {
	a.mu.Lock()
	a.chunks[chunkID] = data
	a.mu.Unlock()
}

func (a *testAgent) run() {
	for {
		msgType, data, err := a.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				continue
			}
			a.handle(cmd)
		case websocket.BinaryMessage:
			sessionID, _, payload, err := DecodeFrame(data)
			if err != nil {
				continue
			}
			a.mu.Lock()
			a.inbound[sessionID] = append(a.inbound[sessionID], payload...)
			a.mu.Unlock()
		}
	}
}

func (a *testAgent) reply(resp Response) {
	a.ws.WriteJSON(NodeMessage{Response: resp})
}

func (a *testAgent) handle(cmd Command) {
	a.mu.Lock()
	defer a.mu.Unlock()

	resp := Response{CorrelationID: cmd.CorrelationID, Status: StatusOK}
	switch cmd.Op {
	case OpStoreChunk:
		if existing, ok := a.chunks[cmd.ChunkID]; ok && !bytes.Equal(existing, cmd.Payload) {
			resp.Status = StatusConflict
		} else {
			a.chunks[cmd.ChunkID] = cmd.Payload
		}
	case OpFetchChunk:
		if data, ok := a.chunks[cmd.ChunkID]; ok {
			resp.Payload = data
		} else {
			resp.Status = StatusNotFound
		}
	case OpDeleteChunk:
		if _, ok := a.chunks[cmd.ChunkID]; ok {
			delete(a.chunks, cmd.ChunkID)
		} else {
			resp.Status = StatusNotFound
		}
	case OpBeginUpload:
		resp.TempObject = "tmp-" + cmd.SessionID
	case OpFinalizeUpload:
		data, ok := a.inbound[cmd.SessionID]
		if !ok {
			resp.Status = StatusError
			resp.Error = "no such upload session"
			break
		}
		delete(a.inbound, cmd.SessionID)
		if existing, exists := a.chunks[cmd.ChunkID]; exists && !bytes.Equal(existing, data) {
			resp.Status = StatusConflict
			break
		}
		a.chunks[cmd.ChunkID] = data
	case OpBeginDownload:
		data, ok := a.chunks[cmd.ChunkID]
		if !ok {
			resp.Status = StatusNotFound
			break
		}
		resp.Size = int64(len(data))
		a.reply(resp)
		var seq uint32
		for off := 0; off < len(data); off += 8 {
			end := min(off+8, len(data))
			frame, _ := EncodeFrame(cmd.SessionID, seq, data[off:end])
			a.ws.WriteMessage(websocket.BinaryMessage, frame)
			seq++
		}
		return
	default:
		resp.Status = StatusError
		resp.Error = "unknown op " + cmd.Op
	}
	a.reply(resp)
}

func apiRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, url, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testUserToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestStoreFetchDeleteChunk(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	connectAgent(t, srv, ts, nodeID, token)

	chunkURL := fmt.Sprintf("%s/api/nodes/%s/chunks/%s", ts.URL, nodeID, "chunk-1")
	payload := []byte("sealed chunk bytes")

	resp := apiRequest(t, http.MethodPost, chunkURL, payload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("store: status %d", resp.StatusCode)
	}

	resp = apiRequest(t, http.MethodGet, chunkURL, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: status %d", resp.StatusCode)
	}
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("fetch returned %q, want %q", got.Bytes(), payload)
	}

	resp = apiRequest(t, http.MethodDelete, chunkURL, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	// Idempotent delete.
	resp = apiRequest(t, http.MethodDelete, chunkURL, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat delete: status %d", resp.StatusCode)
	}

	resp = apiRequest(t, http.MethodGet, chunkURL, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("fetch after delete: status %d, want 404", resp.StatusCode)
	}
}

func TestStoreChunkConflict(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	agent := connectAgent(t, srv, ts, nodeID, token)
	agent.put("chunk-1", []byte("original"))

	chunkURL := fmt.Sprintf("%s/api/nodes/%s/chunks/%s", ts.URL, nodeID, "chunk-1")
	resp := apiRequest(t, http.MethodPost, chunkURL, []byte("different"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting store: status %d, want 409", resp.StatusCode)
	}
}

func TestChunkRequestFailsFastWhenNodeOffline(t *testing.T) {
	_, _, ts := newTestServer(t)
	nodeID, _ := registerNode(t, ts)

	chunkURL := fmt.Sprintf("%s/api/nodes/%s/chunks/%s", ts.URL, nodeID, "chunk-1")
	start := time.Now()
	resp := apiRequest(t, http.MethodGet, chunkURL, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("fetch from offline node: status %d, want 503", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("offline rejection took %v, want immediate", elapsed)
	}
}

func TestUploadSessionFlow(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	agent := connectAgent(t, srv, ts, nodeID, token)

	payload := []byte("this payload spans several 8-byte frames")
	base := fmt.Sprintf("%s/api/nodes/%s/chunks", ts.URL, nodeID)

	resp := apiRequest(t, http.MethodPost, base+"/upload-sessions",
		[]byte(fmt.Sprintf(`{"data_size": %d}`, len(payload))))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open upload session: status %d", resp.StatusCode)
	}
	var opened struct {
		SessionID string `json:"session_id"`
	}
	json.NewDecoder(resp.Body).Decode(&opened)
	resp.Body.Close()

	resp = apiRequest(t, http.MethodPost, base+"/upload-sessions/"+opened.SessionID, payload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send session data: status %d", resp.StatusCode)
	}

	resp = apiRequest(t, http.MethodPut, base+"/big-chunk",
		[]byte(fmt.Sprintf(`{"session_id": %q}`, opened.SessionID)))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("finalize upload: status %d", resp.StatusCode)
	}

	agent.mu.Lock()
	stored := agent.chunks["big-chunk"]
	agent.mu.Unlock()
	if !bytes.Equal(stored, payload) {
		t.Errorf("node stored %q, want %q", stored, payload)
	}
}

func TestUploadSessionExpiredRejectsData(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	connectAgent(t, srv, ts, nodeID, token)

	base := fmt.Sprintf("%s/api/nodes/%s/chunks", ts.URL, nodeID)
	resp := apiRequest(t, http.MethodPost, base+"/upload-sessions",
		[]byte(`{"data_size": 64}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open upload session: status %d", resp.StatusCode)
	}
	var opened struct {
		SessionID string `json:"session_id"`
	}
	json.NewDecoder(resp.Body).Decode(&opened)
	resp.Body.Close()

	srv.sessions.Cancel(opened.SessionID)

	resp = apiRequest(t, http.MethodPost, base+"/upload-sessions/"+opened.SessionID,
		make([]byte, 64))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("data for expired session: status %d, want 404", resp.StatusCode)
	}
}

func TestDownloadSessionFlow(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	agent := connectAgent(t, srv, ts, nodeID, token)

	payload := []byte("a chunk large enough to need frame reassembly")
	agent.put("big-chunk", payload)

	url := fmt.Sprintf("%s/api/nodes/%s/chunks/download-sessions", ts.URL, nodeID)
	resp := apiRequest(t, http.MethodPost, url, []byte(`{"chunk_id": "big-chunk"}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download session: status %d", resp.StatusCode)
	}
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("downloaded %q, want %q", got.Bytes(), payload)
	}
}

func TestDownloadSessionManyFrames(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	agent := connectAgent(t, srv, ts, nodeID, token)

	// 512 frames at the 8-byte test frame size, well past the text
	// message rate limit. Solicited binary frames must not count
	// against it or the node would be dropped mid-stream.
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i)
	}
	agent.put("huge-chunk", payload)

	url := fmt.Sprintf("%s/api/nodes/%s/chunks/download-sessions", ts.URL, nodeID)
	resp := apiRequest(t, http.MethodPost, url, []byte(`{"chunk_id": "huge-chunk"}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download session: status %d", resp.StatusCode)
	}
	var got bytes.Buffer
	got.ReadFrom(resp.Body)
	if !bytes.Equal(got.Bytes(), payload) {
		t.Errorf("downloaded %d bytes, want %d intact", got.Len(), len(payload))
	}

	if _, err := srv.Registry().Lookup(nodeID); err != nil {
		t.Errorf("node dropped after streaming download: %v", err)
	}
}

func TestDownloadSessionChunkNotFound(t *testing.T) {
	srv, _, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	connectAgent(t, srv, ts, nodeID, token)

	url := fmt.Sprintf("%s/api/nodes/%s/chunks/download-sessions", ts.URL, nodeID)
	resp := apiRequest(t, http.MethodPost, url, []byte(`{"chunk_id": "missing"}`))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("download of missing chunk: status %d, want 404", resp.StatusCode)
	}
}

func TestNodeSocketRejectsBadToken(t *testing.T) {
	_, _, ts := newTestServer(t)
	nodeID, _ := registerNode(t, ts)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/node"
	header := http.Header{}
	header.Set("X-Node-ID", nodeID)
	header.Set("X-Node-Token", "wrong-token")
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		ws.Close()
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token dial: response %+v, want 401", resp)
	}
}

func TestStatusPushUpdatesUsage(t *testing.T) {
	srv, db, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	agent := connectAgent(t, srv, ts, nodeID, token)

	agent.ws.WriteJSON(NodeMessage{Type: "status", UsedSpace: 4096, NumChunks: 7})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		node, err := db.GetNode(nodeID)
		if err != nil {
			t.Fatalf("GetNode: %v", err)
		}
		if node.UsedSpace == 4096 && node.NumChunks == 7 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("status push never reflected in node record")
}

func TestDeleteNodeDropsConnection(t *testing.T) {
	srv, db, ts := newTestServer(t)
	nodeID, token := registerNode(t, ts)
	connectAgent(t, srv, ts, nodeID, token)

	url := fmt.Sprintf("%s/api/nodes/%s", ts.URL, nodeID)
	resp := apiRequest(t, http.MethodDelete, url, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete node: status %d", resp.StatusCode)
	}

	if _, err := srv.Registry().Lookup(nodeID); err == nil {
		t.Error("connection survived node deletion")
	}
	if _, err := db.GetNode(nodeID); err == nil {
		t.Error("node record survived deletion")
	}
}
