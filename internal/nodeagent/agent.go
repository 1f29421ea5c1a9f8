package nodeagent

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/obscura/internal/relay"
)

const (
	// frameSize mirrors the relay's default binary frame payload cap.
	frameSize = 256 * 1024

	defaultStatusInterval = 30 * time.Second
	reconnectDelay        = 5 * time.Second
)

// Agent keeps one storage node connected to the relay, answering chunk
// commands against its ChunkDir.
type Agent struct {
	relayURL string // ws:// or wss:// endpoint
	nodeID   string
	token    string
	store    *ChunkDir

	statusInterval time.Duration

	mu sync.Mutex // guards writes to ws
	ws *websocket.Conn

	// upload session id -> staging object name
	uploads map[string]string
}

// New creates an agent for one registered node.
func New(relayURL, nodeID, token string, store *ChunkDir) *Agent {
	return &Agent{
		relayURL:       relayURL,
		nodeID:         nodeID,
		token:          token,
		store:          store,
		statusInterval: defaultStatusInterval,
		uploads:        make(map[string]string),
	}
}

// Run connects to the relay and serves commands until ctx is cancelled,
// redialing after transport failures.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("relay connection lost: %v; retrying in %s", err, reconnectDelay)
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve runs one connection's lifetime.
func (a *Agent) serve(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-Node-ID", a.nodeID)
	header.Set("X-Node-Token", a.token)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.relayURL, header)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer ws.Close()

	log.Printf("connected to relay as node %s", a.nodeID)
	a.pushStatus()

	statusCtx, stopStatus := context.WithCancel(ctx)
	defer stopStatus()
	go a.statusLoop(statusCtx)

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-statusCtx.Done()
		ws.Close()
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			var cmd relay.Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				log.Printf("malformed command from relay: %v", err)
				continue
			}
			a.handle(cmd)
		case websocket.BinaryMessage:
			a.handleFrame(data)
		}
	}
}

func (a *Agent) writeJSON(v any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ws.WriteJSON(v)
}

func (a *Agent) writeBinary(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (a *Agent) reply(resp relay.Response) {
	if err := a.writeJSON(relay.NodeMessage{Response: resp}); err != nil {
		log.Printf("write response: %v", err)
	}
}

func (a *Agent) replyError(correlationID string, err error) {
	status := relay.StatusError
	switch {
	case errors.Is(err, ErrNotFound):
		status = relay.StatusNotFound
	case errors.Is(err, ErrConflict):
		status = relay.StatusConflict
	}
	a.reply(relay.Response{
		CorrelationID: correlationID,
		Status:        status,
		Error:         err.Error(),
	})
}

// handle answers one relay command.
func (a *Agent) handle(cmd relay.Command) {
	switch cmd.Op {
	case relay.OpStoreChunk:
		if err := a.store.Store(cmd.ChunkID, cmd.Payload); err != nil {
			a.replyError(cmd.CorrelationID, err)
			return
		}
		a.reply(relay.Response{CorrelationID: cmd.CorrelationID, Status: relay.StatusOK})
		a.pushStatus()

	case relay.OpFetchChunk:
		data, err := a.store.Fetch(cmd.ChunkID)
		if err != nil {
			a.replyError(cmd.CorrelationID, err)
			return
		}
		a.reply(relay.Response{
			CorrelationID: cmd.CorrelationID,
			Status:        relay.StatusOK,
			Payload:       data,
			Size:          int64(len(data)),
		})

	case relay.OpDeleteChunk:
		if err := a.store.Delete(cmd.ChunkID); err != nil {
			a.replyError(cmd.CorrelationID, err)
			return
		}
		a.reply(relay.Response{CorrelationID: cmd.CorrelationID, Status: relay.StatusOK})
		a.pushStatus()

	case relay.OpBeginUpload:
		name, err := a.store.CreateTemp(cmd.SessionID)
		if err != nil {
			a.replyError(cmd.CorrelationID, err)
			return
		}
		a.mu.Lock()
		a.uploads[cmd.SessionID] = name
		a.mu.Unlock()
		a.reply(relay.Response{
			CorrelationID: cmd.CorrelationID,
			Status:        relay.StatusOK,
			TempObject:    name,
		})

	case relay.OpFinalizeUpload:
		a.mu.Lock()
		delete(a.uploads, cmd.SessionID)
		a.mu.Unlock()
		if err := a.store.FinalizeTemp(cmd.TempObject, cmd.ChunkID); err != nil {
			a.replyError(cmd.CorrelationID, err)
			return
		}
		a.reply(relay.Response{CorrelationID: cmd.CorrelationID, Status: relay.StatusOK})
		a.pushStatus()

	case relay.OpBeginDownload:
		a.streamChunk(cmd)

	default:
		a.reply(relay.Response{
			CorrelationID: cmd.CorrelationID,
			Status:        relay.StatusError,
			Error:         "unknown op " + cmd.Op,
		})
	}
}

// streamChunk answers a begin_download with the chunk size, then sends the
// payload as sequential binary frames tagged with the session id.
func (a *Agent) streamChunk(cmd relay.Command) {
	data, err := a.store.Fetch(cmd.ChunkID)
	if err != nil {
		a.replyError(cmd.CorrelationID, err)
		return
	}
	a.reply(relay.Response{
		CorrelationID: cmd.CorrelationID,
		Status:        relay.StatusOK,
		Size:          int64(len(data)),
	})

	var seq uint32
	for off := 0; off < len(data); off += frameSize {
		end := min(off+frameSize, len(data))
		frame, err := relay.EncodeFrame(cmd.SessionID, seq, data[off:end])
		if err != nil {
			log.Printf("encode frame for session %s: %v", cmd.SessionID, err)
			return
		}
		if err := a.writeBinary(frame); err != nil {
			log.Printf("stream chunk %s: %v", cmd.ChunkID, err)
			return
		}
		seq++
	}
}

// handleFrame appends an upload frame to its session's staging object.
func (a *Agent) handleFrame(data []byte) {
	sessionID, _, payload, err := relay.DecodeFrame(data)
	if err != nil {
		log.Printf("malformed frame from relay: %v", err)
		return
	}
	a.mu.Lock()
	name, ok := a.uploads[sessionID]
	a.mu.Unlock()
	if !ok {
		log.Printf("frame for unknown upload session %s", sessionID)
		return
	}
	if err := a.store.AppendTemp(name, payload); err != nil {
		log.Printf("append to upload session %s: %v", sessionID, err)
	}
}

// pushStatus sends an unsolicited usage report.
func (a *Agent) pushStatus() {
	used, chunks := a.store.Usage()
	err := a.writeJSON(relay.NodeMessage{
		Type:      "status",
		UsedSpace: used,
		NumChunks: chunks,
	})
	if err != nil {
		log.Printf("push status: %v", err)
	}
}

// statusLoop pushes usage reports periodically until ctx ends.
func (a *Agent) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(a.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pushStatus()
		case <-ctx.Done():
			return
		}
	}
}
