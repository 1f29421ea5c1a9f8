package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/obscura/internal/crypto"
	"github.com/ssd-technologies/obscura/internal/ratelimit"
	"github.com/ssd-technologies/obscura/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// messagesPerSecond bounds how fast one node may push text messages at
// the relay. Solicited binary session frames are not counted.
const messagesPerSecond = 200

// wsTransport wraps a gorilla connection behind a write lock. Gorilla
// permits one concurrent writer; the correlator and the session forwarder
// both write, so every send goes through the mutex.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) WriteBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleNodeSocket upgrades an authenticated node agent to its command
// transport. Auth uses the per-node token minted at registration; the
// connection guard throttles attempts before credentials are even checked.
func (s *Server) handleNodeSocket(w http.ResponseWriter, r *http.Request) {
	ip := getIP(r)

	if !s.guard.AllowAttempt(ip) {
		writeError(w, http.StatusTooManyRequests, "too many connection attempts")
		return
	}
	s.guard.RecordAttempt(ip)

	if !s.guard.AllowConnection(ip) {
		writeError(w, http.StatusTooManyRequests, "connection limit reached for this address")
		return
	}

	nodeID := r.Header.Get("X-Node-ID")
	token := r.Header.Get("X-Node-Token")
	if nodeID == "" || token == "" {
		writeError(w, http.StatusUnauthorized, "missing node credentials")
		return
	}

	node, err := s.db.GetNode(nodeID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown node")
		return
	}
	if !crypto.VerifyToken(token, node.AuthTokenHash) {
		writeError(w, http.StatusUnauthorized, "invalid node token")
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed for node %s: %v", nodeID, err)
		return
	}

	conn := s.registry.Register(nodeID, &wsTransport{conn: ws}, ip)
	if err := s.db.SetNodeStatus(nodeID, storage.StatusOnline, time.Now().Unix()); err != nil {
		log.Printf("mark node %s online: %v", nodeID, err)
	}
	log.Printf("node %s connected from %s", nodeID, ip)

	go s.readLoop(conn, ws)
}

// readLoop drains one node connection: correlated responses, status pushes
// and binary session frames. Runs until the transport errors out.
func (s *Server) readLoop(conn *Connection, ws *websocket.Conn) {
	defer func() {
		ws.Close()
		// A replaced connection must not mark the node offline: its
		// successor is live.
		if s.registry.Unregister(conn.NodeID, conn) {
			if err := s.db.SetNodeStatus(conn.NodeID, storage.StatusOffline, time.Now().Unix()); err != nil {
				log.Printf("mark node %s offline: %v", conn.NodeID, err)
			}
			log.Printf("node %s disconnected", conn.NodeID)
		}
	}()

	limiter := ratelimit.New(messagesPerSecond, time.Second)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			// Binary session frames are exempt: the relay solicited
			// them itself, and a large download legitimately streams
			// far more frames per second than any node should be
			// sending commands or status pushes.
			if !limiter.Allow() {
				log.Printf("node %s exceeded message rate, dropping connection", conn.NodeID)
				return
			}
			s.handleNodeText(conn, data)
		case websocket.BinaryMessage:
			s.handleNodeFrame(conn, data)
		}
	}
}

// handleNodeText dispatches a text frame: a status push updates usage
// accounting, anything else resolves a pending command.
func (s *Server) handleNodeText(conn *Connection, data []byte) {
	var msg NodeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("node %s sent malformed message: %v", conn.NodeID, err)
		return
	}

	if msg.Type == "status" {
		if err := s.db.UpdateNodeUsage(conn.NodeID, msg.UsedSpace, msg.NumChunks, time.Now().Unix()); err != nil {
			log.Printf("update usage for node %s: %v", conn.NodeID, err)
		}
		return
	}

	conn.Resolve(msg.Response)
}

// handleNodeFrame appends a binary session frame to its download session.
func (s *Server) handleNodeFrame(conn *Connection, data []byte) {
	sessionID, seq, payload, err := DecodeFrame(data)
	if err != nil {
		log.Printf("node %s sent malformed frame: %v", conn.NodeID, err)
		return
	}
	if err := s.sessions.Append(sessionID, seq, payload); err != nil {
		log.Printf("node %s frame %d for session %s rejected: %v", conn.NodeID, seq, sessionID, err)
	}
}
