package relay

import (
	"context"
	"sync"
	"time"
)

// Transport is the write half of a node's websocket connection. The read
// loop is owned by the ws handler; everything else only writes.
type Transport interface {
	WriteJSON(v any) error
	WriteBinary(data []byte) error
	Close() error
}

// Connection is one live node link. Owned exclusively by the Registry;
// exactly one exists per node id. It carries its own pending-command table
// so traffic to one node never locks against another's.
type Connection struct {
	NodeID      string
	RemoteIP    string
	ConnectedAt time.Time
	transport   Transport
	pending     *Correlator
}

// WriteJSON sends a text frame on the connection.
func (c *Connection) WriteJSON(v any) error { return c.transport.WriteJSON(v) }

// WriteBinary sends a binary frame on the connection.
func (c *Connection) WriteBinary(data []byte) error { return c.transport.WriteBinary(data) }

// Close tears down the underlying transport.
func (c *Connection) Close() error { return c.transport.Close() }

// Do issues a correlated command on this connection and waits for its
// response.
func (c *Connection) Do(ctx context.Context, cmd Command, timeout time.Duration) (Response, error) {
	return c.pending.Do(ctx, c, cmd, timeout)
}

// Resolve delivers an inbound response to the command waiting on it.
func (c *Connection) Resolve(resp Response) { c.pending.Resolve(resp) }

// PendingCount reports this connection's in-flight commands.
func (c *Connection) PendingCount() int { return c.pending.PendingCount() }

// Registry tracks the single live transport per storage node. It is the one
// relay resource mutated by multiple tasks (the ws accept path and
// per-connection close handlers) and is guarded by a RWMutex.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Register installs a connection for a node, forcibly closing any previous
// one. A node is assumed single-homed; the newest connection wins.
func (r *Registry) Register(nodeID string, t Transport, remoteIP string) *Connection {
	conn := &Connection{
		NodeID:      nodeID,
		RemoteIP:    remoteIP,
		ConnectedAt: time.Now(),
		transport:   t,
		pending:     NewCorrelator(),
	}

	r.mu.Lock()
	old := r.conns[nodeID]
	r.conns[nodeID] = conn
	r.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return conn
}

// Lookup returns the live connection for a node, or ErrNodeOffline.
func (r *Registry) Lookup(nodeID string) (*Connection, error) {
	r.mu.RLock()
	conn, ok := r.conns[nodeID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNodeOffline
	}
	return conn, nil
}

// Unregister removes a connection on transport close. The entry is only
// removed if it is still the given connection, so a replaced connection's
// close handler cannot evict its replacement. Reports whether the entry was
// actually removed.
func (r *Registry) Unregister(nodeID string, conn *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[nodeID] == conn {
		delete(r.conns, nodeID)
		return true
	}
	return false
}

// CountForIP returns the number of live connections from one address. Used
// by the connection guard to cap concurrent node links per IP.
func (r *Registry) CountForIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, c := range r.conns {
		if c.RemoteIP == ip {
			count++
		}
	}
	return count
}

// PendingCommands sums in-flight commands across all connections.
func (r *Registry) PendingCommands() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, c := range r.conns {
		total += c.PendingCount()
	}
	return total
}

// Snapshot returns the ids of all connected nodes.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of connected nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
