package relay

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Correlator matches responses to in-flight commands over a node's single
// multiplexed transport. Correlation ids, not transport identity, are the
// only way to disambiguate concurrent operations to the same node: an id is
// never reused while pending.
//
// Each Connection owns its own Correlator, so commands to unrelated nodes
// never contend on one lock. The pending map is mutated by the sending task
// (insert) and the node's receive loop (resolve), which are always
// different goroutines.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]chan Response
}

// NewCorrelator creates an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]chan Response)}
}

// Do sends a command over the node's transport and blocks until the matching
// response arrives, the timeout fires, or ctx is cancelled. On timeout the
// pending entry is removed and ErrNodeTimeout returned; the node may still
// apply the operation afterwards, which is reported as failure regardless to
// avoid duplicate-apply ambiguity.
func (c *Correlator) Do(ctx context.Context, conn *Connection, cmd Command, timeout time.Duration) (Response, error) {
	cmd.CorrelationID = uuid.New().String()
	ch := make(chan Response, 1)

	c.mu.Lock()
	c.pending[cmd.CorrelationID] = ch
	c.mu.Unlock()

	if err := conn.WriteJSON(cmd); err != nil {
		c.remove(cmd.CorrelationID)
		return Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.remove(cmd.CorrelationID)
		return Response{}, ErrNodeTimeout
	case <-ctx.Done():
		c.remove(cmd.CorrelationID)
		return Response{}, ctx.Err()
	}
}

// Resolve delivers an inbound response to the waiting caller. A response for
// an id that is no longer pending (already timed out or never issued) is
// discarded with a log line, never delivered twice.
func (c *Correlator) Resolve(resp Response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.CorrelationID]
	if ok {
		delete(c.pending, resp.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		log.Printf("discarding late response for correlation id %s", resp.CorrelationID)
		return
	}
	ch <- resp
}

// PendingCount reports the number of in-flight commands.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
