package relay

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionKind distinguishes the two transfer directions.
type SessionKind int

const (
	// UploadSession moves a chunk relay -> node; the relay counts sent bytes.
	UploadSession SessionKind = iota
	// DownloadSession moves a chunk node -> relay; the relay reassembles
	// arriving frames.
	DownloadSession
)

// Session coordinates one multi-frame chunk transfer. Reassembly is strictly
// sequential: out-of-order frames are rejected rather than buffered, keeping
// the per-frame cost O(1).
type Session struct {
	ID         string
	Kind       SessionKind
	NodeID     string
	ChunkID    string
	TempObject string // node-side temporary object for uploads

	mu          sync.Mutex
	expected    int64 // -1 until known
	nextSeq     uint32
	transferred int64
	buf         []byte
	deadline    time.Time
	done        chan struct{}
}

// SetExpectedSize records the transfer's total size once known (a download
// session learns it from the node's response). Closes Done if the bytes
// already arrived.
func (s *Session) SetExpectedSize(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expected = n
	if s.transferred == n {
		s.closeDoneLocked()
	}
}

// ExpectedSize returns the transfer's total size, or -1 if not yet known.
func (s *Session) ExpectedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expected
}

func (s *Session) closeDoneLocked() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Done is closed once the session has transferred exactly ExpectedSize
// bytes. Handlers waiting for a download select on this.
func (s *Session) Done() <-chan struct{} { return s.done }

// Bytes returns the reassembled payload of a download session.
func (s *Session) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// SessionManager owns all live transfer sessions and reclaims the ones whose
// deadline passes without traffic.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewSessionManager creates a manager whose sessions expire after ttl of
// inactivity. A background goroutine reaps expired sessions periodically.
func NewSessionManager(ttl time.Duration) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
	go func() {
		for {
			time.Sleep(ttl)
			m.reap()
		}
	}()
	return m
}

// Open allocates a session for one chunk transfer. Pass a negative
// expectedSize if the total is not yet known.
func (m *SessionManager) Open(kind SessionKind, nodeID, chunkID string, expectedSize int64) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		Kind:     kind,
		NodeID:   nodeID,
		ChunkID:  chunkID,
		expected: expectedSize,
		deadline: time.Now().Add(m.ttl),
		done:     make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Get returns a live session by id.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Append adds an arriving frame to a download session. The frame must carry
// the next expected sequence number; a stale or early frame fails with
// ErrFrameOutOfOrder and leaves the session intact for the correct next
// frame. A frame that would overrun ExpectedSize discards the session.
func (m *SessionManager) Append(id string, seq uint32, frame []byte) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if seq != s.nextSeq {
		s.mu.Unlock()
		return ErrFrameOutOfOrder
	}
	if s.expected >= 0 && s.transferred+int64(len(frame)) > s.expected {
		s.mu.Unlock()
		m.Cancel(id)
		return ErrIncompleteTransfer
	}
	s.nextSeq++
	s.transferred += int64(len(frame))
	s.buf = append(s.buf, frame...)
	s.deadline = time.Now().Add(m.ttl)
	if s.expected >= 0 && s.transferred == s.expected {
		s.closeDoneLocked()
	}
	s.mu.Unlock()
	return nil
}

// RecordSent tracks bytes the relay has pushed to the node for an upload
// session.
func (m *SessionManager) RecordSent(id string, n int) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transferred += int64(n)
	s.nextSeq++
	s.deadline = time.Now().Add(m.ttl)
	s.mu.Unlock()
	return nil
}

// NextSeq returns the sequence number the next outbound frame must carry.
func (m *SessionManager) NextSeq(id string) (uint32, error) {
	s, err := m.Get(id)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq, nil
}

// Complete validates that the session transferred exactly ExpectedSize bytes
// and removes it. On mismatch the session and any partial payload are
// discarded and ErrIncompleteTransfer returned; the caller must restart the
// whole transfer.
func (m *SessionManager) Complete(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expected < 0 || s.transferred != s.expected {
		return nil, ErrIncompleteTransfer
	}
	return s, nil
}

// Cancel discards a session and any partial payload.
func (m *SessionManager) Cancel(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Len reports the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// reap removes sessions whose deadline passed with no frame traffic,
// bounding memory under abandoned transfers.
func (m *SessionManager) reap() {
	now := time.Now()
	m.mu.Lock()
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := s.deadline.Before(now)
		s.mu.Unlock()
		if expired {
			log.Printf("reaping expired transfer session %s (node %s)", id, s.NodeID)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()
}
