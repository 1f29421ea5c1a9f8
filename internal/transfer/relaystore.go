package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ssd-technologies/obscura/internal/vfs"
)

// Client-visible relay failures, mapped from HTTP status codes. None of
// these are auto-retried; the caller decides whether to prompt or abort.
var (
	ErrAccessDenied = errors.New("access denied: node not owned by caller")
	ErrNodeOffline  = errors.New("storage node is offline")
	ErrNodeTimeout  = errors.New("storage node timed out")
)

// RelayStore is the HTTP implementation of vfs.ChunkStore, speaking the
// relay's chunk API for a single storage node.
type RelayStore struct {
	baseURL string
	nodeID  string
	token   string
	hc      *http.Client
}

// NewRelayStore creates a store for the node reachable through the relay at
// baseURL, authenticating with the caller's bearer token.
func NewRelayStore(baseURL, nodeID, token string) *RelayStore {
	return &RelayStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		nodeID:  nodeID,
		token:   token,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *RelayStore) chunkURL(chunkID string) string {
	return fmt.Sprintf("%s/api/nodes/%s/chunks/%s", s.baseURL, s.nodeID, chunkID)
}

// Fetch retrieves a chunk's sealed bytes (IV || ciphertext).
func (s *RelayStore) Fetch(ctx context.Context, chunkID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.chunkURL(chunkID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := mapStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// Store writes a chunk's sealed bytes.
func (s *RelayStore) Store(ctx context.Context, chunkID string, blob []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.chunkURL(chunkID), bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return mapStatus(resp.StatusCode)
}

// Delete removes a chunk. A missing chunk is not an error.
func (s *RelayStore) Delete(ctx context.Context, chunkID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.chunkURL(chunkID), nil)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return mapStatus(resp.StatusCode)
}

func (s *RelayStore) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+s.token)
	return s.hc.Do(req)
}

func mapStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return vfs.ErrChunkNotFound
	case code == http.StatusConflict:
		return vfs.ErrChunkConflict
	case code == http.StatusForbidden:
		return ErrAccessDenied
	case code == http.StatusServiceUnavailable:
		return ErrNodeOffline
	case code == http.StatusGatewayTimeout:
		return ErrNodeTimeout
	default:
		return fmt.Errorf("relay returned status %d", code)
	}
}
