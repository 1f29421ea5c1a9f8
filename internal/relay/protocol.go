// Package relay brokers commands between authenticated clients and the
// websocket transports of user-owned storage nodes. The relay never sees
// plaintext: chunk payloads are opaque sealed blobs.
package relay

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Relay-side failure sentinels.
var (
	ErrNodeOffline        = errors.New("node is not connected")
	ErrNodeTimeout        = errors.New("node command timed out")
	ErrFrameOutOfOrder    = errors.New("session frame out of order")
	ErrIncompleteTransfer = errors.New("transfer byte count mismatch")
	ErrUnknownSession     = errors.New("unknown transfer session")
)

// Command ops sent relay -> node.
const (
	OpStoreChunk     = "store_chunk"
	OpFetchChunk     = "fetch_chunk"
	OpDeleteChunk    = "delete_chunk"
	OpBeginUpload    = "begin_upload"
	OpFinalizeUpload = "finalize_upload"
	OpBeginDownload  = "begin_download"
)

// Response statuses node -> relay.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Command is a correlated request sent to a node over its transport.
// Payload rides inline base64 for chunks that fit in one frame; larger
// payloads move through sessions as binary frames.
type Command struct {
	CorrelationID string `json:"correlation_id"`
	Op            string `json:"op"`
	ChunkID       string `json:"chunk_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	Size          int64  `json:"size,omitempty"`
	TempObject    string `json:"temporary_object_name,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
}

// Response answers a Command, matched by correlation id.
type Response struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
	Payload       []byte `json:"payload,omitempty"`
	Size          int64  `json:"size,omitempty"`
	TempObject    string `json:"temporary_object_name,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NodeMessage is the envelope for every text frame a node sends: either a
// correlated Response or an unsolicited status push.
type NodeMessage struct {
	Response
	Type      string `json:"type,omitempty"` // "status" for pushes
	UsedSpace int64  `json:"used_space,omitempty"`
	NumChunks int64  `json:"num_chunks,omitempty"`
}

// Binary session frame layout: 16-byte session UUID || 4-byte big-endian
// sequence number || payload.
const frameHeaderLen = 16 + 4

// EncodeFrame builds a binary session frame.
func EncodeFrame(sessionID string, seq uint32, payload []byte) ([]byte, error) {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil, fmt.Errorf("encode frame: bad session id: %w", err)
	}
	buf := make([]byte, frameHeaderLen+len(payload))
	copy(buf[:16], id[:])
	binary.BigEndian.PutUint32(buf[16:20], seq)
	copy(buf[frameHeaderLen:], payload)
	return buf, nil
}

// DecodeFrame splits a binary session frame into its parts.
func DecodeFrame(data []byte) (sessionID string, seq uint32, payload []byte, err error) {
	if len(data) < frameHeaderLen {
		return "", 0, nil, fmt.Errorf("decode frame: %d bytes is too short", len(data))
	}
	var id uuid.UUID
	copy(id[:], data[:16])
	seq = binary.BigEndian.Uint32(data[16:20])
	return id.String(), seq, data[frameHeaderLen:], nil
}
