package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// maxInlineChunk caps the body of a plain chunk POST. Larger payloads must
// go through an upload session.
const maxInlineChunk = 8 << 20 // 8 MiB

// nodeConn authorizes the caller, checks ownership and resolves the node's
// live transport. 503 when the node is not connected.
func (s *Server) nodeConn(w http.ResponseWriter, r *http.Request) (*Connection, bool) {
	node, ok := s.ownedNode(w, r)
	if !ok {
		return nil, false
	}
	conn, err := s.registry.Lookup(node.ID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "node is not connected")
		return nil, false
	}
	return conn, true
}

// relayCommand issues a correlated command and maps transport-level failures
// to HTTP. Returns ok=false after writing the error response.
func (s *Server) relayCommand(w http.ResponseWriter, r *http.Request, conn *Connection, cmd Command) (Response, bool) {
	resp, err := conn.Do(r.Context(), cmd, s.cfg.CommandTimeout)
	if errors.Is(err, ErrNodeTimeout) {
		writeError(w, http.StatusGatewayTimeout, "node command timed out")
		return Response{}, false
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "node command failed: "+err.Error())
		return Response{}, false
	}
	return resp, true
}

// handleFetchChunk returns a chunk's sealed bytes (IV || ciphertext).
func (s *Server) handleFetchChunk(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	resp, ok := s.relayCommand(w, r, conn, Command{
		Op:      OpFetchChunk,
		ChunkID: r.PathValue("chunkID"),
	})
	if !ok {
		return
	}

	switch resp.Status {
	case StatusOK:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(resp.Payload)
	case StatusNotFound:
		writeError(w, http.StatusNotFound, "chunk not found")
	default:
		writeError(w, http.StatusBadGateway, "node error: "+resp.Error)
	}
}

// handleStoreChunk stores a chunk inline. 409 when the id already holds
// different data, which triggers client-side id regeneration.
func (s *Server) handleStoreChunk(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInlineChunk+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) > maxInlineChunk {
		writeError(w, http.StatusRequestEntityTooLarge, "chunk exceeds inline limit; use an upload session")
		return
	}

	resp, ok := s.relayCommand(w, r, conn, Command{
		Op:      OpStoreChunk,
		ChunkID: r.PathValue("chunkID"),
		Size:    int64(len(body)),
		Payload: body,
	})
	if !ok {
		return
	}

	switch resp.Status {
	case StatusOK:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	case StatusConflict:
		writeError(w, http.StatusConflict, "chunk id already holds different data")
	default:
		writeError(w, http.StatusBadGateway, "node error: "+resp.Error)
	}
}

// handleDeleteChunk deletes a chunk. Idempotent: a missing chunk is not an
// error.
func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	resp, ok := s.relayCommand(w, r, conn, Command{
		Op:      OpDeleteChunk,
		ChunkID: r.PathValue("chunkID"),
	})
	if !ok {
		return
	}

	switch resp.Status {
	case StatusOK, StatusNotFound:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusBadGateway, "node error: "+resp.Error)
	}
}

// handleOpenUploadSession allocates a session for a chunk payload that
// exceeds one transport frame. The node prepares a temporary object and the
// relay hands the session id back to the client.
func (s *Server) handleOpenUploadSession(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	var req struct {
		DataSize int64 `json:"data_size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.DataSize <= 0 {
		writeError(w, http.StatusBadRequest, "data_size must be positive")
		return
	}

	session := s.sessions.Open(UploadSession, conn.NodeID, "", req.DataSize)

	resp, ok := s.relayCommand(w, r, conn, Command{
		Op:        OpBeginUpload,
		SessionID: session.ID,
		Size:      req.DataSize,
	})
	if !ok {
		s.sessions.Cancel(session.ID)
		return
	}
	if resp.Status != StatusOK {
		s.sessions.Cancel(session.ID)
		writeError(w, http.StatusBadGateway, "node refused upload session: "+resp.Error)
		return
	}
	session.TempObject = resp.TempObject

	writeJSON(w, http.StatusCreated, map[string]string{"session_id": session.ID})
}

// handleUploadSessionData forwards the client's payload to the node as
// sequential binary frames tagged with the session id.
func (s *Server) handleUploadSessionData(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	sessionID := r.PathValue("sessionID")
	if _, err := s.sessions.Get(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	buf := make([]byte, s.cfg.FrameSize)
	var sent int64
	for {
		n, err := io.ReadFull(r.Body, buf)
		if n > 0 {
			seq, seqErr := s.sessions.NextSeq(sessionID)
			if seqErr != nil {
				writeError(w, http.StatusNotFound, "session expired mid-transfer")
				return
			}
			frame, encErr := EncodeFrame(sessionID, seq, buf[:n])
			if encErr != nil {
				writeError(w, http.StatusInternalServerError, encErr.Error())
				return
			}
			if wErr := conn.WriteBinary(frame); wErr != nil {
				s.sessions.Cancel(sessionID)
				writeError(w, http.StatusServiceUnavailable, "node transport write failed")
				return
			}
			if recErr := s.sessions.RecordSent(sessionID, n); recErr != nil {
				writeError(w, http.StatusNotFound, "session expired mid-transfer")
				return
			}
			sent += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]int64{"bytes_received": sent})
}

// handleFinalizeUpload validates the session byte count and tells the node
// to promote its temporary object to the chunk id.
func (s *Server) handleFinalizeUpload(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	session, err := s.sessions.Complete(req.SessionID)
	if errors.Is(err, ErrUnknownSession) {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if errors.Is(err, ErrIncompleteTransfer) {
		writeError(w, http.StatusBadRequest, "transfer incomplete; restart the upload")
		return
	}

	resp, ok := s.relayCommand(w, r, conn, Command{
		Op:         OpFinalizeUpload,
		ChunkID:    r.PathValue("chunkID"),
		SessionID:  session.ID,
		TempObject: session.TempObject,
	})
	if !ok {
		return
	}

	switch resp.Status {
	case StatusOK:
		writeJSON(w, http.StatusCreated, map[string]string{"status": "stored"})
	case StatusConflict:
		writeError(w, http.StatusConflict, "chunk id already holds different data")
	default:
		writeError(w, http.StatusBadGateway, "node error: "+resp.Error)
	}
}

// handleDownloadSession fetches a chunk too large for one inline response:
// the node streams it in binary frames, the relay reassembles and returns
// the whole payload.
func (s *Server) handleDownloadSession(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.nodeConn(w, r)
	if !ok {
		return
	}

	var req struct {
		ChunkID string `json:"chunk_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	// Size is unknown until the node answers, so the session opens without
	// an expected byte count.
	session := s.sessions.Open(DownloadSession, conn.NodeID, req.ChunkID, -1)

	resp, ok := s.relayCommand(w, r, conn, Command{
		Op:        OpBeginDownload,
		ChunkID:   req.ChunkID,
		SessionID: session.ID,
	})
	if !ok {
		s.sessions.Cancel(session.ID)
		return
	}
	switch resp.Status {
	case StatusOK:
	case StatusNotFound:
		s.sessions.Cancel(session.ID)
		writeError(w, http.StatusNotFound, "chunk not found")
		return
	default:
		s.sessions.Cancel(session.ID)
		writeError(w, http.StatusBadGateway, "node error: "+resp.Error)
		return
	}
	session.SetExpectedSize(resp.Size)

	timer := time.NewTimer(s.cfg.SessionTTL)
	defer timer.Stop()
	select {
	case <-session.Done():
	case <-timer.C:
		s.sessions.Cancel(session.ID)
		writeError(w, http.StatusGatewayTimeout, "download session timed out")
		return
	case <-r.Context().Done():
		s.sessions.Cancel(session.ID)
		return
	}

	completed, err := s.sessions.Complete(session.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "transfer incomplete; restart the download")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(completed.Bytes())
}
