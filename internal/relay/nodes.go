package relay

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/obscura/internal/crypto"
	"github.com/ssd-technologies/obscura/internal/storage"
)

// handleRegisterNode creates a StorageNode record for the caller and issues
// its auth token. The token is returned exactly once; only the Argon2 hash
// is persisted.
func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		TotalAvailableSpace int64 `json:"total_available_space"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TotalAvailableSpace <= 0 {
		writeError(w, http.StatusBadRequest, "total_available_space must be positive")
		return
	}

	token := hex.EncodeToString(crypto.GenerateSalt())
	node := &storage.StorageNode{
		ID:            uuid.New().String(),
		OwnerUserID:   userID,
		AuthTokenHash: crypto.HashToken(token),
		Status:        storage.StatusOffline,
		TotalSpace:    req.TotalAvailableSpace,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.db.CreateNode(node); err != nil {
		writeError(w, http.StatusInternalServerError, "create node: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"node_id":    node.ID,
		"auth_token": token,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.UserIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	nodes, err := s.db.ListNodesForUser(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list nodes: "+err.Error())
		return
	}
	if nodes == nil {
		nodes = []storage.StorageNode{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// handleDeleteNode removes a node record on explicit user request. No chunk
// data cascades; physical cleanup is the node agent's own responsibility.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	node, ok := s.ownedNode(w, r)
	if !ok {
		return
	}

	// Drop the live link first so the agent stops receiving commands.
	if conn, err := s.registry.Lookup(node.ID); err == nil {
		s.registry.Unregister(node.ID, conn)
		conn.Close()
	}

	if err := s.db.DeleteNode(node.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "delete node: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ownedNode authorizes the caller and resolves the {nodeID} path value to a
// node they own. Writes the appropriate error and returns false otherwise.
func (s *Server) ownedNode(w http.ResponseWriter, r *http.Request) (*storage.StorageNode, bool) {
	userID, err := s.auth.UserIDFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return nil, false
	}

	node, err := s.db.GetNode(r.PathValue("nodeID"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown node")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get node: "+err.Error())
		return nil, false
	}
	if node.OwnerUserID != userID {
		writeError(w, http.StatusForbidden, "node not owned by caller")
		return nil, false
	}
	return node, true
}
