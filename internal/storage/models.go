package storage

// Node status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StorageNode is the relay's persisted record of a user-owned storage node.
// The relay never persists chunk bytes; physical cleanup after deletion is
// the node agent's own responsibility.
type StorageNode struct {
	ID            string `json:"id"`
	OwnerUserID   string `json:"owner_user_id"`
	AuthTokenHash []byte `json:"-"`
	Status        string `json:"status"`
	TotalSpace    int64  `json:"total_available_space"`
	UsedSpace     int64  `json:"used_space"`
	NumChunks     int64  `json:"num_chunks"`
	LastSeen      int64  `json:"last_seen"`
	CreatedAt     int64  `json:"created_at"`
}
