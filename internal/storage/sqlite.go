package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a node record does not exist.
var ErrNotFound = errors.New("storage node not found")

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    owner_user_id TEXT NOT NULL,
    auth_token_hash BLOB NOT NULL,
    status TEXT NOT NULL DEFAULT 'offline',
    total_space INTEGER NOT NULL,
    used_space INTEGER DEFAULT 0,
    num_chunks INTEGER DEFAULT 0,
    last_seen INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_owner ON nodes(owner_user_id);
CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);`
	_, err := d.db.Exec(schema)
	return err
}

// CreateNode inserts a new storage node record.
func (d *DB) CreateNode(n *StorageNode) error {
	_, err := d.db.Exec(
		`INSERT INTO nodes (id, owner_user_id, auth_token_hash, status, total_space, used_space, num_chunks, last_seen, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.OwnerUserID, n.AuthTokenHash, n.Status, n.TotalSpace, n.UsedSpace, n.NumChunks, n.LastSeen, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	return nil
}

// GetNode retrieves a storage node by id.
func (d *DB) GetNode(id string) (*StorageNode, error) {
	n := &StorageNode{}
	err := d.db.QueryRow(
		`SELECT id, owner_user_id, auth_token_hash, status, total_space, used_space, num_chunks, last_seen, created_at
		 FROM nodes WHERE id = ?`, id,
	).Scan(&n.ID, &n.OwnerUserID, &n.AuthTokenHash, &n.Status, &n.TotalSpace, &n.UsedSpace, &n.NumChunks, &n.LastSeen, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ListNodesForUser returns all nodes owned by a user.
func (d *DB) ListNodesForUser(userID string) ([]StorageNode, error) {
	rows, err := d.db.Query(
		`SELECT id, owner_user_id, auth_token_hash, status, total_space, used_space, num_chunks, last_seen, created_at
		 FROM nodes WHERE owner_user_id = ? ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []StorageNode
	for rows.Next() {
		var n StorageNode
		if err := rows.Scan(&n.ID, &n.OwnerUserID, &n.AuthTokenHash, &n.Status, &n.TotalSpace, &n.UsedSpace, &n.NumChunks, &n.LastSeen, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// DeleteNode removes a node record. The relay holds no chunk bytes, so
// nothing cascades.
func (d *DB) DeleteNode(id string) error {
	res, err := d.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNodeStatus flips a node's status on (dis)connect events.
func (d *DB) SetNodeStatus(id, status string, lastSeen int64) error {
	_, err := d.db.Exec(
		`UPDATE nodes SET status = ?, last_seen = ? WHERE id = ?`,
		status, lastSeen, id,
	)
	if err != nil {
		return fmt.Errorf("set node status: %w", err)
	}
	return nil
}

// UpdateNodeUsage records an unsolicited status push from a node.
func (d *DB) UpdateNodeUsage(id string, usedSpace, numChunks, lastSeen int64) error {
	_, err := d.db.Exec(
		`UPDATE nodes SET used_space = ?, num_chunks = ?, last_seen = ? WHERE id = ?`,
		usedSpace, numChunks, lastSeen, id,
	)
	if err != nil {
		return fmt.Errorf("update node usage: %w", err)
	}
	return nil
}

// CountNodes returns total and online node counts.
func (d *DB) CountNodes() (total, online int, err error) {
	err = d.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(status = 'online'), 0) FROM nodes`,
	).Scan(&total, &online)
	if err != nil {
		return 0, 0, fmt.Errorf("count nodes: %w", err)
	}
	return total, online, nil
}
