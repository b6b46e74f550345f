// Package snapshots caches the result of each pipeline run for the API and
// for post-hoc inspection.
package snapshots

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tzimas/metascan/internal/domain"
)

// ErrNoSnapshot is returned when no scan has completed yet.
var ErrNoSnapshot = errors.New("no scan snapshot available")

const snapshotsSchema = `
CREATE TABLE IF NOT EXISTS scan_snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    scan_date  TEXT NOT NULL,
    session    TEXT NOT NULL,
    payload    BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_created ON scan_snapshots(created_at);
`

// Repository stores serialized scan results in the cache database
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a snapshot repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "snapshots").Logger(),
	}
}

// InitSchema creates the snapshot table if it does not exist
func (r *Repository) InitSchema() error {
	if _, err := r.db.Exec(snapshotsSchema); err != nil {
		return fmt.Errorf("failed to initialize snapshots schema: %w", err)
	}
	return nil
}

// Store serializes and saves one scan result
func (r *Repository) Store(result *domain.ScanResult) error {
	payload, err := msgpack.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize scan snapshot: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO scan_snapshots (scan_date, session, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		result.ScanDate, string(result.Session), payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store scan snapshot: %w", err)
	}

	r.log.Debug().
		Str("scan_date", result.ScanDate).
		Str("session", string(result.Session)).
		Int("bytes", len(payload)).
		Msg("Scan snapshot stored")

	return nil
}

// Latest returns the most recently stored scan result
func (r *Repository) Latest() (*domain.ScanResult, error) {
	var payload []byte
	err := r.db.QueryRow(`
		SELECT payload FROM scan_snapshots ORDER BY created_at DESC, id DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	}

	var result domain.ScanResult
	if err := msgpack.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to deserialize scan snapshot: %w", err)
	}
	return &result, nil
}

// PruneOlderThan deletes snapshots created before the cutoff
func (r *Repository) PruneOlderThan(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM scan_snapshots WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
