// Package storage provides the durable store backing the processing queue:
// the serialized queue snapshot, per-job photo payloads and results, the
// vision cache, usage records for quota accounting, and the encrypted
// marketplace credential.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/raine/resale-pricer/internal/pricing"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the durable store on a single SQLite database.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey []byte
}

// NewSQLiteStore opens (and if necessary creates) the database at dbPath.
// The encryptionKey is used to encrypt the cached marketplace token at rest.
func NewSQLiteStore(dbPath string, encryptionKey []byte) (*SQLiteStore, error) {
	// WAL mode and busy timeout for better concurrency
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:            db,
		encryptionKey: encryptionKey,
	}

	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS queue_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_photos (
			job_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (job_id, idx)
		);`,
		`CREATE TABLE IF NOT EXISTS job_results (
			job_id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS vision_cache (
			photo_hash TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			metadata TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS api_tokens (
			name TEXT PRIMARY KEY,
			encrypted_token TEXT NOT NULL,
			expires_at DATETIME NOT NULL
		);`,
	}

	for _, schema := range schemas {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// SaveQueueState stores the serialized queue snapshot, replacing the previous
// one. The snapshot is written as a single row so each persist is atomic.
func (s *SQLiteStore) SaveQueueState(data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO queue_state (id, data, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, string(data), time.Now())

	if err != nil {
		return fmt.Errorf("failed to save queue state: %w", err)
	}
	return nil
}

// LoadQueueState retrieves the persisted queue snapshot.
// Returns nil, nil when no snapshot has been saved yet.
func (s *SQLiteStore) LoadQueueState() ([]byte, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM queue_state WHERE id = 1").Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue state: %w", err)
	}

	return []byte(data), nil
}

// SaveJobPhotos stores the photo payloads for a job, keyed by job id.
func (s *SQLiteStore) SaveJobPhotos(jobID string, photos [][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM job_photos WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to clear job photos: %w", err)
	}
	for i, photo := range photos {
		if _, err := tx.Exec(
			"INSERT INTO job_photos (job_id, idx, data) VALUES (?, ?, ?)",
			jobID, i, photo,
		); err != nil {
			return fmt.Errorf("failed to save job photo: %w", err)
		}
	}

	return tx.Commit()
}

// LoadJobPhotos retrieves a job's photo payloads in order.
func (s *SQLiteStore) LoadJobPhotos(jobID string) ([][]byte, error) {
	rows, err := s.db.Query(
		"SELECT data FROM job_photos WHERE job_id = ? ORDER BY idx",
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query job photos: %w", err)
	}
	defer rows.Close()

	var photos [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job photo: %w", err)
		}
		photos = append(photos, data)
	}

	return photos, rows.Err()
}

// SaveJobResult stores a job's finalized analysis.
func (s *SQLiteStore) SaveJobResult(jobID string, result *pricing.AnalysisResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal job result: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO job_results (job_id, data)
		VALUES (?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			data = excluded.data,
			created_at = CURRENT_TIMESTAMP
	`, jobID, string(data))

	if err != nil {
		return fmt.Errorf("failed to save job result: %w", err)
	}
	return nil
}

// LoadJobResult retrieves a job's finalized analysis.
// Returns nil, nil when no result is stored.
func (s *SQLiteStore) LoadJobResult(jobID string) (*pricing.AnalysisResult, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM job_results WHERE job_id = ?", jobID).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job result: %w", err)
	}

	var result pricing.AnalysisResult
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
	}

	return &result, nil
}

// DeleteJobData removes a job's photos and result.
func (s *SQLiteStore) DeleteJobData(jobID string) error {
	if _, err := s.db.Exec("DELETE FROM job_photos WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete job photos: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM job_results WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("failed to delete job result: %w", err)
	}
	return nil
}

// GetVisionCache retrieves a cached identification by photo-set hash.
// Returns nil, nil if no cache entry exists.
func (s *SQLiteStore) GetVisionCache(photoHash string) ([]byte, error) {
	var data string
	err := s.db.QueryRow(
		"SELECT data FROM vision_cache WHERE photo_hash = ?",
		photoHash,
	).Scan(&data)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query vision cache: %w", err)
	}

	return []byte(data), nil
}

// SetVisionCache stores an identification in the cache.
func (s *SQLiteStore) SetVisionCache(photoHash string, data []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO vision_cache (photo_hash, data)
		VALUES (?, ?)
		ON CONFLICT(photo_hash) DO UPDATE SET
			data = excluded.data,
			created_at = CURRENT_TIMESTAMP
	`, photoHash, string(data))

	if err != nil {
		return fmt.Errorf("failed to cache vision result: %w", err)
	}
	return nil
}

// RecordUsage appends a billable-usage record for quota accounting.
func (s *SQLiteStore) RecordUsage(kind, metadata string) error {
	_, err := s.db.Exec(
		"INSERT INTO usage_records (kind, metadata, created_at) VALUES (?, ?, ?)",
		kind, metadata, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// CountUsageSince returns the number of usage records of the given kind
// created at or after t.
func (s *SQLiteStore) CountUsageSince(kind string, t time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM usage_records WHERE kind = ? AND created_at >= ?",
		kind, t,
	).Scan(&count)

	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// GetAPIToken retrieves and decrypts a stored API token.
// Returns "" and a zero time when no token is stored.
func (s *SQLiteStore) GetAPIToken(name string) (string, time.Time, error) {
	var encrypted string
	var expiresAt time.Time

	err := s.db.QueryRow(
		"SELECT encrypted_token, expires_at FROM api_tokens WHERE name = ?",
		name,
	).Scan(&encrypted, &expiresAt)

	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to query api token: %w", err)
	}

	token, err := Decrypt(encrypted, s.encryptionKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decrypt api token: %w", err)
	}

	return string(token), expiresAt, nil
}

// SetAPIToken encrypts and stores an API token with its expiry.
func (s *SQLiteStore) SetAPIToken(name string, token string, expiresAt time.Time) error {
	encrypted, err := Encrypt([]byte(token), s.encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt api token: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO api_tokens (name, encrypted_token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			encrypted_token = excluded.encrypted_token,
			expires_at = excluded.expires_at
	`, name, encrypted, expiresAt)

	if err != nil {
		return fmt.Errorf("failed to save api token: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
