package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Sanekng/FireGuard/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no camera has the requested id.
var ErrNotFound = errors.New("camera not found")

// ErrClosed is returned by every call made before Open or after Close.
var ErrClosed = errors.New("store not initialized")

// timeLayout is fixed-width so that lexical order on the column equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite database connection and schema lifecycle.
// A single connection is kept open, so transactions are serialized and a
// read-modify-write inside Update is atomic with respect to every other write.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return ErrClosed
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cameras (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			lat REAL NOT NULL,
			lng REAL NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'normal',
			last_log TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cameras_created ON cameras(created_at DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

const cameraColumns = `id, name, description, lat, lng, active, status, last_log, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamera(row rowScanner) (model.Camera, error) {
	var (
		c          model.Camera
		active     int64
		createdStr string
		updatedStr string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Lat, &c.Lng, &active, &c.Status, &c.LastLog, &createdStr, &updatedStr); err != nil {
		return model.Camera{}, err
	}
	c.Active = active != 0
	c.CreatedAt = parseTime(createdStr)
	c.UpdatedAt = parseTime(updatedStr)
	return c, nil
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", v)
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NewID reserves an identifier for a camera about to be inserted.
func (s *Store) NewID() string {
	return uuid.NewString()
}

// Insert persists a new camera. An empty id is assigned by the store.
// The returned value is the stored row.
func (s *Store) Insert(ctx context.Context, c model.Camera) (model.Camera, error) {
	if s.db == nil {
		return model.Camera{}, ErrClosed
	}

	if c.ID == "" {
		c.ID = s.NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO cameras (`+cameraColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		c.ID,
		c.Name,
		c.Description,
		c.Lat,
		c.Lng,
		boolInt(c.Active),
		c.Status,
		c.LastLog,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return model.Camera{}, fmt.Errorf("insert camera: %w", err)
	}

	return c, nil
}

// Get returns the camera with the given id.
func (s *Store) Get(ctx context.Context, id string) (model.Camera, error) {
	if s.db == nil {
		return model.Camera{}, ErrClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?;`, id)
	c, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Camera{}, ErrNotFound
	}
	if err != nil {
		return model.Camera{}, fmt.Errorf("get camera: %w", err)
	}
	return c, nil
}

// Update loads the camera, applies mutate, and writes it back inside one
// transaction. If mutate returns an error nothing is written. The id and
// creation time are restored after mutate so they cannot change.
func (s *Store) Update(ctx context.Context, id string, mutate func(*model.Camera) error) (model.Camera, error) {
	if s.db == nil {
		return model.Camera{}, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Camera{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+cameraColumns+` FROM cameras WHERE id = ?;`, id)
	current, err := scanCamera(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Camera{}, ErrNotFound
	}
	if err != nil {
		return model.Camera{}, fmt.Errorf("load camera: %w", err)
	}

	next := current
	if err := mutate(&next); err != nil {
		return model.Camera{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt

	_, err = tx.ExecContext(
		ctx,
		`UPDATE cameras SET name = ?, description = ?, lat = ?, lng = ?, active = ?, status = ?, last_log = ?, updated_at = ?
		 WHERE id = ?;`,
		next.Name,
		next.Description,
		next.Lat,
		next.Lng,
		boolInt(next.Active),
		next.Status,
		next.LastLog,
		formatTime(next.UpdatedAt),
		id,
	)
	if err != nil {
		return model.Camera{}, fmt.Errorf("update camera: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Camera{}, fmt.Errorf("commit update: %w", err)
	}

	next.UpdatedAt = next.UpdatedAt.UTC()
	return next, nil
}

// Delete removes the camera permanently.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete camera: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete camera: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every camera, newest first.
func (s *Store) List(ctx context.Context) ([]model.Camera, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+cameraColumns+` FROM cameras ORDER BY created_at DESC, seq DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	cameras := make([]model.Camera, 0)
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		cameras = append(cameras, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cameras: %w", err)
	}

	return cameras, nil
}

// InsertIngestionError records a device payload that could not be applied.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return ErrClosed
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (source, payload, error) VALUES (?, ?, ?);`,
		e.Source,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// RecentIngestionErrors returns rejected payloads, newest first.
func (s *Store) RecentIngestionErrors(ctx context.Context, limit int) ([]model.IngestionError, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT source, payload, error, created_at FROM ingestion_errors ORDER BY id DESC LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ingestion errors: %w", err)
	}
	defer rows.Close()

	entries := make([]model.IngestionError, 0)
	for rows.Next() {
		var (
			source, payload sql.NullString
			e               model.IngestionError
			createdStr      string
		)
		if err := rows.Scan(&source, &payload, &e.Error, &createdStr); err != nil {
			return nil, fmt.Errorf("scan ingestion error: %w", err)
		}
		e.Source = source.String
		e.Payload = payload.String
		e.CreatedAt = parseTime(createdStr)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion errors: %w", err)
	}

	return entries, nil
}
