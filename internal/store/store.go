package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUploadNotFound is returned when no upload row exists for an id.
var ErrUploadNotFound = errors.New("upload metadata not found")

// Upload kinds.
const (
	KindMedia    = "media"
	KindSubtitle = "subtitle"
)

// UploadMetadata describes one uploaded file (media or subtitle) on disk.
type UploadMetadata struct {
	ID           string
	RoomID       string
	Kind         string
	OriginalName string
	ContentType  string
	DiskPath     string
	SizeBytes    int64
	Duration     *float64 // seconds, media only
	SHA256       string   // media only
	Format       string   // subtitle only: "vtt" or "ass"
	Language     *string  // subtitle only
	CreatedAt    time.Time
}

// Store persists upload metadata in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	kind TEXT NOT NULL CHECK(kind IN ('media','subtitle')),
	original_name TEXT NOT NULL,
	content_type TEXT NOT NULL,
	disk_path TEXT NOT NULL,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	duration_seconds REAL,
	sha256 TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT '',
	language TEXT,
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_room ON uploads(room_id, kind);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// CreateUpload inserts one upload metadata row.
func (s *Store) CreateUpload(ctx context.Context, meta UploadMetadata) error {
	if strings.TrimSpace(meta.ID) == "" {
		return fmt.Errorf("upload id is required")
	}
	if strings.TrimSpace(meta.RoomID) == "" {
		return fmt.Errorf("upload room id is required")
	}
	if meta.Kind != KindMedia && meta.Kind != KindSubtitle {
		return fmt.Errorf("upload kind must be media or subtitle")
	}
	if strings.TrimSpace(meta.DiskPath) == "" {
		return fmt.Errorf("upload disk path is required")
	}
	if meta.SizeBytes < 0 {
		return fmt.Errorf("upload size must be non-negative")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO uploads (
	id, room_id, kind, original_name, content_type, disk_path,
	size_bytes, duration_seconds, sha256, format, language, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		meta.ID,
		meta.RoomID,
		meta.Kind,
		meta.OriginalName,
		meta.ContentType,
		meta.DiskPath,
		meta.SizeBytes,
		meta.Duration,
		meta.SHA256,
		meta.Format,
		meta.Language,
		meta.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert upload metadata: %w", err)
	}
	slog.Debug("upload metadata created", "upload_id", meta.ID, "room_id", meta.RoomID, "kind", meta.Kind, "size", meta.SizeBytes)
	return nil
}

// UploadByID returns upload metadata scoped to a room.
func (s *Store) UploadByID(ctx context.Context, roomID, id string) (UploadMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return UploadMetadata{}, fmt.Errorf("upload id is required")
	}

	const q = `
SELECT id, room_id, kind, original_name, content_type, disk_path,
       size_bytes, duration_seconds, sha256, format, language, created_at_unix_ms
FROM uploads
WHERE room_id = ? AND id = ?
`
	var (
		meta      UploadMetadata
		duration  sql.NullFloat64
		language  sql.NullString
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, q, roomID, id).Scan(
		&meta.ID,
		&meta.RoomID,
		&meta.Kind,
		&meta.OriginalName,
		&meta.ContentType,
		&meta.DiskPath,
		&meta.SizeBytes,
		&duration,
		&meta.SHA256,
		&meta.Format,
		&language,
		&createdMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UploadMetadata{}, ErrUploadNotFound
		}
		return UploadMetadata{}, fmt.Errorf("query upload metadata: %w", err)
	}

	if duration.Valid {
		d := duration.Float64
		meta.Duration = &d
	}
	if language.Valid {
		l := language.String
		meta.Language = &l
	}
	meta.CreatedAt = time.UnixMilli(createdMs).UTC()
	return meta, nil
}

// ListUploads returns the upload rows for one room, or for every room when
// roomID is empty, newest first.
func (s *Store) ListUploads(ctx context.Context, roomID string) ([]UploadMetadata, error) {
	const q = `
SELECT id, room_id, kind, original_name, content_type, disk_path,
       size_bytes, duration_seconds, sha256, format, language, created_at_unix_ms
FROM uploads
WHERE (? = '' OR room_id = ?)
ORDER BY created_at_unix_ms DESC
`
	rows, err := s.db.QueryContext(ctx, q, roomID, roomID)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var out []UploadMetadata
	for rows.Next() {
		var (
			meta      UploadMetadata
			duration  sql.NullFloat64
			language  sql.NullString
			createdMs int64
		)
		if err := rows.Scan(
			&meta.ID,
			&meta.RoomID,
			&meta.Kind,
			&meta.OriginalName,
			&meta.ContentType,
			&meta.DiskPath,
			&meta.SizeBytes,
			&duration,
			&meta.SHA256,
			&meta.Format,
			&language,
			&createdMs,
		); err != nil {
			return nil, fmt.Errorf("scan upload row: %w", err)
		}
		if duration.Valid {
			d := duration.Float64
			meta.Duration = &d
		}
		if language.Valid {
			l := language.String
			meta.Language = &l
		}
		meta.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Stats returns the total upload count and byte size across all rooms.
func (s *Store) Stats(ctx context.Context) (count int, totalBytes int64, err error) {
	const q = `SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM uploads`
	if err := s.db.QueryRowContext(ctx, q).Scan(&count, &totalBytes); err != nil {
		return 0, 0, fmt.Errorf("query upload stats: %w", err)
	}
	return count, totalBytes, nil
}

// DeleteUpload removes one upload row; missing rows are not an error.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	const q = `DELETE FROM uploads WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("delete upload metadata: %w", err)
	}
	return nil
}

// DeleteRoomUploads removes every upload row for a room.
func (s *Store) DeleteRoomUploads(ctx context.Context, roomID string) error {
	const q = `DELETE FROM uploads WHERE room_id = ?`
	if _, err := s.db.ExecContext(ctx, q, roomID); err != nil {
		return fmt.Errorf("delete room uploads: %w", err)
	}
	slog.Debug("room uploads deleted", "room_id", roomID)
	return nil
}
