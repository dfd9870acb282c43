package media

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage owns the upload directory tree:
// <root>/<roomId>/<timestamp>-<sanitized-basename><ext>
type Storage struct {
	root string
	now  func() time.Time
}

// SaveResult describes one file written to disk.
type SaveResult struct {
	Path      string
	SizeBytes int64
	SHA256    string
}

// NewStorage creates the storage root if needed.
func NewStorage(root string) (*Storage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("storage root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	slog.Debug("storage initialized", "dir", root)
	return &Storage{root: root, now: time.Now}, nil
}

// Save streams r to disk under the room's folder, hashing as it copies.
// The write goes through a temp file and a rename so a failed upload never
// leaves a partial file at the final path.
func (s *Storage) Save(roomID, baseName string, r io.Reader) (SaveResult, error) {
	if r == nil {
		return SaveResult{}, fmt.Errorf("upload reader is required")
	}
	roomDir := filepath.Join(s.root, sanitizeComponent(roomID))
	if err := os.MkdirAll(roomDir, 0o755); err != nil {
		return SaveResult{}, fmt.Errorf("create room directory: %w", err)
	}

	tempFile, err := os.CreateTemp(roomDir, ".upload-*")
	if err != nil {
		return SaveResult{}, fmt.Errorf("create temp upload file: %w", err)
	}
	tempPath := tempFile.Name()

	hasher := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(tempFile, hasher), r)
	closeErr := tempFile.Close()
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return SaveResult{}, fmt.Errorf("write upload bytes: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tempPath)
		return SaveResult{}, fmt.Errorf("close upload file: %w", closeErr)
	}

	finalPath := filepath.Join(roomDir, uploadFilename(s.now(), baseName))
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return SaveResult{}, fmt.Errorf("move upload into place: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	slog.Info("upload stored", "room_id", roomID, "path", finalPath, "size", size)
	return SaveResult{Path: finalPath, SizeBytes: size, SHA256: sum}, nil
}

// SaveBytes writes an already-materialized payload (converted subtitles).
func (s *Storage) SaveBytes(roomID, baseName string, data []byte) (SaveResult, error) {
	return s.Save(roomID, baseName, strings.NewReader(string(data)))
}

// Remove deletes one stored file; best-effort.
func (s *Storage) Remove(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove stored file failed", "path", path, "err", err)
	}
}

// RemoveRoom deletes a room's entire upload folder; best-effort.
func (s *Storage) RemoveRoom(roomID string) {
	dir := filepath.Join(s.root, sanitizeComponent(roomID))
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("remove room folder failed", "dir", dir, "err", err)
	}
}

// uploadFilename builds "<unix-ms>-<sanitized-base><ext>".
func uploadFilename(now time.Time, baseName string) string {
	ext := filepath.Ext(baseName)
	base := strings.TrimSuffix(filepath.Base(baseName), ext)
	base = sanitizeComponent(base)
	if base == "" {
		base = "upload"
	}
	return fmt.Sprintf("%d-%s%s", now.UnixMilli(), base, strings.ToLower(ext))
}

// sanitizeComponent keeps letters, digits, dash, underscore and dot.
func sanitizeComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}
