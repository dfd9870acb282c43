package media

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveWritesHashedFileUnderRoomDir(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewStorage(root)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	s.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	payload := []byte("not really a video")
	res, err := s.Save("MOVIE1", "My Movie (2024).MKV", strings.NewReader(string(payload)))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if res.SizeBytes != int64(len(payload)) {
		t.Fatalf("size = %d, want %d", res.SizeBytes, len(payload))
	}
	sum := sha256.Sum256(payload)
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Fatalf("sha256 mismatch: %s", res.SHA256)
	}

	wantDir := filepath.Join(root, "MOVIE1")
	if filepath.Dir(res.Path) != wantDir {
		t.Fatalf("file outside room dir: %s", res.Path)
	}
	base := filepath.Base(res.Path)
	if !strings.HasPrefix(base, "1700000000000-") || !strings.HasSuffix(base, ".mkv") {
		t.Fatalf("unexpected stored name %q", base)
	}
	if strings.ContainsAny(base, "() ") {
		t.Fatalf("stored name must be sanitized, got %q", base)
	}

	got, err := os.ReadFile(res.Path)
	if err != nil || string(got) != string(payload) {
		t.Fatalf("stored bytes mismatch: %v", err)
	}

	// No temp files may survive a successful save.
	entries, err := os.ReadDir(wantDir)
	if err != nil {
		t.Fatalf("read room dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".upload-") {
			t.Fatalf("leftover temp file %q", e.Name())
		}
	}
}

func TestSaveBytesAndRemove(t *testing.T) {
	t.Parallel()

	s, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}

	res, err := s.SaveBytes("MOVIE1", "movie.vtt", []byte("WEBVTT\n"))
	if err != nil {
		t.Fatalf("save bytes: %v", err)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}

	s.Remove(res.Path)
	if _, err := os.Stat(res.Path); !os.IsNotExist(err) {
		t.Fatalf("file must be removed, stat err = %v", err)
	}
	// Removing again (or removing "") must not panic or log-fail the test.
	s.Remove(res.Path)
	s.Remove("")
}

func TestRemoveRoomDeletesTheWholeFolder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := NewStorage(root)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if _, err := s.SaveBytes("MOVIE1", "a.vtt", []byte("WEBVTT\n")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.SaveBytes("MOVIE1", "b.vtt", []byte("WEBVTT\n")); err != nil {
		t.Fatalf("save: %v", err)
	}

	s.RemoveRoom("MOVIE1")
	if _, err := os.Stat(filepath.Join(root, "MOVIE1")); !os.IsNotExist(err) {
		t.Fatalf("room folder must be gone, stat err = %v", err)
	}
}

func TestUploadFilenameSanitization(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(42)
	cases := []struct{ in, want string }{
		{"movie.mkv", "42-movie.mkv"},
		{"My Movie!.MP4", "42-My_Movie.mp4"},
		{"../../etc/passwd", "42-passwd"},
		{"???", "42-upload"},
	}
	for _, tc := range cases {
		if got := uploadFilename(now, tc.in); got != tc.want {
			t.Errorf("uploadFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
