package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestBuildRecordingPath(t *testing.T) {
	tests := []struct {
		name        string
		roomID      string
		recordingID string
		extension   string
		expected    string
	}{
		{
			name:        "standard path",
			roomID:      "room1",
			recordingID: "abcd1234efgh5678",
			extension:   ".mp3",
			expected:    "room1/ab/cd/abcd1234efgh5678.mp3",
		},
		{
			name:        "short recordingID",
			roomID:      "room2",
			recordingID: "abc",
			extension:   ".ogg",
			expected:    "room2/abc.ogg",
		},
		{
			name:        "exactly 4 chars",
			roomID:      "room3",
			recordingID: "abcd",
			extension:   ".aac",
			expected:    "room3/ab/cd/abcd.aac",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := buildRecordingPath(tt.roomID, tt.recordingID, tt.extension)
			if result != tt.expected {
				t.Errorf("buildRecordingPath() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestFilesystemStoreAndOpen(t *testing.T) {
	dir := t.TempDir()
	fs := NewFilesystemStorage(dir, zerolog.Nop())
	ctx := context.Background()

	path, err := fs.Store(ctx, "room1", "rec12345", ".mp3", strings.NewReader("audio-bytes"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if path != "room1/re/c1/rec12345.mp3" {
		t.Errorf("unexpected storage path %q", path)
	}

	rc, err := fs.Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("read back %q, want audio-bytes", data)
	}

	if err := fs.Delete(ctx, path); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := fs.Open(ctx, path); err == nil {
		t.Error("expected open to fail after delete")
	}

	// Deleting again is not an error.
	if err := fs.Delete(ctx, path); err != nil {
		t.Fatalf("Delete (second): %v", err)
	}
}

func TestFilesystemCheckAccess(t *testing.T) {
	fs := NewFilesystemStorage(t.TempDir(), zerolog.Nop())
	if err := fs.CheckAccess(context.Background()); err != nil {
		t.Fatalf("CheckAccess on existing dir: %v", err)
	}

	missing := NewFilesystemStorage("/does/not/exist", zerolog.Nop())
	if err := missing.CheckAccess(context.Background()); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestS3URL(t *testing.T) {
	t.Run("public base url wins", func(t *testing.T) {
		s := &S3Storage{config: S3Config{
			Bucket:        "recordings",
			PublicBaseURL: "https://cdn.example.com/",
		}}
		if got := s.URL("room1/ab/cd/rec.mp3"); got != "https://cdn.example.com/room1/ab/cd/rec.mp3" {
			t.Errorf("URL() = %q", got)
		}
	})

	t.Run("custom endpoint", func(t *testing.T) {
		s := &S3Storage{config: S3Config{
			Bucket:   "recordings",
			Endpoint: "https://minio.internal:9000",
		}}
		if got := s.URL("room1/rec.mp3"); got != "https://minio.internal:9000/recordings/room1/rec.mp3" {
			t.Errorf("URL() = %q", got)
		}
	})

	t.Run("aws default", func(t *testing.T) {
		s := &S3Storage{config: S3Config{
			Bucket: "recordings",
			Region: "eu-west-1",
		}}
		if got := s.URL("room1/rec.mp3"); got != "https://recordings.s3.eu-west-1.amazonaws.com/room1/rec.mp3" {
			t.Errorf("URL() = %q", got)
		}
	})
}

func TestContentTypeForExtension(t *testing.T) {
	cases := map[string]string{
		".mp3":  "audio/mpeg",
		".aac":  "audio/aac",
		".adts": "audio/aac",
		".ogg":  "audio/ogg",
		".flac": "application/octet-stream",
	}
	for ext, want := range cases {
		if got := contentTypeForExtension(ext); got != want {
			t.Errorf("contentTypeForExtension(%q) = %q, want %q", ext, got, want)
		}
	}
}
