/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/friendsincode/hermod_studio/internal/config"
)

// Storage abstracts recording artifact storage operations.
type Storage interface {
	Store(ctx context.Context, roomID, recordingID, extension string, file io.Reader) (string, error)
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	URL(path string) string
	CheckAccess(ctx context.Context) error
}

// New creates a storage backend from config. S3 is used when a bucket is
// configured; otherwise recordings stay on the local filesystem.
func New(cfg *config.Config, logger zerolog.Logger) (Storage, error) {
	if cfg.S3Bucket != "" {
		s3cfg := S3Config{
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			Endpoint:        cfg.S3Endpoint,
			PublicBaseURL:   cfg.S3PublicBaseURL,
			UsePathStyle:    cfg.S3UsePathStyle,
		}

		if s3cfg.AccessKeyID == "" || s3cfg.SecretAccessKey == "" {
			logger.Warn().Msg("S3 credentials not configured, some operations may fail")
		}

		s3Storage, err := NewS3Storage(context.Background(), s3cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		return s3Storage, nil
	}

	return NewFilesystemStorage(cfg.MediaRoot, logger), nil
}

// buildRecordingPath constructs a hierarchical storage path for a recording.
func buildRecordingPath(roomID, recordingID, extension string) string {
	// Structure: room_id/recording_id[0:2]/recording_id[2:4]/recording_id.ext
	// This creates a balanced directory structure to avoid too many files in one dir
	if len(recordingID) < 4 {
		return filepath.Join(roomID, recordingID+extension)
	}
	return filepath.Join(roomID, recordingID[0:2], recordingID[2:4], recordingID+extension)
}
