/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package recordings drives room recordings end to end: each recording is
// backed by a dedicated FILE_RECORDING output whose encoder writes a local
// artifact, and on stop the artifact is pushed through the object store
// while the Recording row walks RECORDING -> PROCESSING -> COMPLETED (or
// FAILED). Uploads run in the background; callers never wait on storage.
package recordings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/storage"
)

// ErrRoomNotFound is returned when the target room doesn't exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrRecordingNotFound is returned when a recording id doesn't resolve.
var ErrRecordingNotFound = errors.New("recording not found")

// ErrRecordingDisabled is returned when the room has recording switched off.
var ErrRecordingDisabled = errors.New("recording is disabled for this room")

// ErrRecordingRunning is returned when a start would overlap an active
// recording in the same room.
var ErrRecordingRunning = errors.New("a recording is already running")

// ErrRecordingNotActive is returned when a stop targets a recording that
// already left the RECORDING state.
var ErrRecordingNotActive = errors.New("recording is not active")

// recordingBitrateKbps is the artifact encode rate. Recordings favour
// quality over bandwidth, so this sits above the streaming default.
const recordingBitrateKbps = 192

// OutputRunner starts and stops supervised encoder outputs.
type OutputRunner interface {
	StartOutput(ctx context.Context, outputID string) error
	StopOutput(ctx context.Context, outputID string) error
}

// Service owns the Recording lifecycle and the artifact hand-off to the
// object store.
type Service struct {
	db        *gorm.DB
	bus       *events.Bus
	store     storage.Storage
	outputs   OutputRunner
	mediaRoot string
	logger    zerolog.Logger
}

// NewService creates the recording service. mediaRoot is the local scratch
// directory the encoder writes artifacts into before upload.
func NewService(db *gorm.DB, bus *events.Bus, store storage.Storage, outputs OutputRunner, mediaRoot string, logger zerolog.Logger) *Service {
	return &Service{
		db:        db,
		bus:       bus,
		store:     store,
		outputs:   outputs,
		mediaRoot: mediaRoot,
		logger:    logger.With().Str("component", "recordings").Logger(),
	}
}

// Run watches the bus for terminal encoder failures and parks the affected
// recordings in FAILED. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	encoderFailed := s.bus.Subscribe(events.EventEncoderFailed)
	defer s.bus.Unsubscribe(events.EventEncoderFailed, encoderFailed)

	s.logger.Info().Msg("recording service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("recording service stopping")
			return

		case payload := <-encoderFailed:
			if retry, _ := payload["will_retry"].(bool); retry {
				continue
			}
			outputID, _ := payload["output_id"].(string)
			if outputID == "" {
				continue
			}
			message, _ := payload["error"].(string)
			s.failForOutput(ctx, outputID, message)
		}
	}
}

// Start begins a new recording for the room: it creates the backing
// FILE_RECORDING output, the Recording row, and hands the output to the
// encoder supervisor.
func (s *Service) Start(ctx context.Context, roomID, startedBy string) (*models.Recording, error) {
	var room models.Room
	if err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("load room: %w", err)
	}
	if !room.RecordingEnabled {
		return nil, ErrRecordingDisabled
	}

	var running int64
	if err := s.db.WithContext(ctx).Model(&models.Recording{}).
		Where("room_id = ? AND status = ?", roomID, models.RecordingActive).
		Count(&running).Error; err != nil {
		return nil, fmt.Errorf("check running recordings: %w", err)
	}
	if running > 0 {
		return nil, ErrRecordingRunning
	}

	recordingID := uuid.NewString()
	artifact := filepath.Join(s.mediaRoot, roomID, recordingID+fileExtension(models.CodecMP3))
	if err := os.MkdirAll(filepath.Dir(artifact), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}

	now := time.Now().UTC()
	out := models.AudioOutput{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		Name:       fmt.Sprintf("Recording %s", now.Format("2006-01-02 15:04:05")),
		Type:       models.OutputFileRecording,
		Codec:      models.CodecMP3,
		Bitrate:    recordingBitrateKbps,
		BusRouting: map[string]float64{string(models.BusPGM): 1.0},
		FilePath:   artifact,
		IsEnabled:  true,
	}
	if err := s.db.WithContext(ctx).Create(&out).Error; err != nil {
		return nil, fmt.Errorf("create recording output: %w", err)
	}

	rec := models.Recording{
		ID:          recordingID,
		RoomID:      roomID,
		OutputID:    &out.ID,
		StartedByID: startedBy,
		Status:      models.RecordingActive,
		StartedAt:   now,
		FilePath:    artifact,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	if err := s.outputs.StartOutput(ctx, out.ID); err != nil {
		s.updateRecording(ctx, rec.ID, map[string]any{"status": models.RecordingFailed})
		s.disableOutput(ctx, out.ID)
		return nil, fmt.Errorf("start recording encoder: %w", err)
	}

	s.bus.Publish(events.EventRecordingStarted, events.Payload{
		"room_id":      roomID,
		"recording_id": rec.ID,
		"output_id":    out.ID,
		"started_by":   startedBy,
	})
	s.logger.Info().
		Str("room_id", roomID).
		Str("recording_id", rec.ID).
		Str("output_id", out.ID).
		Msg("recording started")

	return &rec, nil
}

// Stop ends an active recording: the row moves to PROCESSING with its final
// duration, the encoder is stopped, and the artifact upload proceeds in the
// background.
func (s *Service) Stop(ctx context.Context, recordingID string) (*models.Recording, error) {
	rec, err := s.loadRecording(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.RecordingActive {
		return nil, ErrRecordingNotActive
	}

	now := time.Now().UTC()
	rec.Status = models.RecordingProcessing
	rec.EndedAt = &now
	rec.Duration = now.Sub(rec.StartedAt)
	s.updateRecording(ctx, rec.ID, map[string]any{
		"status":   rec.Status,
		"ended_at": rec.EndedAt,
		"duration": rec.Duration,
	})

	if rec.OutputID != nil {
		// stop blocks until the encoder has exited, so the artifact is
		// flushed and closed before the upload starts.
		if err := s.outputs.StopOutput(ctx, *rec.OutputID); err != nil {
			s.logger.Error().Err(err).Str("output_id", *rec.OutputID).Msg("stop recording encoder")
		}
		s.disableOutput(ctx, *rec.OutputID)
	}

	go s.finalize(*rec)

	s.logger.Info().
		Str("room_id", rec.RoomID).
		Str("recording_id", rec.ID).
		Dur("duration", rec.Duration).
		Msg("recording stopped")

	return rec, nil
}

// Get returns one recording by id.
func (s *Service) Get(ctx context.Context, recordingID string) (*models.Recording, error) {
	return s.loadRecording(ctx, recordingID)
}

// List returns the room's recordings, newest first.
func (s *Service) List(ctx context.Context, roomID string) ([]models.Recording, error) {
	var recs []models.Recording
	if err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("started_at DESC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return recs, nil
}

// DownloadURL resolves the stored artifact location for a completed
// recording.
func (s *Service) DownloadURL(ctx context.Context, recordingID string) (string, error) {
	rec, err := s.loadRecording(ctx, recordingID)
	if err != nil {
		return "", err
	}
	if rec.Status != models.RecordingCompleted || rec.ObjectKey == "" {
		return "", ErrRecordingNotActive
	}
	return s.store.URL(rec.ObjectKey), nil
}

// finalize uploads the local artifact and settles the row in COMPLETED or
// FAILED. Runs detached from the stopping request.
func (s *Service) finalize(rec models.Recording) {
	ctx := context.Background()

	f, err := os.Open(rec.FilePath)
	if err != nil {
		s.fail(ctx, &rec, fmt.Sprintf("open artifact: %v", err))
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		s.fail(ctx, &rec, fmt.Sprintf("stat artifact: %v", err))
		return
	}

	key, err := s.store.Store(ctx, rec.RoomID, rec.ID, filepath.Ext(rec.FilePath), f)
	f.Close()
	if err != nil {
		s.fail(ctx, &rec, fmt.Sprintf("upload artifact: %v", err))
		return
	}

	s.updateRecording(ctx, rec.ID, map[string]any{
		"status":     models.RecordingCompleted,
		"object_key": key,
		"size_bytes": info.Size(),
	})
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", rec.FilePath).Msg("remove local artifact")
	}

	s.bus.Publish(events.EventRecordingCompleted, events.Payload{
		"room_id":      rec.RoomID,
		"recording_id": rec.ID,
		"object_key":   key,
		"size_bytes":   info.Size(),
		"duration":     rec.Duration,
	})
	s.logger.Info().
		Str("recording_id", rec.ID).
		Str("object_key", key).
		Int64("size_bytes", info.Size()).
		Msg("recording completed")
}

// failForOutput marks the recording backed by the given output as FAILED.
// Reached only on terminal encoder failures.
func (s *Service) failForOutput(ctx context.Context, outputID, message string) {
	var rec models.Recording
	err := s.db.WithContext(ctx).
		First(&rec, "output_id = ? AND status = ?", outputID, models.RecordingActive).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Error().Err(err).Str("output_id", outputID).Msg("load recording for failed output")
		}
		return
	}
	if message == "" {
		message = "encoder failed"
	}
	s.fail(ctx, &rec, message)
}

func (s *Service) fail(ctx context.Context, rec *models.Recording, message string) {
	updates := map[string]any{"status": models.RecordingFailed}
	if rec.EndedAt == nil {
		now := time.Now().UTC()
		updates["ended_at"] = &now
		updates["duration"] = now.Sub(rec.StartedAt)
	}
	s.updateRecording(ctx, rec.ID, updates)

	s.bus.Publish(events.EventRecordingFailed, events.Payload{
		"room_id":      rec.RoomID,
		"recording_id": rec.ID,
		"error":        message,
	})
	s.logger.Error().
		Str("room_id", rec.RoomID).
		Str("recording_id", rec.ID).
		Str("error", message).
		Msg("recording failed")
}

func (s *Service) loadRecording(ctx context.Context, recordingID string) (*models.Recording, error) {
	var rec models.Recording
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", recordingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordingNotFound
		}
		return nil, fmt.Errorf("load recording: %w", err)
	}
	return &rec, nil
}

func (s *Service) updateRecording(ctx context.Context, recordingID string, updates map[string]any) {
	if err := s.db.WithContext(ctx).Model(&models.Recording{}).
		Where("id = ?", recordingID).
		Updates(updates).Error; err != nil {
		s.logger.Error().Err(err).Str("recording_id", recordingID).Msg("update recording")
	}
}

func (s *Service) disableOutput(ctx context.Context, outputID string) {
	if err := s.db.WithContext(ctx).Model(&models.AudioOutput{}).
		Where("id = ?", outputID).
		Updates(map[string]any{"is_enabled": false}).Error; err != nil {
		s.logger.Error().Err(err).Str("output_id", outputID).Msg("disable recording output")
	}
}

// fileExtension maps the artifact codec to its container extension, in step
// with the encoder's container selection.
func fileExtension(codec models.OutputCodec) string {
	switch codec {
	case models.CodecAAC:
		return ".aac"
	case models.CodecOpus:
		return ".ogg"
	default:
		return ".mp3"
	}
}
