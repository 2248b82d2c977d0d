/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package ingest owns the child processes that pull external audio into a
// room: SRT and RIST receivers, HTTP stream and file players, and the test
// generators. Each running source feeds Opus RTP into an SFU producer-side
// plain transport; once data flows, the source appears to clients as
// participant "source:<id>". WHIP contribution streams live here too, as a
// bearer-token state machine over the SFU's WebRTC path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/alerts"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/sfu"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// ErrSourceNotFound is returned when a source row doesn't exist.
var ErrSourceNotFound = errors.New("source not found")

// ErrSourceNotStartable is returned for source types with no child process,
// such as PARTICIPANT sources.
var ErrSourceNotStartable = errors.New("source type cannot be started")

// Config holds the supervisor's tunables.
type Config struct {
	FFmpegPath string
	PortMin    int
	PortMax    int

	// ConnectionTimeout bounds the wait for first data; ProgressTimeout is
	// the tighter stall limit once data has flowed.
	ConnectionTimeout time.Duration
	ProgressTimeout   time.Duration
}

// runningSource tracks one live child and its allocated listener port.
type runningSource struct {
	proc    *ingestProcess
	roomID  string
	srcType models.SourceType
	port    int
}

// Supervisor manages all ingest children for this instance. Unlike the
// egress side there is no retry policy: a failed source parks in ERROR and
// waits for the user to start it again.
type Supervisor struct {
	cfg     Config
	db      *gorm.DB
	bus     *events.Bus
	media   *sfu.Orchestrator
	alerter alerts.Alerter
	logger  zerolog.Logger
	ports   *portAllocator

	mu       sync.Mutex
	sources  map[string]*runningSource
	starting map[string]bool
}

// NewSupervisor creates the ingest supervisor. alerter may be nil.
func NewSupervisor(cfg Config, db *gorm.DB, bus *events.Bus, media *sfu.Orchestrator, alerter alerts.Alerter, logger zerolog.Logger) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.PortMin <= 0 {
		cfg.PortMin = 31000
	}
	if cfg.PortMax <= 0 {
		cfg.PortMax = 31999
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.ProgressTimeout <= 0 {
		cfg.ProgressTimeout = 10 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		db:       db,
		bus:      bus,
		media:    media,
		alerter:  alerter,
		logger:   logger.With().Str("component", "ingest").Logger(),
		ports:    newPortAllocator(cfg.PortMin, cfg.PortMax),
		sources:  make(map[string]*runningSource),
		starting: make(map[string]bool),
	}
}

// needsListenerPort reports whether the source binds a local ingest port.
func needsListenerPort(src *models.AudioSource) bool {
	if src.Type != models.SourceSRTStream && src.Type != models.SourceRISTStream {
		return false
	}
	return src.Mode != models.ModeCaller
}

// isConnectionSource reports whether the source carries the per-protocol
// connection state machine.
func isConnectionSource(t models.SourceType) bool {
	return t == models.SourceSRTStream || t == models.SourceRISTStream
}

// StartSource spawns the child for a source. Starting a running source is a
// no-op.
func (s *Supervisor) StartSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	if src, ok := s.sources[sourceID]; ok && src.proc.isRunning() {
		s.mu.Unlock()
		s.logger.Info().Str("source_id", sourceID).Msg("source already running")
		return nil
	}
	if s.starting[sourceID] {
		s.mu.Unlock()
		s.logger.Info().Str("source_id", sourceID).Msg("source start already in flight")
		return nil
	}
	s.starting[sourceID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, sourceID)
		s.mu.Unlock()
	}()

	src, err := s.loadSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if src.Type == models.SourceParticipant {
		return ErrSourceNotStartable
	}

	port := 0
	if needsListenerPort(src) {
		port, err = s.ports.Allocate()
		if err != nil {
			s.failSource(ctx, src, err.Error(), "port")
			return err
		}
	}

	connState := models.ConnIdle
	if isConnectionSource(src.Type) {
		connState = models.ConnListening
		if src.Mode == models.ModeCaller {
			connState = models.ConnConnecting
		}
	}

	s.updateSource(ctx, sourceID, map[string]any{
		"playback_state":   models.PlaybackStarting,
		"connection_state": connState,
		"listener_port":    port,
		"error_message":    "",
		"remote_address":   "",
	})
	s.bus.Publish(events.EventSourceStarted, events.Payload{
		"room_id":          src.RoomID,
		"source_id":        sourceID,
		"playback_state":   string(models.PlaybackStarting),
		"connection_state": string(connState),
		"listener_port":    port,
	})

	info, err := s.media.CreatePlainTransportForProducer(src.RoomID, sourceID)
	if err != nil {
		s.ports.Release(port)
		s.failSource(ctx, src, err.Error(), "transport")
		return fmt.Errorf("create ingest transport: %w", err)
	}

	args, err := sourceArgs(src, port, info.Port)
	if err != nil {
		s.closeTransport(src.RoomID, sourceID)
		s.ports.Release(port)
		s.failSource(ctx, src, err.Error(), "config")
		return err
	}

	roomID := src.RoomID
	srcType := src.Type
	// The exit hook blocks on ready so an instantly-dying child cannot race
	// its own registration.
	ready := make(chan struct{})
	proc, err := startIngestProcess(sourceID, s.cfg.FFmpegPath, args, s.cfg.ConnectionTimeout, s.cfg.ProgressTimeout, s.logger, ingestHooks{
		OnConnected: func() { s.handleConnected(sourceID, roomID) },
		OnExit: func(p *ingestProcess, exitErr error) {
			<-ready
			s.handleExit(p, sourceID, roomID, exitErr)
		},
	})
	if err != nil {
		s.closeTransport(roomID, sourceID)
		s.ports.Release(port)
		s.failSource(ctx, src, err.Error(), "spawn")
		return err
	}

	s.mu.Lock()
	s.sources[sourceID] = &runningSource{proc: proc, roomID: roomID, srcType: srcType, port: port}
	s.mu.Unlock()
	telemetry.IngestSourcesActive.WithLabelValues(string(srcType)).Inc()
	close(ready)
	return nil
}

// StopSource stops the child for a source. With no child running the row is
// normalized to stopped.
func (s *Supervisor) StopSource(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	src := s.sources[sourceID]
	s.mu.Unlock()

	if src == nil {
		s.updateSource(ctx, sourceID, map[string]any{
			"playback_state":   models.PlaybackStopped,
			"connection_state": models.ConnDisconnected,
			"listener_port":    0,
		})
		return nil
	}
	src.proc.stop()
	return nil
}

// handleConnected runs on the child's first progress token: the source is
// receiving (or generating) data, so register the SFU producer and announce
// it to the room.
func (s *Supervisor) handleConnected(sourceID, roomID string) {
	ctx := context.Background()

	producer, err := s.media.CreateProducerOnPlainTransport(roomID, sourceID, sfu.ProducerAppData{Source: sourceID})
	if err != nil {
		s.logger.Error().Err(err).Str("source_id", sourceID).Msg("ingest producer creation failed")
		s.mu.Lock()
		src := s.sources[sourceID]
		s.mu.Unlock()
		if src != nil {
			src.proc.stop()
		}
		return
	}

	updates := map[string]any{"playback_state": models.PlaybackPlaying}
	s.mu.Lock()
	src := s.sources[sourceID]
	s.mu.Unlock()
	connState := models.ConnIdle
	if src != nil && isConnectionSource(src.srcType) {
		connState = models.ConnConnected
		updates["connection_state"] = models.ConnConnected
	}
	if addr, ok := s.media.IngestRemoteAddr(roomID, sourceID); ok {
		updates["remote_address"] = addr
	}
	s.updateSource(ctx, sourceID, updates)

	s.bus.Publish(events.EventSourceConnected, events.Payload{
		"room_id":          roomID,
		"source_id":        sourceID,
		"producer_id":      producer.ID(),
		"participant_id":   "source:" + sourceID,
		"kind":             "audio",
		"playback_state":   string(models.PlaybackPlaying),
		"connection_state": string(connState),
	})
	s.logger.Info().Str("source_id", sourceID).Str("producer_id", producer.ID()).Msg("source connected")
}

// handleExit runs once per child process, after Wait returns. The port and
// transport are released on every path; the row lands in STOPPED for a
// client stop and ERROR otherwise. No retry: the user restarts the source.
func (s *Supervisor) handleExit(proc *ingestProcess, sourceID, roomID string, exitErr error) {
	s.mu.Lock()
	src, ok := s.sources[sourceID]
	if ok && src.proc == proc {
		delete(s.sources, sourceID)
	} else {
		src = nil
	}
	s.mu.Unlock()

	if src == nil {
		return
	}
	telemetry.IngestSourcesActive.WithLabelValues(string(src.srcType)).Dec()

	s.ports.Release(src.port)
	s.closeTransport(roomID, sourceID)

	ctx := context.Background()
	if proc.isStopping() {
		s.updateSource(ctx, sourceID, map[string]any{
			"playback_state":   models.PlaybackStopped,
			"connection_state": connExitState(src.srcType, models.ConnDisconnected),
			"listener_port":    0,
		})
		s.bus.Publish(events.EventSourceStopped, events.Payload{
			"room_id":          roomID,
			"source_id":        sourceID,
			"playback_state":   string(models.PlaybackStopped),
			"connection_state": string(connExitState(src.srcType, models.ConnDisconnected)),
		})
		s.logger.Info().Str("source_id", sourceID).Msg("source stopped")
		return
	}

	message := proc.errorLine()
	if proc.isTimedOut() {
		limit := s.cfg.ConnectionTimeout
		if proc.isConnected() {
			limit = s.cfg.ProgressTimeout
		}
		message = fmt.Sprintf("no progress within %s", limit)
	}
	if message == "" && exitErr != nil {
		message = exitErr.Error()
	}
	if message == "" {
		message = "ingest child exited unexpectedly"
	}

	out, err := s.loadSource(ctx, sourceID)
	if err != nil {
		s.logger.Error().Err(err).Str("source_id", sourceID).Msg("source lookup after exit failed")
		return
	}
	s.failSource(ctx, out, message, "exit")
}

// failSource parks the source in ERROR, broadcasts the failure, and raises
// an ingest alert.
func (s *Supervisor) failSource(ctx context.Context, src *models.AudioSource, message, reason string) {
	telemetry.IngestFailuresTotal.WithLabelValues(string(src.Type), reason).Inc()

	s.updateSource(ctx, src.ID, map[string]any{
		"playback_state":   models.PlaybackError,
		"connection_state": connExitState(src.Type, models.ConnError),
		"error_message":    message,
		"listener_port":    0,
	})
	s.bus.Publish(events.EventSourceFailed, events.Payload{
		"room_id":          src.RoomID,
		"source_id":        src.ID,
		"playback_state":   string(models.PlaybackError),
		"connection_state": string(connExitState(src.Type, models.ConnError)),
		"error":            message,
	})
	s.logger.Error().Str("source_id", src.ID).Str("error", message).Msg("source failed")

	if s.alerter != nil {
		s.alerter.RaiseAlert(ctx, alerts.Alert{
			Type:       alerts.AlertIngestFailed,
			RoomID:     src.RoomID,
			ResourceID: src.ID,
			Message:    fmt.Sprintf("ingest source %q failed: %s", src.Name, message),
		})
	}
}

// connExitState keeps playback-only sources out of the connection state
// machine: they stay IDLE while SRT/RIST land in the given terminal state.
func connExitState(t models.SourceType, state models.ConnectionState) models.ConnectionState {
	if isConnectionSource(t) {
		return state
	}
	return models.ConnIdle
}

func (s *Supervisor) closeTransport(roomID, sourceID string) {
	err := s.media.CloseIngestTransport(roomID, sourceID)
	if err != nil && !errors.Is(err, sfu.ErrTransportNotFound) && !errors.Is(err, sfu.ErrRoomNotFound) {
		s.logger.Debug().Err(err).Str("source_id", sourceID).Msg("ingest transport cleanup failed")
	}
}

// StopAll stops every supervised source. Called on shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.StopSource(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("source_id", id).Msg("stop failed")
		}
	}
}

// RunningSources reports the sources with a live child.
func (s *Supervisor) RunningSources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sources))
	for id, src := range s.sources {
		if src.proc.isRunning() {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllocatedPorts reports how many listener ports are reserved.
func (s *Supervisor) AllocatedPorts() int {
	return s.ports.Allocated()
}

func (s *Supervisor) loadSource(ctx context.Context, sourceID string) (*models.AudioSource, error) {
	var src models.AudioSource
	err := s.db.WithContext(ctx).First(&src, "id = ?", sourceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	return &src, nil
}

func (s *Supervisor) updateSource(ctx context.Context, sourceID string, updates map[string]any) {
	if err := s.db.WithContext(ctx).Model(&models.AudioSource{}).
		Where("id = ?", sourceID).
		Updates(updates).Error; err != nil {
		s.logger.Error().Err(err).Str("source_id", sourceID).Msg("source row update failed")
	}
}
