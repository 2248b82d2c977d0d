/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package egress owns the encoder child processes that deliver bus audio to
// Icecast mounts, SRT destinations, and local recording files. Each enabled
// AudioOutput maps to at most one running encoder; the supervisor bridges
// SFU plain-RTP transports into the child via an SDP on stdin and supervises
// restarts, retries, and bus-level changes.
package egress

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

// ErrOutputNotFound is returned when an output row doesn't exist.
var ErrOutputNotFound = errors.New("output not found")

// ErrNoBusProducer is returned when no routed bus has a live producer.
var ErrNoBusProducer = errors.New("no bus producer available")

// retryDelays is the backoff sequence for crashed encoders, clamped at the
// last entry.
var retryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(retryDelays) {
		attempt = len(retryDelays) - 1
	}
	return retryDelays[attempt]
}

// Config holds the supervisor's tunables.
type Config struct {
	FFmpegPath string
	MaxRetries int
	Debounce   time.Duration

	// Bus producer lookup polling, for outputs started before the host
	// produces its buses.
	BusWaitAttempts int
	BusWaitInterval time.Duration
}

// runningEncoder tracks one live child and its SFU-side transports.
type runningEncoder struct {
	proc       *encoderProcess
	roomID     string
	keys       []string
	attempts   int
	restarting bool
}

// Supervisor manages all encoder children for this instance.
type Supervisor struct {
	cfg     Config
	db      *gorm.DB
	bus     *events.Bus
	media   *sfu.Orchestrator
	alerter alerts.Alerter
	logger  zerolog.Logger

	mu        sync.Mutex
	encoders  map[string]*runningEncoder
	starting  map[string]bool
	debounces map[string]*time.Timer
	retries   map[string]*time.Timer
}

// NewSupervisor creates the egress supervisor. alerter may be nil.
func NewSupervisor(cfg Config, db *gorm.DB, bus *events.Bus, media *sfu.Orchestrator, alerter alerts.Alerter, logger zerolog.Logger) *Supervisor {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.BusWaitAttempts <= 0 {
		cfg.BusWaitAttempts = 10
	}
	if cfg.BusWaitInterval <= 0 {
		cfg.BusWaitInterval = 500 * time.Millisecond
	}
	return &Supervisor{
		cfg:       cfg,
		db:        db,
		bus:       bus,
		media:     media,
		alerter:   alerter,
		logger:    logger.With().Str("component", "egress").Logger(),
		encoders:  make(map[string]*runningEncoder),
		starting:  make(map[string]bool),
		debounces: make(map[string]*time.Timer),
		retries:   make(map[string]*time.Timer),
	}
}

// StartOutput starts the encoder for an output. Starting an output whose
// encoder is already running is a no-op. A client start supersedes any
// pending crash retry.
func (s *Supervisor) StartOutput(ctx context.Context, outputID string) error {
	s.mu.Lock()
	if t, ok := s.retries[outputID]; ok {
		t.Stop()
		delete(s.retries, outputID)
	}
	s.mu.Unlock()
	return s.start(ctx, outputID, 0, false)
}

// start resolves bus producers, builds transports, and spawns the child.
// attempts counts prior consecutive failures; restart suppresses the
// "starting" broadcast during a debounced bus-level restart. All spawn
// paths (client start, crash retry, debounced restart) funnel through here
// and the starting guard keeps them from overlapping.
func (s *Supervisor) start(ctx context.Context, outputID string, attempts int, restart bool) error {
	s.mu.Lock()
	if enc, ok := s.encoders[outputID]; ok && enc.proc.isRunning() {
		s.mu.Unlock()
		s.logger.Info().Str("output_id", outputID).Msg("encoder already running")
		return nil
	}
	if s.starting[outputID] {
		s.mu.Unlock()
		s.logger.Info().Str("output_id", outputID).Msg("encoder start already in flight")
		return nil
	}
	s.starting[outputID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, outputID)
		s.mu.Unlock()
	}()

	out, err := s.loadOutput(ctx, outputID)
	if err != nil {
		return err
	}
	if !out.IsEnabled {
		s.logger.Info().Str("output_id", outputID).Msg("output disabled, not starting")
		return nil
	}

	routing := out.BusRouting
	if len(out.ActiveBuses()) == 0 {
		routing = map[string]float64{models.BusPGM: 1.0}
	}

	// Resolve a producer per routed bus. An output enabled before the host
	// produced its buses races bus creation, so each lookup polls.
	var inputs []busInput
	var producerIDs []string
	for _, bus := range models.BusNames() {
		gain := routing[bus]
		if gain <= 0 {
			continue
		}
		producer, err := s.waitForBusProducer(ctx, out.RoomID, bus, s.cfg.BusWaitAttempts, s.cfg.BusWaitInterval)
		if err != nil {
			s.logger.Warn().Str("output_id", outputID).Str("bus", bus).Err(err).Msg("bus producer unavailable, skipping")
			continue
		}
		inputs = append(inputs, busInput{Bus: bus, Gain: gain})
		producerIDs = append(producerIDs, producer.ID())
	}
	if len(inputs) == 0 {
		s.scheduleRetryOrFail(ctx, out, attempts+1, ErrNoBusProducer.Error(), "producer")
		return ErrNoBusProducer
	}

	var keys []string
	cleanup := func() {
		for _, key := range keys {
			if err := s.media.ClosePlainTransport(out.RoomID, key); err != nil && !errors.Is(err, sfu.ErrTransportNotFound) {
				s.logger.Debug().Err(err).Str("key", key).Msg("transport cleanup failed")
			}
		}
	}

	for i := range inputs {
		key := transportKey(outputID, inputs[i].Bus)
		info, err := s.media.CreatePlainTransport(out.RoomID, key)
		if err != nil {
			cleanup()
			s.scheduleRetryOrFail(ctx, out, attempts+1, err.Error(), "transport")
			return fmt.Errorf("create plain transport: %w", err)
		}
		keys = append(keys, key)
		if _, err := s.media.ConsumeWithPlainTransport(out.RoomID, key, producerIDs[i]); err != nil {
			cleanup()
			s.scheduleRetryOrFail(ctx, out, attempts+1, err.Error(), "transport")
			return fmt.Errorf("consume on plain transport: %w", err)
		}
		inputs[i].Port = info.RTPPort
	}

	args, err := encoderArgs(out, inputs)
	if err != nil {
		cleanup()
		s.scheduleRetryOrFail(ctx, out, attempts+1, err.Error(), "config")
		return err
	}
	sdp := encoderSDP(inputs)

	roomID := out.RoomID
	// The exit hook blocks on ready so an instantly-dying child cannot race
	// its own registration.
	ready := make(chan struct{})
	proc, err := startEncoderProcess(outputID, s.cfg.FFmpegPath, args, sdp, s.logger, processHooks{
		OnConnected: func() { s.handleConnected(outputID, roomID) },
		OnExit: func(p *encoderProcess, exitErr error) {
			<-ready
			s.handleExit(p, outputID, roomID, exitErr)
		},
	})
	if err != nil {
		cleanup()
		s.scheduleRetryOrFail(ctx, out, attempts+1, err.Error(), "spawn")
		return err
	}

	s.mu.Lock()
	s.encoders[outputID] = &runningEncoder{proc: proc, roomID: roomID, keys: keys, attempts: attempts}
	s.mu.Unlock()
	telemetry.EncodersActive.Inc()
	close(ready)

	s.updateOutput(ctx, outputID, map[string]any{
		"is_active":     true,
		"is_connected":  false,
		"error_message": "",
		"retry_count":   attempts,
	})
	if !restart {
		s.bus.Publish(events.EventEncoderStarted, events.Payload{
			"room_id":   roomID,
			"output_id": outputID,
			"state":     "starting",
		})
	}
	return nil
}

// StopOutput stops the encoder for an output. Pending restarts and retries
// are cancelled; a missing encoder is a no-op.
func (s *Supervisor) StopOutput(ctx context.Context, outputID string) error {
	s.mu.Lock()
	if t, ok := s.debounces[outputID]; ok {
		t.Stop()
		delete(s.debounces, outputID)
	}
	if t, ok := s.retries[outputID]; ok {
		t.Stop()
		delete(s.retries, outputID)
	}
	enc := s.encoders[outputID]
	s.mu.Unlock()

	if enc == nil {
		s.updateOutput(ctx, outputID, map[string]any{"is_active": false, "is_connected": false})
		return nil
	}
	enc.proc.stop()
	return nil
}

// UpdateBusLevels applies a new bus routing to an output. The room hears
// about the change immediately; the encoder restart is debounced so fader
// drags collapse into one restart.
func (s *Supervisor) UpdateBusLevels(ctx context.Context, outputID string, routing map[string]float64, changedBy string) error {
	out, err := s.loadOutput(ctx, outputID)
	if err != nil {
		return err
	}

	s.bus.Publish(events.EventOutputBusLevels, events.Payload{
		"room_id":     out.RoomID,
		"output_id":   outputID,
		"bus_routing": routing,
		"changed_by":  changedBy,
	})

	if err := s.db.WithContext(ctx).Model(&models.AudioOutput{}).
		Where("id = ?", outputID).
		Select("bus_routing").
		Updates(&models.AudioOutput{BusRouting: routing}).Error; err != nil {
		return fmt.Errorf("persist bus routing: %w", err)
	}
	s.bus.Publish(events.EventOutputUpdated, events.Payload{"room_id": out.RoomID, "output_id": outputID})

	s.mu.Lock()
	enc, running := s.encoders[outputID]
	if !running || !enc.proc.isRunning() {
		s.mu.Unlock()
		return nil
	}
	if t, ok := s.debounces[outputID]; ok {
		t.Stop()
	}
	roomID := enc.roomID
	s.debounces[outputID] = time.AfterFunc(s.cfg.Debounce, func() {
		s.restartForLevels(outputID, roomID)
	})
	s.mu.Unlock()
	return nil
}

// restartForLevels is the debounce callback: stop the running encoder, then
// start one with the current routing. Stop completes before start so the
// destination never sees two writers.
func (s *Supervisor) restartForLevels(outputID, roomID string) {
	s.mu.Lock()
	delete(s.debounces, outputID)
	enc := s.encoders[outputID]
	if enc == nil {
		s.mu.Unlock()
		return
	}
	enc.restarting = true
	keys := enc.keys
	s.mu.Unlock()

	s.bus.Publish(events.EventEncoderStarted, events.Payload{
		"room_id":   roomID,
		"output_id": outputID,
		"state":     "restarting",
	})
	telemetry.EncoderRestartsTotal.WithLabelValues("config").Inc()

	enc.proc.stop()
	for _, key := range keys {
		if err := s.media.ClosePlainTransport(roomID, key); err != nil && !errors.Is(err, sfu.ErrTransportNotFound) {
			s.logger.Debug().Err(err).Str("key", key).Msg("transport cleanup failed")
		}
	}

	if err := s.start(context.Background(), outputID, 0, true); err != nil {
		s.logger.Error().Err(err).Str("output_id", outputID).Msg("restart after bus-level change failed")
	}
}

// handleConnected runs on the child's first progress token.
func (s *Supervisor) handleConnected(outputID, roomID string) {
	ctx := context.Background()
	s.updateOutput(ctx, outputID, map[string]any{
		"is_connected": true,
		"connected_at": time.Now(),
	})
	s.bus.Publish(events.EventEncoderConnected, events.Payload{
		"room_id":   roomID,
		"output_id": outputID,
		"state":     "running",
	})
	s.logger.Info().Str("output_id", outputID).Msg("encoder connected")
}

// handleExit runs once per child process, after Wait returns.
func (s *Supervisor) handleExit(proc *encoderProcess, outputID, roomID string, exitErr error) {
	s.mu.Lock()
	enc, ok := s.encoders[outputID]
	if ok && enc.proc == proc {
		delete(s.encoders, outputID)
	} else {
		enc = nil
	}
	s.mu.Unlock()
	telemetry.EncodersActive.Dec()

	if enc == nil {
		return
	}

	ctx := context.Background()
	s.updateOutput(ctx, outputID, map[string]any{"bytes_streamed": proc.bytes()})

	if enc.restarting {
		// The debounce callback owns transports and the follow-up start.
		return
	}

	for _, key := range enc.keys {
		if err := s.media.ClosePlainTransport(roomID, key); err != nil && !errors.Is(err, sfu.ErrTransportNotFound) {
			s.logger.Debug().Err(err).Str("key", key).Msg("transport cleanup failed")
		}
	}

	if proc.isStopping() {
		s.updateOutput(ctx, outputID, map[string]any{"is_active": false, "is_connected": false})
		s.bus.Publish(events.EventEncoderStopped, events.Payload{
			"room_id":   roomID,
			"output_id": outputID,
			"state":     "stopped",
		})
		s.logger.Info().Str("output_id", outputID).Msg("encoder stopped")
		return
	}

	message := proc.errorLine()
	if message == "" && exitErr != nil {
		message = exitErr.Error()
	}
	if message == "" {
		message = "encoder exited unexpectedly"
	}

	out, err := s.loadOutput(ctx, outputID)
	if err != nil {
		s.logger.Error().Err(err).Str("output_id", outputID).Msg("output lookup after encoder exit failed")
		return
	}
	s.scheduleRetryOrFail(ctx, out, enc.attempts+1, message, "exit")
}

// scheduleRetryOrFail runs the retry policy after any failure: while the
// output stays enabled and the budget holds, arm a delayed restart;
// otherwise park the output in error state and alert.
func (s *Supervisor) scheduleRetryOrFail(ctx context.Context, out *models.AudioOutput, failures int, message, failureType string) {
	telemetry.EncoderFailuresTotal.WithLabelValues(failureType).Inc()

	if out.IsEnabled && failures <= s.cfg.MaxRetries {
		delay := retryDelay(failures - 1)
		s.updateOutput(ctx, out.ID, map[string]any{
			"is_connected":  false,
			"error_message": message,
			"retry_count":   failures,
		})
		s.bus.Publish(events.EventEncoderFailed, events.Payload{
			"room_id":    out.RoomID,
			"output_id":  out.ID,
			"state":      "error",
			"error":      message,
			"will_retry": true,
		})
		telemetry.EncoderRestartsTotal.WithLabelValues("failure").Inc()
		s.logger.Warn().
			Str("output_id", out.ID).
			Int("failures", failures).
			Dur("delay", delay).
			Str("error", message).
			Msg("encoder failed, retrying")

		outputID := out.ID
		s.mu.Lock()
		if t, ok := s.retries[outputID]; ok {
			t.Stop()
		}
		s.retries[outputID] = time.AfterFunc(delay, func() {
			s.mu.Lock()
			delete(s.retries, outputID)
			s.mu.Unlock()
			if err := s.start(context.Background(), outputID, failures, false); err != nil {
				s.logger.Error().Err(err).Str("output_id", outputID).Msg("encoder retry failed")
			}
		})
		s.mu.Unlock()
		return
	}

	s.updateOutput(ctx, out.ID, map[string]any{
		"is_active":     false,
		"is_connected":  false,
		"error_message": message,
		"retry_count":   failures,
	})
	s.bus.Publish(events.EventEncoderFailed, events.Payload{
		"room_id":    out.RoomID,
		"output_id":  out.ID,
		"state":      "error",
		"error":      message,
		"will_retry": false,
	})
	s.logger.Error().Str("output_id", out.ID).Str("error", message).Msg("encoder failed")
	if s.alerter != nil {
		s.alerter.RaiseAlert(ctx, alerts.Alert{
			Type:       alerts.AlertEncoderFailed,
			RoomID:     out.RoomID,
			ResourceID: out.ID,
			Message:    fmt.Sprintf("encoder for output %q failed: %s", out.Name, message),
		})
	}
}

// waitForBusProducer polls the orchestrator for a live bus producer.
func (s *Supervisor) waitForBusProducer(ctx context.Context, roomID, bus string, attempts int, interval time.Duration) (*sfu.Producer, error) {
	for i := 0; i < attempts; i++ {
		producer, err := s.media.GetBusProducer(roomID, bus)
		if err == nil {
			return producer, nil
		}
		if !errors.Is(err, sfu.ErrProducerNotFound) && !errors.Is(err, sfu.ErrRoomNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("bus %s: %w", bus, sfu.ErrProducerNotFound)
}

// Reconcile starts encoders for every enabled output of an active room.
// Called on boot and when this instance gains egress leadership.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	var outputs []models.AudioOutput
	err := s.db.WithContext(ctx).
		Joins("JOIN rooms ON rooms.id = audio_outputs.room_id").
		Where("audio_outputs.is_enabled = ? AND rooms.is_active = ?", true, true).
		Find(&outputs).Error
	if err != nil {
		return fmt.Errorf("list enabled outputs: %w", err)
	}
	for i := range outputs {
		if err := s.StartOutput(ctx, outputs[i].ID); err != nil {
			s.logger.Warn().Err(err).Str("output_id", outputs[i].ID).Msg("reconcile start failed")
		}
	}
	s.logger.Info().Int("outputs", len(outputs)).Msg("egress reconcile complete")
	return nil
}

// StopAll stops every supervised encoder. Called on shutdown and when
// egress leadership moves to another instance.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.encoders))
	for id := range s.encoders {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if err := s.StopOutput(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("output_id", id).Msg("stop failed")
		}
	}
}

// RunningOutputs reports the outputs with a live encoder.
func (s *Supervisor) RunningOutputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.encoders))
	for id, enc := range s.encoders {
		if enc.proc.isRunning() {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Supervisor) loadOutput(ctx context.Context, outputID string) (*models.AudioOutput, error) {
	var out models.AudioOutput
	err := s.db.WithContext(ctx).First(&out, "id = ?", outputID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOutputNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load output: %w", err)
	}
	return &out, nil
}

func (s *Supervisor) updateOutput(ctx context.Context, outputID string, updates map[string]any) {
	if err := s.db.WithContext(ctx).Model(&models.AudioOutput{}).
		Where("id = ?", outputID).
		Updates(updates).Error; err != nil {
		s.logger.Error().Err(err).Str("output_id", outputID).Msg("output row update failed")
	}
}

func transportKey(outputID, bus string) string {
	return outputID + ":" + bus
}
