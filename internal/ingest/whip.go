/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ingest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/sfu"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// ErrWHIPStreamNotFound is returned when a WHIP stream row doesn't exist.
var ErrWHIPStreamNotFound = errors.New("whip stream not found")

// ErrWHIPTokenInvalid is returned when a bearer token matches no stream.
var ErrWHIPTokenInvalid = errors.New("whip bearer token invalid")

const whipTokenBytes = 24

// whipParticipantID is the synthetic SFU participant a WHIP stream publishes
// under.
func whipParticipantID(streamID string) string {
	return "whip:" + streamID
}

// WHIPStreamIDFromParticipant extracts the stream id from a synthetic WHIP
// participant id, if it is one.
func WHIPStreamIDFromParticipant(participantID string) (string, bool) {
	id, ok := strings.CutPrefix(participantID, "whip:")
	return id, ok
}

// WHIPService manages WHIP contribution streams: bearer-token registration,
// the WebRTC offer/answer exchange, and the PENDING, CONNECTING, CONNECTED,
// DISCONNECTED or ERROR state machine broadcast to the room.
type WHIPService struct {
	db     *gorm.DB
	bus    *events.Bus
	media  *sfu.Orchestrator
	logger zerolog.Logger
}

// NewWHIPService creates the WHIP stream service.
func NewWHIPService(db *gorm.DB, bus *events.Bus, media *sfu.Orchestrator, logger zerolog.Logger) *WHIPService {
	return &WHIPService{
		db:     db,
		bus:    bus,
		media:  media,
		logger: logger.With().Str("component", "whip").Logger(),
	}
}

// CreateStream registers a WHIP stream for a room and mints its bearer
// token. The token is returned on the row exactly once; clients must store
// it.
func (s *WHIPService) CreateStream(ctx context.Context, roomID, name string) (*models.WHIPStream, error) {
	buf := make([]byte, whipTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate bearer token: %w", err)
	}

	stream := &models.WHIPStream{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		Name:        name,
		BearerToken: hex.EncodeToString(buf),
		State:       models.WHIPPending,
	}
	if err := s.db.WithContext(ctx).Create(stream).Error; err != nil {
		return nil, fmt.Errorf("create whip stream: %w", err)
	}

	s.publishUpdated(stream)
	s.logger.Info().Str("stream_id", stream.ID).Str("room_id", roomID).Msg("whip stream registered")
	return stream, nil
}

// GetStream fetches one stream by id.
func (s *WHIPService) GetStream(ctx context.Context, streamID string) (*models.WHIPStream, error) {
	var stream models.WHIPStream
	err := s.db.WithContext(ctx).First(&stream, "id = ?", streamID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWHIPStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load whip stream: %w", err)
	}
	return &stream, nil
}

// ListStreams lists a room's streams, newest first.
func (s *WHIPService) ListStreams(ctx context.Context, roomID string) ([]models.WHIPStream, error) {
	var streams []models.WHIPStream
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").
		Find(&streams).Error
	if err != nil {
		return nil, fmt.Errorf("list whip streams: %w", err)
	}
	return streams, nil
}

// DeleteStream revokes a stream: any live publisher is closed, the row is
// removed, and the room hears whip:stream-deleted.
func (s *WHIPService) DeleteStream(ctx context.Context, streamID string) error {
	stream, err := s.GetStream(ctx, streamID)
	if err != nil {
		return err
	}

	if stream.State == models.WHIPConnected {
		telemetry.WHIPSessionsActive.Dec()
	}
	s.closePublisher(stream.RoomID, stream.ID)

	if err := s.db.WithContext(ctx).Delete(&models.WHIPStream{}, "id = ?", streamID).Error; err != nil {
		return fmt.Errorf("delete whip stream: %w", err)
	}

	s.bus.Publish(events.EventWHIPClosed, events.Payload{
		"room_id":   stream.RoomID,
		"stream_id": stream.ID,
	})
	s.logger.Info().Str("stream_id", streamID).Msg("whip stream revoked")
	return nil
}

// Connect performs the WHIP offer/answer exchange. The bearer token selects
// the stream; the offered audio is published into the stream's room under a
// synthetic participant. The answer is returned immediately and the producer
// binds in the background once the client starts sending.
func (s *WHIPService) Connect(ctx context.Context, token, offerSDP string) (string, *models.WHIPStream, error) {
	var stream models.WHIPStream
	err := s.db.WithContext(ctx).First(&stream, "bearer_token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrWHIPTokenInvalid
	}
	if err != nil {
		return "", nil, fmt.Errorf("load whip stream: %w", err)
	}

	pid := whipParticipantID(stream.ID)

	// A republish replaces the previous publisher.
	if stream.State == models.WHIPConnected {
		telemetry.WHIPSessionsActive.Dec()
	}
	s.closePublisher(stream.RoomID, stream.ID)

	s.setState(ctx, &stream, models.WHIPConnecting, "")

	s.media.GetOrCreateRoom(stream.RoomID)
	if _, err := s.media.AddParticipant(stream.RoomID, pid, stream.Name); err != nil {
		s.setState(ctx, &stream, models.WHIPError, err.Error())
		return "", nil, fmt.Errorf("add whip participant: %w", err)
	}

	transport, err := s.media.CreateWebRTCTransport(stream.RoomID, pid, sfu.TransportSend)
	if err != nil {
		s.closePublisher(stream.RoomID, stream.ID)
		s.setState(ctx, &stream, models.WHIPError, err.Error())
		return "", nil, fmt.Errorf("create whip transport: %w", err)
	}

	answer, err := s.media.ConnectTransport(stream.RoomID, pid, transport.ID(), offerSDP)
	if err != nil {
		s.closePublisher(stream.RoomID, stream.ID)
		s.setState(ctx, &stream, models.WHIPError, err.Error())
		return "", nil, fmt.Errorf("connect whip transport: %w", err)
	}

	go s.bindPublisher(stream, pid, transport.ID())
	return answer, &stream, nil
}

// bindPublisher waits for the client's track after the answer is delivered,
// then marks the stream connected and announces the producer.
func (s *WHIPService) bindPublisher(stream models.WHIPStream, pid, transportID string) {
	ctx := context.Background()

	producer, err := s.media.CreateProducer(stream.RoomID, pid, transportID, "audio", sfu.ProducerAppData{
		Source: pid,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("stream_id", stream.ID).Msg("whip publisher never produced a track")
		s.closePublisher(stream.RoomID, stream.ID)
		s.setState(ctx, &stream, models.WHIPError, err.Error())
		return
	}

	s.setState(ctx, &stream, models.WHIPConnected, "")
	telemetry.WHIPSessionsActive.Inc()
	s.bus.Publish(events.EventWHIPConnected, events.Payload{
		"room_id":        stream.RoomID,
		"stream_id":      stream.ID,
		"producer_id":    producer.ID(),
		"participant_id": pid,
		"kind":           "audio",
	})
	s.logger.Info().Str("stream_id", stream.ID).Str("producer_id", producer.ID()).Msg("whip stream connected")
}

// HandleDisconnect runs when the stream's transport closes underneath it.
func (s *WHIPService) HandleDisconnect(ctx context.Context, streamID string) {
	stream, err := s.GetStream(ctx, streamID)
	if err != nil {
		return
	}
	if stream.State == models.WHIPConnected {
		telemetry.WHIPSessionsActive.Dec()
	}
	s.closePublisher(stream.RoomID, stream.ID)
	s.setState(ctx, stream, models.WHIPDisconnected, "")
	s.logger.Info().Str("stream_id", streamID).Msg("whip stream disconnected")
}

// closePublisher drops the stream's synthetic participant, if present.
func (s *WHIPService) closePublisher(roomID, streamID string) {
	err := s.media.CloseParticipant(roomID, whipParticipantID(streamID))
	if err != nil && !errors.Is(err, sfu.ErrParticipantNotFound) && !errors.Is(err, sfu.ErrRoomNotFound) {
		s.logger.Debug().Err(err).Str("stream_id", streamID).Msg("close whip publisher failed")
	}
}

// setState persists and broadcasts a state transition.
func (s *WHIPService) setState(ctx context.Context, stream *models.WHIPStream, state models.WHIPState, errorMessage string) {
	stream.State = state
	stream.ErrorMessage = errorMessage
	err := s.db.WithContext(ctx).Model(&models.WHIPStream{}).
		Where("id = ?", stream.ID).
		Updates(map[string]any{
			"state":         state,
			"error_message": errorMessage,
			"updated_at":    time.Now(),
		}).Error
	if err != nil {
		s.logger.Error().Err(err).Str("stream_id", stream.ID).Msg("whip state update failed")
	}
	s.publishUpdated(stream)
}

func (s *WHIPService) publishUpdated(stream *models.WHIPStream) {
	payload := events.Payload{
		"room_id":   stream.RoomID,
		"stream_id": stream.ID,
		"name":      stream.Name,
		"state":     string(stream.State),
	}
	if stream.ErrorMessage != "" {
		payload["error"] = stream.ErrorMessage
	}
	s.bus.Publish(events.EventWHIPUpdated, payload)
}
