/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

// SessionAnalyticsService records per-participant session spans. It watches
// join/leave events and writes one ParticipantSession row when a participant
// disconnects. Writes are fire-and-forget; failures are logged and dropped.
type SessionAnalyticsService struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	retention time.Duration
}

type pendingJoin struct {
	userID      *string
	displayName string
	role        models.ParticipantRole
	joinedAt    time.Time
	waitedMS    int64
}

// NewSessionAnalyticsService creates a new session analytics service.
func NewSessionAnalyticsService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *SessionAnalyticsService {
	return &SessionAnalyticsService{
		db:        db,
		bus:       bus,
		logger:    logger.With().Str("component", "session_analytics").Logger(),
		retention: 90 * 24 * time.Hour,
	}
}

// Start consumes participant events until the context is cancelled.
func (s *SessionAnalyticsService) Start(ctx context.Context) {
	s.logger.Info().Dur("retention", s.retention).Msg("session analytics started")

	joined := s.bus.Subscribe(events.EventParticipantJoined)
	left := s.bus.Subscribe(events.EventParticipantLeft)
	defer func() {
		s.bus.Unsubscribe(events.EventParticipantJoined, joined)
		s.bus.Unsubscribe(events.EventParticipantLeft, left)
	}()

	pruneTicker := time.NewTicker(time.Hour)
	defer pruneTicker.Stop()

	// Joins still waiting for their matching leave, keyed room/participant.
	pending := make(map[string]pendingJoin)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("session analytics stopped")
			return

		case payload := <-joined:
			s.handleJoined(pending, payload)

		case payload := <-left:
			s.handleLeft(ctx, pending, payload)

		case t := <-pruneTicker.C:
			s.pruneOldSessions(ctx, t)
		}
	}
}

func (s *SessionAnalyticsService) handleJoined(pending map[string]pendingJoin, payload events.Payload) {
	roomID, _ := payload["room_id"].(string)
	participantID, _ := payload["participant_id"].(string)
	if roomID == "" || participantID == "" {
		return
	}

	join := pendingJoin{
		joinedAt: time.Now(),
		waitedMS: payloadInt64(payload, "waited_ms"),
	}
	if userID, ok := payload["user_id"].(string); ok && userID != "" {
		join.userID = &userID
	}
	if name, ok := payload["display_name"].(string); ok {
		join.displayName = name
	}
	if role, ok := payload["role"].(string); ok {
		join.role = models.ParticipantRole(role)
	}
	if ts, ok := payload["joined_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			join.joinedAt = parsed
		}
	}

	pending[roomID+"/"+participantID] = join
}

func (s *SessionAnalyticsService) handleLeft(ctx context.Context, pending map[string]pendingJoin, payload events.Payload) {
	roomID, _ := payload["room_id"].(string)
	participantID, _ := payload["participant_id"].(string)
	if roomID == "" || participantID == "" {
		return
	}

	key := roomID + "/" + participantID
	join, ok := pending[key]
	if !ok {
		// Leave without a tracked join, e.g. after a restart. Nothing to span.
		s.logger.Warn().
			Str("room_id", roomID).
			Str("participant_id", participantID).
			Msg("participant left without tracked join")
		return
	}
	delete(pending, key)

	now := time.Now()
	session := models.ParticipantSession{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		ParticipantID: participantID,
		UserID:        join.userID,
		DisplayName:   join.displayName,
		Role:          join.role,
		JoinedAt:      join.joinedAt.UTC(),
		LeftAt:        now.UTC(),
		WaitedMS:      join.waitedMS,
		DurationMS:    now.Sub(join.joinedAt).Milliseconds(),
		CreatedAt:     now.UTC(),
	}

	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		s.logger.Warn().Err(err).
			Str("room_id", roomID).
			Str("participant_id", participantID).
			Msg("failed to store participant session")
	}
}

func (s *SessionAnalyticsService) pruneOldSessions(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.retention).UTC()
	if err := s.db.WithContext(ctx).Where("left_at < ?", cutoff).Delete(&models.ParticipantSession{}).Error; err != nil {
		s.logger.Warn().Err(err).Msg("failed to prune old participant sessions")
	}
}

// RoomStats aggregates session spans for a room since the given time.
type RoomStats struct {
	Sessions           int64   `json:"sessions"`
	UniqueParticipants int64   `json:"uniqueParticipants"`
	AvgDurationMS      float64 `json:"avgDurationMs"`
	AvgWaitedMS        float64 `json:"avgWaitedMs"`
}

// GetRoomStats returns aggregate session statistics for a room.
func (s *SessionAnalyticsService) GetRoomStats(ctx context.Context, roomID string, since time.Time) (*RoomStats, error) {
	var stats RoomStats

	row := s.db.WithContext(ctx).Raw(`
		SELECT
			COUNT(*) as sessions,
			COUNT(DISTINCT participant_id) as unique_participants,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
			COALESCE(AVG(waited_ms), 0) as avg_waited_ms
		FROM participant_sessions
		WHERE room_id = ? AND left_at >= ?
	`, roomID, since).Row()

	if err := row.Scan(&stats.Sessions, &stats.UniqueParticipants, &stats.AvgDurationMS, &stats.AvgWaitedMS); err != nil {
		return nil, err
	}

	return &stats, nil
}

// RecentSessions returns the most recent session spans for a room.
func (s *SessionAnalyticsService) RecentSessions(ctx context.Context, roomID string, limit int) ([]models.ParticipantSession, error) {
	if limit <= 0 {
		limit = 50
	}

	var sessions []models.ParticipantSession
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("left_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}

	return sessions, nil
}

// payloadInt64 reads an integer payload field regardless of the numeric type
// it was published with.
func payloadInt64(payload events.Payload, key string) int64 {
	switch v := payload[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
