/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

// Service handles audit logging by subscribing to events and storing audit entries.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to relevant events and logs them as audit entries.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	// Subscribe to room lifecycle events
	roomCreated := s.bus.Subscribe(events.EventRoomCreated)
	roomClosed := s.bus.Subscribe(events.EventRoomClosed)
	greenRoomCreated := s.bus.Subscribe(events.EventGreenRoomCreated)
	greenRoomDeleted := s.bus.Subscribe(events.EventGreenRoomDeleted)

	// Subscribe to moderation events
	participantKicked := s.bus.Subscribe(events.EventParticipantKicked)
	waitingAdmitted := s.bus.Subscribe(events.EventWaitingRoomAdmitted)
	waitingRejected := s.bus.Subscribe(events.EventWaitingRoomRejected)
	mixTakeover := s.bus.Subscribe(events.EventMixTakeover)

	// Subscribe to media failure events
	encoderFailed := s.bus.Subscribe(events.EventEncoderFailed)
	sourceFailed := s.bus.Subscribe(events.EventSourceFailed)

	// Subscribe to recording events
	recordingStarted := s.bus.Subscribe(events.EventRecordingStarted)
	recordingCompleted := s.bus.Subscribe(events.EventRecordingCompleted)
	recordingFailed := s.bus.Subscribe(events.EventRecordingFailed)

	// Subscribe to audit-specific events
	auditAPIKeyCreate := s.bus.Subscribe(events.EventAuditAPIKeyCreate)
	auditAPIKeyRevoke := s.bus.Subscribe(events.EventAuditAPIKeyRevoke)
	auditInviteCreate := s.bus.Subscribe(events.EventAuditInviteCreate)
	auditInviteAccept := s.bus.Subscribe(events.EventAuditInviteAccept)

	defer func() {
		s.bus.Unsubscribe(events.EventRoomCreated, roomCreated)
		s.bus.Unsubscribe(events.EventRoomClosed, roomClosed)
		s.bus.Unsubscribe(events.EventGreenRoomCreated, greenRoomCreated)
		s.bus.Unsubscribe(events.EventGreenRoomDeleted, greenRoomDeleted)
		s.bus.Unsubscribe(events.EventParticipantKicked, participantKicked)
		s.bus.Unsubscribe(events.EventWaitingRoomAdmitted, waitingAdmitted)
		s.bus.Unsubscribe(events.EventWaitingRoomRejected, waitingRejected)
		s.bus.Unsubscribe(events.EventMixTakeover, mixTakeover)
		s.bus.Unsubscribe(events.EventEncoderFailed, encoderFailed)
		s.bus.Unsubscribe(events.EventSourceFailed, sourceFailed)
		s.bus.Unsubscribe(events.EventRecordingStarted, recordingStarted)
		s.bus.Unsubscribe(events.EventRecordingCompleted, recordingCompleted)
		s.bus.Unsubscribe(events.EventRecordingFailed, recordingFailed)
		s.bus.Unsubscribe(events.EventAuditAPIKeyCreate, auditAPIKeyCreate)
		s.bus.Unsubscribe(events.EventAuditAPIKeyRevoke, auditAPIKeyRevoke)
		s.bus.Unsubscribe(events.EventAuditInviteCreate, auditInviteCreate)
		s.bus.Unsubscribe(events.EventAuditInviteAccept, auditInviteAccept)
	}()

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case payload := <-roomCreated:
			s.logAuditEntry(ctx, models.AuditActionRoomCreate, payload)

		case payload := <-roomClosed:
			s.logAuditEntry(ctx, models.AuditActionRoomClose, payload)

		case payload := <-greenRoomCreated:
			s.logAuditEntry(ctx, models.AuditActionGreenRoomCreate, payload)

		case payload := <-greenRoomDeleted:
			s.logAuditEntry(ctx, models.AuditActionGreenRoomDelete, payload)

		case payload := <-participantKicked:
			s.logAuditEntry(ctx, models.AuditActionParticipantKick, payload)

		case payload := <-waitingAdmitted:
			s.logAuditEntry(ctx, models.AuditActionAdmit, payload)

		case payload := <-waitingRejected:
			s.logAuditEntry(ctx, models.AuditActionReject, payload)

		case payload := <-mixTakeover:
			s.logAuditEntry(ctx, models.AuditActionMixTakeover, payload)

		case payload := <-encoderFailed:
			s.logAuditEntry(ctx, models.AuditActionEncoderFailure, payload)

		case payload := <-sourceFailed:
			s.logAuditEntry(ctx, models.AuditActionIngestFailure, payload)

		case payload := <-recordingStarted:
			s.logAuditEntry(ctx, models.AuditActionRecordingStart, payload)

		case payload := <-recordingCompleted:
			s.logAuditEntry(ctx, models.AuditActionRecordingStop, payload)

		case payload := <-recordingFailed:
			s.logAuditEntry(ctx, models.AuditActionRecordingStop, payload)

		case payload := <-auditAPIKeyCreate:
			s.logAuditEntry(ctx, models.AuditActionAPIKeyCreate, payload)

		case payload := <-auditAPIKeyRevoke:
			s.logAuditEntry(ctx, models.AuditActionAPIKeyRevoke, payload)

		case payload := <-auditInviteCreate:
			s.logAuditEntry(ctx, models.AuditActionInviteCreate, payload)

		case payload := <-auditInviteAccept:
			s.logAuditEntry(ctx, models.AuditActionInviteAccept, payload)
		}
	}
}

// logAuditEntry creates an audit log entry from an event payload.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Action:    action,
		Details:   make(map[string]any),
		CreatedAt: time.Now(),
	}

	// Extract actor info
	if actorID, ok := payload["actor_id"].(string); ok && actorID != "" {
		entry.ActorID = &actorID
	}
	if actorName, ok := payload["actor_name"].(string); ok {
		entry.ActorName = actorName
	}
	if actorEmail, ok := payload["actor_email"].(string); ok {
		entry.ActorEmail = actorEmail
	}

	// Extract room info
	if roomID, ok := payload["room_id"].(string); ok && roomID != "" {
		entry.RoomID = &roomID
	}

	// Extract resource info
	if resourceType, ok := payload["resource_type"].(string); ok {
		entry.ResourceType = resourceType
	}
	if resourceID, ok := payload["resource_id"].(string); ok {
		entry.ResourceID = resourceID
	}

	// Extract request context
	if ipAddress, ok := payload["ip_address"].(string); ok {
		entry.IPAddress = ipAddress
	}
	if userAgent, ok := payload["user_agent"].(string); ok {
		entry.UserAgent = userAgent
	}

	// Copy remaining fields to details
	for k, v := range payload {
		switch k {
		case "actor_id", "actor_name", "actor_email", "room_id", "resource_type", "resource_id", "ip_address", "user_agent":
			// Already extracted
		default:
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).
			Str("action", string(action)).
			Msg("failed to log audit entry")
	}
}

// Log records an audit entry directly (for non-event-bus actions).
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}

	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return err
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	ActorID   *string
	RoomID    *string
	Action    *models.AuditAction
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

// Query retrieves audit logs with filters.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.ActorID != nil {
		query = query.Where("actor_id = ?", *filters.ActorID)
	}
	if filters.RoomID != nil {
		query = query.Where("room_id = ?", *filters.RoomID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	// Count total
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// Apply pagination
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	} else {
		query = query.Limit(100) // Default limit
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	// Order by timestamp descending (most recent first)
	if err := query.Order("timestamp DESC").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
