/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants for all sensitive operations.
const (
	AuditActionRoomCreate      AuditAction = "room.create"
	AuditActionRoomClose       AuditAction = "room.close"
	AuditActionParticipantKick AuditAction = "participant.kick"
	AuditActionAdmit           AuditAction = "waitingroom.admit"
	AuditActionReject          AuditAction = "waitingroom.reject"
	AuditActionRecordingStart  AuditAction = "recording.start"
	AuditActionRecordingStop   AuditAction = "recording.stop"
	AuditActionMixTakeover     AuditAction = "mix.takeover"
	AuditActionEncoderFailure  AuditAction = "encoder.failure"
	AuditActionIngestFailure   AuditAction = "ingest.failure"
	AuditActionGreenRoomCreate AuditAction = "greenroom.create"
	AuditActionGreenRoomDelete AuditAction = "greenroom.delete"
	AuditActionInviteCreate    AuditAction = "invite.create"
	AuditActionInviteAccept    AuditAction = "invite.accept"
	AuditActionAPIKeyCreate    AuditAction = "apikey.create"
	AuditActionAPIKeyRevoke    AuditAction = "apikey.revoke"
)

// AuditLog records sensitive operations for security and compliance.
type AuditLog struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	Timestamp    time.Time      `gorm:"index:idx_audit_timestamp;not null"`
	ActorID      *string        `gorm:"type:uuid;index:idx_audit_actor"` // NULL for system actions
	ActorName    string         `gorm:"type:varchar(255)"`               // Denormalized for readability
	ActorEmail   string         `gorm:"type:varchar(255)"`
	RoomID       *string        `gorm:"type:uuid;index:idx_audit_room"` // NULL if platform-wide
	Action       AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null"`
	ResourceType string         `gorm:"type:varchar(64)"` // "room", "participant", "output", etc.
	ResourceID   string         `gorm:"type:uuid"`
	IPAddress    string         `gorm:"type:varchar(64)"`
	UserAgent    string         `gorm:"type:varchar(512)"`
	Details      map[string]any `gorm:"type:jsonb;serializer:json"`
	CreatedAt    time.Time
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}

// ParticipantSession is one analytics span covering a participant's time in
// a room, written on disconnect.
type ParticipantSession struct {
	ID            string          `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID        string          `gorm:"type:uuid;index;not null" json:"roomId"`
	ParticipantID string          `gorm:"type:uuid;index" json:"participantId"`
	UserID        *string         `gorm:"type:uuid" json:"userId,omitempty"`
	DisplayName   string          `json:"displayName"`
	Role          ParticipantRole `gorm:"type:varchar(16)" json:"role"`
	JoinedAt      time.Time       `gorm:"index" json:"joinedAt"`
	LeftAt        time.Time       `json:"leftAt"`
	WaitedMS      int64           `json:"waitedMs"`   // Time spent in the waiting room
	DurationMS    int64           `json:"durationMs"` // Total connected time
	CreatedAt     time.Time       `json:"createdAt"`
}

// TableName returns the table name for GORM.
func (ParticipantSession) TableName() string {
	return "participant_sessions"
}
