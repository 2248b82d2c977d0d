package models

import (
	"time"
)

// RoomVisibility controls who can discover and join a room.
type RoomVisibility string

const (
	VisibilityPrivate RoomVisibility = "PRIVATE"
	VisibilityPublic  RoomVisibility = "PUBLIC"
)

// RoomType distinguishes live rooms from their child rooms.
type RoomType string

const (
	RoomTypeLive     RoomType = "LIVE_ROOM"
	RoomTypeGreen    RoomType = "GREEN_ROOM"
	RoomTypeBreakout RoomType = "BREAKOUT"
)

// ParticipantRole enumerates in-room privilege levels.
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "HOST"
	RoleModerator   ParticipantRole = "MODERATOR"
	RoleParticipant ParticipantRole = "PARTICIPANT"
	RoleListener    ParticipantRole = "LISTENER"
)

// PlatformRole is an account-level privilege, distinct from per-room roles.
type PlatformRole string

const (
	PlatformRoleAdmin PlatformRole = "ADMIN"
	PlatformRoleUser  PlatformRole = "USER"
)

// User represents an authenticated account.
type User struct {
	ID             string       `gorm:"type:uuid;primaryKey" json:"id"`
	Email          string       `gorm:"uniqueIndex" json:"email"`
	DisplayName    string       `json:"displayName"`
	PasswordHash   string       `json:"-"`
	PlatformRole   PlatformRole `gorm:"type:varchar(16);default:USER" json:"platformRole"`
	Suspended      bool         `json:"suspended"`
	OrganizationID string       `gorm:"type:uuid;index" json:"organizationId,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsAdmin reports whether the account has platform administration rights.
func (u *User) IsAdmin() bool {
	return u.PlatformRole == PlatformRoleAdmin
}

// Organization groups rooms and users under one account.
type Organization struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex" json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Room is the unit of a broadcast session: contributors join it, the host
// mixes it, and egress outputs hang off it. Green rooms reference their
// parent through ParentID.
type Room struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	Name             string         `gorm:"index" json:"name"`
	Visibility       RoomVisibility `gorm:"type:varchar(16)" json:"visibility"`
	AccessCodeHash   string         `json:"-"`
	InviteToken      string         `gorm:"index" json:"-"`
	IsActive         bool           `gorm:"default:true;index" json:"isActive"`
	MaxParticipants  int            `json:"maxParticipants"`
	WaitingRoom      bool           `json:"waitingRoom"`
	RecordingEnabled bool           `json:"recordingEnabled"`
	Type             RoomType       `gorm:"type:varchar(16);index" json:"type"`
	ParentID         *string        `gorm:"type:uuid;index" json:"parentId,omitempty"`
	CreatedByID      string         `gorm:"type:uuid;index" json:"createdById"`
	OrganizationID   string         `gorm:"type:uuid;index" json:"organizationId,omitempty"`
	MixState         *MixSnapshot   `gorm:"type:jsonb;serializer:json" json:"-"`
	Metadata         map[string]any `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	ClosedAt         *time.Time     `json:"closedAt,omitempty"`
}

// HasAccessCode reports whether joining requires a code.
func (r *Room) HasAccessCode() bool {
	return r.AccessCodeHash != ""
}

// IsGreenRoom reports whether the room is a child of another room.
func (r *Room) IsGreenRoom() bool {
	return r.ParentID != nil && *r.ParentID != ""
}

// Participant is one connected (or recently connected) member of a room.
// The SFU-side counterpart lives in memory; this row is the durable record.
type Participant struct {
	ID                string          `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID            string          `gorm:"type:uuid;index" json:"roomId"`
	UserID            *string         `gorm:"type:uuid;index" json:"userId,omitempty"`
	DisplayName       string          `json:"displayName"`
	Role              ParticipantRole `gorm:"type:varchar(16)" json:"role"`
	IsConnected       bool            `gorm:"index" json:"isConnected"`
	IsSpeaking        bool            `json:"isSpeaking"`
	IsMuted           bool            `json:"isMuted"`
	IsInWaitingRoom   bool            `json:"isInWaitingRoom"`
	TimeZoneOffsetMin int             `json:"timeZoneOffsetMin,omitempty"`
	JoinedAt          time.Time       `json:"joinedAt"`
	LeftAt            *time.Time      `json:"leftAt,omitempty"`
	CreatedAt         time.Time       `json:"-"`
	UpdatedAt         time.Time       `json:"-"`
}

// CanModerate reports whether the role may perform host-level actions.
func (p *Participant) CanModerate() bool {
	return p.Role == RoleHost || p.Role == RoleModerator
}

// RoomInvite is a single-use invitation into a private room.
type RoomInvite struct {
	ID           string          `gorm:"type:uuid;primaryKey" json:"id"`
	RoomID       string          `gorm:"type:uuid;index" json:"roomId"`
	Token        string          `gorm:"uniqueIndex" json:"token"`
	Email        string          `json:"email,omitempty"`
	Role         ParticipantRole `gorm:"type:varchar(16)" json:"role"`
	CreatedByID  string          `gorm:"type:uuid" json:"createdById"`
	ExpiresAt    *time.Time      `json:"expiresAt,omitempty"`
	AcceptedAt   *time.Time      `json:"acceptedAt,omitempty"`
	AcceptedByID *string         `gorm:"type:uuid" json:"acceptedById,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Accepted reports whether the invite has already been used.
func (i *RoomInvite) Accepted() bool {
	return i.AcceptedAt != nil
}

// Expired reports whether the invite is past its expiry.
func (i *RoomInvite) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}
