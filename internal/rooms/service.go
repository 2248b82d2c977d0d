/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package rooms owns durable room lifecycle: creation, closing, invites,
// green rooms, and participant rows. In-memory media state lives in the
// SFU orchestrator; this package keeps the database and cache in step with
// it and publishes lifecycle events for audit and the socket layer.
package rooms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/auth"
	"github.com/friendsincode/hermod_studio/internal/cache"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

// ErrRoomNotFound is returned when a room doesn't exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrRoomClosed is returned when an operation targets a closed room.
var ErrRoomClosed = errors.New("room is closed")

// ErrRoomFull is returned when a join would exceed the room capacity.
var ErrRoomFull = errors.New("room is full")

// ErrInvalidAccessCode is returned when the supplied access code is wrong.
var ErrInvalidAccessCode = errors.New("invalid access code")

// ErrAccessDenied is returned when a private room is joined without
// credentials or a valid invite token.
var ErrAccessDenied = errors.New("access denied")

// ErrInviteNotFound is returned when an invite token doesn't resolve.
var ErrInviteNotFound = errors.New("invite not found")

// ErrInviteExpired is returned when an invite is past its expiry.
var ErrInviteExpired = errors.New("invite expired")

// ErrInviteUsed is returned when an invite was already accepted.
var ErrInviteUsed = errors.New("invite already accepted")

// ErrNotGreenRoom is returned when a green-room operation targets a room
// without a parent.
var ErrNotGreenRoom = errors.New("room is not a green room")

// ErrParticipantNotFound is returned when a participant row doesn't exist.
var ErrParticipantNotFound = errors.New("participant not found")

const inviteTokenBytes = 24

// MediaCloser tears down a room's in-memory media state.
type MediaCloser interface {
	CloseRoom(roomID string) error
}

// MixPersister snapshots and releases a room's mixer state.
type MixPersister interface {
	PersistState(ctx context.Context, roomID string) error
	ForgetRoom(roomID string)
}

// Service implements room lifecycle over the store.
type Service struct {
	db     *gorm.DB
	bus    *events.Bus
	cache  *cache.Cache
	media  MediaCloser
	mixes  MixPersister
	logger zerolog.Logger
}

// NewService creates a room service. cacheClient, media, and mixes may be
// nil; the corresponding steps are skipped.
func NewService(db *gorm.DB, bus *events.Bus, cacheClient *cache.Cache, media MediaCloser, mixes MixPersister, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		cache:  cacheClient,
		media:  media,
		mixes:  mixes,
		logger: logger.With().Str("component", "rooms").Logger(),
	}
}

// CreateRoomInput carries the caller-supplied fields for a new room.
type CreateRoomInput struct {
	Name             string                `json:"name"`
	Visibility       models.RoomVisibility `json:"visibility"`
	AccessCode       string                `json:"accessCode"`
	MaxParticipants  int                   `json:"maxParticipants"`
	WaitingRoom      bool                  `json:"waitingRoom"`
	RecordingEnabled bool                  `json:"recordingEnabled"`
	CreatedByID      string                `json:"-"`
	OrganizationID   string                `json:"-"`
	Metadata         map[string]any        `json:"metadata"`
}

// CreateRoom creates a live room. Any access code is bcrypt-hashed before it
// touches the database; private rooms get an invite token for link-based
// joins.
func (s *Service) CreateRoom(ctx context.Context, in CreateRoomInput) (*models.Room, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("room name is required")
	}
	if in.Visibility == "" {
		in.Visibility = models.VisibilityPrivate
	}

	room := &models.Room{
		ID:               uuid.NewString(),
		Name:             in.Name,
		Visibility:       in.Visibility,
		IsActive:         true,
		MaxParticipants:  in.MaxParticipants,
		WaitingRoom:      in.WaitingRoom,
		RecordingEnabled: in.RecordingEnabled,
		Type:             models.RoomTypeLive,
		CreatedByID:      in.CreatedByID,
		OrganizationID:   in.OrganizationID,
		Metadata:         in.Metadata,
	}

	if in.AccessCode != "" {
		hash, err := auth.HashAccessCode(in.AccessCode)
		if err != nil {
			return nil, fmt.Errorf("hash access code: %w", err)
		}
		room.AccessCodeHash = hash
	}
	if in.Visibility == models.VisibilityPrivate {
		token, err := randomToken(inviteTokenBytes)
		if err != nil {
			return nil, fmt.Errorf("generate invite token: %w", err)
		}
		room.InviteToken = token
	}

	if err := s.db.WithContext(ctx).Create(room).Error; err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}

	s.invalidateRoom(ctx, room.ID, room.Visibility == models.VisibilityPublic)
	s.bus.Publish(events.EventRoomCreated, events.Payload{
		"room_id":  room.ID,
		"actor_id": in.CreatedByID,
		"name":     room.Name,
		"type":     string(room.Type),
	})
	s.logger.Info().Str("room_id", room.ID).Str("name", room.Name).Msg("room created")
	return room, nil
}

// GetRoom loads the full room row.
func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).First(&room, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room: %w", err)
	}
	return &room, nil
}

// GetRoomInfo returns the lightweight pre-join view of a room, served from
// the cache when possible. This is the lobby's "does it exist, does it need
// a code" check and runs hot.
func (s *Service) GetRoomInfo(ctx context.Context, roomID string) (*cache.CachedRoom, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetRoom(ctx, roomID); ok {
			return cached, nil
		}
	}
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	info := toCachedRoom(room)
	if s.cache != nil {
		if err := s.cache.SetRoom(ctx, info); err != nil {
			s.logger.Debug().Err(err).Str("room_id", roomID).Msg("room cache write failed")
		}
	}
	return info, nil
}

// ListPublicRooms returns active public rooms for discovery, cache-first.
func (s *Service) ListPublicRooms(ctx context.Context) ([]cache.CachedRoom, error) {
	if s.cache != nil {
		if cached, ok := s.cache.GetPublicRoomList(ctx); ok {
			return cached, nil
		}
	}
	var dbRooms []models.Room
	err := s.db.WithContext(ctx).
		Where("visibility = ? AND is_active = ?", models.VisibilityPublic, true).
		Order("created_at DESC").
		Find(&dbRooms).Error
	if err != nil {
		return nil, fmt.Errorf("list public rooms: %w", err)
	}
	list := make([]cache.CachedRoom, 0, len(dbRooms))
	for i := range dbRooms {
		list = append(list, *toCachedRoom(&dbRooms[i]))
	}
	if s.cache != nil {
		if err := s.cache.SetPublicRoomList(ctx, list); err != nil {
			s.logger.Debug().Err(err).Msg("public room list cache write failed")
		}
	}
	return list, nil
}

// ListRoomsFilter narrows ListRooms.
type ListRoomsFilter struct {
	OrganizationID string
	CreatedByID    string
	ActiveOnly     bool
}

// ListRooms returns rooms matching the filter, newest first.
func (s *Service) ListRooms(ctx context.Context, f ListRoomsFilter) ([]models.Room, error) {
	q := s.db.WithContext(ctx).Model(&models.Room{})
	if f.OrganizationID != "" {
		q = q.Where("organization_id = ?", f.OrganizationID)
	}
	if f.CreatedByID != "" {
		q = q.Where("created_by_id = ?", f.CreatedByID)
	}
	if f.ActiveOnly {
		q = q.Where("is_active = ?", true)
	}
	var list []models.Room
	if err := q.Order("created_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return list, nil
}

// UpdateRoomInput patches a room; nil fields are left untouched.
type UpdateRoomInput struct {
	Name             *string                `json:"name"`
	Visibility       *models.RoomVisibility `json:"visibility"`
	AccessCode       *string                `json:"accessCode"`
	MaxParticipants  *int                   `json:"maxParticipants"`
	WaitingRoom      *bool                  `json:"waitingRoom"`
	RecordingEnabled *bool                  `json:"recordingEnabled"`
}

// UpdateRoom applies a partial update. An empty-string access code clears
// the code requirement.
func (s *Service) UpdateRoom(ctx context.Context, roomID string, in UpdateRoomInput) (*models.Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if in.Name != nil {
		updates["name"] = *in.Name
	}
	if in.Visibility != nil {
		updates["visibility"] = *in.Visibility
	}
	if in.MaxParticipants != nil {
		updates["max_participants"] = *in.MaxParticipants
	}
	if in.WaitingRoom != nil {
		updates["waiting_room"] = *in.WaitingRoom
	}
	if in.RecordingEnabled != nil {
		updates["recording_enabled"] = *in.RecordingEnabled
	}
	if in.AccessCode != nil {
		if *in.AccessCode == "" {
			updates["access_code_hash"] = ""
		} else {
			hash, err := auth.HashAccessCode(*in.AccessCode)
			if err != nil {
				return nil, fmt.Errorf("hash access code: %w", err)
			}
			updates["access_code_hash"] = hash
		}
	}
	if len(updates) == 0 {
		return room, nil
	}

	if err := s.db.WithContext(ctx).Model(room).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update room: %w", err)
	}

	s.invalidateRoom(ctx, roomID, true)
	s.bus.Publish(events.EventRoomUpdated, events.Payload{"room_id": roomID})
	return s.GetRoom(ctx, roomID)
}

// CloseRoom shuts a room down: mixer state is persisted, media torn down,
// child green rooms re-homed to the grandparent, participant rows marked
// disconnected, and the row deactivated. Closing an already-closed room is
// a no-op.
func (s *Service) CloseRoom(ctx context.Context, roomID, actorID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsActive {
		return nil
	}

	if s.mixes != nil {
		if err := s.mixes.PersistState(ctx, roomID); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("mix state persist failed on close")
		}
		s.mixes.ForgetRoom(roomID)
	}
	if s.media != nil {
		if err := s.media.CloseRoom(roomID); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("media teardown failed on close")
		}
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Children keep running attached to the grandparent (or detached).
		if err := tx.Model(&models.Room{}).
			Where("parent_id = ? AND is_active = ?", roomID, true).
			Update("parent_id", room.ParentID).Error; err != nil {
			return fmt.Errorf("re-home child rooms: %w", err)
		}
		if err := tx.Model(&models.Participant{}).
			Where("room_id = ? AND is_connected = ?", roomID, true).
			Updates(map[string]any{"is_connected": false, "left_at": now}).Error; err != nil {
			return fmt.Errorf("disconnect participants: %w", err)
		}
		if err := tx.Model(&models.Room{}).
			Where("id = ?", roomID).
			Updates(map[string]any{"is_active": false, "closed_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate room: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateRoomAll(ctx, roomID)
	s.bus.Publish(events.EventRoomClosed, events.Payload{
		"room_id":  roomID,
		"actor_id": actorID,
	})
	s.logger.Info().Str("room_id", roomID).Str("actor_id", actorID).Msg("room closed")
	return nil
}

// CreateInviteInput carries the fields for a new room invite.
type CreateInviteInput struct {
	RoomID      string
	Email       string
	Role        models.ParticipantRole
	CreatedByID string
	TTL         time.Duration
}

// CreateInvite issues a single-use invite token into a room.
func (s *Service) CreateInvite(ctx context.Context, in CreateInviteInput) (*models.RoomInvite, error) {
	room, err := s.GetRoom(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive {
		return nil, ErrRoomClosed
	}
	if in.Role == "" {
		in.Role = models.RoleParticipant
	}

	token, err := randomToken(inviteTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate invite token: %w", err)
	}
	invite := &models.RoomInvite{
		ID:          uuid.NewString(),
		RoomID:      in.RoomID,
		Token:       token,
		Email:       in.Email,
		Role:        in.Role,
		CreatedByID: in.CreatedByID,
	}
	if in.TTL > 0 {
		exp := time.Now().Add(in.TTL)
		invite.ExpiresAt = &exp
	}

	if err := s.db.WithContext(ctx).Create(invite).Error; err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}

	s.bus.Publish(events.EventAuditInviteCreate, events.Payload{
		"actor_id":      in.CreatedByID,
		"room_id":       in.RoomID,
		"resource_type": "invite",
		"resource_id":   invite.ID,
		"email":         in.Email,
	})
	return invite, nil
}

// AcceptInvite marks an invite accepted and returns it. The mark-accepted
// write is guarded so two racing accepts of the same token cannot both
// succeed.
func (s *Service) AcceptInvite(ctx context.Context, token, userID string) (*models.RoomInvite, error) {
	var invite models.RoomInvite
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&invite, "token = ?", token).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInviteNotFound
		}
		if err != nil {
			return fmt.Errorf("load invite: %w", err)
		}
		if invite.ExpiresAt != nil && time.Now().After(*invite.ExpiresAt) {
			return ErrInviteExpired
		}
		if invite.AcceptedAt != nil {
			return ErrInviteUsed
		}

		now := time.Now()
		res := tx.Model(&models.RoomInvite{}).
			Where("id = ? AND accepted_at IS NULL", invite.ID).
			Updates(map[string]any{"accepted_at": now, "accepted_by_id": userID})
		if res.Error != nil {
			return fmt.Errorf("mark invite accepted: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrInviteUsed
		}
		invite.AcceptedAt = &now
		invite.AcceptedByID = &userID
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.EventAuditInviteAccept, events.Payload{
		"actor_id":      userID,
		"room_id":       invite.RoomID,
		"resource_type": "invite",
		"resource_id":   invite.ID,
	})
	return &invite, nil
}

// CreateGreenRoom creates a breakout space attached to a parent room. Green
// rooms inherit the parent's organization and are always private.
func (s *Service) CreateGreenRoom(ctx context.Context, parentID, name, actorID string) (*models.Room, error) {
	parent, err := s.GetRoom(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsActive {
		return nil, ErrRoomClosed
	}

	green := &models.Room{
		ID:             uuid.NewString(),
		Name:           name,
		Visibility:     models.VisibilityPrivate,
		IsActive:       true,
		Type:           models.RoomTypeGreen,
		ParentID:       &parent.ID,
		CreatedByID:    actorID,
		OrganizationID: parent.OrganizationID,
	}
	if err := s.db.WithContext(ctx).Create(green).Error; err != nil {
		return nil, fmt.Errorf("create green room: %w", err)
	}

	s.bus.Publish(events.EventGreenRoomCreated, events.Payload{
		"room_id":   green.ID,
		"parent_id": parent.ID,
		"actor_id":  actorID,
		"name":      name,
	})
	s.logger.Info().Str("room_id", green.ID).Str("parent_id", parent.ID).Msg("green room created")
	return green, nil
}

// DeleteGreenRoom removes a green room. Connected participant rows are
// migrated back to the parent; the socket layer moves the live sessions.
func (s *Service) DeleteGreenRoom(ctx context.Context, roomID, actorID string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if !room.IsGreenRoom() {
		return ErrNotGreenRoom
	}
	parentID := *room.ParentID

	if s.media != nil {
		if err := s.media.CloseRoom(roomID); err != nil {
			s.logger.Warn().Err(err).Str("room_id", roomID).Msg("media teardown failed on green room delete")
		}
	}

	now := time.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Participant{}).
			Where("room_id = ? AND is_connected = ?", roomID, true).
			Update("room_id", parentID).Error; err != nil {
			return fmt.Errorf("migrate participants: %w", err)
		}
		if err := tx.Model(&models.Room{}).
			Where("id = ?", roomID).
			Updates(map[string]any{"is_active": false, "closed_at": now}).Error; err != nil {
			return fmt.Errorf("deactivate green room: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateRoomAll(ctx, roomID)
	s.bus.Publish(events.EventGreenRoomDeleted, events.Payload{
		"room_id":   roomID,
		"parent_id": parentID,
		"actor_id":  actorID,
	})
	return nil
}

// ListGreenRooms returns the active green rooms attached to a parent.
func (s *Service) ListGreenRooms(ctx context.Context, parentID string) ([]models.Room, error) {
	var list []models.Room
	err := s.db.WithContext(ctx).
		Where("parent_id = ? AND is_active = ?", parentID, true).
		Order("created_at ASC").
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list green rooms: %w", err)
	}
	return list, nil
}

// CheckAccess validates a join attempt against the room's access policy.
// Public rooms may require an access code; private rooms require either an
// authenticated user or the room's invite link token.
func (s *Service) CheckAccess(room *models.Room, accessCode string, authenticated bool, inviteToken string) error {
	if !room.IsActive {
		return ErrRoomClosed
	}
	switch room.Visibility {
	case models.VisibilityPublic:
		if room.HasAccessCode() {
			if err := auth.CheckAccessCode(room.AccessCodeHash, accessCode); err != nil {
				return ErrInvalidAccessCode
			}
		}
		return nil
	default:
		if authenticated {
			return nil
		}
		if inviteToken != "" && room.InviteToken != "" && inviteToken == room.InviteToken {
			return nil
		}
		return ErrAccessDenied
	}
}

// ResolveJoinRole picks the role a joiner gets: the room creator is HOST,
// any other authenticated user is PARTICIPANT, everyone else LISTENER.
func (s *Service) ResolveJoinRole(room *models.Room, userID string, authenticated bool) models.ParticipantRole {
	if authenticated && userID != "" && userID == room.CreatedByID {
		return models.RoleHost
	}
	if authenticated {
		return models.RoleParticipant
	}
	return models.RoleListener
}

// JoinInput carries the fields for a new participant row.
type JoinInput struct {
	RoomID            string
	UserID            string
	DisplayName       string
	Role              models.ParticipantRole
	Waiting           bool
	TimeZoneOffsetMin int
}

// CreateParticipant inserts the participant row. The capacity check counts
// currently-connected participants inside the same transaction as the
// insert, so two racing joins cannot both slip under the limit.
func (s *Service) CreateParticipant(ctx context.Context, in JoinInput) (*models.Participant, error) {
	p := &models.Participant{
		ID:                uuid.NewString(),
		RoomID:            in.RoomID,
		DisplayName:       in.DisplayName,
		Role:              in.Role,
		IsConnected:       true,
		IsInWaitingRoom:   in.Waiting,
		TimeZoneOffsetMin: in.TimeZoneOffsetMin,
		JoinedAt:          time.Now(),
	}
	if in.UserID != "" {
		p.UserID = &in.UserID
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var room models.Room
		err := tx.First(&room, "id = ?", in.RoomID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		if err != nil {
			return fmt.Errorf("load room: %w", err)
		}
		if !room.IsActive {
			return ErrRoomClosed
		}
		if room.MaxParticipants > 0 {
			var connected int64
			if err := tx.Model(&models.Participant{}).
				Where("room_id = ? AND is_connected = ?", in.RoomID, true).
				Count(&connected).Error; err != nil {
				return fmt.Errorf("count participants: %w", err)
			}
			if connected >= int64(room.MaxParticipants) {
				return ErrRoomFull
			}
		}
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("create participant: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetParticipant loads a participant row.
func (s *Service) GetParticipant(ctx context.Context, participantID string) (*models.Participant, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).First(&p, "id = ?", participantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load participant: %w", err)
	}
	return &p, nil
}

// ListParticipants returns a room's participant rows, oldest join first.
func (s *Service) ListParticipants(ctx context.Context, roomID string, connectedOnly bool) ([]models.Participant, error) {
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if connectedOnly {
		q = q.Where("is_connected = ?", true)
	}
	var list []models.Participant
	if err := q.Order("joined_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return list, nil
}

// DisconnectParticipant marks a participant row disconnected. Returns true
// when this call flipped the row, false when it was already disconnected,
// so a double disconnect stays a single leave.
func (s *Service) DisconnectParticipant(ctx context.Context, participantID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ? AND is_connected = ?", participantID, true).
		Updates(map[string]any{"is_connected": false, "left_at": time.Now()})
	if res.Error != nil {
		return false, fmt.Errorf("disconnect participant: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AdmitParticipant moves a waiting participant into the room proper.
func (s *Service) AdmitParticipant(ctx context.Context, participantID string) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).
		Update("is_in_waiting_room", false)
	if res.Error != nil {
		return fmt.Errorf("admit participant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// MoveParticipant re-homes a participant row into another room. Used when a
// session hops between a parent room and its green rooms.
func (s *Service) MoveParticipant(ctx context.Context, participantID, toRoomID string) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).
		Update("room_id", toRoomID)
	if res.Error != nil {
		return fmt.Errorf("move participant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// SetParticipantMuted persists a mute flag change.
func (s *Service) SetParticipantMuted(ctx context.Context, participantID string, muted bool) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).
		Update("is_muted", muted)
	if res.Error != nil {
		return fmt.Errorf("set muted: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// SetParticipantRole persists a role change (promote/demote).
func (s *Service) SetParticipantRole(ctx context.Context, participantID string, role models.ParticipantRole) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", participantID).
		Update("role", role)
	if res.Error != nil {
		return fmt.Errorf("set role: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// invalidateRoom drops the cached room entry and, when the room is (or
// was) publicly listed, the discovery list.
func (s *Service) invalidateRoom(ctx context.Context, roomID string, publicList bool) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateRoom(ctx, roomID); err != nil {
		s.logger.Debug().Err(err).Str("room_id", roomID).Msg("room cache invalidation failed")
	}
	if publicList {
		if err := s.cache.InvalidatePublicRoomList(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("public room list invalidation failed")
		}
	}
}

func (s *Service) invalidateRoomAll(ctx context.Context, roomID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateRoomAll(ctx, roomID); err != nil {
		s.logger.Debug().Err(err).Str("room_id", roomID).Msg("room cache invalidation failed")
	}
	if err := s.cache.InvalidatePublicRoomList(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("public room list invalidation failed")
	}
}

func toCachedRoom(r *models.Room) *cache.CachedRoom {
	return &cache.CachedRoom{
		ID:               r.ID,
		Name:             r.Name,
		Visibility:       string(r.Visibility),
		Type:             string(r.Type),
		ParentID:         r.ParentID,
		IsActive:         r.IsActive,
		MaxParticipants:  r.MaxParticipants,
		WaitingRoom:      r.WaitingRoom,
		RecordingEnabled: r.RecordingEnabled,
		HasAccessCode:    r.HasAccessCode(),
	}
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
