/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/hermod_studio/internal/auth"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/rooms"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// handleJoin binds the session to a room: access checks, participant row,
// channel membership, and (unless waiting) SFU registration. The reply hands
// the client everything it needs to negotiate media.
func (s *Session) handleJoin(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		RoomID         string `json:"roomId"`
		DisplayName    string `json:"displayName"`
		AccessCode     string `json:"accessCode"`
		Token          string `json:"token"`
		InviteToken    string `json:"inviteToken"`
		TimeZoneOffset int    `json:"timeZoneOffset"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RoomID == "" {
		return nil, errors.New("roomId is required")
	}
	if req.DisplayName == "" {
		return nil, errors.New("displayName is required")
	}

	s.mu.RLock()
	already := s.participantID != ""
	terminated := s.terminated
	s.mu.RUnlock()
	if terminated {
		return nil, ErrSessionClosed
	}
	if already {
		return nil, ErrAlreadyJoined
	}

	h := s.hub
	room, err := h.rooms.GetRoom(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	// A payload token wins; the upgrade-URL token covers clients that sent
	// their credential at dial time instead.
	token := req.Token
	if token == "" {
		token = s.handshakeToken
	}

	var userID string
	authenticated := false
	if token != "" {
		claims, err := auth.Parse(h.cfg.JWTSecret, token)
		if err != nil {
			return nil, errors.New("invalid token")
		}
		userID = claims.UserID
		authenticated = true
	}

	if err := h.rooms.CheckAccess(room, req.AccessCode, authenticated, req.InviteToken); err != nil {
		return nil, err
	}

	role := h.rooms.ResolveJoinRole(room, userID, authenticated)
	waiting := room.WaitingRoom && !(authenticated && userID == room.CreatedByID)

	participant, err := h.rooms.CreateParticipant(ctx, rooms.JoinInput{
		RoomID:            room.ID,
		UserID:            userID,
		DisplayName:       req.DisplayName,
		Role:              role,
		Waiting:           waiting,
		TimeZoneOffsetMin: req.TimeZoneOffset,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.roomID = room.ID
	s.participantID = participant.ID
	s.displayName = req.DisplayName
	s.userID = userID
	s.authenticated = authenticated
	s.waiting = waiting
	s.joinedAt = participant.JoinedAt
	s.mu.Unlock()

	h.bindParticipant(participant.ID, s)
	h.joinChannel(roomChannel(room.ID), s)
	if waiting {
		h.joinChannel(waitingChannel(room.ID), s)
	}
	if room.IsGreenRoom() {
		// Green-room members hear the parent's IFB.
		h.joinChannel(ifbChannel(*room.ParentID), s)
	}

	s.logger.Info().
		Str("room_id", room.ID).
		Str("participant_id", participant.ID).
		Str("role", string(role)).
		Bool("waiting", waiting).
		Msg("session joined room")

	if waiting {
		telemetry.WaitingRoomOccupancy.Inc()
		h.BroadcastExcept(roomChannel(room.ID), "waitingroom:new-participant", participantPayload(participant), s)
		return events.Payload{
			"participantId": participant.ID,
			"roomId":        room.ID,
			"role":          role,
			"inWaitingRoom": true,
		}, nil
	}

	if err := s.enterMedia(ctx, room.ID); err != nil {
		// Half-state is rolled back so the failed join leaves nothing behind.
		s.rollbackJoin(ctx, participant.ID)
		return nil, err
	}

	telemetry.ParticipantsConnected.Inc()
	h.BroadcastExcept(roomChannel(room.ID), "room:participant-joined", participantPayload(participant), s)
	h.bus.Publish(events.EventParticipantJoined, events.Payload{
		"room_id":        room.ID,
		"participant_id": participant.ID,
		"user_id":        userID,
		"display_name":   req.DisplayName,
		"role":           string(role),
		"joined_at":      participant.JoinedAt.Format(time.RFC3339),
	})

	reply := s.hub.mediaBootstrap(room.ID, participant.ID)
	reply["participantId"] = participant.ID
	reply["role"] = role
	reply["roomName"] = room.Name
	reply["roomType"] = room.Type
	reply["inWaitingRoom"] = false
	if room.ParentID != nil {
		reply["parentRoomId"] = *room.ParentID
	}
	return reply, nil
}

// enterMedia registers the participant with the SFU and, for the room's
// first member, restores any persisted mix state.
func (s *Session) enterMedia(ctx context.Context, roomID string) error {
	h := s.hub
	mediaRoom := h.media.GetOrCreateRoom(roomID)
	first := mediaRoom.ParticipantCount() == 0

	if _, err := h.media.AddParticipant(roomID, s.participant(), s.name()); err != nil && !isBenignMediaErr(err) {
		return fmt.Errorf("register media participant: %w", err)
	}

	if first {
		h.mixes.InitRoom(roomID)
		if err := h.mixes.RestoreState(ctx, roomID); err != nil {
			s.logger.Debug().Err(err).Str("room_id", roomID).Msg("no mix state to restore")
		}
	}
	return nil
}

// rollbackJoin unwinds a join that failed after the participant row was
// created.
func (s *Session) rollbackJoin(ctx context.Context, participantID string) {
	h := s.hub
	if _, err := h.rooms.DisconnectParticipant(ctx, participantID); err != nil {
		s.logger.Warn().Err(err).Str("participant_id", participantID).Msg("join rollback failed")
	}
	h.detach(s)
	s.mu.Lock()
	s.roomID = ""
	s.participantID = ""
	s.waiting = false
	s.mu.Unlock()
}

// handleLeave is the explicit counterpart of a dropped connection.
func (s *Session) handleLeave(ctx context.Context) (events.Payload, error) {
	s.disconnect(ctx)
	return events.Payload{}, nil
}

// handleListParticipants returns the room's connected participants.
func (s *Session) handleListParticipants(ctx context.Context) (events.Payload, error) {
	list, err := s.hub.rooms.ListParticipants(ctx, s.room(), true)
	if err != nil {
		return nil, err
	}
	return events.Payload{"participants": list}, nil
}

// disconnect tears down the session's room presence exactly once. It is safe
// under the race between an explicit room:leave, a transport-close callback,
// and the read loop ending; the row flip decides who broadcasts the leave.
func (s *Session) disconnect(ctx context.Context) {
	s.disconnectOnce.Do(func() {
		s.teardown(ctx)
	})
}

func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	roomID := s.roomID
	pid := s.participantID
	waiting := s.waiting
	mixClient := s.mixClientID
	if mixClient == "" {
		mixClient = pid
	}
	s.terminated = true
	s.mu.Unlock()

	h := s.hub
	if pid == "" {
		h.detach(s)
		return
	}

	h.mixes.Unregister(roomID, mixClient)

	if !waiting {
		if err := h.media.CloseParticipant(roomID, pid); err != nil && !isBenignMediaErr(err) {
			s.logger.Warn().Err(err).Str("participant_id", pid).Msg("media teardown failed")
		}
	}

	flipped, err := h.rooms.DisconnectParticipant(ctx, pid)
	if err != nil {
		s.logger.Warn().Err(err).Str("participant_id", pid).Msg("participant row disconnect failed")
	}

	h.detach(s)

	if flipped {
		if waiting {
			telemetry.WaitingRoomOccupancy.Dec()
			h.Broadcast(roomChannel(roomID), "waitingroom:participant-left", events.Payload{"participantId": pid})
		} else {
			telemetry.ParticipantsConnected.Dec()
			h.Broadcast(roomChannel(roomID), "room:participant-left", events.Payload{"participantId": pid})
		}
		h.bus.Publish(events.EventParticipantLeft, events.Payload{
			"room_id":        roomID,
			"participant_id": pid,
		})
	}

	s.logger.Info().
		Str("room_id", roomID).
		Str("participant_id", pid).
		Bool("was_waiting", waiting).
		Msg("session left room")
}

// participantPayload is the client-facing shape of a participant row.
func participantPayload(p *models.Participant) events.Payload {
	out := events.Payload{
		"participantId": p.ID,
		"roomId":        p.RoomID,
		"displayName":   p.DisplayName,
		"role":          p.Role,
		"isMuted":       p.IsMuted,
		"isSpeaking":    p.IsSpeaking,
		"inWaitingRoom": p.IsInWaitingRoom,
		"joinedAt":      p.JoinedAt,
	}
	if p.UserID != nil {
		out["userId"] = *p.UserID
	}
	return out
}
