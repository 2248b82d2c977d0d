/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// handleHostKick removes a participant from the room. The target's session,
// if it lives on this instance, is closed; the row flip and the broadcasts
// work regardless.
func (s *Session) handleHostKick(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		ParticipantID string `json:"participantId"`
		Reason        string `json:"reason"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" {
		return nil, errors.New("participantId is required")
	}
	if req.ParticipantID == actor.ID {
		return nil, errors.New("cannot kick yourself")
	}

	roomID := s.room()
	target, err := s.hub.rooms.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if target.RoomID != roomID {
		return nil, errors.New("participant is not in this room")
	}

	s.hub.sendToParticipant(target.ID, "room:kicked", events.Payload{
		"reason":   req.Reason,
		"kickedBy": actor.ID,
	})

	if ts := s.hub.sessionFor(target.ID); ts != nil {
		ts.forceClose("kicked")
	} else {
		// Remote or already-gone session: flip the row and tell the room.
		flipped, err := s.hub.rooms.DisconnectParticipant(ctx, target.ID)
		if err != nil {
			return nil, err
		}
		if err := s.hub.media.CloseParticipant(roomID, target.ID); err != nil && !isBenignMediaErr(err) {
			s.logger.Warn().Err(err).Str("participant_id", target.ID).Msg("kick media teardown failed")
		}
		if flipped {
			s.hub.Broadcast(roomChannel(roomID), "room:participant-left", events.Payload{"participantId": target.ID})
		}
	}

	s.hub.bus.Publish(events.EventParticipantKicked, events.Payload{
		"room_id":       roomID,
		"actor_id":      actor.ID,
		"resource_type": "participant",
		"resource_id":   target.ID,
		"reason":        req.Reason,
	})
	return events.Payload{}, nil
}

// handleHostCloseRoom ends the broadcast session for everyone. The room
// service persists mix state, tears down media, and publishes the close; the
// hub reacts by force-closing every session in the channel.
func (s *Session) handleHostCloseRoom(ctx context.Context) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.hub.rooms.CloseRoom(ctx, s.room(), actor.ID); err != nil {
		return nil, err
	}
	return events.Payload{}, nil
}

// handleHostAdmit pulls a waiting participant into the room proper and hands
// them the media bootstrap they skipped at join.
func (s *Session) handleHostAdmit(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		ParticipantID string `json:"participantId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" {
		return nil, errors.New("participantId is required")
	}

	roomID := s.room()
	target, err := s.hub.rooms.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if target.RoomID != roomID {
		return nil, errors.New("participant is not in this room")
	}
	if !target.IsInWaitingRoom {
		return nil, errors.New("participant is not waiting")
	}

	if err := s.hub.rooms.AdmitParticipant(ctx, target.ID); err != nil {
		return nil, err
	}
	telemetry.WaitingRoomOccupancy.Dec()
	telemetry.ParticipantsConnected.Inc()

	waitedMS := time.Since(target.JoinedAt).Milliseconds()

	if ts := s.hub.sessionFor(target.ID); ts != nil {
		ts.setAdmitted()
		s.hub.leaveChannel(waitingChannel(roomID), ts)

		if err := ts.enterMedia(ctx, roomID); err != nil {
			s.logger.Warn().Err(err).Str("participant_id", target.ID).Msg("admit media registration failed")
		}
		boot := s.hub.mediaBootstrap(roomID, target.ID)
		s.hub.sendToParticipant(target.ID, "waitingroom:admitted", boot)
	} else {
		// Session on another instance (or gone): the relayed broadcast still
		// reaches the client, which re-negotiates media itself.
		s.hub.Broadcast(waitingChannel(roomID), "waitingroom:admitted", events.Payload{
			"participantId": target.ID,
			"roomId":        roomID,
		})
	}

	target.IsInWaitingRoom = false
	s.hub.BroadcastExcept(roomChannel(roomID), "room:participant-joined", participantPayload(target), s.hub.sessionFor(target.ID))

	s.hub.bus.Publish(events.EventWaitingRoomAdmitted, events.Payload{
		"room_id":       roomID,
		"actor_id":      actor.ID,
		"resource_type": "participant",
		"resource_id":   target.ID,
	})
	var userID string
	if target.UserID != nil {
		userID = *target.UserID
	}
	s.hub.bus.Publish(events.EventParticipantJoined, events.Payload{
		"room_id":        roomID,
		"participant_id": target.ID,
		"user_id":        userID,
		"display_name":   target.DisplayName,
		"role":           string(target.Role),
		"waited_ms":      waitedMS,
		"joined_at":      time.Now().Format(time.RFC3339),
	})
	return events.Payload{"participantId": target.ID}, nil
}

// handleHostReject turns a waiting participant away.
func (s *Session) handleHostReject(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireModerator(ctx)
	if err != nil {
		return nil, err
	}

	var req struct {
		ParticipantID string `json:"participantId"`
		Reason        string `json:"reason"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" {
		return nil, errors.New("participantId is required")
	}

	roomID := s.room()
	target, err := s.hub.rooms.GetParticipant(ctx, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if target.RoomID != roomID || !target.IsInWaitingRoom {
		return nil, errors.New("participant is not waiting in this room")
	}

	s.hub.sendToParticipant(target.ID, "waitingroom:rejected", events.Payload{
		"reason": req.Reason,
	})

	if ts := s.hub.sessionFor(target.ID); ts != nil {
		ts.forceClose("rejected")
	} else {
		if flipped, err := s.hub.rooms.DisconnectParticipant(ctx, target.ID); err != nil {
			return nil, err
		} else if flipped {
			telemetry.WaitingRoomOccupancy.Dec()
			s.hub.Broadcast(roomChannel(roomID), "waitingroom:participant-left", events.Payload{"participantId": target.ID})
		}
	}

	s.hub.bus.Publish(events.EventWaitingRoomRejected, events.Payload{
		"room_id":       roomID,
		"actor_id":      actor.ID,
		"resource_type": "participant",
		"resource_id":   target.ID,
		"reason":        req.Reason,
	})
	return events.Payload{}, nil
}
