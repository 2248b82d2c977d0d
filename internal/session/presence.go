/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/rooms"
)

// requireModerator re-reads the participant row so a stale or tampered
// session cannot authorize a host action with a cached role.
func (s *Session) requireModerator(ctx context.Context) (*models.Participant, error) {
	p, err := s.hub.rooms.GetParticipant(ctx, s.participant())
	if err != nil {
		return nil, err
	}
	if !p.CanModerate() {
		return nil, ErrNotAuthorized
	}
	return p, nil
}

// requireHost is requireModerator restricted to the HOST role.
func (s *Session) requireHost(ctx context.Context) (*models.Participant, error) {
	p, err := s.hub.rooms.GetParticipant(ctx, s.participant())
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleHost {
		return nil, ErrNotAuthorized
	}
	return p, nil
}

// participantInRoom loads a participant row and insists it belongs to this
// session's room, so cross-room ids cannot be targeted.
func (s *Session) participantInRoom(ctx context.Context, participantID string) (*models.Participant, error) {
	p, err := s.hub.rooms.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p.RoomID != s.room() {
		return nil, rooms.ErrParticipantNotFound
	}
	return p, nil
}

// handleVADSpeaking relays voice-activity transitions and keeps the row's
// speaking flag current for late joiners.
func (s *Session) handleVADSpeaking(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Speaking bool `json:"speaking"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	pid := s.participant()
	if err := s.hub.db.WithContext(ctx).Model(&models.Participant{}).
		Where("id = ?", pid).
		Update("is_speaking", req.Speaking).Error; err != nil {
		s.logger.Debug().Err(err).Msg("persist speaking flag failed")
	}

	s.hub.BroadcastExcept(roomChannel(s.room()), "vad:speaking", events.Payload{
		"participantId": pid,
		"speaking":      req.Speaking,
	}, s)
	return events.Payload{}, nil
}

// handleMuteUpdate flips a mute flag. Muting anyone but yourself is a
// moderator action.
func (s *Session) handleMuteUpdate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ParticipantID string `json:"participantId"`
		Muted         bool   `json:"muted"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	target := req.ParticipantID
	self := s.participant()
	if target == "" {
		target = self
	}
	if target != self {
		if _, err := s.requireModerator(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.hub.rooms.SetParticipantMuted(ctx, target, req.Muted); err != nil {
		return nil, err
	}

	s.hub.Broadcast(roomChannel(s.room()), "mute:updated", events.Payload{
		"participantId": target,
		"muted":         req.Muted,
		"changedBy":     self,
	})
	return events.Payload{}, nil
}

// handleTallyUpdate broadcasts an on-air tally state change. Tally is
// host-driven presentation state and is not persisted.
func (s *Session) handleTallyUpdate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}

	var req struct {
		ParticipantID string `json:"participantId"`
		State         string `json:"state"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	switch req.State {
	case "live", "standby", "off":
	default:
		return nil, errors.New("state must be live, standby, or off")
	}

	payload := events.Payload{
		"state":     req.State,
		"changedBy": s.participant(),
	}
	if req.ParticipantID != "" {
		payload["participantId"] = req.ParticipantID
	}
	s.hub.Broadcast(roomChannel(s.room()), "tally:updated", payload)
	return events.Payload{}, nil
}
