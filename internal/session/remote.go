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
)

// Remote DSP control: moderators push processing settings at a contributor,
// the contributor's client applies them locally and confirms via
// remote:state-response. The server clamps values and relays; it never
// touches audio itself.

func (s *Session) remoteTarget(ctx context.Context, data json.RawMessage, req any) (string, error) {
	if err := decode(data, req); err != nil {
		return "", err
	}
	var probe struct {
		ParticipantID string `json:"participantId"`
	}
	if err := decode(data, &probe); err != nil {
		return "", err
	}
	if probe.ParticipantID == "" {
		return "", errors.New("participantId is required")
	}
	if _, err := s.requireModerator(ctx); err != nil {
		return "", err
	}
	if _, err := s.participantInRoom(ctx, probe.ParticipantID); err != nil {
		return "", err
	}
	return probe.ParticipantID, nil
}

func (s *Session) handleRemoteSetGain(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Gain float64 `json:"gain"`
	}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}

	gain := clamp(req.Gain, 0, 2)
	s.hub.Broadcast(roomChannel(s.room()), "remote:gain-changed", events.Payload{
		"participantId": target,
		"gain":          gain,
		"changedBy":     s.participant(),
	})
	return events.Payload{"gain": gain}, nil
}

func (s *Session) handleRemoteSetMute(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Muted bool `json:"muted"`
	}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(roomChannel(s.room()), "remote:mute-changed", events.Payload{
		"participantId": target,
		"muted":         req.Muted,
		"changedBy":     s.participant(),
	})
	return events.Payload{}, nil
}

func (s *Session) handleRemoteSetEQ(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		Bands []struct {
			Frequency float64 `json:"frequency"`
			GainDB    float64 `json:"gainDb"`
			Q         float64 `json:"q"`
		} `json:"bands"`
	}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}
	if len(req.Bands) == 0 {
		return nil, errors.New("at least one EQ band is required")
	}

	bands := make([]events.Payload, 0, len(req.Bands))
	for _, b := range req.Bands {
		q := b.Q
		if q <= 0 {
			q = 0.7
		}
		bands = append(bands, events.Payload{
			"frequency": clamp(b.Frequency, 20, 20000),
			"gainDb":    clamp(b.GainDB, -12, 12),
			"q":         clamp(q, 0.1, 10),
		})
	}

	s.hub.Broadcast(roomChannel(s.room()), "remote:eq-changed", events.Payload{
		"participantId": target,
		"bands":         bands,
		"changedBy":     s.participant(),
	})
	return events.Payload{"bands": bands}, nil
}

func (s *Session) handleRemoteSetCompressor(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ThresholdDB float64 `json:"thresholdDb"`
		Ratio       float64 `json:"ratio"`
		AttackMS    float64 `json:"attackMs"`
		ReleaseMS   float64 `json:"releaseMs"`
		MakeupDB    float64 `json:"makeupDb"`
	}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}

	settings := events.Payload{
		"thresholdDb": clamp(req.ThresholdDB, -60, 0),
		"ratio":       clamp(req.Ratio, 1, 20),
		"attackMs":    clamp(req.AttackMS, 0, 1000),
		"releaseMs":   clamp(req.ReleaseMS, 0, 5000),
		"makeupDb":    clamp(req.MakeupDB, 0, 24),
	}
	s.hub.Broadcast(roomChannel(s.room()), "remote:compressor-changed", events.Payload{
		"participantId": target,
		"settings":      settings,
		"changedBy":     s.participant(),
	})
	return events.Payload{"settings": settings}, nil
}

func (s *Session) handleRemoteSetGate(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ThresholdDB float64 `json:"thresholdDb"`
		AttackMS    float64 `json:"attackMs"`
		ReleaseMS   float64 `json:"releaseMs"`
	}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}

	settings := events.Payload{
		"thresholdDb": clamp(req.ThresholdDB, -60, 0),
		"attackMs":    clamp(req.AttackMS, 0, 1000),
		"releaseMs":   clamp(req.ReleaseMS, 0, 5000),
	}
	s.hub.Broadcast(roomChannel(s.room()), "remote:gate-changed", events.Payload{
		"participantId": target,
		"settings":      settings,
		"changedBy":     s.participant(),
	})
	return events.Payload{"settings": settings}, nil
}

func (s *Session) handleRemoteReset(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct{}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(roomChannel(s.room()), "remote:reset", events.Payload{
		"participantId": target,
		"changedBy":     s.participant(),
	})
	return events.Payload{}, nil
}

// handleRemoteGetState asks the target's client to report its current DSP
// chain. The answer arrives asynchronously: the target replies with
// remote:state-response, which we relay to the requester as
// remote:state-updated.
func (s *Session) handleRemoteGetState(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct{}
	target, err := s.remoteTarget(ctx, data, &req)
	if err != nil {
		return nil, err
	}

	delivered := s.hub.sendToParticipant(target, "remote:state-request", events.Payload{
		"requestedBy": s.participant(),
	})
	if !delivered {
		// Not on this instance; relay the request over the room channel and
		// let the owning instance's client answer.
		s.hub.Broadcast(roomChannel(s.room()), "remote:state-request", events.Payload{
			"participantId": target,
			"requestedBy":   s.participant(),
		})
	}
	return events.Payload{"pending": true}, nil
}

// handleRemoteStateResponse carries the client's DSP state back to whoever
// asked for it.
func (s *Session) handleRemoteStateResponse(_ context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		RequestedBy string          `json:"requestedBy"`
		State       json.RawMessage `json:"state"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RequestedBy == "" {
		return nil, errors.New("requestedBy is required")
	}

	payload := events.Payload{
		"participantId": s.participant(),
		"state":         req.State,
	}
	if !s.hub.sendToParticipant(req.RequestedBy, "remote:state-updated", payload) {
		payload["forParticipantId"] = req.RequestedBy
		s.hub.Broadcast(roomChannel(s.room()), "remote:state-updated", payload)
	}
	return events.Payload{}, nil
}
