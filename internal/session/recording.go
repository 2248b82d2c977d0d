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

	"github.com/friendsincode/hermod_studio/internal/events"
)

// handleRecordingStart begins capturing the room's program bus. Only the
// host may start one; the recordings service enforces room settings and the
// one-active-recording rule.
func (s *Session) handleRecordingStart(ctx context.Context) (events.Payload, error) {
	actor, err := s.requireHost(ctx)
	if err != nil {
		return nil, err
	}
	if s.hub.recorder == nil {
		return nil, errors.New("recording is not available on this deployment")
	}

	rec, err := s.hub.recorder.Start(ctx, s.room(), actor.ID)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(roomChannel(s.room()), "recording:started", events.Payload{
		"recordingId": rec.ID,
		"startedBy":   actor.ID,
		"startedAt":   rec.StartedAt,
	})
	return events.Payload{"recordingId": rec.ID, "startedAt": rec.StartedAt}, nil
}

func (s *Session) handleRecordingStop(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	actor, err := s.requireHost(ctx)
	if err != nil {
		return nil, err
	}
	if s.hub.recorder == nil {
		return nil, errors.New("recording is not available on this deployment")
	}

	var req struct {
		RecordingID string `json:"recordingId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.RecordingID == "" {
		return nil, errors.New("recordingId is required")
	}

	rec, err := s.hub.recorder.Get(ctx, req.RecordingID)
	if err != nil {
		return nil, err
	}
	if rec.RoomID != s.room() {
		return nil, errors.New("recording not found")
	}

	rec, err = s.hub.recorder.Stop(ctx, req.RecordingID)
	if err != nil {
		return nil, err
	}

	s.hub.Broadcast(roomChannel(s.room()), "recording:stopped", events.Payload{
		"recordingId": rec.ID,
		"stoppedBy":   actor.ID,
		"durationMs":  rec.Duration.Milliseconds(),
	})
	return events.Payload{"recordingId": rec.ID, "durationMs": rec.Duration.Milliseconds()}, nil
}

func (s *Session) handleRecordingList(ctx context.Context) (events.Payload, error) {
	if _, err := s.requireModerator(ctx); err != nil {
		return nil, err
	}
	if s.hub.recorder == nil {
		return events.Payload{"recordings": []any{}}, nil
	}

	recs, err := s.hub.recorder.List(ctx, s.room())
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return events.Payload{"recordings": recs}, nil
}
