/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotJoined rejects any event other than room:join on an unbound session.
var ErrNotJoined = errors.New("join a room first")

// ErrAlreadyJoined rejects a second room:join on the same session.
var ErrAlreadyJoined = errors.New("session already joined a room")

// ErrWaiting rejects room actions while the participant sits in the waiting
// room.
var ErrWaiting = errors.New("waiting for admission")

// ErrNotAuthorized rejects host-level actions from non-moderators.
var ErrNotAuthorized = errors.New("requires host or moderator role")

// ErrSessionClosed rejects events after the session's room presence was torn
// down; a re-join is a new connection.
var ErrSessionClosed = errors.New("session is closed")

func errUnknownEvent(event string) error {
	return fmt.Errorf("unknown event %q", event)
}

// wireMessage is the single frame shape on the socket. Requests carry an id;
// the matching reply echoes it under the event name "reply". Broadcasts carry
// no id.
type wireMessage struct {
	ID    *int64          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// decode unmarshals a request payload, treating an absent payload as empty.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

// clamp bounds a value to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
