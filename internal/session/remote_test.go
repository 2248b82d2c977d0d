/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/rooms"
)

func TestRemoteTargetChecks(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})

	if _, err := dispatch(t, guest, "remote:set-gain", map[string]any{"participantId": hostPID, "gain": 1.0}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest remote control: got %v, want ErrNotAuthorized", err)
	}
	if _, err := dispatch(t, host, "remote:set-gain", map[string]any{"gain": 1.0}); err == nil || err.Error() != "participantId is required" {
		t.Fatalf("missing target: got %v", err)
	}
	if _, err := dispatch(t, host, "remote:set-gain", map[string]any{"participantId": "no-such-id", "gain": 1.0}); !errors.Is(err, rooms.ErrParticipantNotFound) {
		t.Fatalf("unknown target: got %v", err)
	}

	// Participants in another room are out of reach.
	other := makeRoom(t, h, rooms.CreateRoomInput{Name: "Studio B"})
	_, otherReply := joinRoom(t, h, map[string]any{"roomId": other.ID, "displayName": "Elsewhere"})
	otherPID := participantID(t, otherReply)
	if _, err := dispatch(t, host, "remote:set-gain", map[string]any{"participantId": otherPID, "gain": 1.0}); !errors.Is(err, rooms.ErrParticipantNotFound) {
		t.Fatalf("cross-room target: got %v", err)
	}
}

func TestRemoteDSPClamps(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	reply := mustDispatch(t, host, "remote:set-gain", map[string]any{"participantId": guestPID, "gain": 5.0})
	if reply["gain"] != float64(2) {
		t.Fatalf("gain = %v, want clamped to 2", reply["gain"])
	}
	event, data := nextFrame(t, guest)
	if event != "remote:gain-changed" || data["participantId"] != guestPID || data["gain"] != float64(2) || data["changedBy"] != hostPID {
		t.Fatalf("gain frame = %q %v", event, data)
	}
	drainOutbox(host)

	if _, err := dispatch(t, host, "remote:set-eq", map[string]any{"participantId": guestPID, "bands": []any{}}); err == nil || err.Error() != "at least one EQ band is required" {
		t.Fatalf("empty bands: got %v", err)
	}

	reply = mustDispatch(t, host, "remote:set-eq", map[string]any{
		"participantId": guestPID,
		"bands":         []map[string]any{{"frequency": 50000.0, "gainDb": 40.0}},
	})
	bands, ok := reply["bands"].([]events.Payload)
	if !ok || len(bands) != 1 {
		t.Fatalf("bands = %v", reply["bands"])
	}
	band := bands[0]
	if band["frequency"] != float64(20000) || band["gainDb"] != float64(12) || band["q"] != 0.7 {
		t.Fatalf("clamped band = %v", band)
	}
	if event, _ := nextFrame(t, guest); event != "remote:eq-changed" {
		t.Fatalf("eq event = %q", event)
	}
	drainOutbox(host)

	reply = mustDispatch(t, host, "remote:set-compressor", map[string]any{
		"participantId": guestPID,
		"thresholdDb":   -100.0,
		"ratio":         25.0,
		"attackMs":      -5.0,
		"releaseMs":     9999.0,
		"makeupDb":      30.0,
	})
	settings := reply["settings"].(events.Payload)
	if settings["thresholdDb"] != float64(-60) || settings["ratio"] != float64(20) ||
		settings["attackMs"] != float64(0) || settings["releaseMs"] != float64(5000) ||
		settings["makeupDb"] != float64(24) {
		t.Fatalf("compressor settings = %v", settings)
	}
	if event, _ := nextFrame(t, guest); event != "remote:compressor-changed" {
		t.Fatalf("compressor event = %q", event)
	}
	drainOutbox(host)

	reply = mustDispatch(t, host, "remote:set-gate", map[string]any{
		"participantId": guestPID,
		"thresholdDb":   10.0,
	})
	settings = reply["settings"].(events.Payload)
	if settings["thresholdDb"] != float64(0) {
		t.Fatalf("gate settings = %v", settings)
	}
	if event, _ := nextFrame(t, guest); event != "remote:gate-changed" {
		t.Fatalf("gate event = %q", event)
	}
	drainOutbox(host)

	mustDispatch(t, host, "remote:set-mute", map[string]any{"participantId": guestPID, "muted": true})
	event, data = nextFrame(t, guest)
	if event != "remote:mute-changed" || data["muted"] != true {
		t.Fatalf("mute frame = %q %v", event, data)
	}
	drainOutbox(host)

	mustDispatch(t, host, "remote:reset", map[string]any{"participantId": guestPID})
	event, data = nextFrame(t, guest)
	if event != "remote:reset" || data["participantId"] != guestPID {
		t.Fatalf("reset frame = %q %v", event, data)
	}
}

func TestRemoteStateRoundTrip(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	reply := mustDispatch(t, host, "remote:get-state", map[string]any{"participantId": guestPID})
	if reply["pending"] != true {
		t.Fatalf("get-state reply = %v", reply)
	}
	event, data := nextFrame(t, guest)
	if event != "remote:state-request" || data["requestedBy"] != hostPID {
		t.Fatalf("state request frame = %q %v", event, data)
	}
	noFrame(t, host)

	if _, err := dispatch(t, guest, "remote:state-response", map[string]any{"state": map[string]any{"gain": 1.2}}); err == nil || err.Error() != "requestedBy is required" {
		t.Fatalf("response without requester: got %v", err)
	}

	mustDispatch(t, guest, "remote:state-response", map[string]any{
		"requestedBy": hostPID,
		"state":       map[string]any{"gain": 1.2, "muted": false},
	})
	event, data = nextFrame(t, host)
	if event != "remote:state-updated" || data["participantId"] != guestPID {
		t.Fatalf("state update frame = %q %v", event, data)
	}
	state, ok := data["state"].(map[string]any)
	if !ok || state["gain"] != 1.2 {
		t.Fatalf("relayed state = %v", data["state"])
	}
	noFrame(t, guest)
}
