/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/sfu"
)

func TestTransportCreate(t *testing.T) {
	h := newTestHub(t)
	_, host, _ := hostedRoom(t, h)

	if _, err := dispatch(t, host, "transport:create", map[string]any{"direction": "sideways"}); err == nil || err.Error() != `direction must be send or recv, got "sideways"` {
		t.Fatalf("bad direction: got %v", err)
	}

	reply := mustDispatch(t, host, "transport:create", map[string]any{"direction": "send"})
	if id, _ := reply["transportId"].(string); id == "" {
		t.Fatalf("create reply = %v", reply)
	}
	if reply["direction"] != sfu.TransportSend {
		t.Fatalf("direction = %v", reply["direction"])
	}
}

func TestTransportConnectValidation(t *testing.T) {
	h := newTestHub(t)
	_, host, _ := hostedRoom(t, h)

	if _, err := dispatch(t, host, "transport:connect", map[string]any{}); err == nil || err.Error() != "transportId and sdp are required" {
		t.Fatalf("empty connect: got %v", err)
	}
	if _, err := dispatch(t, host, "transport:connect", map[string]any{"transportId": "no-such-transport", "sdp": "v=0"}); !errors.Is(err, sfu.ErrTransportNotFound) {
		t.Fatalf("unknown transport: got %v", err)
	}
}

func TestProducerConsumerValidation(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	if _, err := dispatch(t, host, "producer:create", map[string]any{}); err == nil || err.Error() != "transportId is required" {
		t.Fatalf("producer without transport: got %v", err)
	}
	if _, err := dispatch(t, host, "producer:create", map[string]any{"transportId": "no-such-transport"}); !errors.Is(err, sfu.ErrTransportNotFound) {
		t.Fatalf("producer on unknown transport: got %v", err)
	}

	guest, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	if _, err := dispatch(t, guest, "consumer:create", map[string]any{}); err == nil || err.Error() != "producerParticipantId or producerId is required" {
		t.Fatalf("empty consume: got %v", err)
	}
	// Consuming needs a recv transport in place first.
	if _, err := dispatch(t, guest, "consumer:create", map[string]any{"producerParticipantId": hostPID}); !errors.Is(err, sfu.ErrTransportNotFound) {
		t.Fatalf("consume without recv transport: got %v", err)
	}

	if _, err := dispatch(t, guest, "consumer:resume", map[string]any{}); err == nil || err.Error() != "consumerId is required" {
		t.Fatalf("resume without id: got %v", err)
	}
	if _, err := dispatch(t, guest, "consumer:resume", map[string]any{"consumerId": "no-such-consumer"}); !errors.Is(err, sfu.ErrConsumerNotFound) {
		t.Fatalf("resume unknown consumer: got %v", err)
	}
}
