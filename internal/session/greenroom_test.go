/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/rooms"
)

func createGreenRoom(t *testing.T, host *Session, name string) string {
	t.Helper()
	reply := mustDispatch(t, host, "greenroom:create", map[string]any{"name": name})
	id, _ := reply["roomId"].(string)
	if id == "" {
		t.Fatalf("greenroom create reply = %v", reply)
	}
	return id
}

func TestGreenRoomCreateAndList(t *testing.T) {
	h := newTestHub(t)
	room, host, _ := hostedRoom(t, h)

	guest, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, guest, "greenroom:create", map[string]any{"name": "Waiting"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest create: got %v, want ErrNotAuthorized", err)
	}
	if _, err := dispatch(t, host, "greenroom:create", map[string]any{}); err == nil || err.Error() != "name is required" {
		t.Fatalf("unnamed green room: got %v", err)
	}

	reply := mustDispatch(t, host, "greenroom:create", map[string]any{"name": "Green 1"})
	greenID, _ := reply["roomId"].(string)
	if greenID == "" || reply["name"] != "Green 1" || reply["parentRoomId"] != room.ID {
		t.Fatalf("create reply = %v", reply)
	}

	listed := mustDispatch(t, host, "greenroom:list", nil)
	greens, ok := listed["greenRooms"].([]events.Payload)
	if !ok || len(greens) != 1 {
		t.Fatalf("greenRooms = %v", listed["greenRooms"])
	}
	if greens[0]["roomId"] != greenID || greens[0]["parentRoomId"] != room.ID {
		t.Fatalf("listed green room = %v", greens[0])
	}

	if _, err := dispatch(t, host, "greenroom:delete", map[string]any{}); err == nil || err.Error() != "roomId is required" {
		t.Fatalf("delete without id: got %v", err)
	}
	// The parent itself is not deletable through this path.
	if _, err := dispatch(t, host, "greenroom:delete", map[string]any{"roomId": room.ID}); err == nil || err.Error() != "green room not found" {
		t.Fatalf("delete parent: got %v", err)
	}

	mustDispatch(t, host, "greenroom:delete", map[string]any{"roomId": greenID})
	listed = mustDispatch(t, host, "greenroom:list", nil)
	if greens = listed["greenRooms"].([]events.Payload); len(greens) != 0 {
		t.Fatalf("green rooms after delete = %v", greens)
	}
	var row models.Room
	if err := h.db.First(&row, "id = ?", greenID).Error; err != nil {
		t.Fatalf("load green room: %v", err)
	}
	if row.IsActive {
		t.Fatal("deleted green room still active")
	}
}

func TestGreenRoomMove(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	bee, beeReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Bee"})
	beePID := participantID(t, beeReply)
	drainOutbox(host)
	drainOutbox(bee)

	greenID := createGreenRoom(t, host, "Green 1")

	if _, err := dispatch(t, host, "greenroom:move", map[string]any{}); err == nil || err.Error() != "participantId and toRoomId are required" {
		t.Fatalf("empty move: got %v", err)
	}
	if _, err := dispatch(t, host, "greenroom:move", map[string]any{"participantId": beePID, "toRoomId": "no-such-room"}); !errors.Is(err, rooms.ErrRoomNotFound) {
		t.Fatalf("unknown destination: got %v", err)
	}
	if _, err := dispatch(t, host, "greenroom:move", map[string]any{"participantId": "ghost", "toRoomId": greenID}); err == nil || err.Error() != "participant not found" {
		t.Fatalf("unknown participant: got %v", err)
	}

	other := makeRoom(t, h, rooms.CreateRoomInput{Name: "Studio B"})
	if _, err := dispatch(t, host, "greenroom:move", map[string]any{"participantId": beePID, "toRoomId": other.ID}); err == nil || err.Error() != "destination is not part of this room family" {
		t.Fatalf("foreign destination: got %v", err)
	}
	_, elseReply := joinRoom(t, h, map[string]any{"roomId": other.ID, "displayName": "Elsewhere"})
	elsePID := participantID(t, elseReply)
	if _, err := dispatch(t, host, "greenroom:move", map[string]any{"participantId": elsePID, "toRoomId": greenID}); err == nil || err.Error() != "participant is not part of this room family" {
		t.Fatalf("foreign participant: got %v", err)
	}

	// Moving someone to where they already are is a quiet no-op.
	mustDispatch(t, host, "greenroom:move", map[string]any{"participantId": beePID, "toRoomId": room.ID})
	noFrame(t, host)
	noFrame(t, bee)

	mustDispatch(t, host, "greenroom:move", map[string]any{"participantId": beePID, "toRoomId": greenID})

	// The moved client hears it first with a fresh bootstrap, then sees the
	// room-level move event on its new channel.
	event, data := nextFrame(t, bee)
	if event != "greenroom:moved" || data["roomId"] != greenID {
		t.Fatalf("bootstrap frame = %q %v", event, data)
	}
	event, data = nextFrame(t, bee)
	if event != "greenroom:participant-moved" || data["toRoomId"] != greenID {
		t.Fatalf("move frame for target = %q %v", event, data)
	}

	event, data = nextFrame(t, host)
	if event != "greenroom:participant-moved" {
		t.Fatalf("move frame = %q %v", event, data)
	}
	if data["participantId"] != beePID || data["displayName"] != "Bee" ||
		data["fromRoomId"] != room.ID || data["toRoomId"] != greenID || data["movedBy"] != hostPID {
		t.Fatalf("move payload = %v", data)
	}
	noFrame(t, host)

	if bee.room() != greenID {
		t.Fatalf("session room = %s, want %s", bee.room(), greenID)
	}
	var row models.Participant
	if err := h.db.First(&row, "id = ?", beePID).Error; err != nil {
		t.Fatalf("load participant: %v", err)
	}
	if row.RoomID != greenID {
		t.Fatalf("row room = %s, want %s", row.RoomID, greenID)
	}

	// And back again.
	mustDispatch(t, host, "greenroom:move", map[string]any{"participantId": beePID, "toRoomId": room.ID})
	if event, data = nextFrame(t, bee); event != "greenroom:moved" || data["roomId"] != room.ID {
		t.Fatalf("return bootstrap = %q %v", event, data)
	}
	if event, _ = nextFrame(t, bee); event != "greenroom:participant-moved" {
		t.Fatalf("return move frame = %q", event)
	}
	if event, _ = nextFrame(t, host); event != "greenroom:participant-moved" {
		t.Fatalf("host return frame = %q", event)
	}
	noFrame(t, host)
	if bee.room() != room.ID {
		t.Fatalf("session room after return = %s", bee.room())
	}
}

func TestGreenRoomQueue(t *testing.T) {
	h := newTestHub(t)
	room, host, _ := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	greenID := createGreenRoom(t, host, "Green 1")

	if _, err := dispatch(t, guest, "greenroom:update-queue", map[string]any{"roomId": greenID}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest queue update: got %v, want ErrNotAuthorized", err)
	}
	if _, err := dispatch(t, host, "greenroom:update-queue", map[string]any{"roomId": "no-such-room"}); err == nil || err.Error() != "room is not part of this room family" {
		t.Fatalf("unknown room queue: got %v", err)
	}

	mustDispatch(t, host, "greenroom:update-queue", map[string]any{
		"roomId": greenID,
		"queue":  []string{guestPID, "pending-caller"},
	})
	// Parent-room panels hear green room queue changes too.
	for _, s := range []*Session{host, guest} {
		event, data := nextFrame(t, s)
		if event != "greenroom:queue-updated" || data["roomId"] != greenID {
			t.Fatalf("queue frame = %q %v", event, data)
		}
		if q := data["queue"].([]any); len(q) != 2 || q[0] != guestPID {
			t.Fatalf("queue frame entries = %v", data["queue"])
		}
		noFrame(t, s)
	}

	reply := mustDispatch(t, host, "greenroom:get-queue", map[string]any{"roomId": greenID})
	queue, ok := reply["queue"].([]string)
	if !ok || len(queue) != 2 || queue[1] != "pending-caller" {
		t.Fatalf("queue reply = %v", reply)
	}

	// Without a roomId the session's own room is consulted; nothing queued.
	reply = mustDispatch(t, host, "greenroom:get-queue", nil)
	if reply["roomId"] != room.ID || len(reply["queue"].([]string)) != 0 {
		t.Fatalf("own-room queue = %v", reply)
	}
}

func TestGreenRoomCountdown(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, host, "greenroom:countdown", map[string]any{"seconds": 0}); err == nil || err.Error() != "seconds must be positive" {
		t.Fatalf("zero countdown: got %v", err)
	}

	other := makeRoom(t, h, rooms.CreateRoomInput{Name: "Studio B"})
	wantErr := fmt.Sprintf("room %s is not part of this room family", other.ID)
	if _, err := dispatch(t, host, "greenroom:countdown", map[string]any{"roomId": other.ID, "seconds": 5}); err == nil || err.Error() != wantErr {
		t.Fatalf("foreign room countdown: got %v", err)
	}

	// Targeted countdown reaches only that participant.
	mustDispatch(t, host, "greenroom:countdown", map[string]any{
		"participantId": guestPID, "seconds": 30, "message": "you're on",
	})
	event, data := nextFrame(t, guest)
	if event != "greenroom:countdown" || data["seconds"] != float64(30) || data["message"] != "you're on" || data["sentBy"] != hostPID {
		t.Fatalf("targeted countdown = %q %v", event, data)
	}
	noFrame(t, host)

	// Room-wide countdown hits everyone in the room, sender included.
	mustDispatch(t, host, "greenroom:countdown", map[string]any{"seconds": 10})
	for _, s := range []*Session{host, guest} {
		if event, data = nextFrame(t, s); event != "greenroom:countdown" || data["seconds"] != float64(10) {
			t.Fatalf("room countdown = %q %v", event, data)
		}
	}
}
