/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"strings"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

func TestCueSendAndClear(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, guest, "cue:send", map[string]any{"color": "RED"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest cue: got %v, want ErrNotAuthorized", err)
	}
	if _, err := dispatch(t, host, "cue:send", map[string]any{"color": "CUSTOM"}); err == nil || err.Error() != "customColor is required for CUSTOM cues" {
		t.Fatalf("custom without color: got %v", err)
	}
	if _, err := dispatch(t, host, "cue:send", map[string]any{"color": "PINK"}); err == nil || err.Error() != `unknown cue color "PINK"` {
		t.Fatalf("bad color: got %v", err)
	}

	reply := mustDispatch(t, host, "cue:send", map[string]any{"color": "RED", "message": "wrap up"})
	cueID, _ := reply["cueId"].(string)
	if cueID == "" {
		t.Fatalf("cue reply = %v", reply)
	}

	// Cues go to the whole room, sender included.
	for _, s := range []*Session{host, guest} {
		event, data := nextFrame(t, s)
		if event != "cue:received" || data["color"] != "RED" || data["message"] != "wrap up" || data["sentBy"] != hostPID {
			t.Fatalf("cue frame = %q %v", event, data)
		}
		if _, ok := data["targetParticipantId"]; ok {
			t.Fatalf("room-wide cue should omit target: %v", data)
		}
	}

	mustDispatch(t, host, "cue:send", map[string]any{"color": "GREEN", "targetParticipantId": guestPID})
	_, data := nextFrame(t, guest)
	if data["targetParticipantId"] != guestPID {
		t.Fatalf("targeted cue = %v", data)
	}
	drainOutbox(host)

	var count int64
	h.db.Model(&models.RoomCue{}).Where("room_id = ?", room.ID).Count(&count)
	if count != 2 {
		t.Fatalf("stored cues = %d, want 2", count)
	}

	mustDispatch(t, host, "cue:clear", map[string]any{"cueId": cueID})
	event, data := nextFrame(t, guest)
	if event != "cue:cleared" || data["cueId"] != cueID {
		t.Fatalf("clear frame = %q %v", event, data)
	}
	h.db.Model(&models.RoomCue{}).Where("room_id = ?", room.ID).Count(&count)
	if count != 1 {
		t.Fatalf("cues after single clear = %d, want 1", count)
	}

	// No id clears the whole room.
	mustDispatch(t, host, "cue:clear", nil)
	h.db.Model(&models.RoomCue{}).Where("room_id = ?", room.ID).Count(&count)
	if count != 0 {
		t.Fatalf("cues after full clear = %d, want 0", count)
	}
}

func TestChatSendValidation(t *testing.T) {
	h := newTestHub(t)
	_, host, _ := hostedRoom(t, h)

	if _, err := dispatch(t, host, "chat:send", map[string]any{}); err == nil || err.Error() != "body is required" {
		t.Fatalf("empty body: got %v", err)
	}
	long := strings.Repeat("x", maxChatBody+1)
	if _, err := dispatch(t, host, "chat:send", map[string]any{"body": long}); err == nil || err.Error() != "body exceeds 4000 characters" {
		t.Fatalf("oversized body: got %v", err)
	}
	if _, err := dispatch(t, host, "chat:send", map[string]any{"body": "hi", "type": "SHOUT"}); err == nil || err.Error() != `unknown chat type "SHOUT"` {
		t.Fatalf("bad type: got %v", err)
	}
}

func TestChatFanoutAndHistory(t *testing.T) {
	h := newTestHub(t)
	room, host, _ := hostedRoom(t, h)

	alice, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Alice"})
	bob, bobReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Bob"})
	bobPID := participantID(t, bobReply)
	for _, s := range []*Session{host, alice, bob} {
		drainOutbox(s)
	}

	// Public line: everyone but the sender hears it.
	mustDispatch(t, alice, "chat:send", map[string]any{"body": "hello room"})
	noFrame(t, alice)
	for _, s := range []*Session{host, bob} {
		event, data := nextFrame(t, s)
		if event != "chat:message" || data["body"] != "hello room" || data["senderName"] != "Alice" {
			t.Fatalf("chat frame = %q %v", event, data)
		}
	}

	// Producer notes ride their own event.
	mustDispatch(t, host, "chat:send", map[string]any{"body": "stretch 2 min", "type": "PRODUCER_NOTE"})
	if event, _ := nextFrame(t, alice); event != "chat:producer-note" {
		t.Fatalf("producer note event = %q", event)
	}
	drainOutbox(bob)

	// Private line from Alice to Bob carries the recipient hint.
	mustDispatch(t, alice, "chat:send", map[string]any{"body": "psst", "recipientParticipantId": bobPID})
	event, data := nextFrame(t, bob)
	if event != "chat:private" || data["forParticipantId"] != bobPID {
		t.Fatalf("private frame = %q %v", event, data)
	}

	// History is chronological and hides other people's private lines.
	reply := mustDispatch(t, bob, "chat:history", nil)
	messages, ok := reply["messages"].([]models.ChatMessage)
	if !ok {
		t.Fatalf("messages has type %T", reply["messages"])
	}
	if len(messages) != 3 {
		t.Fatalf("bob sees %d messages, want 3", len(messages))
	}
	if messages[0].Body != "hello room" {
		t.Fatalf("first message = %q, want the oldest", messages[0].Body)
	}

	reply = mustDispatch(t, host, "chat:history", nil)
	if messages = reply["messages"].([]models.ChatMessage); len(messages) != 2 {
		t.Fatalf("host sees %d messages, want 2", len(messages))
	}
	for _, m := range messages {
		if m.RecipientParticipantID != nil {
			t.Fatalf("host saw a private line addressed to %s", *m.RecipientParticipantID)
		}
	}
}

func TestTimerLifecycle(t *testing.T) {
	h := newTestHub(t)
	room, host, _ := hostedRoom(t, h)

	guest, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, guest, "timer:create", map[string]any{"kind": "COUNTDOWN", "durationSec": 60}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest timer: got %v, want ErrNotAuthorized", err)
	}
	if _, err := dispatch(t, host, "timer:create", map[string]any{"kind": "EGG"}); err == nil || err.Error() != `unknown timer kind "EGG"` {
		t.Fatalf("bad kind: got %v", err)
	}
	if _, err := dispatch(t, host, "timer:create", map[string]any{"kind": "COUNTDOWN"}); err == nil || err.Error() != "countdown timers need durationSec > 0" {
		t.Fatalf("zero countdown: got %v", err)
	}

	reply := mustDispatch(t, host, "timer:create", map[string]any{
		"label": "Segment", "kind": "COUNTDOWN", "durationSec": 90,
	})
	timerID, _ := reply["timerId"].(string)
	if timerID == "" {
		t.Fatalf("create reply = %v", reply)
	}
	if event, _ := nextFrame(t, guest); event != "timer:created" {
		t.Fatalf("guest saw %q, want timer:created", event)
	}

	mustDispatch(t, host, "timer:start", map[string]any{"timerId": timerID})
	if _, err := dispatch(t, host, "timer:start", map[string]any{"timerId": timerID}); err == nil || err.Error() != "timer already running" {
		t.Fatalf("double start: got %v", err)
	}

	mustDispatch(t, host, "timer:pause", map[string]any{"timerId": timerID})
	if _, err := dispatch(t, host, "timer:pause", map[string]any{"timerId": timerID}); err == nil || err.Error() != "timer is not running" {
		t.Fatalf("double pause: got %v", err)
	}

	mustDispatch(t, host, "timer:reset", map[string]any{"timerId": timerID})

	var row models.RoomTimer
	if err := h.db.First(&row, "id = ?", timerID).Error; err != nil {
		t.Fatalf("load timer: %v", err)
	}
	if row.State != models.TimerStopped || row.ElapsedMS != 0 || row.StartedAt != nil {
		t.Fatalf("reset row = %+v", row)
	}

	mustDispatch(t, host, "timer:delete", map[string]any{"timerId": timerID})
	if _, err := dispatch(t, host, "timer:start", map[string]any{"timerId": timerID}); err == nil || err.Error() != "timer not found" {
		t.Fatalf("start deleted timer: got %v", err)
	}
}

func TestTimerListComputesRemaining(t *testing.T) {
	h := newTestHub(t)
	_, host, _ := hostedRoom(t, h)

	mustDispatch(t, host, "timer:create", map[string]any{
		"label": "Break", "kind": "COUNTDOWN", "durationSec": 120,
	})
	// Stopwatches ignore any supplied duration.
	mustDispatch(t, host, "timer:create", map[string]any{
		"label": "Show clock", "kind": "STOPWATCH", "durationSec": 999,
	})

	reply := mustDispatch(t, host, "timer:list", nil)
	timers, ok := reply["timers"].([]events.Payload)
	if !ok {
		t.Fatalf("timers has type %T", reply["timers"])
	}
	if len(timers) != 2 {
		t.Fatalf("timers = %d, want 2", len(timers))
	}

	countdown := timers[0]
	if countdown["kind"] != models.TimerCountdown || countdown["state"] != models.TimerStopped {
		t.Fatalf("countdown entry = %v", countdown)
	}
	if countdown["remainingMs"] != int64(120000) {
		t.Fatalf("remainingMs = %v, want 120000", countdown["remainingMs"])
	}

	stopwatch := timers[1]
	if stopwatch["kind"] != models.TimerStopwatch || stopwatch["durationSec"] != 0 {
		t.Fatalf("stopwatch entry = %v", stopwatch)
	}
}

func TestRundownFlow(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, host, "rundown:set-current", map[string]any{"itemId": "x"}); err == nil || err.Error() != "room has no rundown" {
		t.Fatalf("set-current without rundown: got %v", err)
	}

	reply := mustDispatch(t, host, "rundown:save", map[string]any{
		"title": "Morning Show",
		"items": []map[string]any{
			{"title": "Cold open", "plannedSec": 60},
			{"title": "Interview", "notes": "remote guest", "plannedSec": 600},
		},
	})
	if id, _ := reply["rundownId"].(string); id == "" {
		t.Fatalf("save reply = %v", reply)
	}
	if event, _ := nextFrame(t, guest); event != "rundown:updated" {
		t.Fatalf("guest saw %q, want rundown:updated", event)
	}

	got := mustDispatch(t, host, "rundown:get", nil)
	rundown, ok := got["rundown"].(models.Rundown)
	if !ok {
		t.Fatalf("rundown has type %T", got["rundown"])
	}
	if rundown.Title != "Morning Show" || len(rundown.Items) != 2 {
		t.Fatalf("rundown = %+v", rundown)
	}
	if rundown.Items[0].Title != "Cold open" || rundown.Items[0].Status != models.ItemPending {
		t.Fatalf("first item = %+v", rundown.Items[0])
	}

	first, second := rundown.Items[0].ID, rundown.Items[1].ID

	mustDispatch(t, host, "rundown:set-current", map[string]any{"itemId": first})
	event, data := nextFrame(t, guest)
	if event != "rundown:current-changed" || data["itemId"] != first || data["changedBy"] != hostPID {
		t.Fatalf("advance frame = %q %v", event, data)
	}

	mustDispatch(t, host, "rundown:set-current", map[string]any{"itemId": second})
	_, data = nextFrame(t, guest)
	if data["itemId"] != second || data["previousItemId"] != first {
		t.Fatalf("second advance = %v", data)
	}

	var items []models.RundownItem
	if err := h.db.Where("rundown_id = ?", rundown.ID).Order("position ASC").Find(&items).Error; err != nil {
		t.Fatalf("load items: %v", err)
	}
	if items[0].Status != models.ItemCompleted || items[0].ActualEndAt == nil {
		t.Fatalf("first item after advance = %+v", items[0])
	}
	if items[1].Status != models.ItemCurrent || items[1].ActualStartAt == nil {
		t.Fatalf("second item = %+v", items[1])
	}

	// No itemId completes the running item without starting another.
	mustDispatch(t, host, "rundown:set-current", nil)
	if err := h.db.First(&items[1], "id = ?", second).Error; err != nil {
		t.Fatalf("reload item: %v", err)
	}
	if items[1].Status != models.ItemCompleted {
		t.Fatalf("final item status = %s", items[1].Status)
	}

	if _, err := dispatch(t, host, "rundown:set-current", map[string]any{"itemId": "not-an-item"}); err == nil || err.Error() != "rundown item not found" {
		t.Fatalf("bad item id: got %v", err)
	}

	// A fresh save replaces the old rundown wholesale.
	mustDispatch(t, host, "rundown:save", map[string]any{
		"title": "Evening Show",
		"items": []map[string]any{{"title": "Headlines", "plannedSec": 120}},
	})
	got = mustDispatch(t, host, "rundown:get", nil)
	rundown = got["rundown"].(models.Rundown)
	if rundown.Title != "Evening Show" || len(rundown.Items) != 1 {
		t.Fatalf("replaced rundown = %+v", rundown)
	}

	var count int64
	h.db.Model(&models.Rundown{}).Where("room_id = ?", room.ID).Count(&count)
	if count != 1 {
		t.Fatalf("rundown rows = %d, want 1", count)
	}
}
