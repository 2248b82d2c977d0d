/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/rooms"
)

func TestTalkbackGroupCRUD(t *testing.T) {
	h := newTestHub(t)
	room, host, hostPID := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, guest, "talkback:create-group", map[string]any{"name": "Anchors"}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest create: got %v, want ErrNotAuthorized", err)
	}
	if _, err := dispatch(t, host, "talkback:create-group", map[string]any{}); err == nil || err.Error() != "name is required" {
		t.Fatalf("unnamed group: got %v", err)
	}

	reply := mustDispatch(t, host, "talkback:create-group", map[string]any{
		"name": "Anchors", "members": []string{hostPID},
	})
	groupID, _ := reply["groupId"].(string)
	if groupID == "" {
		t.Fatalf("create reply = %v", reply)
	}
	event, data := nextFrame(t, guest)
	if event != "talkback:group-created" || data["name"] != "Anchors" {
		t.Fatalf("create frame = %q %v", event, data)
	}
	if members := data["members"].([]any); len(members) != 1 || members[0] != hostPID {
		t.Fatalf("create members = %v", data["members"])
	}
	drainOutbox(host)

	if _, err := dispatch(t, host, "talkback:add-member", map[string]any{"groupId": groupID}); err == nil || err.Error() != "participantId is required" {
		t.Fatalf("add without participant: got %v", err)
	}
	if _, err := dispatch(t, host, "talkback:add-member", map[string]any{"groupId": groupID, "participantId": "no-such-id"}); !errors.Is(err, rooms.ErrParticipantNotFound) {
		t.Fatalf("add unknown participant: got %v", err)
	}
	if _, err := dispatch(t, host, "talkback:add-member", map[string]any{"groupId": "no-such-group", "participantId": guestPID}); err == nil || err.Error() != "talkback group not found" {
		t.Fatalf("add to unknown group: got %v", err)
	}

	mustDispatch(t, host, "talkback:add-member", map[string]any{"groupId": groupID, "participantId": guestPID})
	event, data = nextFrame(t, guest)
	if event != "talkback:group-updated" || len(data["members"].([]any)) != 2 {
		t.Fatalf("add frame = %q %v", event, data)
	}

	// Re-adding an existing member changes nothing and stays quiet.
	drainOutbox(host)
	drainOutbox(guest)
	mustDispatch(t, host, "talkback:add-member", map[string]any{"groupId": groupID, "participantId": guestPID})
	noFrame(t, guest)

	reply = mustDispatch(t, host, "talkback:list-groups", nil)
	groups, ok := reply["groups"].([]events.Payload)
	if !ok || len(groups) != 1 {
		t.Fatalf("groups = %v", reply["groups"])
	}
	if members := groups[0]["members"].([]string); len(members) != 2 {
		t.Fatalf("listed members = %v", members)
	}

	mustDispatch(t, host, "talkback:update-group", map[string]any{"groupId": groupID, "name": "Presenters"})
	_, data = nextFrame(t, guest)
	if data["name"] != "Presenters" {
		t.Fatalf("rename frame = %v", data)
	}

	mustDispatch(t, host, "talkback:remove-member", map[string]any{"groupId": groupID, "participantId": guestPID})
	_, data = nextFrame(t, guest)
	if len(data["members"].([]any)) != 1 {
		t.Fatalf("remove frame members = %v", data["members"])
	}

	mustDispatch(t, host, "talkback:delete-group", map[string]any{"groupId": groupID})
	event, data = nextFrame(t, guest)
	if event != "talkback:group-deleted" || data["groupId"] != groupID {
		t.Fatalf("delete frame = %q %v", event, data)
	}
	if _, err := dispatch(t, host, "talkback:update-group", map[string]any{"groupId": groupID, "name": "x"}); err == nil || err.Error() != "talkback group not found" {
		t.Fatalf("update deleted group: got %v", err)
	}

	var count int64
	h.db.Model(&models.TalkbackGroupMember{}).Where("group_id = ?", groupID).Count(&count)
	if count != 0 {
		t.Fatalf("orphaned members = %d", count)
	}
}

func TestIFBTargetValidation(t *testing.T) {
	h := newTestHub(t)
	_, host, _ := hostedRoom(t, h)

	if _, err := dispatch(t, host, "ifb:start", map[string]any{"targetType": "PARTICIPANT"}); err == nil || err.Error() != "targetId is required for PARTICIPANT targets" {
		t.Fatalf("participant target without id: got %v", err)
	}
	if _, err := dispatch(t, host, "ifb:start", map[string]any{"targetType": "GROUP"}); err == nil || err.Error() != "targetId is required for GROUP targets" {
		t.Fatalf("group target without id: got %v", err)
	}
	if _, err := dispatch(t, host, "ifb:start", map[string]any{"targetType": "SQUAWK"}); err == nil || err.Error() != `unknown IFB target type "SQUAWK"` {
		t.Fatalf("bad target type: got %v", err)
	}
	if _, err := dispatch(t, host, "ifb:update", map[string]any{"ifbId": "no-such-ifb", "duckLevel": 0.5}); err == nil || err.Error() != "active IFB session not found" {
		t.Fatalf("update unknown ifb: got %v", err)
	}
	if _, err := dispatch(t, host, "ifb:end", map[string]any{"ifbId": "no-such-ifb"}); err == nil || err.Error() != "IFB session not found" {
		t.Fatalf("end unknown ifb: got %v", err)
	}
}

func TestIFBLifecycle(t *testing.T) {
	h := newTestHub(t)
	room, host, _ := hostedRoom(t, h)

	guest, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	drainOutbox(host)
	drainOutbox(guest)

	if _, err := dispatch(t, guest, "ifb:start", nil); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("guest ifb: got %v, want ErrNotAuthorized", err)
	}

	// No mixer has published the talkback bus, so the start rides the grace
	// poll and comes back with a warning instead of a producer.
	reply := mustDispatch(t, host, "ifb:start", map[string]any{"duckLevel": 0.4})
	ifbID, _ := reply["ifbId"].(string)
	if ifbID == "" {
		t.Fatalf("start reply = %v", reply)
	}
	if reply["warning"] != "talkback bus has no live producer" {
		t.Fatalf("start warning = %v", reply["warning"])
	}
	if _, ok := reply["targetParticipantIds"]; ok {
		t.Fatalf("ALL target should not list participants: %v", reply)
	}

	for _, s := range []*Session{host, guest} {
		event, data := nextFrame(t, s)
		if event != "ifb:started" || data["ifbId"] != ifbID || data["duckLevel"] != 0.4 {
			t.Fatalf("start frame = %q %v", event, data)
		}
		noFrame(t, s)
	}

	listed := mustDispatch(t, host, "ifb:list", nil)
	sessions, ok := listed["sessions"].([]models.IFBSession)
	if !ok {
		t.Fatalf("sessions has type %T", listed["sessions"])
	}
	if len(sessions) != 1 || !sessions[0].Active || sessions[0].TargetType != models.IFBTargetAll {
		t.Fatalf("active sessions = %+v", sessions)
	}

	// Duck levels clamp into 0..1.
	mustDispatch(t, host, "ifb:update", map[string]any{"ifbId": ifbID, "duckLevel": 1.5})
	event, data := nextFrame(t, guest)
	if event != "ifb:updated" || data["duckLevel"] != float64(1) {
		t.Fatalf("update frame = %q %v", event, data)
	}
	drainOutbox(host)

	mustDispatch(t, host, "ifb:end", map[string]any{"ifbId": ifbID})
	event, data = nextFrame(t, guest)
	if event != "ifb:ended" || data["ifbId"] != ifbID {
		t.Fatalf("end frame = %q %v", event, data)
	}
	if _, ok := data["endedAt"]; !ok {
		t.Fatalf("end frame missing endedAt: %v", data)
	}
	drainOutbox(host)

	// Ending twice is a no-op, not an error.
	mustDispatch(t, host, "ifb:end", map[string]any{"ifbId": ifbID})
	noFrame(t, guest)

	if _, err := dispatch(t, host, "ifb:update", map[string]any{"ifbId": ifbID, "duckLevel": 0.5}); err == nil || err.Error() != "active IFB session not found" {
		t.Fatalf("update ended ifb: got %v", err)
	}

	listed = mustDispatch(t, host, "ifb:list", nil)
	if sessions = listed["sessions"].([]models.IFBSession); len(sessions) != 0 {
		t.Fatalf("sessions after end = %+v", sessions)
	}
}

func TestIFBScopedToParticipant(t *testing.T) {
	h := newTestHub(t)
	room, host, _ := hostedRoom(t, h)

	guest, guestReply := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Guest"})
	guestPID := participantID(t, guestReply)
	drainOutbox(host)
	drainOutbox(guest)

	reply := mustDispatch(t, host, "ifb:start", map[string]any{
		"targetType": "PARTICIPANT", "targetId": guestPID,
	})
	ids, ok := reply["targetParticipantIds"].([]string)
	if !ok || len(ids) != 1 || ids[0] != guestPID {
		t.Fatalf("scoped reply = %v", reply)
	}
	// Default duck level applies when none is given.
	_, data := nextFrame(t, guest)
	if data["duckLevel"] != 0.7 || data["targetId"] != guestPID {
		t.Fatalf("scoped frame = %v", data)
	}
	forIDs, ok := data["forParticipantIds"].([]any)
	if !ok || len(forIDs) != 1 || forIDs[0] != guestPID {
		t.Fatalf("scoped frame targets = %v", data["forParticipantIds"])
	}
}
