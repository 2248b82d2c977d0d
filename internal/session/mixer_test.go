/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"errors"
	"testing"

	"github.com/friendsincode/hermod_studio/internal/mix"
	"github.com/friendsincode/hermod_studio/internal/models"
)

func TestMixPrimaryArbitration(t *testing.T) {
	h := newTestHub(t)
	room, desk, _ := hostedRoom(t, h)

	standby, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Standby"})
	drainOutbox(desk)
	drainOutbox(standby)

	reply := mustDispatch(t, desk, "mix:register", map[string]any{"clientId": "mixer-a"})
	if reply["clientId"] != "mixer-a" || reply["isPrimary"] != true {
		t.Fatalf("register reply = %v", reply)
	}
	state, ok := reply["state"].(mix.StateSnapshot)
	if !ok {
		t.Fatalf("state has type %T", reply["state"])
	}
	if state.PrimaryClientID != "mixer-a" {
		t.Fatalf("snapshot primary = %q", state.PrimaryClientID)
	}

	// The slot is taken while the primary is fresh.
	if _, err := dispatch(t, standby, "mix:register", map[string]any{"clientId": "mixer-b"}); !errors.Is(err, mix.ErrPrimaryActive) {
		t.Fatalf("second register: got %v, want ErrPrimaryActive", err)
	}
	if _, err := dispatch(t, standby, "mix:takeover", map[string]any{"clientId": "mixer-b"}); !errors.Is(err, mix.ErrPrimaryActive) {
		t.Fatalf("takeover of live primary: got %v, want ErrPrimaryActive", err)
	}

	if reply = mustDispatch(t, desk, "mix:heartbeat", nil); reply["alive"] != true {
		t.Fatalf("heartbeat reply = %v", reply)
	}
	if _, err := dispatch(t, standby, "mix:heartbeat", nil); !errors.Is(err, mix.ErrNotPrimary) {
		t.Fatalf("standby heartbeat: got %v, want ErrNotPrimary", err)
	}

	// A clean leave frees the slot without waiting out the heartbeat window.
	mustDispatch(t, desk, "room:leave", nil)
	drainOutbox(standby)

	reply = mustDispatch(t, standby, "mix:takeover", map[string]any{"clientId": "mixer-b"})
	if reply["clientId"] != "mixer-b" || reply["isPrimary"] != true {
		t.Fatalf("takeover reply = %v", reply)
	}
	if _, ok := reply["previousClientId"]; ok {
		t.Fatalf("takeover of a freed slot should not name a predecessor: %v", reply)
	}
}

func TestMixStateChangeFanout(t *testing.T) {
	h := newTestHub(t)
	room, desk, _ := hostedRoom(t, h)

	viewer, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Viewer"})
	drainOutbox(desk)
	drainOutbox(viewer)

	// Writes need the primary slot.
	if _, err := dispatch(t, viewer, "mix:state-change", map[string]any{
		"type": "channel", "channelId": "ch-1", "changes": map[string]any{"gain": 0.5},
	}); !errors.Is(err, mix.ErrNotPrimary) {
		t.Fatalf("non-primary change: got %v, want ErrNotPrimary", err)
	}

	mustDispatch(t, desk, "mix:register", map[string]any{"clientId": "mixer-a"})

	if _, err := dispatch(t, desk, "mix:state-change", map[string]any{
		"type": "channel", "changes": map[string]any{"gain": 0.5},
	}); !errors.Is(err, mix.ErrNoChannelID) {
		t.Fatalf("channel change without id: got %v, want ErrNoChannelID", err)
	}

	mustDispatch(t, desk, "mix:state-change", map[string]any{
		"type": "channel", "channelId": "ch-1", "changes": map[string]any{"gain": 0.5},
	})
	event, data := nextFrame(t, viewer)
	if event != "mix:state-changed" || data["type"] != "channel" || data["channelId"] != "ch-1" || data["clientId"] != "mixer-a" {
		t.Fatalf("change frame = %q %v", event, data)
	}
	if changes := data["changes"].(map[string]any); changes["gain"] != 0.5 {
		t.Fatalf("change body = %v", data["changes"])
	}
	// The author already applied it locally and hears nothing back.
	noFrame(t, desk)

	reply := mustDispatch(t, desk, "mix:add-channel", map[string]any{"channelId": "ch-2"})
	if _, ok := reply["channel"].(models.ChannelMix); !ok {
		t.Fatalf("channel has type %T", reply["channel"])
	}
	if event, data = nextFrame(t, viewer); event != "mix:channel-added" || data["channelId"] != "ch-2" {
		t.Fatalf("add frame = %q %v", event, data)
	}

	if _, err := dispatch(t, desk, "mix:add-channel", nil); err == nil || err.Error() != "channelId is required" {
		t.Fatalf("add without id: got %v", err)
	}

	mustDispatch(t, desk, "mix:remove-channel", map[string]any{"channelId": "ch-2"})
	if event, _ = nextFrame(t, viewer); event != "mix:channel-removed" {
		t.Fatalf("remove frame = %q", event)
	}

	reply = mustDispatch(t, desk, "mix:get-state", nil)
	state := reply["state"].(mix.StateSnapshot)
	if _, ok := state.Channels["ch-1"]; !ok {
		t.Fatalf("state channels = %v", state.Channels)
	}
	if _, ok := state.Channels["ch-2"]; ok {
		t.Fatal("removed channel still in state")
	}
	failover := reply["failover"].(mix.FailoverStatus)
	if failover.PrimaryClientID != "mixer-a" || !failover.PrimaryAlive || failover.NeedsFailover {
		t.Fatalf("failover = %+v", failover)
	}
}

func TestMixFullSyncAndPersist(t *testing.T) {
	h := newTestHub(t)
	room, desk, _ := hostedRoom(t, h)

	viewer, _ := joinRoom(t, h, map[string]any{"roomId": room.ID, "displayName": "Viewer"})
	drainOutbox(desk)
	drainOutbox(viewer)

	mustDispatch(t, desk, "mix:register", map[string]any{"clientId": "mixer-a"})

	if _, err := dispatch(t, desk, "mix:full-sync", map[string]any{"channels": []int{1, 2}}); err == nil || err.Error() != "malformed channels" {
		t.Fatalf("bad channels: got %v", err)
	}
	if _, err := dispatch(t, desk, "mix:full-sync", map[string]any{"master": "loud"}); err == nil || err.Error() != "malformed master" {
		t.Fatalf("bad master: got %v", err)
	}

	mustDispatch(t, desk, "mix:full-sync", map[string]any{
		"channels": map[string]any{
			"ch-1": map[string]any{"gain": 0.8},
			"ch-2": map[string]any{"gain": 0.3, "muted": true},
		},
		"soloMode": true,
	})
	event, data := nextFrame(t, viewer)
	if event != "mix:state-synced" || data["clientId"] != "mixer-a" {
		t.Fatalf("sync frame = %q %v", event, data)
	}
	noFrame(t, desk)

	reply := mustDispatch(t, desk, "mix:get-state", nil)
	state := reply["state"].(mix.StateSnapshot)
	if len(state.Channels) != 2 || !state.SoloMode {
		t.Fatalf("synced state = %+v", state)
	}

	if reply = mustDispatch(t, desk, "mix:persist", nil); reply["persisted"] != true {
		t.Fatalf("persist reply = %v", reply)
	}
	var row models.Room
	if err := h.db.First(&row, "id = ?", room.ID).Error; err != nil {
		t.Fatalf("load room: %v", err)
	}
	if row.MixState == nil {
		t.Fatal("room row has no persisted mix state")
	}
	if len(row.MixState.Channels) != 2 {
		t.Fatalf("persisted channels = %v", row.MixState.Channels)
	}
}
