package mix

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

func openMixTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Room{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestCoordinator(t *testing.T) (*Coordinator, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	return NewCoordinator(openMixTestDB(t), bus, zerolog.Nop()), bus
}

func channelChange(t *testing.T, channelID string, changes any) models.MixChange {
	t.Helper()
	raw, err := json.Marshal(changes)
	if err != nil {
		t.Fatalf("marshal changes: %v", err)
	}
	return models.MixChange{
		Type:      models.MixChangeChannel,
		ChannelID: channelID,
		Changes:   raw,
		Timestamp: time.Now(),
	}
}

func TestRegisterPrimaryAndHeartbeat(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.RegisterPrimaryClient("room-1", "c2"); !errors.Is(err, ErrPrimaryActive) {
		t.Fatalf("second register: expected ErrPrimaryActive, got %v", err)
	}
	if err := c.Heartbeat("room-1", "c2"); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("non-primary heartbeat: expected ErrNotPrimary, got %v", err)
	}
	if err := c.Heartbeat("room-1", "c1"); err != nil {
		t.Fatalf("primary heartbeat: %v", err)
	}

	// Re-registering the same client refreshes rather than conflicts.
	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("re-register same client: %v", err)
	}
}

func TestTakeoverAfterHeartbeatWindow(t *testing.T) {
	c, bus := newTestCoordinator(t)
	c.heartbeatWindow = 20 * time.Millisecond
	sub := bus.Subscribe(events.EventMixTakeover)
	defer bus.Unsubscribe(events.EventMixTakeover, sub)

	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if err := c.RegisterPrimaryClient("room-1", "c2"); !errors.Is(err, ErrPrimaryActive) {
		t.Fatalf("expected ErrPrimaryActive while c1 alive, got %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if err := c.RegisterPrimaryClient("room-1", "c2"); err != nil {
		t.Fatalf("takeover after stale heartbeat: %v", err)
	}

	select {
	case payload := <-sub:
		if payload["room_id"] != "room-1" || payload["client_id"] != "c2" || payload["previous"] != "c1" {
			t.Fatalf("unexpected takeover payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no takeover event published")
	}

	st := c.GetState("room-1")
	if st.PrimaryClientID != "c2" {
		t.Fatalf("primary = %q, want c2", st.PrimaryClientID)
	}
}

func TestUnregisterFreesSlot(t *testing.T) {
	c, _ := newTestCoordinator(t)

	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	c.Unregister("room-1", "other")
	if err := c.RegisterPrimaryClient("room-1", "c2"); !errors.Is(err, ErrPrimaryActive) {
		t.Fatalf("unregister by non-primary should not free the slot, got %v", err)
	}

	c.Unregister("room-1", "c1")
	if err := c.RegisterPrimaryClient("room-1", "c2"); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
}

func TestApplyStateChangeRequiresPrimary(t *testing.T) {
	c, _ := newTestCoordinator(t)
	change := channelChange(t, "ch-1", map[string]any{"fader": 0.5})

	if err := c.ApplyStateChange("room-1", "c1", change); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("expected ErrNotPrimary, got %v", err)
	}
}

func TestApplyChannelChangeMergesOverDefaults(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := c.ApplyStateChange("room-1", "c1", channelChange(t, "ch-1", map[string]any{
		"fader": 0.5,
		"muted": true,
	})); err != nil {
		t.Fatalf("apply channel change: %v", err)
	}

	st := c.GetState("room-1")
	ch, ok := st.Channels["ch-1"]
	if !ok {
		t.Fatal("channel ch-1 not created")
	}
	if ch.Fader != 0.5 || !ch.Muted {
		t.Fatalf("overrides not applied: %+v", ch)
	}
	if ch.Gain != 1.0 || !ch.BusRouting[models.BusPGM] {
		t.Fatalf("defaults not populated: %+v", ch)
	}

	// A second partial change keeps earlier values.
	if err := c.ApplyStateChange("room-1", "c1", channelChange(t, "ch-1", map[string]any{
		"pan": -1.0,
		"eq":  map[string]any{"lowGain": 3.0},
	})); err != nil {
		t.Fatalf("apply second change: %v", err)
	}
	ch = c.GetState("room-1").Channels["ch-1"]
	if ch.Fader != 0.5 || ch.Pan != -1.0 {
		t.Fatalf("partial merge lost values: %+v", ch)
	}
	if ch.EQ.LowGain != 3.0 || ch.EQ.MidFreq != 1000 {
		t.Fatalf("nested merge wrong: %+v", ch.EQ)
	}

	if err := c.ApplyStateChange("room-1", "c1", models.MixChange{Type: models.MixChangeChannel, Changes: json.RawMessage(`{}`)}); !errors.Is(err, ErrNoChannelID) {
		t.Fatalf("expected ErrNoChannelID, got %v", err)
	}
}

func TestApplyRoutingChange(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	change := channelChange(t, "ch-1", map[string]bool{models.BusAUX1: true})
	change.Type = models.MixChangeRouting
	if err := c.ApplyStateChange("room-1", "c1", change); err != nil {
		t.Fatalf("apply routing: %v", err)
	}

	ch := c.GetState("room-1").Channels["ch-1"]
	if !ch.BusRouting[models.BusAUX1] || !ch.BusRouting[models.BusPGM] {
		t.Fatalf("routing merge wrong: %v", ch.BusRouting)
	}
}

func TestApplyMasterAndFullChanges(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}

	master := models.MixChange{Type: models.MixChangeMaster, Changes: json.RawMessage(`{"gain":0.8}`)}
	if err := c.ApplyStateChange("room-1", "c1", master); err != nil {
		t.Fatalf("apply master: %v", err)
	}
	st := c.GetState("room-1")
	if st.Master.Gain != 0.8 {
		t.Fatalf("master gain = %v, want 0.8", st.Master.Gain)
	}
	if st.Master.BusLevels[models.BusPGM] != 1.0 {
		t.Fatalf("master bus levels lost: %v", st.Master.BusLevels)
	}

	full := models.MixChange{Type: models.MixChangeFull, Changes: json.RawMessage(`{"channels":{"ch-9":{"fader":0.25}},"soloMode":true}`)}
	if err := c.ApplyStateChange("room-1", "c1", full); err != nil {
		t.Fatalf("apply full: %v", err)
	}
	st = c.GetState("room-1")
	if len(st.Channels) != 1 || st.Channels["ch-9"].Fader != 0.25 {
		t.Fatalf("full change did not replace channels: %v", st.Channels)
	}
	if !st.SoloMode {
		t.Fatal("solo mode not set")
	}
	if st.Master.Gain != 0.8 {
		t.Fatalf("full change without master should keep it, got %v", st.Master.Gain)
	}

	bad := models.MixChange{Type: "sideways", Changes: json.RawMessage(`{}`)}
	if err := c.ApplyStateChange("room-1", "c1", bad); err == nil {
		t.Fatal("expected error for unknown change type")
	}
}

func TestAddRemoveChannelWithoutPrimary(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ch := c.AddChannel("room-1", "ch-1")
	if ch.Fader != 1.0 || !ch.BusRouting[models.BusPGM] {
		t.Fatalf("new channel not defaulted: %+v", ch)
	}

	// Adding again returns the stored strip untouched.
	st := c.GetState("room-1")
	if len(st.Channels) != 1 {
		t.Fatalf("got %d channels, want 1", len(st.Channels))
	}
	c.AddChannel("room-1", "ch-1")
	if len(c.GetState("room-1").Channels) != 1 {
		t.Fatal("duplicate add created a second strip")
	}

	c.RemoveChannel("room-1", "ch-1")
	c.RemoveChannel("room-1", "ch-1")
	if len(c.GetState("room-1").Channels) != 0 {
		t.Fatal("channel not removed")
	}
}

func TestFailoverStatus(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.heartbeatWindow = 20 * time.Millisecond

	// No channels: nothing to fail over even without a primary.
	if st := c.GetFailoverStatus("room-1"); st.NeedsFailover {
		t.Fatalf("empty room should not need failover: %+v", st)
	}

	c.AddChannel("room-1", "ch-1")
	if st := c.GetFailoverStatus("room-1"); !st.NeedsFailover {
		t.Fatalf("room with channels and no primary should need failover: %+v", st)
	}

	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if st := c.GetFailoverStatus("room-1"); st.NeedsFailover || !st.PrimaryAlive {
		t.Fatalf("live primary should prevent failover: %+v", st)
	}

	time.Sleep(40 * time.Millisecond)
	st := c.GetFailoverStatus("room-1")
	if !st.NeedsFailover || st.PrimaryAlive || st.PrimaryClientID != "c1" {
		t.Fatalf("stale primary should need failover: %+v", st)
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	db := openMixTestDB(t)
	bus := events.NewBus()
	c := NewCoordinator(db, bus, zerolog.Nop())

	room := models.Room{ID: "room-1", Name: "Studio A", Type: models.RoomTypeLive, CreatedByID: "user-1"}
	if err := db.Create(&room).Error; err != nil {
		t.Fatalf("create room: %v", err)
	}

	if err := c.RegisterPrimaryClient("room-1", "c1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.ApplyStateChange("room-1", "c1", channelChange(t, "ch-1", map[string]any{"fader": 0.42})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	full := models.MixChange{Type: models.MixChangeFull, Changes: json.RawMessage(`{"soloMode":true}`)}
	if err := c.ApplyStateChange("room-1", "c1", full); err != nil {
		t.Fatalf("apply solo: %v", err)
	}

	if err := c.PersistState(context.Background(), "room-1"); err != nil {
		t.Fatalf("persist: %v", err)
	}

	restored := NewCoordinator(db, bus, zerolog.Nop())
	if err := restored.RestoreState(context.Background(), "room-1"); err != nil {
		t.Fatalf("restore: %v", err)
	}

	st := restored.GetState("room-1")
	if st.Channels["ch-1"].Fader != 0.42 {
		t.Fatalf("restored channel fader = %v, want 0.42", st.Channels["ch-1"].Fader)
	}
	if !st.SoloMode {
		t.Fatal("solo mode lost in round trip")
	}
	if st.Master.Gain != 1.0 {
		t.Fatalf("restored master gain = %v, want 1.0", st.Master.Gain)
	}
	if st.PrimaryClientID != "" || !st.IsServerFallback {
		t.Fatalf("restored state should be unowned fallback: %+v", st)
	}

	// Persisting an untracked room is a quiet no-op.
	if err := c.PersistState(context.Background(), "missing"); err != nil {
		t.Fatalf("persist untracked room: %v", err)
	}
}
