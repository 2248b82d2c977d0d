/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mix keeps the authoritative mixer snapshot for every room and
// arbitrates which client may write it. One primary mixer holds the pen; it
// proves liveness with heartbeats, and a replacement may only take over once
// the heartbeat window has lapsed.
package mix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

var (
	ErrNotPrimary    = errors.New("client is not the primary mixer")
	ErrPrimaryActive = errors.New("another primary mixer is active")
	ErrNoChannelID   = errors.New("channel change requires a channel id")
)

// defaultHeartbeatWindow is how long a primary may go silent before a
// takeover attempt succeeds.
const defaultHeartbeatWindow = 5 * time.Second

// roomMix is the per-room mixer state. Its mutex serializes every mutation
// for that room.
type roomMix struct {
	mu sync.Mutex

	channels    map[string]models.ChannelMix
	master      models.MasterMix
	soloMode    bool
	lastUpdated time.Time

	primaryClient  string
	lastHeartbeat  time.Time
	serverFallback bool
}

// StateSnapshot is a copy of a room's mix state, safe to hand to callers.
type StateSnapshot struct {
	Channels         map[string]models.ChannelMix `json:"channels"`
	Master           models.MasterMix             `json:"master"`
	SoloMode         bool                         `json:"soloMode"`
	LastUpdated      time.Time                    `json:"lastUpdated"`
	PrimaryClientID  string                       `json:"primaryClientId,omitempty"`
	IsServerFallback bool                         `json:"isServerFallback"`
}

// FullState is a partial replacement payload: only present fields are
// installed.
type FullState struct {
	Channels map[string]models.ChannelMix `json:"channels,omitempty"`
	Master   *models.MasterMix            `json:"master,omitempty"`
	SoloMode *bool                        `json:"soloMode,omitempty"`
}

// FailoverStatus reports whether a room needs a new primary mixer.
type FailoverStatus struct {
	NeedsFailover   bool   `json:"needsFailover"`
	PrimaryClientID string `json:"primaryClientId,omitempty"`
	PrimaryAlive    bool   `json:"primaryAlive"`
}

// Coordinator owns the per-room mix state.
type Coordinator struct {
	db     *gorm.DB
	bus    *events.Bus
	logger zerolog.Logger

	heartbeatWindow time.Duration

	mu    sync.Mutex
	rooms map[string]*roomMix
}

// NewCoordinator creates a mix coordinator.
func NewCoordinator(db *gorm.DB, bus *events.Bus, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:              db,
		bus:             bus,
		logger:          logger.With().Str("component", "mix").Logger(),
		heartbeatWindow: defaultHeartbeatWindow,
		rooms:           make(map[string]*roomMix),
	}
}

// SetHeartbeatWindow overrides how long a primary may go silent before a
// takeover is allowed. Non-positive values are ignored.
func (c *Coordinator) SetHeartbeatWindow(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.heartbeatWindow = d
	c.mu.Unlock()
}

// roomState returns the room's mix state, creating defaults on first use.
func (c *Coordinator) roomState(roomID string) *roomMix {
	c.mu.Lock()
	defer c.mu.Unlock()
	rm, ok := c.rooms[roomID]
	if !ok {
		rm = &roomMix{
			channels:    make(map[string]models.ChannelMix),
			master:      models.DefaultMasterMix(),
			lastUpdated: time.Now(),
		}
		c.rooms[roomID] = rm
	}
	return rm
}

// InitRoom installs default mix state for the room. Idempotent.
func (c *Coordinator) InitRoom(roomID string) {
	c.roomState(roomID)
}

// alive reports primary liveness; callers hold rm.mu.
func (c *Coordinator) alive(rm *roomMix, now time.Time) bool {
	return rm.primaryClient != "" && now.Sub(rm.lastHeartbeat) <= c.heartbeatWindow
}

// RegisterPrimaryClient installs clientID as the room's primary mixer. It
// succeeds when the slot is empty or the current primary has missed its
// heartbeat window; a takeover from a stale primary is announced on the bus.
func (c *Coordinator) RegisterPrimaryClient(roomID, clientID string) error {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	previous := rm.primaryClient
	if previous != "" && previous != clientID && c.alive(rm, now) {
		return ErrPrimaryActive
	}

	rm.primaryClient = clientID
	rm.lastHeartbeat = now
	rm.serverFallback = false

	switch {
	case previous == "" || previous == clientID:
		c.bus.Publish(events.EventMixPrimaryChanged, events.Payload{
			"room_id":   roomID,
			"client_id": clientID,
		})
	default:
		c.logger.Info().
			Str("room_id", roomID).
			Str("client_id", clientID).
			Str("previous", previous).
			Msg("mix primary taken over from stale client")
		telemetry.MixFailoversTotal.Inc()
		c.bus.Publish(events.EventMixTakeover, events.Payload{
			"room_id":       roomID,
			"client_id":     clientID,
			"resource_type": "mixer",
			"resource_id":   roomID,
			"previous":      previous,
		})
	}
	return nil
}

// Heartbeat refreshes the primary's liveness window.
func (c *Coordinator) Heartbeat(roomID, clientID string) error {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.primaryClient != clientID {
		return ErrNotPrimary
	}
	rm.lastHeartbeat = time.Now()
	rm.serverFallback = false
	return nil
}

// Unregister clears the primary slot if clientID holds it. Called on
// disconnect so a takeover does not have to wait out the heartbeat window.
func (c *Coordinator) Unregister(roomID, clientID string) {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.primaryClient == clientID {
		rm.primaryClient = ""
		rm.lastHeartbeat = time.Time{}
	}
}

// ApplyStateChange applies one mixer mutation from the primary client.
func (c *Coordinator) ApplyStateChange(roomID, clientID string, change models.MixChange) error {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.primaryClient != clientID {
		return ErrNotPrimary
	}

	switch change.Type {
	case models.MixChangeChannel:
		if change.ChannelID == "" {
			return ErrNoChannelID
		}
		ch, ok := rm.channels[change.ChannelID]
		if !ok {
			ch = models.DefaultChannelMix()
		}
		if err := json.Unmarshal(change.Changes, &ch); err != nil {
			return fmt.Errorf("decode channel changes: %w", err)
		}
		rm.channels[change.ChannelID] = ch

	case models.MixChangeMaster:
		if err := json.Unmarshal(change.Changes, &rm.master); err != nil {
			return fmt.Errorf("decode master changes: %w", err)
		}

	case models.MixChangeRouting:
		if change.ChannelID == "" {
			return ErrNoChannelID
		}
		var routing map[string]bool
		if err := json.Unmarshal(change.Changes, &routing); err != nil {
			return fmt.Errorf("decode routing changes: %w", err)
		}
		ch, ok := rm.channels[change.ChannelID]
		if !ok {
			ch = models.DefaultChannelMix()
		}
		if ch.BusRouting == nil {
			ch.BusRouting = make(map[string]bool)
		}
		for bus, enabled := range routing {
			ch.BusRouting[bus] = enabled
		}
		rm.channels[change.ChannelID] = ch

	case models.MixChangeFull:
		var full FullState
		if err := json.Unmarshal(change.Changes, &full); err != nil {
			return fmt.Errorf("decode full state: %w", err)
		}
		c.installFullLocked(rm, full)

	default:
		return fmt.Errorf("unknown mix change type %q", change.Type)
	}

	rm.lastUpdated = time.Now()
	telemetry.MixChangesTotal.WithLabelValues(string(change.Type)).Inc()
	return nil
}

// SyncFullState replaces the fields present in partial. Primary only.
func (c *Coordinator) SyncFullState(roomID, clientID string, partial FullState) error {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.primaryClient != clientID {
		return ErrNotPrimary
	}
	c.installFullLocked(rm, partial)
	rm.lastUpdated = time.Now()
	return nil
}

// installFullLocked installs the present fields of a full-state payload.
// Callers hold rm.mu.
func (c *Coordinator) installFullLocked(rm *roomMix, full FullState) {
	if full.Channels != nil {
		rm.channels = make(map[string]models.ChannelMix, len(full.Channels))
		for id, ch := range full.Channels {
			rm.channels[id] = ch
		}
	}
	if full.Master != nil {
		rm.master = *full.Master
	}
	if full.SoloMode != nil {
		rm.soloMode = *full.SoloMode
	}
}

// AddChannel ensures a channel strip exists and returns it. Channel
// membership follows SFU joins, so no primary is required.
func (c *Coordinator) AddChannel(roomID, channelID string) models.ChannelMix {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if ch, ok := rm.channels[channelID]; ok {
		return ch
	}
	ch := models.DefaultChannelMix()
	rm.channels[channelID] = ch
	rm.lastUpdated = time.Now()
	return ch
}

// RemoveChannel drops a channel strip. Idempotent, no primary required.
func (c *Coordinator) RemoveChannel(roomID, channelID string) {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.channels[channelID]; !ok {
		return
	}
	delete(rm.channels, channelID)
	rm.lastUpdated = time.Now()
}

// GetState returns a copy of the room's mix state.
func (c *Coordinator) GetState(roomID string) StateSnapshot {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	channels := make(map[string]models.ChannelMix, len(rm.channels))
	for id, ch := range rm.channels {
		channels[id] = ch
	}
	return StateSnapshot{
		Channels:         channels,
		Master:           rm.master,
		SoloMode:         rm.soloMode,
		LastUpdated:      rm.lastUpdated,
		PrimaryClientID:  rm.primaryClient,
		IsServerFallback: rm.serverFallback,
	}
}

// GetFailoverStatus reports whether the room's mixer needs a new primary:
// the current one is gone or silent while channels still exist.
func (c *Coordinator) GetFailoverStatus(roomID string) FailoverStatus {
	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	alive := c.alive(rm, time.Now())
	return FailoverStatus{
		NeedsFailover:   !alive && len(rm.channels) > 0,
		PrimaryClientID: rm.primaryClient,
		PrimaryAlive:    alive,
	}
}

// PersistState snapshots the room's mix state into the Room row.
func (c *Coordinator) PersistState(ctx context.Context, roomID string) error {
	c.mu.Lock()
	rm, ok := c.rooms[roomID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	snap := models.MixSnapshot{
		Channels:    make(map[string]models.ChannelMix, len(rm.channels)),
		Master:      rm.master,
		SoloMode:    rm.soloMode,
		LastUpdated: rm.lastUpdated,
	}
	for id, ch := range rm.channels {
		snap.Channels[id] = ch
	}
	rm.mu.Unlock()

	if err := c.db.WithContext(ctx).
		Model(&models.Room{}).
		Where("id = ?", roomID).
		Update("mix_state", &snap).Error; err != nil {
		return fmt.Errorf("persist mix state: %w", err)
	}
	return nil
}

// RestoreState loads the persisted snapshot back into memory. The restored
// state has no primary, so it is flagged as server fallback until a mixer
// registers.
func (c *Coordinator) RestoreState(ctx context.Context, roomID string) error {
	var room models.Room
	if err := c.db.WithContext(ctx).Select("id", "mix_state").First(&room, "id = ?", roomID).Error; err != nil {
		return fmt.Errorf("load room: %w", err)
	}
	if room.MixState == nil {
		return nil
	}

	rm := c.roomState(roomID)
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.channels = make(map[string]models.ChannelMix, len(room.MixState.Channels))
	for id, ch := range room.MixState.Channels {
		rm.channels[id] = ch
	}
	rm.master = room.MixState.Master
	rm.soloMode = room.MixState.SoloMode
	rm.lastUpdated = room.MixState.LastUpdated
	rm.serverFallback = true

	c.logger.Info().
		Str("room_id", roomID).
		Int("channels", len(rm.channels)).
		Msg("mix state restored from persistence")
	return nil
}

// ForgetRoom drops the room's in-memory mix state. Persist first if the
// state should survive.
func (c *Coordinator) ForgetRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, roomID)
}
