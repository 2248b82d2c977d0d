/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/mix"
	"github.com/friendsincode/hermod_studio/internal/models"
	"github.com/friendsincode/hermod_studio/internal/telemetry"
)

// Mixer events. One client per room is the primary mixer and owns writes;
// everyone else consumes broadcast state. The coordinator arbitrates the
// primary slot, this file is the socket face of it.

// handleMixRegister claims the primary mixer slot for this session's client.
// The client id defaults to the participant id but mixers may present a
// stable id that survives reconnects.
func (s *Session) handleMixRegister(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = s.participant()
	}

	if err := s.hub.mixes.RegisterPrimaryClient(s.room(), clientID); err != nil {
		return nil, err
	}
	s.setMixClient(clientID)

	// Late mixers need the current truth immediately, not on next change.
	snapshot := s.hub.mixes.GetState(s.room())
	return events.Payload{
		"clientId":  clientID,
		"isPrimary": true,
		"state":     snapshot,
	}, nil
}

func (s *Session) handleMixHeartbeat(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = s.mixClient()
	}

	if err := s.hub.mixes.Heartbeat(s.room(), clientID); err != nil {
		return nil, err
	}
	return events.Payload{"alive": true}, nil
}

func (s *Session) handleMixStateChange(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var change models.MixChange
	if err := decode(data, &change); err != nil {
		return nil, err
	}
	if change.ClientID == "" {
		change.ClientID = s.mixClient()
	}
	if change.Timestamp.IsZero() {
		change.Timestamp = time.Now()
	}

	if err := s.hub.mixes.ApplyStateChange(s.room(), change.ClientID, change); err != nil {
		return nil, err
	}

	// Everyone except the author mirrors the change; the author already
	// applied it locally.
	s.hub.BroadcastExcept(roomChannel(s.room()), "mix:state-changed", events.Payload{
		"type":      change.Type,
		"channelId": change.ChannelID,
		"changes":   change.Changes,
		"clientId":  change.ClientID,
		"timestamp": change.Timestamp,
	}, s)
	return events.Payload{}, nil
}

func (s *Session) handleMixFullSync(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ClientID string          `json:"clientId"`
		Channels json.RawMessage `json:"channels"`
		Master   json.RawMessage `json:"master"`
		SoloMode *bool           `json:"soloMode"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = s.mixClient()
	}

	var full mix.FullState
	if len(req.Channels) > 0 {
		if err := json.Unmarshal(req.Channels, &full.Channels); err != nil {
			return nil, errors.New("malformed channels")
		}
	}
	if len(req.Master) > 0 {
		full.Master = &models.MasterMix{}
		if err := json.Unmarshal(req.Master, full.Master); err != nil {
			return nil, errors.New("malformed master")
		}
	}
	full.SoloMode = req.SoloMode

	if err := s.hub.mixes.SyncFullState(s.room(), clientID, full); err != nil {
		return nil, err
	}

	snapshot := s.hub.mixes.GetState(s.room())
	s.hub.BroadcastExcept(roomChannel(s.room()), "mix:state-synced", events.Payload{
		"state":    snapshot,
		"clientId": clientID,
	}, s)
	return events.Payload{}, nil
}

func (s *Session) handleMixAddChannel(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ChannelID == "" {
		return nil, errors.New("channelId is required")
	}

	channel := s.hub.mixes.AddChannel(s.room(), req.ChannelID)
	s.hub.BroadcastExcept(roomChannel(s.room()), "mix:channel-added", events.Payload{
		"channelId": req.ChannelID,
		"channel":   channel,
	}, s)
	return events.Payload{"channel": channel}, nil
}

func (s *Session) handleMixRemoveChannel(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ChannelID string `json:"channelId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.ChannelID == "" {
		return nil, errors.New("channelId is required")
	}

	s.hub.mixes.RemoveChannel(s.room(), req.ChannelID)
	s.hub.BroadcastExcept(roomChannel(s.room()), "mix:channel-removed", events.Payload{
		"channelId": req.ChannelID,
	}, s)
	return events.Payload{}, nil
}

func (s *Session) handleMixGetState(ctx context.Context) (events.Payload, error) {
	snapshot := s.hub.mixes.GetState(s.room())
	failover := s.hub.mixes.GetFailoverStatus(s.room())
	return events.Payload{
		"state":    snapshot,
		"failover": failover,
	}, nil
}

// handleMixTakeover lets a standby mixer claim the primary slot after the
// incumbent goes silent. The coordinator still enforces the heartbeat window,
// so a live primary cannot be stolen from.
func (s *Session) handleMixTakeover(ctx context.Context, data json.RawMessage) (events.Payload, error) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = s.participant()
	}

	status := s.hub.mixes.GetFailoverStatus(s.room())
	if err := s.hub.mixes.RegisterPrimaryClient(s.room(), clientID); err != nil {
		return nil, err
	}
	s.setMixClient(clientID)
	telemetry.MixTakeoversTotal.Inc()

	snapshot := s.hub.mixes.GetState(s.room())
	reply := events.Payload{
		"clientId":  clientID,
		"isPrimary": true,
		"state":     snapshot,
	}
	if status.PrimaryClientID != "" && status.PrimaryClientID != clientID {
		reply["previousClientId"] = status.PrimaryClientID
	}
	return reply, nil
}

// handleMixPersist flushes the room's mix snapshot to the room row so a cold
// restart can restore it.
func (s *Session) handleMixPersist(ctx context.Context) (events.Payload, error) {
	if err := s.hub.mixes.PersistState(ctx, s.room()); err != nil {
		return nil, err
	}
	return events.Payload{"persisted": true}, nil
}
