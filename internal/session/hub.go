/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session is the room session bus: every connected client holds one
// WebSocket session here, request events are dispatched against the room,
// media, mix, and recording services, and state changes fan back out as
// broadcasts on per-room channels. With a relay attached, room broadcasts
// also cross instance boundaries.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/config"
	"github.com/friendsincode/hermod_studio/internal/eventbus"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/ingest"
	"github.com/friendsincode/hermod_studio/internal/mix"
	"github.com/friendsincode/hermod_studio/internal/recordings"
	"github.com/friendsincode/hermod_studio/internal/rooms"
	"github.com/friendsincode/hermod_studio/internal/sfu"
)

// RoomRelay mirrors room broadcasts across instances. Satisfied by
// *eventbus.Relay; nil means single-instance operation.
type RoomRelay interface {
	PublishRoom(roomID string, data []byte)
	OnRoomMessage(handler eventbus.RoomHandler)
}

// Config carries the session bus tunables.
type Config struct {
	// JWTSecret verifies room:join tokens.
	JWTSecret []byte
	// ICEServers is handed to joining clients for their peer connections.
	ICEServers []config.ICEServer
}

// Hub tracks sessions and their channel memberships, and turns component
// events from the in-process bus into room broadcasts.
type Hub struct {
	cfg      Config
	db       *gorm.DB
	bus      *events.Bus
	rooms    *rooms.Service
	media    *sfu.Orchestrator
	mixes    *mix.Coordinator
	recorder *recordings.Service
	whip     *ingest.WHIPService
	logger   zerolog.Logger

	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}
	members  map[*Session]map[string]struct{}
	byPID    map[string]*Session
	queues   map[string][]string
	relay    RoomRelay
}

// relayEnvelope wraps one broadcast frame with its channel for the
// cross-instance rooms subject.
type relayEnvelope struct {
	Channel string          `json:"channel"`
	Frame   json.RawMessage `json:"frame"`
}

// NewHub creates the session hub and registers itself for SFU transport
// failure callbacks. recorder and whip may be nil; the matching events are
// then rejected or ignored.
func NewHub(cfg Config, db *gorm.DB, bus *events.Bus, roomSvc *rooms.Service, media *sfu.Orchestrator, mixes *mix.Coordinator, recorder *recordings.Service, whip *ingest.WHIPService, logger zerolog.Logger) *Hub {
	h := &Hub{
		cfg:      cfg,
		db:       db,
		bus:      bus,
		rooms:    roomSvc,
		media:    media,
		mixes:    mixes,
		recorder: recorder,
		whip:     whip,
		logger:   logger.With().Str("component", "session").Logger(),
		channels: make(map[string]map[*Session]struct{}),
		members:  make(map[*Session]map[string]struct{}),
		byPID:    make(map[string]*Session),
		queues:   make(map[string][]string),
	}
	if media != nil {
		media.SetTransportClosedHandler(h.handleTransportClosed)
	}
	return h
}

// SetRelay attaches the cross-instance relay and starts delivering remote
// room broadcasts to local sessions.
func (h *Hub) SetRelay(relay RoomRelay) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
	relay.OnRoomMessage(h.handleRemoteBroadcast)
}

// Channel names. The waiting and IFB variants hang off the main room
// channel so one room id addresses all three audiences.

func roomChannel(roomID string) string { return "room:" + roomID }

func waitingChannel(roomID string) string { return "room:" + roomID + ":waiting" }

func ifbChannel(roomID string) string { return "room:" + roomID + ":ifb" }

// channelRoomID extracts the room id from any room-scoped channel name.
func channelRoomID(channel string) string {
	parts := strings.SplitN(channel, ":", 3)
	if len(parts) < 2 || parts[0] != "room" {
		return ""
	}
	return parts[1]
}

func (h *Hub) joinChannel(channel string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Session]struct{})
	}
	h.channels[channel][s] = struct{}{}
	if h.members[s] == nil {
		h.members[s] = make(map[string]struct{})
	}
	h.members[s][channel] = struct{}{}
}

func (h *Hub) leaveChannel(channel string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropMembershipLocked(channel, s)
}

func (h *Hub) dropMembershipLocked(channel string, s *Session) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	if chans, ok := h.members[s]; ok {
		delete(chans, channel)
	}
}

// detach removes the session from every channel and the participant index.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for channel := range h.members[s] {
		h.dropMembershipLocked(channel, s)
	}
	delete(h.members, s)
	for pid, sess := range h.byPID {
		if sess == s {
			delete(h.byPID, pid)
		}
	}
}

func (h *Hub) bindParticipant(participantID string, s *Session) {
	h.mu.Lock()
	h.byPID[participantID] = s
	h.mu.Unlock()
}

func (h *Hub) unbindParticipant(participantID string) {
	h.mu.Lock()
	delete(h.byPID, participantID)
	h.mu.Unlock()
}

func (h *Hub) sessionFor(participantID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byPID[participantID]
}

// Green-room queues live in memory only; they are presentation state for the
// "who goes live next" panel, not part of the durable room record.

func (h *Hub) setQueue(roomID string, queue []string) {
	h.mu.Lock()
	h.queues[roomID] = append([]string(nil), queue...)
	h.mu.Unlock()
}

func (h *Hub) queue(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.queues[roomID]...)
}

func (h *Hub) dropQueue(roomID string) {
	h.mu.Lock()
	delete(h.queues, roomID)
	h.mu.Unlock()
}

// channelSessions snapshots a channel's membership.
func (h *Hub) channelSessions(channel string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.channels[channel]
	out := make([]*Session, 0, len(subs))
	for s := range subs {
		out = append(out, s)
	}
	return out
}

// Broadcast fans an event out to a channel, locally and across instances.
func (h *Hub) Broadcast(channel, event string, data any) {
	h.BroadcastExcept(channel, event, data, nil)
}

// BroadcastExcept is Broadcast minus one session, so a client does not hear
// its own action echoed back.
func (h *Hub) BroadcastExcept(channel, event string, data any, except *Session) {
	frame, err := broadcastFrame(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal broadcast")
		return
	}
	h.deliverLocal(channel, frame, except)
	h.relayBroadcast(channel, frame)
}

// broadcastLocal delivers on this instance only. Used for bus events that
// the relay already mirrors to every instance.
func (h *Hub) broadcastLocal(channel, event string, data any) {
	frame, err := broadcastFrame(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal broadcast")
		return
	}
	h.deliverLocal(channel, frame, nil)
}

// sendToParticipant delivers one frame to a single bound session.
func (h *Hub) sendToParticipant(participantID, event string, data any) bool {
	s := h.sessionFor(participantID)
	if s == nil {
		return false
	}
	frame, err := broadcastFrame(event, data)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("marshal send")
		return false
	}
	s.enqueue(frame)
	return true
}

func broadcastFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Event: event, Data: raw})
}

func (h *Hub) deliverLocal(channel string, frame []byte, except *Session) {
	for _, s := range h.channelSessions(channel) {
		if s == except {
			continue
		}
		s.enqueue(frame)
	}
}

func (h *Hub) relayBroadcast(channel string, frame []byte) {
	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	roomID := channelRoomID(channel)
	if roomID == "" {
		return
	}
	env, err := json.Marshal(relayEnvelope{Channel: channel, Frame: frame})
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channel).Msg("marshal relay envelope")
		return
	}
	relay.PublishRoom(roomID, env)
}

// handleRemoteBroadcast delivers a frame published by another instance.
// Local delivery only; re-relaying would loop.
func (h *Hub) handleRemoteBroadcast(roomID string, data []byte) {
	var env relayEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn().Err(err).Str("room_id", roomID).Msg("bad relayed broadcast")
		return
	}
	channel := env.Channel
	if channel == "" {
		channel = roomChannel(roomID)
	}
	h.deliverLocal(channel, env.Frame, nil)
}

// handleTransportClosed reacts to an SFU transport failure. WHIP publishers
// get their state machine notified; ingest sources are supervised by their
// own watchdog; everything else is a participant whose session must run
// disconnect.
func (h *Hub) handleTransportClosed(roomID, participantID string) {
	if streamID, ok := ingest.WHIPStreamIDFromParticipant(participantID); ok {
		if h.whip != nil {
			h.whip.HandleDisconnect(context.Background(), streamID)
		}
		return
	}
	if strings.HasPrefix(participantID, "source:") {
		return
	}
	s := h.sessionFor(participantID)
	if s == nil {
		return
	}
	h.logger.Info().
		Str("room_id", roomID).
		Str("participant_id", participantID).
		Msg("transport closed, disconnecting session")
	s.disconnect(context.Background())
}

// Run translates component events from the in-process bus into room
// broadcasts until ctx is cancelled. Relayed event types deliver locally
// only; everything else rides the room relay so remote sessions converge.
func (h *Hub) Run(ctx context.Context) {
	type mapping struct {
		busEvent events.EventType
		wsEvent  string
	}
	passthrough := []mapping{
		{events.EventEncoderStarted, "output:stateChanged"},
		{events.EventEncoderConnected, "output:stateChanged"},
		{events.EventEncoderStopped, "output:stateChanged"},
		{events.EventEncoderFailed, "output:stateChanged"},
		{events.EventOutputBusLevels, "output:busLevelsChanged"},
		{events.EventOutputUpdated, "output:updated"},
		{events.EventOutputDeleted, "output:deleted"},
		{events.EventSourceStarted, "source:stateChanged"},
		{events.EventSourceConnected, "source:stateChanged"},
		{events.EventSourceStopped, "source:stateChanged"},
		{events.EventSourceFailed, "source:stateChanged"},
		{events.EventSourceUpdated, "source:updated"},
		{events.EventSourceDeleted, "source:deleted"},
		{events.EventWHIPUpdated, "whip:stream-updated"},
		{events.EventWHIPClosed, "whip:stream-deleted"},
		{events.EventRecordingStarted, "recording:started"},
		{events.EventRecordingCompleted, "recording:completed"},
		{events.EventRecordingFailed, "recording:failed"},
		{events.EventAlertRaised, "alert:raised"},
		{events.EventMixPrimaryChanged, "mix:primary-changed"},
		{events.EventMixTakeover, "mix:takeover-occurred"},
		{events.EventGreenRoomCreated, "greenroom:created"},
	}

	type subscription struct {
		mapping
		ch events.Subscriber
	}
	subs := make([]subscription, 0, len(passthrough))
	for _, m := range passthrough {
		subs = append(subs, subscription{mapping: m, ch: h.bus.Subscribe(m.busEvent)})
	}
	sourceConnected := h.bus.Subscribe(events.EventSourceConnected)
	whipConnected := h.bus.Subscribe(events.EventWHIPConnected)
	roomClosed := h.bus.Subscribe(events.EventRoomClosed)
	greenDeleted := h.bus.Subscribe(events.EventGreenRoomDeleted)
	defer func() {
		for _, sub := range subs {
			h.bus.Unsubscribe(sub.busEvent, sub.ch)
		}
		h.bus.Unsubscribe(events.EventSourceConnected, sourceConnected)
		h.bus.Unsubscribe(events.EventWHIPConnected, whipConnected)
		h.bus.Unsubscribe(events.EventRoomClosed, roomClosed)
		h.bus.Unsubscribe(events.EventGreenRoomDeleted, greenDeleted)
	}()

	h.logger.Info().Msg("session hub started")

	// The passthrough channels collapse into one fan-in so the select below
	// stays readable.
	type fanned struct {
		mapping
		payload events.Payload
	}
	fanIn := make(chan fanned, 32)
	for _, sub := range subs {
		go func(sub subscription) {
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub.ch:
					if !ok {
						return
					}
					select {
					case fanIn <- fanned{mapping: sub.mapping, payload: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Msg("session hub stopping")
			return

		case f := <-fanIn:
			h.rebroadcast(f.busEvent, f.wsEvent, f.payload)

		case payload := <-sourceConnected:
			h.announceProducer(payload)

		case payload := <-whipConnected:
			h.announceProducer(payload)

		case payload := <-roomClosed:
			h.handleRoomClosed(payload)

		case payload := <-greenDeleted:
			h.handleGreenRoomDeleted(payload)
		}
	}
}

// rebroadcast forwards one bus payload to the room channel under its
// client-facing name.
func (h *Hub) rebroadcast(busEvent events.EventType, wsEvent string, payload events.Payload) {
	roomID, _ := payload["room_id"].(string)
	if roomID == "" {
		return
	}
	data := scrubPayload(payload)
	if eventbus.IsRelayed(busEvent) || eventbus.IsRemote(payload) {
		h.broadcastLocal(roomChannel(roomID), wsEvent, data)
		return
	}
	h.Broadcast(roomChannel(roomID), wsEvent, data)
}

// announceProducer emits producer:new for producers registered outside the
// session path (ingest sources, WHIP publishers).
func (h *Hub) announceProducer(payload events.Payload) {
	roomID, _ := payload["room_id"].(string)
	producerID, _ := payload["producer_id"].(string)
	participantID, _ := payload["participant_id"].(string)
	if roomID == "" || producerID == "" {
		return
	}
	kind, _ := payload["kind"].(string)
	if kind == "" {
		kind = "audio"
	}
	announcement := events.Payload{
		"producerId":    producerID,
		"participantId": participantID,
		"kind":          kind,
	}
	if eventbus.IsRemote(payload) {
		h.broadcastLocal(roomChannel(roomID), "producer:new", announcement)
		return
	}
	h.Broadcast(roomChannel(roomID), "producer:new", announcement)
}

func (h *Hub) handleRoomClosed(payload events.Payload) {
	roomID, _ := payload["room_id"].(string)
	if roomID == "" {
		return
	}
	data := scrubPayload(payload)
	if eventbus.IsRemote(payload) {
		h.broadcastLocal(roomChannel(roomID), "room:closed", data)
	} else {
		h.Broadcast(roomChannel(roomID), "room:closed", data)
	}
	h.dropQueue(roomID)
	for _, s := range h.channelSessions(roomChannel(roomID)) {
		s.forceClose("room closed")
	}
}

// handleGreenRoomDeleted re-homes the green room's live sessions into the
// parent. The participant rows moved already; here the channel memberships
// and session state follow.
func (h *Hub) handleGreenRoomDeleted(payload events.Payload) {
	roomID, _ := payload["room_id"].(string)
	parentID, _ := payload["parent_id"].(string)
	if roomID == "" {
		return
	}
	data := scrubPayload(payload)
	if eventbus.IsRemote(payload) {
		h.broadcastLocal(roomChannel(roomID), "greenroom:deleted", data)
		h.broadcastLocal(roomChannel(parentID), "greenroom:deleted", data)
	} else {
		h.Broadcast(roomChannel(roomID), "greenroom:deleted", data)
		h.Broadcast(roomChannel(parentID), "greenroom:deleted", data)
	}
	h.dropQueue(roomID)
	if parentID == "" {
		return
	}
	for _, s := range h.channelSessions(roomChannel(roomID)) {
		h.rehomeSession(s, roomID, parentID)
	}
}

// rehomeSession moves one live session from a deleted green room into the
// parent room and hands it fresh media bootstrap data.
func (h *Hub) rehomeSession(s *Session, fromRoomID, toRoomID string) {
	pid := s.participant()
	if pid == "" {
		return
	}
	h.media.GetOrCreateRoom(toRoomID)
	if _, err := h.media.AddParticipant(toRoomID, pid, s.name()); err != nil && !isBenignMediaErr(err) {
		h.logger.Warn().Err(err).Str("participant_id", pid).Msg("re-home media registration failed")
	}

	h.leaveChannel(roomChannel(fromRoomID), s)
	h.leaveChannel(ifbChannel(toRoomID), s)
	h.joinChannel(roomChannel(toRoomID), s)
	s.setRoom(toRoomID)

	h.sendToParticipant(pid, "greenroom:moved", h.mediaBootstrap(toRoomID, pid))
}

// mediaBootstrap assembles the payload a client needs to (re)negotiate media
// in a room: router capabilities, ICE servers, and the producers already
// live there.
func (h *Hub) mediaBootstrap(roomID, participantID string) events.Payload {
	boot := events.Payload{
		"roomId":     roomID,
		"iceServers": h.cfg.ICEServers,
	}
	if room, err := h.media.GetRoom(roomID); err == nil {
		boot["rtpCapabilities"] = room.RTPCapabilities()
	}
	if producers, err := h.media.GetProducersInRoom(roomID, participantID); err == nil {
		boot["producers"] = producers
	}
	return boot
}

// scrubPayload strips relay bookkeeping before a payload goes to clients.
func scrubPayload(payload events.Payload) events.Payload {
	if !eventbus.IsRemote(payload) {
		return payload
	}
	out := make(events.Payload, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	delete(out, "relay_origin")
	return out
}

// isBenignMediaErr filters the SFU errors that a lifecycle race makes
// expected rather than actionable.
func isBenignMediaErr(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, sfu.ErrParticipantExists),
		errors.Is(err, sfu.ErrParticipantNotFound),
		errors.Is(err, sfu.ErrRoomNotFound),
		errors.Is(err, sfu.ErrRoomClosed):
		return true
	}
	return false
}
