/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/hermod_studio/internal/events"
)

const (
	eventSubjectPrefix = "hermod.events."
	roomSubjectPrefix  = "hermod.rooms."

	// originKey marks payloads injected from a remote instance so the
	// forwarder does not bounce them back onto the wire.
	originKey = "relay_origin"
)

// relayedTypes are the bus events mirrored to every instance. Only events
// whose consumers are idempotent belong here; effectful consumers (audit,
// analytics) subscribe to the local bus alone.
var relayedTypes = []events.EventType{
	events.EventRoomUpdated,
	events.EventRoomDeleted,
	events.EventOutputUpdated,
	events.EventOutputDeleted,
	events.EventSourceUpdated,
	events.EventSourceDeleted,
	events.EventMixPrimaryChanged,
}

// IsRelayed reports whether the event type is mirrored to other instances.
// Consumers that rebroadcast relayed events to sessions deliver them locally
// only, since every instance sees the event on the events subject already.
func IsRelayed(eventType events.EventType) bool {
	for _, t := range relayedTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// IsRemote reports whether the payload was injected by another instance's
// relay.
func IsRemote(payload events.Payload) bool {
	_, ok := payload[originKey]
	return ok
}

// Config contains NATS connection configuration.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig returns default NATS configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// RoomHandler receives session messages published by other instances.
type RoomHandler func(roomID string, data []byte)

// Relay bridges the in-process event bus and room session traffic across
// instances over NATS. A single instance works without a relay; the server
// only constructs one when a NATS URL is configured.
type Relay struct {
	logger zerolog.Logger
	bus    *events.Bus
	conn   *nats.Conn
	nodeID string

	mu          sync.RWMutex
	roomHandler RoomHandler
	subs        []*nats.Subscription
	busSubs     map[events.EventType]events.Subscriber
	done        chan struct{}
}

// eventMessage is the wire form of a relayed bus event.
type eventMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

// roomMessage is the wire form of a relayed session broadcast.
type roomMessage struct {
	RoomID string `json:"room_id"`
	Data   []byte `json:"data"`
	NodeID string `json:"node_id"`
}

// NewRelay connects to NATS and starts mirroring relayed bus events.
func NewRelay(cfg Config, bus *events.Bus, logger zerolog.Logger) (*Relay, error) {
	nodeID := generateNodeID()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("hermod-"+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	r := &Relay{
		logger:  logger.With().Str("component", "eventbus").Str("node_id", nodeID).Logger(),
		bus:     bus,
		conn:    conn,
		nodeID:  nodeID,
		busSubs: make(map[events.EventType]events.Subscriber),
		done:    make(chan struct{}),
	}

	if err := r.start(); err != nil {
		conn.Close()
		return nil, err
	}

	r.logger.Info().Str("url", cfg.URL).Msg("event relay connected")
	return r, nil
}

// NodeID returns the relay's unique instance identifier.
func (r *Relay) NodeID() string {
	return r.nodeID
}

// OnRoomMessage registers the handler invoked for room broadcasts that
// originate on other instances.
func (r *Relay) OnRoomMessage(handler RoomHandler) {
	r.mu.Lock()
	r.roomHandler = handler
	r.mu.Unlock()
}

// PublishRoom fans a session broadcast out to other instances.
func (r *Relay) PublishRoom(roomID string, data []byte) {
	msg := roomMessage{RoomID: roomID, Data: data, NodeID: r.nodeID}
	raw, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("room_id", roomID).Msg("marshal room message")
		return
	}
	if err := r.conn.Publish(roomSubjectPrefix+roomID, raw); err != nil {
		r.logger.Warn().Err(err).Str("room_id", roomID).Msg("publish room message")
	}
}

func (r *Relay) start() error {
	// Remote bus events come in on hermod.events.<type>.
	eventSub, err := r.conn.Subscribe(eventSubjectPrefix+">", r.handleEventMessage)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	r.subs = append(r.subs, eventSub)

	// Remote session broadcasts come in on hermod.rooms.<roomID>.
	roomSub, err := r.conn.Subscribe(roomSubjectPrefix+">", r.handleRoomMessage)
	if err != nil {
		return fmt.Errorf("subscribe rooms: %w", err)
	}
	r.subs = append(r.subs, roomSub)

	// Forward relayed local bus events to the wire.
	for _, eventType := range relayedTypes {
		sub := r.bus.Subscribe(eventType)
		r.busSubs[eventType] = sub
		go r.forward(eventType, sub)
	}

	return nil
}

func (r *Relay) forward(eventType events.EventType, sub events.Subscriber) {
	for {
		select {
		case <-r.done:
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if _, remote := payload[originKey]; remote {
				continue
			}
			msg := eventMessage{
				EventType: eventType,
				Payload:   payload,
				Timestamp: time.Now(),
				NodeID:    r.nodeID,
				MessageID: uuid.NewString(),
			}
			raw, err := json.Marshal(msg)
			if err != nil {
				r.logger.Error().Err(err).Str("event", string(eventType)).Msg("marshal event")
				continue
			}
			if err := r.conn.Publish(eventSubjectPrefix+string(eventType), raw); err != nil {
				r.logger.Warn().Err(err).Str("event", string(eventType)).Msg("publish event")
			}
		}
	}
}

func (r *Relay) handleEventMessage(m *nats.Msg) {
	var msg eventMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.logger.Warn().Err(err).Str("subject", m.Subject).Msg("bad event message")
		return
	}
	if msg.NodeID == r.nodeID {
		return
	}

	payload := events.Payload{}
	for k, v := range msg.Payload {
		payload[k] = v
	}
	payload[originKey] = msg.NodeID

	r.bus.Publish(msg.EventType, payload)
}

func (r *Relay) handleRoomMessage(m *nats.Msg) {
	var msg roomMessage
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		r.logger.Warn().Err(err).Str("subject", m.Subject).Msg("bad room message")
		return
	}
	if msg.NodeID == r.nodeID {
		return
	}

	roomID := msg.RoomID
	if roomID == "" {
		roomID = strings.TrimPrefix(m.Subject, roomSubjectPrefix)
	}

	r.mu.RLock()
	handler := r.roomHandler
	r.mu.RUnlock()
	if handler != nil {
		handler(roomID, msg.Data)
	}
}

// Close drains the NATS connection and stops forwarding.
func (r *Relay) Close() error {
	close(r.done)

	r.mu.Lock()
	for eventType, sub := range r.busSubs {
		r.bus.Unsubscribe(eventType, sub)
	}
	r.busSubs = map[events.EventType]events.Subscriber{}
	r.mu.Unlock()

	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}

	if err := r.conn.Drain(); err != nil {
		r.conn.Close()
		return err
	}
	return nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hermod"
	}
	return host + "-" + uuid.NewString()[:8]
}
