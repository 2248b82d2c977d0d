/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventRoomCreated      EventType = "room.created"
	EventRoomClosed       EventType = "room.closed"
	EventGreenRoomCreated EventType = "greenroom.created"
	EventGreenRoomDeleted EventType = "greenroom.deleted"

	EventParticipantJoined   EventType = "participant.joined"
	EventParticipantLeft     EventType = "participant.left"
	EventParticipantKicked   EventType = "participant.kicked"
	EventWaitingRoomAdmitted EventType = "waitingroom.admitted"
	EventWaitingRoomRejected EventType = "waitingroom.rejected"

	EventProducerCreated EventType = "producer.created"
	EventProducerClosed  EventType = "producer.closed"

	EventMixPrimaryChanged EventType = "mix.primary_changed"
	EventMixTakeover       EventType = "mix.takeover"

	EventEncoderStarted   EventType = "encoder.started"
	EventEncoderConnected EventType = "encoder.connected"
	EventEncoderStopped   EventType = "encoder.stopped"
	EventEncoderFailed    EventType = "encoder.failed"
	EventOutputBusLevels  EventType = "encoder.bus_levels"

	EventSourceStarted   EventType = "source.started"
	EventSourceConnected EventType = "source.connected"
	EventSourceStopped   EventType = "source.stopped"
	EventSourceFailed    EventType = "source.failed"
	EventWHIPUpdated     EventType = "whip.updated"
	EventWHIPConnected   EventType = "whip.connected"
	EventWHIPClosed      EventType = "whip.closed"

	EventRecordingStarted   EventType = "recording.started"
	EventRecordingCompleted EventType = "recording.completed"
	EventRecordingFailed    EventType = "recording.failed"

	EventAlertRaised EventType = "alert.raised"

	// Cache invalidation events
	EventRoomUpdated   EventType = "cache.room_updated"
	EventRoomDeleted   EventType = "cache.room_deleted"
	EventOutputUpdated EventType = "cache.output_updated"
	EventOutputDeleted EventType = "cache.output_deleted"
	EventSourceUpdated EventType = "cache.source_updated"
	EventSourceDeleted EventType = "cache.source_deleted"

	// Audit events (for operations that need explicit audit logging)
	EventAuditAPIKeyCreate EventType = "audit.apikey.create"
	EventAuditAPIKeyRevoke EventType = "audit.apikey.revoke"
	EventAuditInviteCreate EventType = "audit.invite.create"
	EventAuditInviteAccept EventType = "audit.invite.accept"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
