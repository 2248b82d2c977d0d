package events

import (
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventParticipantJoined)

	bus.Publish(EventParticipantJoined, Payload{"room_id": "r1", "participant_id": "p1"})

	select {
	case payload := <-sub:
		if payload["room_id"] != "r1" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventEncoderFailed)

	// Fill the subscriber buffer, then publish more. Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			bus.Publish(EventEncoderFailed, Payload{"n": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	// Drain whatever made it through.
	for {
		select {
		case <-sub:
		default:
			return
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(EventRoomClosed)
	bus.Unsubscribe(EventRoomClosed, sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(EventRoomClosed, Payload{"room_id": "r1"})
}
