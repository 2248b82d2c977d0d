package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/hermod_studio/internal/events"
)

func TestRaiseAlertPublishesEvent(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventAlertRaised)
	defer bus.Unsubscribe(events.EventAlertRaised, sub)

	svc := NewService(bus, Config{Cooldown: time.Minute}, zerolog.Nop())
	svc.RaiseAlert(context.Background(), Alert{
		Type:       AlertEncoderFailed,
		RoomID:     "room-1",
		ResourceID: "output-1",
		Message:    "encoder exhausted retries",
		Details:    map[string]any{"attempts": 3},
	})

	select {
	case payload := <-sub:
		if payload["type"] != string(AlertEncoderFailed) {
			t.Fatalf("expected encoder_failed, got %v", payload["type"])
		}
		if payload["room_id"] != "room-1" || payload["resource_id"] != "output-1" {
			t.Fatalf("expected room/resource extraction, got %v", payload)
		}
		if payload["attempts"] != 3 {
			t.Fatalf("expected details merged into payload, got %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("alert.raised never published")
	}
}

func TestDetailsCannotShadowReservedKeys(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(events.EventAlertRaised)
	defer bus.Unsubscribe(events.EventAlertRaised, sub)

	svc := NewService(bus, Config{Cooldown: time.Minute}, zerolog.Nop())
	svc.RaiseAlert(context.Background(), Alert{
		Type:       AlertIngestFailed,
		RoomID:     "room-1",
		ResourceID: "source-1",
		Message:    "probe timeout",
		Details:    map[string]any{"room_id": "spoofed"},
	})

	select {
	case payload := <-sub:
		if payload["room_id"] != "room-1" {
			t.Fatalf("details must not shadow room_id, got %v", payload["room_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("alert.raised never published")
	}
}

func TestCooldownThrottlesDelivery(t *testing.T) {
	svc := NewService(events.NewBus(), Config{Cooldown: time.Minute}, zerolog.Nop())

	now := time.Now()
	if !svc.shouldDeliver("encoder_failed/output-1", now) {
		t.Fatal("first delivery should pass")
	}
	if svc.shouldDeliver("encoder_failed/output-1", now.Add(30*time.Second)) {
		t.Fatal("delivery inside cooldown should be suppressed")
	}
	if !svc.shouldDeliver("encoder_failed/output-2", now.Add(30*time.Second)) {
		t.Fatal("different key should not be throttled")
	}
	if !svc.shouldDeliver("encoder_failed/output-1", now.Add(2*time.Minute)) {
		t.Fatal("delivery after cooldown should pass")
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("HERMOD_SMTP_PORT", "")
	t.Setenv("HERMOD_ALERT_COOLDOWN", "")

	cfg := ConfigFromEnv()
	if cfg.SMTPPort != 587 {
		t.Fatalf("expected default port 587, got %d", cfg.SMTPPort)
	}
	if cfg.Cooldown != 5*time.Minute {
		t.Fatalf("expected default cooldown 5m, got %s", cfg.Cooldown)
	}
}
