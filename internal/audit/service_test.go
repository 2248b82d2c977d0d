package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

func openAuditTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if err := db.AutoMigrate(&models.AuditLog{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestLogBackfillsDefaults(t *testing.T) {
	db := openAuditTestDB(t)
	svc := NewService(db, events.NewBus(), zerolog.Nop())

	entry := &models.AuditLog{Action: models.AuditActionRoomCreate}
	if err := svc.Log(context.Background(), entry); err != nil {
		t.Fatalf("log: %v", err)
	}

	if entry.ID == "" {
		t.Fatal("expected generated ID")
	}
	if entry.Timestamp.IsZero() {
		t.Fatal("expected timestamp backfill")
	}
	if entry.Details == nil {
		t.Fatal("expected details map")
	}

	var count int64
	if err := db.Model(&models.AuditLog{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}
}

func TestEventSubscriptionWritesEntry(t *testing.T) {
	db := openAuditTestDB(t)
	bus := events.NewBus()
	svc := NewService(db, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Start(ctx)

	// Give the subscription loop a moment to register.
	time.Sleep(50 * time.Millisecond)

	bus.Publish(events.EventParticipantKicked, events.Payload{
		"actor_id":      "host-1",
		"actor_name":    "Alice",
		"room_id":       "room-1",
		"resource_type": "participant",
		"resource_id":   "part-9",
		"reason":        "disruptive",
	})

	var entry models.AuditLog
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := db.Where("action = ?", models.AuditActionParticipantKick).First(&entry).Error
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit entry never written: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if entry.ActorID == nil || *entry.ActorID != "host-1" {
		t.Fatalf("expected actor host-1, got %v", entry.ActorID)
	}
	if entry.ActorName != "Alice" {
		t.Fatalf("expected actor name Alice, got %q", entry.ActorName)
	}
	if entry.RoomID == nil || *entry.RoomID != "room-1" {
		t.Fatalf("expected room room-1, got %v", entry.RoomID)
	}
	if entry.ResourceType != "participant" || entry.ResourceID != "part-9" {
		t.Fatalf("expected resource participant/part-9, got %s/%s", entry.ResourceType, entry.ResourceID)
	}
	if entry.Details["reason"] != "disruptive" {
		t.Fatalf("expected reason in details, got %v", entry.Details)
	}
	if _, extracted := entry.Details["actor_id"]; extracted {
		t.Fatal("actor_id should not be duplicated into details")
	}
}

func TestQueryFiltersAndOrdering(t *testing.T) {
	db := openAuditTestDB(t)
	svc := NewService(db, events.NewBus(), zerolog.Nop())
	ctx := context.Background()

	actorA := "actor-a"
	roomA := "room-a"
	base := time.Now().Add(-time.Hour)

	entries := []*models.AuditLog{
		{Action: models.AuditActionRoomCreate, ActorID: &actorA, RoomID: &roomA, Timestamp: base},
		{Action: models.AuditActionRoomClose, ActorID: &actorA, RoomID: &roomA, Timestamp: base.Add(10 * time.Minute)},
		{Action: models.AuditActionRoomCreate, Timestamp: base.Add(20 * time.Minute)},
	}
	for _, e := range entries {
		if err := svc.Log(ctx, e); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	logs, total, err := svc.Query(ctx, QueryFilters{ActorID: &actorA})
	if err != nil {
		t.Fatalf("query by actor: %v", err)
	}
	if total != 2 || len(logs) != 2 {
		t.Fatalf("expected 2 entries for actor, got total=%d len=%d", total, len(logs))
	}
	if !logs[0].Timestamp.After(logs[1].Timestamp) {
		t.Fatal("expected most recent entry first")
	}

	action := models.AuditActionRoomCreate
	logs, total, err = svc.Query(ctx, QueryFilters{Action: &action})
	if err != nil {
		t.Fatalf("query by action: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 room.create entries, got %d", total)
	}

	cutoff := base.Add(15 * time.Minute)
	logs, total, err = svc.Query(ctx, QueryFilters{StartTime: &cutoff})
	if err != nil {
		t.Fatalf("query by start time: %v", err)
	}
	if total != 1 || logs[0].Action != models.AuditActionRoomCreate {
		t.Fatalf("expected 1 entry after cutoff, got total=%d", total)
	}

	logs, total, err = svc.Query(ctx, QueryFilters{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("query with pagination: %v", err)
	}
	if total != 3 || len(logs) != 1 {
		t.Fatalf("expected total=3 with 1 page entry, got total=%d len=%d", total, len(logs))
	}
}
