package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/hermod_studio/internal/auth"
	"github.com/friendsincode/hermod_studio/internal/events"
	"github.com/friendsincode/hermod_studio/internal/models"
)

type fakeMedia struct {
	closed []string
}

func (f *fakeMedia) CloseRoom(roomID string) error {
	f.closed = append(f.closed, roomID)
	return nil
}

func openRoomsTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&models.Room{}, &models.Participant{}, &models.RoomInvite{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *events.Bus, *fakeMedia) {
	t.Helper()

	db := openRoomsTestDB(t)
	bus := events.NewBus()
	media := &fakeMedia{}
	svc := NewService(db, bus, nil, media, nil, zerolog.Nop())
	return svc, bus, media
}

func TestCreateRoomHashesAccessCode(t *testing.T) {
	svc, bus, _ := newTestService(t)
	ctx := context.Background()

	created := bus.Subscribe(events.EventRoomCreated)
	defer bus.Unsubscribe(events.EventRoomCreated, created)

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		Name:        "Morning Show",
		Visibility:  models.VisibilityPublic,
		AccessCode:  "sesame",
		CreatedByID: "user-1",
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if room.AccessCodeHash == "" || room.AccessCodeHash == "sesame" {
		t.Fatalf("access code not hashed: %q", room.AccessCodeHash)
	}
	if err := auth.CheckAccessCode(room.AccessCodeHash, "sesame"); err != nil {
		t.Fatalf("stored hash rejects correct code: %v", err)
	}
	if room.InviteToken != "" {
		t.Fatal("public room should not carry an invite token")
	}
	if room.Type != models.RoomTypeLive {
		t.Fatalf("type = %q, want LIVE_ROOM", room.Type)
	}

	select {
	case payload := <-created:
		if payload["room_id"] != room.ID || payload["actor_id"] != "user-1" {
			t.Fatalf("unexpected created payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no room created event")
	}

	private, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Backstage", CreatedByID: "user-1"})
	if err != nil {
		t.Fatalf("create private room: %v", err)
	}
	if private.Visibility != models.VisibilityPrivate {
		t.Fatalf("default visibility = %q, want PRIVATE", private.Visibility)
	}
	if private.InviteToken == "" {
		t.Fatal("private room should carry an invite token")
	}
}

func TestGetRoomInfoAndPublicList(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	pub, err := svc.CreateRoom(ctx, CreateRoomInput{
		Name:        "Open Desk",
		Visibility:  models.VisibilityPublic,
		AccessCode:  "1234",
		CreatedByID: "user-1",
	})
	if err != nil {
		t.Fatalf("create public room: %v", err)
	}
	if _, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Hidden", CreatedByID: "user-1"}); err != nil {
		t.Fatalf("create private room: %v", err)
	}

	info, err := svc.GetRoomInfo(ctx, pub.ID)
	if err != nil {
		t.Fatalf("room info: %v", err)
	}
	if !info.HasAccessCode {
		t.Fatal("info should flag access code requirement")
	}
	if info.Visibility != "PUBLIC" || !info.IsActive {
		t.Fatalf("unexpected info: %+v", info)
	}

	list, err := svc.ListPublicRooms(ctx)
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(list) != 1 || list[0].ID != pub.ID {
		t.Fatalf("public list = %+v, want only %s", list, pub.ID)
	}

	if _, err := svc.GetRoomInfo(ctx, "nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("missing room error = %v, want ErrRoomNotFound", err)
	}
}

func TestCreateParticipantEnforcesCapacity(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, CreateRoomInput{
		Name:            "Tiny",
		MaxParticipants: 2,
		CreatedByID:     "user-1",
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	first, err := svc.CreateParticipant(ctx, JoinInput{RoomID: room.ID, DisplayName: "A", Role: models.RoleHost})
	if err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := svc.CreateParticipant(ctx, JoinInput{RoomID: room.ID, DisplayName: "B", Role: models.RoleParticipant}); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if _, err := svc.CreateParticipant(ctx, JoinInput{RoomID: room.ID, DisplayName: "C", Role: models.RoleListener}); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("third join error = %v, want ErrRoomFull", err)
	}

	flipped, err := svc.DisconnectParticipant(ctx, first.ID)
	if err != nil || !flipped {
		t.Fatalf("disconnect = (%v, %v), want (true, nil)", flipped, err)
	}
	flipped, err = svc.DisconnectParticipant(ctx, first.ID)
	if err != nil || flipped {
		t.Fatalf("second disconnect = (%v, %v), want (false, nil)", flipped, err)
	}

	if _, err := svc.CreateParticipant(ctx, JoinInput{RoomID: room.ID, DisplayName: "C", Role: models.RoleListener}); err != nil {
		t.Fatalf("join after a slot freed: %v", err)
	}

	if _, err := svc.CreateParticipant(ctx, JoinInput{RoomID: "ghost", DisplayName: "X"}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("ghost room error = %v, want ErrRoomNotFound", err)
	}
}

func TestCloseRoomRehomesChildrenAndDisconnects(t *testing.T) {
	svc, bus, media := newTestService(t)
	ctx := context.Background()

	parent, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Main", CreatedByID: "host-1"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	green, err := svc.CreateGreenRoom(ctx, parent.ID, "Warmup", "host-1")
	if err != nil {
		t.Fatalf("create green: %v", err)
	}
	p, err := svc.CreateParticipant(ctx, JoinInput{RoomID: parent.ID, DisplayName: "A", Role: models.RoleHost})
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	closed := bus.Subscribe(events.EventRoomClosed)
	defer bus.Unsubscribe(events.EventRoomClosed, closed)

	if err := svc.CloseRoom(ctx, parent.ID, "host-1"); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := svc.GetRoom(ctx, parent.ID)
	if err != nil {
		t.Fatalf("reload parent: %v", err)
	}
	if got.IsActive || got.ClosedAt == nil {
		t.Fatalf("parent not deactivated: active=%v closedAt=%v", got.IsActive, got.ClosedAt)
	}

	child, err := svc.GetRoom(ctx, green.ID)
	if err != nil {
		t.Fatalf("reload green: %v", err)
	}
	if child.ParentID != nil {
		t.Fatalf("child still parented to %v, want re-homed to nil", *child.ParentID)
	}
	if !child.IsActive {
		t.Fatal("child room should survive the parent close")
	}

	row, err := svc.GetParticipant(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if row.IsConnected || row.LeftAt == nil {
		t.Fatalf("participant not disconnected: %+v", row)
	}

	if len(media.closed) != 1 || media.closed[0] != parent.ID {
		t.Fatalf("media teardown calls = %v", media.closed)
	}

	select {
	case payload := <-closed:
		if payload["room_id"] != parent.ID {
			t.Fatalf("unexpected closed payload: %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no room closed event")
	}

	// Closing again is a no-op.
	if err := svc.CloseRoom(ctx, parent.ID, "host-1"); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(media.closed) != 1 {
		t.Fatalf("second close touched media: %v", media.closed)
	}
}

func TestInviteLifecycle(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Panel", CreatedByID: "host-1"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	invite, err := svc.CreateInvite(ctx, CreateInviteInput{
		RoomID:      room.ID,
		Email:       "guest@example.com",
		Role:        models.RoleModerator,
		CreatedByID: "host-1",
		TTL:         time.Hour,
	})
	if err != nil {
		t.Fatalf("create invite: %v", err)
	}
	if invite.Token == "" || invite.ExpiresAt == nil {
		t.Fatalf("invite missing token or expiry: %+v", invite)
	}

	accepted, err := svc.AcceptInvite(ctx, invite.Token, "guest-1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.AcceptedAt == nil || accepted.AcceptedByID == nil || *accepted.AcceptedByID != "guest-1" {
		t.Fatalf("accept not recorded: %+v", accepted)
	}
	if accepted.Role != models.RoleModerator {
		t.Fatalf("role = %q, want MODERATOR", accepted.Role)
	}

	if _, err := svc.AcceptInvite(ctx, invite.Token, "guest-2"); !errors.Is(err, ErrInviteUsed) {
		t.Fatalf("second accept error = %v, want ErrInviteUsed", err)
	}
	if _, err := svc.AcceptInvite(ctx, "no-such-token", "guest-1"); !errors.Is(err, ErrInviteNotFound) {
		t.Fatalf("unknown token error = %v, want ErrInviteNotFound", err)
	}

	expired, err := svc.CreateInvite(ctx, CreateInviteInput{
		RoomID:      room.ID,
		CreatedByID: "host-1",
		TTL:         time.Nanosecond,
	})
	if err != nil {
		t.Fatalf("create expiring invite: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.AcceptInvite(ctx, expired.Token, "guest-1"); !errors.Is(err, ErrInviteExpired) {
		t.Fatalf("expired accept error = %v, want ErrInviteExpired", err)
	}
}

func TestGreenRoomLifecycle(t *testing.T) {
	svc, _, media := newTestService(t)
	ctx := context.Background()

	parent, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Main", CreatedByID: "host-1"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	green, err := svc.CreateGreenRoom(ctx, parent.ID, "Guests", "host-1")
	if err != nil {
		t.Fatalf("create green: %v", err)
	}
	if green.Type != models.RoomTypeGreen || !green.IsGreenRoom() {
		t.Fatalf("unexpected green room: %+v", green)
	}

	p, err := svc.CreateParticipant(ctx, JoinInput{RoomID: green.ID, DisplayName: "Guest", Role: models.RoleParticipant})
	if err != nil {
		t.Fatalf("join green: %v", err)
	}

	listed, err := svc.ListGreenRooms(ctx, parent.ID)
	if err != nil || len(listed) != 1 {
		t.Fatalf("green list = (%v, %v), want one room", listed, err)
	}

	if err := svc.DeleteGreenRoom(ctx, green.ID, "host-1"); err != nil {
		t.Fatalf("delete green: %v", err)
	}

	row, err := svc.GetParticipant(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload participant: %v", err)
	}
	if row.RoomID != parent.ID {
		t.Fatalf("participant room = %s, want migrated to parent %s", row.RoomID, parent.ID)
	}

	listed, err = svc.ListGreenRooms(ctx, parent.ID)
	if err != nil || len(listed) != 0 {
		t.Fatalf("green list after delete = (%v, %v), want empty", listed, err)
	}
	if len(media.closed) != 1 || media.closed[0] != green.ID {
		t.Fatalf("media teardown calls = %v", media.closed)
	}

	if err := svc.DeleteGreenRoom(ctx, parent.ID, "host-1"); !errors.Is(err, ErrNotGreenRoom) {
		t.Fatalf("deleting a live room error = %v, want ErrNotGreenRoom", err)
	}
}

func TestCheckAccessAndJoinRoles(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	pub, err := svc.CreateRoom(ctx, CreateRoomInput{
		Name:        "Open",
		Visibility:  models.VisibilityPublic,
		AccessCode:  "knock",
		CreatedByID: "host-1",
	})
	if err != nil {
		t.Fatalf("create public: %v", err)
	}
	priv, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Closed Door", CreatedByID: "host-1"})
	if err != nil {
		t.Fatalf("create private: %v", err)
	}

	if err := svc.CheckAccess(pub, "knock", false, ""); err != nil {
		t.Fatalf("correct code rejected: %v", err)
	}
	if err := svc.CheckAccess(pub, "wrong", false, ""); !errors.Is(err, ErrInvalidAccessCode) {
		t.Fatalf("wrong code error = %v, want ErrInvalidAccessCode", err)
	}

	if err := svc.CheckAccess(priv, "", false, ""); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("anonymous private join error = %v, want ErrAccessDenied", err)
	}
	if err := svc.CheckAccess(priv, "", true, ""); err != nil {
		t.Fatalf("authenticated private join rejected: %v", err)
	}
	if err := svc.CheckAccess(priv, "", false, priv.InviteToken); err != nil {
		t.Fatalf("invite-link join rejected: %v", err)
	}
	if err := svc.CheckAccess(priv, "", false, "bogus"); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("bogus token error = %v, want ErrAccessDenied", err)
	}

	if role := svc.ResolveJoinRole(priv, "host-1", true); role != models.RoleHost {
		t.Fatalf("creator role = %q, want HOST", role)
	}
	if role := svc.ResolveJoinRole(priv, "user-2", true); role != models.RoleParticipant {
		t.Fatalf("authenticated role = %q, want PARTICIPANT", role)
	}
	if role := svc.ResolveJoinRole(priv, "", false); role != models.RoleListener {
		t.Fatalf("anonymous role = %q, want LISTENER", role)
	}

	if err := svc.CloseRoom(ctx, pub.ID, "host-1"); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed, err := svc.GetRoom(ctx, pub.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := svc.CheckAccess(closed, "knock", false, ""); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("closed room error = %v, want ErrRoomClosed", err)
	}
}

func TestParticipantRowUpdates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, CreateRoomInput{Name: "Ops", WaitingRoom: true, CreatedByID: "host-1"})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	p, err := svc.CreateParticipant(ctx, JoinInput{
		RoomID:      room.ID,
		DisplayName: "Waiter",
		Role:        models.RoleParticipant,
		Waiting:     true,
	})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !p.IsInWaitingRoom {
		t.Fatal("participant should start in the waiting room")
	}

	if err := svc.AdmitParticipant(ctx, p.ID); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := svc.SetParticipantMuted(ctx, p.ID, true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if err := svc.SetParticipantRole(ctx, p.ID, models.RoleModerator); err != nil {
		t.Fatalf("promote: %v", err)
	}

	row, err := svc.GetParticipant(ctx, p.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.IsInWaitingRoom || !row.IsMuted || row.Role != models.RoleModerator {
		t.Fatalf("row updates not applied: %+v", row)
	}

	if err := svc.AdmitParticipant(ctx, "ghost"); !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("ghost admit error = %v, want ErrParticipantNotFound", err)
	}
}
