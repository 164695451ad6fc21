package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/store"
	"github.com/edusort/groupsync-server/internal/store/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *fanout.Local) {
	t.Helper()

	st := memory.New()
	bus := fanout.NewLocal()
	logger := zerolog.Nop()
	reg := NewRegistry(st, bus, &logger, "proc-1", 500*time.Millisecond, time.Minute)
	t.Cleanup(reg.Close)
	return reg, st, bus
}

func seedSession(t *testing.T, st *memory.Store, code string) {
	t.Helper()

	err := st.CreateSession(context.Background(), &store.Session{
		Code:      code,
		HostID:    "host-1",
		GroupSize: 4,
		Groups:    []store.Group{{Name: "red"}, {Name: "blue"}},
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestGetIsSingleFlight(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedSession(t, st, "abc")

	const callers = 8
	rooms := make([]*Room, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rooms[i], errs[i] = reg.Get(context.Background(), "abc")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent callers must resolve the same room")
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one room, got %d", reg.Len())
	}

	meta, ok := rooms[0].Meta()
	if !ok {
		t.Fatal("room should be live")
	}
	if meta.HostID != "host-1" || meta.GroupSize != 4 {
		t.Fatalf("unexpected cached meta: %+v", meta)
	}
}

func TestGetUnknownSessionRejectsAllWaiters(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	if _, err := reg.Get(context.Background(), "ghost"); !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("expected ErrRoomUnavailable, got %v", err)
	}
	// The failed provisional room must not linger.
	if reg.Len() != 0 {
		t.Fatalf("failed room should be removed, registry has %d", reg.Len())
	}
}

func TestDropMakesRoomStale(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedSession(t, st, "abc")

	room, err := reg.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	client := NewClient("c1", "u1", "alice", false)
	if err := reg.Join(context.Background(), room, client); err != nil {
		t.Fatalf("join: %v", err)
	}

	reg.Drop(room)

	select {
	case order := <-client.Control:
		if order.Status != 4000 {
			t.Fatalf("expected session-deleted close 4000, got %d", order.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive close order")
	}

	if !room.Stale() {
		t.Fatal("room must be stale after drop")
	}
	if err := room.Register(NewClient("c2", "u2", "bob", false)); !errors.Is(err, ErrRoomUnavailable) {
		t.Fatalf("stale room must reject registration, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("dropped room should leave the registry, got %d", reg.Len())
	}
}

func TestLeaveReleasesEmptyRoom(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedSession(t, st, "abc")

	room, err := reg.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	client := NewClient("c1", "u1", "alice", false)
	if err := reg.Join(context.Background(), room, client); err != nil {
		t.Fatalf("join: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one room, got %d", reg.Len())
	}

	reg.Leave(context.Background(), room, client)
	if reg.Len() != 0 {
		t.Fatalf("empty room should be released, got %d", reg.Len())
	}

	// A second teardown attempt is a no-op.
	reg.Leave(context.Background(), room, client)
	room.teardown()
}

func TestRoomSurvivesWhileOtherTenantsRemain(t *testing.T) {
	reg, st, _ := newTestRegistry(t)
	seedSession(t, st, "abc")

	room, err := reg.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	c1 := NewClient("c1", "u1", "alice", false)
	c2 := NewClient("c2", "u2", "bob", false)
	if err := reg.Join(context.Background(), room, c1); err != nil {
		t.Fatalf("join c1: %v", err)
	}
	if err := reg.Join(context.Background(), room, c2); err != nil {
		t.Fatalf("join c2: %v", err)
	}

	reg.Leave(context.Background(), room, c1)
	if reg.Len() != 1 {
		t.Fatal("room with a remaining tenant must not be released")
	}

	reg.Leave(context.Background(), room, c2)
	if reg.Len() != 0 {
		t.Fatal("room should be released once the last tenant leaves")
	}
}

func TestPartialPushUpdatesMetaAndClients(t *testing.T) {
	reg, st, bus := newTestRegistry(t)
	seedSession(t, st, "abc")

	room, err := reg.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	client := NewClient("c1", "u1", "alice", false)
	if err := reg.Join(context.Background(), room, client); err != nil {
		t.Fatalf("join: %v", err)
	}

	frozen := true
	size := 6
	payload, _ := json.Marshal(map[string]any{"code": "partial", "groupSize": size, "frozen": frozen})
	if err := bus.Publish(context.Background(), PartialChannel("abc"), payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		meta, ok := room.Meta()
		if !ok {
			t.Fatal("room torn down unexpectedly")
		}
		if meta.Frozen && meta.GroupSize == 6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("meta never updated: %+v", meta)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case frame := <-client.Send:
		var got map[string]any
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("unmarshal partial: %v", err)
		}
		if got["code"] != "partial" {
			t.Fatalf("unexpected frame: %s", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive the partial frame")
	}
}

func TestDeletionNoticeDropsRoom(t *testing.T) {
	reg, st, bus := newTestRegistry(t)
	seedSession(t, st, "abc")

	room, err := reg.Get(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	client := NewClient("c1", "u1", "alice", false)
	if err := reg.Join(context.Background(), room, client); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := bus.Publish(context.Background(), DeletedChannel("abc"), []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case order := <-client.Control:
		if order.Status != 4000 {
			t.Fatalf("expected close 4000, got %d", order.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive close order after deletion notice")
	}
}
