package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/edusort/groupsync-server/internal/store"
)

func seedSession(t *testing.T, s *Store, code string, size int, frozen bool, groups ...string) {
	t.Helper()

	rec := &store.Session{
		Code:      code,
		HostID:    "host-1",
		GroupSize: size,
		Frozen:    frozen,
	}
	for _, g := range groups {
		rec.Groups = append(rec.Groups, store.Group{Name: g})
	}
	if err := s.CreateSession(context.Background(), rec); err != nil {
		t.Fatalf("create session: %v", err)
	}
}

func TestJoinLeaveRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 4, false, "red", "blue")

	name, err := s.JoinGroup(ctx, "abc", "red", store.Member{ID: "u1", Name: "Alice"}, 4, false, false)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if name != "red" {
		t.Fatalf("expected canonical name red, got %q", name)
	}

	// Second join for the same user must fail regardless of target group.
	if _, err := s.JoinGroup(ctx, "abc", "blue", store.Member{ID: "u1"}, 4, false, false); !errors.Is(err, store.ErrAlreadyAllocated) {
		t.Fatalf("expected ErrAlreadyAllocated, got %v", err)
	}

	prior, err := s.LeaveGroup(ctx, "abc", "u1", false, false)
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if prior != "red" {
		t.Fatalf("expected prior group red, got %q", prior)
	}

	// Leaving again is a NotInGroup failure with no state change.
	if _, err := s.LeaveGroup(ctx, "abc", "u1", false, false); !errors.Is(err, store.ErrNotInGroup) {
		t.Fatalf("expected ErrNotInGroup, got %v", err)
	}
}

func TestJoinNormalizesGroupName(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 4, false, "red")

	name, err := s.JoinGroup(ctx, "abc", "  red  ", store.Member{ID: "u1"}, 4, false, false)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if name != "red" {
		t.Fatalf("expected normalized name red, got %q", name)
	}
}

func TestJoinFrozenAndExemption(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 4, true, "red")

	if _, err := s.JoinGroup(ctx, "abc", "red", store.Member{ID: "u1"}, 4, true, false); !errors.Is(err, store.ErrFrozen) {
		t.Fatalf("expected ErrFrozen, got %v", err)
	}
	if _, err := s.JoinGroup(ctx, "abc", "red", store.Member{ID: "host-1"}, 4, true, true); err != nil {
		t.Fatalf("exempt join should succeed, got %v", err)
	}
}

func TestJoinMissingGroup(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 4, false, "red")

	if _, err := s.JoinGroup(ctx, "abc", "ghost", store.Member{ID: "u1"}, 4, false, false); !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}
}

func TestConcurrentJoinsOneFreeSlot(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 2, false, "red")

	if _, err := s.JoinGroup(ctx, "abc", "red", store.Member{ID: "u0"}, 2, false, false); err != nil {
		t.Fatalf("seed join: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, uid := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, uid string) {
			defer wg.Done()
			_, errs[i] = s.JoinGroup(ctx, "abc", "red", store.Member{ID: uid}, 2, false, false)
		}(i, uid)
	}
	wg.Wait()

	var ok, full int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrGroupFull):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || full != 1 {
		t.Fatalf("expected exactly one success and one full, got ok=%d full=%d", ok, full)
	}

	sess, err := s.GetSession(ctx, "abc")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got := len(sess.Groups[0].Members); got != 2 {
		t.Fatalf("group must hold exactly groupSize members, got %d", got)
	}
}

func TestRemoveGroupCascades(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 4, false, "red", "blue")

	if _, err := s.JoinGroup(ctx, "abc", "red", store.Member{ID: "u1"}, 4, false, false); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.RemoveGroup(ctx, "abc", "red"); err != nil {
		t.Fatalf("remove group: %v", err)
	}
	if err := s.RemoveGroup(ctx, "abc", "red"); !errors.Is(err, store.ErrGroupNotFound) {
		t.Fatalf("expected ErrGroupNotFound, got %v", err)
	}

	// The cascaded removal must free the user's allocation.
	if _, err := s.JoinGroup(ctx, "abc", "blue", store.Member{ID: "u1"}, 4, false, false); err != nil {
		t.Fatalf("rejoin after cascade: %v", err)
	}
}

func TestClearAllIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedSession(t, s, "abc", 4, false, "red", "blue")

	for _, uid := range []string{"u1", "u2"} {
		if _, err := s.JoinGroup(ctx, "abc", "red", store.Member{ID: uid}, 4, false, false); err != nil {
			t.Fatalf("join %s: %v", uid, err)
		}
	}

	if err := s.ClearAllGroupMembers(ctx, "abc"); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if err := s.ClearAllGroupMembers(ctx, "abc"); err != nil {
		t.Fatalf("second clear all: %v", err)
	}

	sess, err := s.GetSession(ctx, "abc")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	for _, g := range sess.Groups {
		if len(g.Members) != 0 {
			t.Fatalf("group %s not cleared: %+v", g.Name, g.Members)
		}
	}
}

func TestTenantCounter(t *testing.T) {
	s := New()
	ctx := context.Background()

	if n, _ := s.AddTenant(ctx, "abc"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n, _ := s.AddTenant(ctx, "abc"); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n, _ := s.RemoveTenant(ctx, "abc"); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n, _ := s.RemoveTenant(ctx, "abc"); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}
	// Never below zero.
	if n, _ := s.RemoveTenant(ctx, "abc"); n != 0 {
		t.Fatalf("expected floor at 0, got %d", n)
	}
}
