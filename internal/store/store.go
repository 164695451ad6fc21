package store

import (
	"context"
	"errors"
)

// Member is a participant as recorded in a group's member list.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group is a named bucket of members inside a session.
type Group struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// Session is the durable record of a group-allocation session.
// Invariants: a user id appears in at most one group's member list,
// and no group holds more than GroupSize members.
type Session struct {
	Code      string  `json:"code"`
	HostID    string  `json:"hostId"`
	GroupSize int     `json:"groupSize"`
	Frozen    bool    `json:"frozen"`
	Groups    []Group `json:"groups"`
}

// MetaPatch carries a partial metadata update. Nil fields are untouched.
type MetaPatch struct {
	GroupSize *int
	Frozen    *bool
}

// Domain errors surfaced by the atomic mutation operations.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrFrozen           = errors.New("session frozen")
	ErrGroupFull        = errors.New("group full")
	ErrAlreadyAllocated = errors.New("user already in a group")
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupExists      = errors.New("group already exists")
	ErrNotInGroup       = errors.New("user not in a group")
)

// Store is the durable session store. Every mutation method executes as a
// single atomic round trip: given a group with one free slot and two
// concurrent joins, exactly one succeeds.
type Store interface {
	// CreateSession writes a fresh session record.
	CreateSession(ctx context.Context, s *Session) error
	// GetSession returns the full session record or ErrSessionNotFound.
	GetSession(ctx context.Context, code string) (*Session, error)
	// SessionHost returns the host user id for a session code.
	SessionHost(ctx context.Context, code string) (string, error)
	// SetMeta applies a partial metadata update.
	SetMeta(ctx context.Context, code string, patch MetaPatch) error
	// DeleteSession removes the session record and all derived keys.
	DeleteSession(ctx context.Context, code string) error

	// JoinGroup adds member m to the named group. It fails ErrFrozen unless
	// exempt, ErrGroupNotFound if the group was deleted, ErrAlreadyAllocated
	// if m already belongs to a group, and ErrGroupFull when the group holds
	// groupSize members. Returns the canonical group name on success.
	JoinGroup(ctx context.Context, code, group string, m Member, groupSize int, frozen, exempt bool) (string, error)
	// LeaveGroup removes the user's membership and returns the prior group
	// name. Fails ErrFrozen unless exempt, ErrNotInGroup when absent.
	LeaveGroup(ctx context.Context, code, userID string, frozen, exempt bool) (string, error)
	// AddGroup appends an empty group; fails ErrGroupExists. Returns the
	// canonical group name.
	AddGroup(ctx context.Context, code, group string) (string, error)
	// RemoveGroup deletes a group and cascades removal of its member
	// mappings; fails ErrGroupNotFound.
	RemoveGroup(ctx context.Context, code, group string) error
	// ClearGroupMembers empties one group. Idempotent.
	ClearGroupMembers(ctx context.Context, code, group string) error
	// ClearAllGroupMembers empties every group. Idempotent.
	ClearAllGroupMembers(ctx context.Context, code string) error

	// AddTenant increments the shared per-room tenant count and returns it.
	AddTenant(ctx context.Context, code string) (int64, error)
	// RemoveTenant decrements the count (never below zero) and returns it.
	RemoveTenant(ctx context.Context, code string) (int64, error)
	// RefreshTenant extends the tenant counter's TTL while a room is live.
	RefreshTenant(ctx context.Context, code string) error

	Close() error
}
