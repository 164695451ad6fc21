// Package memory implements store.Store with process-local state. It backs
// single-process deployments and tests; atomicity of the mutation operations
// comes from a single mutex section per call.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/edusort/groupsync-server/internal/store"
)

type session struct {
	host   string
	size   int
	frozen bool
	order  []string                     // group names in creation order
	groups map[string][]store.Member    // canonical name -> members
	alloc  map[string]string            // user id -> group name
}

// Store keeps every session in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*session
	tenants  map[string]int64
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*session),
		tenants:  make(map[string]int64),
	}
}

func canonical(name string) string {
	return strings.TrimSpace(name)
}

func (s *Store) CreateSession(_ context.Context, rec *store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &session{
		host:   rec.HostID,
		size:   rec.GroupSize,
		frozen: rec.Frozen,
		groups: make(map[string][]store.Member),
		alloc:  make(map[string]string),
	}
	for _, g := range rec.Groups {
		name := canonical(g.Name)
		sess.order = append(sess.order, name)
		sess.groups[name] = append([]store.Member(nil), g.Members...)
		for _, m := range g.Members {
			sess.alloc[m.ID] = name
		}
	}
	s.sessions[rec.Code] = sess
	return nil
}

func (s *Store) GetSession(_ context.Context, code string) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return nil, store.ErrSessionNotFound
	}

	out := &store.Session{
		Code:      code,
		HostID:    sess.host,
		GroupSize: sess.size,
		Frozen:    sess.frozen,
	}
	for _, name := range sess.order {
		out.Groups = append(out.Groups, store.Group{
			Name:    name,
			Members: append([]store.Member(nil), sess.groups[name]...),
		})
	}
	return out, nil
}

func (s *Store) SessionHost(_ context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return "", store.ErrSessionNotFound
	}
	return sess.host, nil
}

func (s *Store) SetMeta(_ context.Context, code string, patch store.MetaPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return store.ErrSessionNotFound
	}
	if patch.GroupSize != nil {
		sess.size = *patch.GroupSize
	}
	if patch.Frozen != nil {
		sess.frozen = *patch.Frozen
	}
	return nil
}

func (s *Store) DeleteSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, code)
	delete(s.tenants, code)
	return nil
}

func (s *Store) JoinGroup(_ context.Context, code, group string, m store.Member, groupSize int, frozen, exempt bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return "", store.ErrSessionNotFound
	}
	if frozen && !exempt {
		return "", store.ErrFrozen
	}

	name := canonical(group)
	members, ok := sess.groups[name]
	if !ok {
		return "", store.ErrGroupNotFound
	}
	if _, taken := sess.alloc[m.ID]; taken {
		return "", store.ErrAlreadyAllocated
	}
	if len(members) >= groupSize {
		return "", store.ErrGroupFull
	}

	sess.groups[name] = append(members, m)
	sess.alloc[m.ID] = name
	return name, nil
}

func (s *Store) LeaveGroup(_ context.Context, code, userID string, frozen, exempt bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return "", store.ErrSessionNotFound
	}
	if frozen && !exempt {
		return "", store.ErrFrozen
	}

	name, ok := sess.alloc[userID]
	if !ok {
		return "", store.ErrNotInGroup
	}
	delete(sess.alloc, userID)
	members := sess.groups[name]
	for i, m := range members {
		if m.ID == userID {
			sess.groups[name] = append(members[:i], members[i+1:]...)
			break
		}
	}
	return name, nil
}

func (s *Store) AddGroup(_ context.Context, code, group string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return "", store.ErrSessionNotFound
	}
	name := canonical(group)
	if _, exists := sess.groups[name]; exists {
		return "", store.ErrGroupExists
	}
	sess.order = append(sess.order, name)
	sess.groups[name] = nil
	return name, nil
}

func (s *Store) RemoveGroup(_ context.Context, code, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return store.ErrSessionNotFound
	}
	name := canonical(group)
	if _, exists := sess.groups[name]; !exists {
		return store.ErrGroupNotFound
	}
	for _, m := range sess.groups[name] {
		delete(sess.alloc, m.ID)
	}
	delete(sess.groups, name)
	for i, n := range sess.order {
		if n == name {
			sess.order = append(sess.order[:i], sess.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ClearGroupMembers(_ context.Context, code, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return store.ErrSessionNotFound
	}
	name := canonical(group)
	members, exists := sess.groups[name]
	if !exists {
		return nil
	}
	for _, m := range members {
		delete(sess.alloc, m.ID)
	}
	sess.groups[name] = nil
	return nil
}

func (s *Store) ClearAllGroupMembers(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[code]
	if !ok {
		return store.ErrSessionNotFound
	}
	for name := range sess.groups {
		sess.groups[name] = nil
	}
	sess.alloc = make(map[string]string)
	return nil
}

func (s *Store) AddTenant(_ context.Context, code string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tenants[code]++
	return s.tenants[code], nil
}

func (s *Store) RemoveTenant(_ context.Context, code string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tenants[code] > 0 {
		s.tenants[code]--
	}
	n := s.tenants[code]
	if n == 0 {
		delete(s.tenants, code)
	}
	return n, nil
}

func (s *Store) RefreshTenant(_ context.Context, _ string) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
