package http

import (
	"errors"

	"github.com/edusort/groupsync-server/internal/proto"
	"github.com/edusort/groupsync-server/internal/store"
)

// domainError reports whether err is a domain outcome the client should see
// as an ok:0 reply rather than a dropped connection.
func domainError(err error) bool {
	return errors.Is(err, store.ErrFrozen) ||
		errors.Is(err, store.ErrGroupFull) ||
		errors.Is(err, store.ErrAlreadyAllocated) ||
		errors.Is(err, store.ErrGroupNotFound) ||
		errors.Is(err, store.ErrNotInGroup) ||
		errors.Is(err, store.ErrGroupExists)
}

// protoError maps a store error onto its wire code.
func protoError(err error) string {
	switch {
	case errors.Is(err, store.ErrFrozen):
		return proto.ErrFrozen
	case errors.Is(err, store.ErrGroupFull):
		return proto.ErrFull
	case errors.Is(err, store.ErrAlreadyAllocated):
		return proto.ErrAlreadyAllocated
	case errors.Is(err, store.ErrGroupNotFound):
		return proto.ErrNonexistent
	case errors.Is(err, store.ErrNotInGroup):
		return proto.ErrNotInGroup
	case errors.Is(err, store.ErrGroupExists):
		return proto.ErrExistent
	default:
		return proto.ErrInternal
	}
}

// snapshotFromSession builds the full materialized view sent to a client.
func snapshotFromSession(sess *store.Session) proto.Snapshot {
	snap := proto.Snapshot{
		Code:      proto.CodeSnapshot,
		Session:   sess.Code,
		HostID:    sess.HostID,
		GroupSize: sess.GroupSize,
		Frozen:    sess.Frozen,
		Groups:    make([]proto.Group, 0, len(sess.Groups)),
	}
	for _, g := range sess.Groups {
		pg := proto.Group{Name: g.Name, Members: make([]proto.Member, 0, len(g.Members))}
		for _, m := range g.Members {
			pg.Members = append(pg.Members, proto.Member{ID: m.ID, Name: m.Name})
		}
		snap.Groups = append(snap.Groups, pg)
	}
	return snap
}
