package http

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/config"
	"github.com/edusort/groupsync-server/internal/core"
	"github.com/edusort/groupsync-server/internal/proto"
	"github.com/edusort/groupsync-server/internal/ratelimit"
	"github.com/edusort/groupsync-server/internal/store"
)

// wsSession drives the per-connection protocol: schema validation, rate
// limiting, authorization, dispatch to the atomic store operations, and the
// resynchronization policy. One wsSession exists per connection and is only
// touched by that connection's read loop.
type wsSession struct {
	cfg     *config.Config
	log     *zerolog.Logger
	store   store.Store
	limiter ratelimit.Limiter
	room    *core.Room
	client  *core.Client

	now          func() time.Time
	lastFailSync time.Time
	successes    int
	strikes      int
}

func newWSSession(cfg *config.Config, logger *zerolog.Logger, st store.Store, limiter ratelimit.Limiter, room *core.Room, client *core.Client) *wsSession {
	return &wsSession{
		cfg:     cfg,
		log:     logger,
		store:   st,
		limiter: limiter,
		room:    room,
		client:  client,
		now:     time.Now,
	}
}

func (s *wsSession) messageLimit() ratelimit.Limit {
	return ratelimit.Limit{PerMinute: s.cfg.MessagePerMinute, Burst: s.cfg.MessageBurst}
}

// handle processes one parsed inbound envelope. A non-nil return closes the
// connection with that status. The handler yields at every store call, so
// room liveness is re-checked after each one.
func (s *wsSession) handle(ctx context.Context, in proto.Inbound) *core.Close {
	if !in.Valid() {
		return &core.Close{Status: websocket.StatusPolicyViolation, Reason: "schema violation"}
	}

	res, err := s.limiter.Allow(ctx, s.client.UserID, ratelimit.Category("MSG", "/ws"), s.messageLimit())
	if err != nil {
		s.log.Error().Err(err).Msg("rate limit check failed")
		return &core.Close{Status: websocket.StatusInternalError, Reason: "unavailable"}
	}
	if !res.Allowed {
		s.strikes++
		if s.strikes >= s.cfg.AbuseStrikeLimit {
			return &core.Close{Status: proto.CloseAbuse, Reason: "rate limit exceeded repeatedly"}
		}
		s.deliver(proto.Limited{
			Code:       proto.CodeLimited,
			ID:         in.ID,
			RetryAfter: int64(res.RetryAfter(s.now()) / time.Second),
			Limit:      res.Limit,
			Remaining:  res.Remaining,
			Reset:      res.Reset,
		})
		return nil
	}

	// Authorization: non-host connections may only join or leave, and only
	// on behalf of themselves.
	target := in.User
	if target == "" {
		target = s.client.UserID
	}
	if !s.client.IsHost {
		if in.Code != proto.CodeJoin && in.Code != proto.CodeLeave {
			return &core.Close{Status: proto.CloseForbidden, Reason: "host only"}
		}
		if target != s.client.UserID {
			return &core.Close{Status: proto.CloseForbidden, Reason: "cannot act for another user"}
		}
	}

	// The rate limit check was an await point; re-validate the room.
	if s.room.Stale() {
		return &core.Close{Status: proto.CloseSessionDeleted, Reason: "session deleted"}
	}
	meta, ok := s.room.Meta()
	if !ok {
		return &core.Close{Status: proto.CloseSessionDeleted, Reason: "session deleted"}
	}

	reply := proto.Reply{Code: in.Code, ID: in.ID, OK: 1}
	exempt := s.client.IsHost

	var opErr error
	switch in.Code {
	case proto.CodeJoin:
		name := in.Name
		if name == "" {
			name = s.client.Name
		}
		member := store.Member{ID: target, Name: name}
		var group string
		group, opErr = s.store.JoinGroup(ctx, s.room.Code, in.Group, member, meta.GroupSize, meta.Frozen, exempt)
		reply.Group, reply.User, reply.Name = group, target, name
	case proto.CodeLeave:
		var prior string
		prior, opErr = s.store.LeaveGroup(ctx, s.room.Code, target, meta.Frozen, exempt)
		reply.Group, reply.User = prior, target
	case proto.CodeAddGroup:
		reply.Group, opErr = s.store.AddGroup(ctx, s.room.Code, in.Group)
	case proto.CodeRemoveGroup:
		opErr = s.store.RemoveGroup(ctx, s.room.Code, in.Group)
		reply.Group = in.Group
	case proto.CodeClearGroup:
		opErr = s.store.ClearGroupMembers(ctx, s.room.Code, in.Group)
		reply.Group = in.Group
	case proto.CodeClearAll:
		opErr = s.store.ClearAllGroupMembers(ctx, s.room.Code)
	}

	if opErr != nil {
		return s.fail(ctx, in, opErr)
	}

	// Successes are broadcast to the whole room; the origin's copy carries
	// the self flag so the client drops its optimistic echo instead of
	// double-applying it.
	selfReply := reply
	selfReply.Self = 1
	selfFrame, err := json.Marshal(selfReply)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal reply")
		return &core.Close{Status: websocket.StatusInternalError, Reason: "internal error"}
	}
	otherFrame, _ := json.Marshal(reply)
	s.room.Broadcast(ctx, s.client, selfFrame, otherFrame)

	s.successes++
	if s.successes >= s.cfg.SuccessResyncEvery {
		s.successes = 0
		s.sendSnapshot(ctx, true)
	}
	return nil
}

// fail answers a domain failure: unicast to the sender only, never
// broadcast, optionally followed by a full snapshot when the last
// failure-triggered resync is old enough.
func (s *wsSession) fail(ctx context.Context, in proto.Inbound, opErr error) *core.Close {
	if !domainError(opErr) {
		s.log.Error().Err(opErr).Str("room", s.room.Code).Msg("store operation failed")
		return &core.Close{Status: websocket.StatusInternalError, Reason: "unavailable"}
	}

	willSync := s.now().Sub(s.lastFailSync) > s.cfg.FailResyncWindow
	s.deliver(proto.Reply{
		Code:     in.Code,
		ID:       in.ID,
		OK:       0,
		Error:    protoError(opErr),
		WillSync: willSync,
	})
	if willSync {
		s.lastFailSync = s.now()
		s.sendSnapshot(ctx, false)
	}
	return nil
}

// sendSnapshot unicasts the full materialized view. With barrier set it
// first drains the room inbox, so a broadcast issued in the same turn
// reaches this connection before the snapshot does.
func (s *wsSession) sendSnapshot(ctx context.Context, barrier bool) {
	if barrier {
		s.room.Barrier()
	}
	sess, err := s.store.GetSession(ctx, s.room.Code)
	if err != nil {
		s.log.Warn().Err(err).Str("room", s.room.Code).Msg("snapshot fetch failed")
		return
	}
	s.deliver(snapshotFromSession(sess))
}

func (s *wsSession) deliver(msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal outbound")
		return
	}
	s.client.Deliver(frame)
}
