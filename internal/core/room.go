package core

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/proto"
)

// Fan-out channel names, one set per session code.
func BroadcastChannel(code string) string { return "room:" + code + ":bcast" }
func PartialChannel(code string) string   { return "room:" + code + ":partial" }
func DeletedChannel(code string) string   { return "room:" + code + ":deleted" }
func TenantsChannel(code string) string   { return "room:" + code + ":tenants" }

// Meta is the room's cached slice of the durable session record.
type Meta struct {
	HostID    string
	GroupSize int
	Frozen    bool
}

// bcastEnvelope wraps a broadcast frame with its publishing process, so the
// origin process can skip the copy it already delivered locally.
type bcastEnvelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// tenantNotice announces a shared tenant-count change.
type tenantNotice struct {
	Origin string `json:"origin"`
	Count  int64  `json:"count"`
}

// Room is the per-process cache of one session's live connections and
// derived metadata. A single goroutine owns all mutable state; client
// messages and inbound fan-out deliveries are serialized through its inbox.
type Room struct {
	Code string

	bus    fanout.Bus
	log    *zerolog.Logger
	procID string

	// ready closes exactly once, after initErr is set. stale is terminal.
	ready   chan struct{}
	initErr error
	stale   atomic.Bool

	inbox chan func()
	done  chan struct{}
	stop  sync.Once

	unsubscribe func()

	// Owned by the run loop.
	clients map[*Client]struct{}
	meta    Meta
}

func newRoom(code, procID string, bus fanout.Bus, logger *zerolog.Logger) *Room {
	return &Room{
		Code:    code,
		bus:     bus,
		log:     logger,
		procID:  procID,
		ready:   make(chan struct{}),
		inbox:   make(chan func(), 64),
		done:    make(chan struct{}),
		clients: make(map[*Client]struct{}),
	}
}

func (r *Room) run() {
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-r.done:
			return
		}
	}
}

// post hands fn to the owner goroutine. Returns false once the room is torn
// down; callers treat that the same as a stale room.
func (r *Room) post(fn func()) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// ask runs fn on the owner goroutine and waits for it.
func (r *Room) ask(fn func()) bool {
	rendezvous := make(chan struct{})
	if !r.post(func() {
		fn()
		close(rendezvous)
	}) {
		return false
	}
	select {
	case <-rendezvous:
		return true
	case <-r.done:
		return false
	}
}

// Barrier returns once the owner goroutine has processed everything posted
// before the call.
func (r *Room) Barrier() {
	r.ask(func() {})
}

// Stale reports whether the room has been terminally invalidated.
func (r *Room) Stale() bool {
	return r.stale.Load()
}

// Meta returns the cached session metadata. ok is false when the room is
// already torn down.
func (r *Room) Meta() (meta Meta, ok bool) {
	ok = r.ask(func() { meta = r.meta })
	return meta, ok
}

// Empty reports whether no clients are locally connected.
func (r *Room) Empty() bool {
	empty := true
	if !r.ask(func() { empty = len(r.clients) == 0 }) {
		return true
	}
	return empty
}

// Register adds a connection. Fails with ErrRoomUnavailable on stale rooms.
func (r *Room) Register(c *Client) error {
	var err error
	if !r.ask(func() {
		if r.stale.Load() {
			err = ErrRoomUnavailable
			return
		}
		r.clients[c] = struct{}{}
	}) {
		return ErrRoomUnavailable
	}
	return err
}

// Deregister removes a connection and reports whether the local client set
// became empty.
func (r *Room) Deregister(c *Client) (empty bool) {
	if !r.ask(func() {
		delete(r.clients, c)
		empty = len(r.clients) == 0
	}) {
		return true
	}
	return empty
}

// Broadcast delivers a successful reply to every local connection, with the
// originating connection receiving its self-flagged copy, then publishes the
// frame for the room's replicas on other processes.
func (r *Room) Broadcast(ctx context.Context, origin *Client, selfFrame, otherFrame []byte) {
	r.post(func() {
		for c := range r.clients {
			if c == origin {
				c.Deliver(selfFrame)
			} else {
				c.Deliver(otherFrame)
			}
		}
	})

	env, err := json.Marshal(bcastEnvelope{Origin: r.procID, Frame: otherFrame})
	if err != nil {
		r.log.Error().Err(err).Str("room", r.Code).Msg("marshal broadcast envelope")
		return
	}
	if err := r.bus.Publish(ctx, BroadcastChannel(r.Code), env); err != nil {
		// Dropped cross-process broadcasts are recovered by resync.
		r.log.Warn().Err(err).Str("room", r.Code).Msg("publish broadcast")
	}
}

// deliverRemote handles a broadcast published by another process.
func (r *Room) deliverRemote(payload []byte) {
	var env bcastEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.log.Warn().Err(err).Str("room", r.Code).Msg("bad broadcast envelope")
		return
	}
	if env.Origin == r.procID {
		return // already delivered locally at send time
	}
	frame := []byte(env.Frame)
	r.post(func() {
		for c := range r.clients {
			c.Deliver(frame)
		}
	})
}

// applyPartial merges a metadata delta into the cached view and pushes the
// frame to every local connection. Partials never carry membership.
func (r *Room) applyPartial(payload []byte) {
	var delta struct {
		GroupSize *int  `json:"groupSize"`
		Frozen    *bool `json:"frozen"`
	}
	if err := json.Unmarshal(payload, &delta); err != nil {
		r.log.Warn().Err(err).Str("room", r.Code).Msg("bad partial payload")
		return
	}
	r.post(func() {
		if delta.GroupSize != nil {
			r.meta.GroupSize = *delta.GroupSize
		}
		if delta.Frozen != nil {
			r.meta.Frozen = *delta.Frozen
		}
		for c := range r.clients {
			c.Deliver(payload)
		}
	})
}

// markStale terminally invalidates the room and closes every connection
// with the session-deleted code.
func (r *Room) markStale() {
	r.stale.Store(true)
	r.post(func() {
		for c := range r.clients {
			c.Order(proto.CloseSessionDeleted, "session deleted")
		}
		r.clients = make(map[*Client]struct{})
	})
}

// teardown releases subscriptions and stops the owner goroutine after it
// has drained everything already posted. Safe to call more than once;
// repeats are no-ops.
func (r *Room) teardown() {
	r.stop.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		r.post(func() { close(r.done) })
	})
}

// abort tears down a room whose initialization failed before the owner
// goroutine started.
func (r *Room) abort() {
	r.stop.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		close(r.done)
	})
}
