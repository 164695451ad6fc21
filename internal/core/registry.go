package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/store"
)

const (
	// initTimeout bounds the background initialization of a room; it is
	// deliberately wider than the per-caller create wait.
	initTimeout = 5 * time.Second
)

// Registry is the process-scoped room map. Creation is single-flight per
// code: a provisional room is published into the map before its
// initialization runs, so concurrent lookups wait instead of racing.
type Registry struct {
	store  store.Store
	bus    fanout.Bus
	log    *zerolog.Logger
	procID string

	createWait   time.Duration
	tenantPeriod time.Duration

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry constructs the registry. procID tags this process's fan-out
// publications so rooms can skip their own copies.
func NewRegistry(st store.Store, bus fanout.Bus, logger *zerolog.Logger, procID string, createWait, tenantPeriod time.Duration) *Registry {
	return &Registry{
		store:        st,
		bus:          bus,
		log:          logger,
		procID:       procID,
		createWait:   createWait,
		tenantPeriod: tenantPeriod,
		rooms:        make(map[string]*Room),
	}
}

// Get resolves the room for a session code, creating it on first use. The
// wait for an in-flight creation is bounded by the configured create wait;
// exceeding it yields ErrRoomUnavailable even if creation later succeeds.
func (g *Registry) Get(ctx context.Context, code string) (*Room, error) {
	g.mu.Lock()
	room, ok := g.rooms[code]
	if !ok {
		room = newRoom(code, g.procID, g.bus, g.log)
		g.rooms[code] = room
		go g.initialize(room)
	}
	g.mu.Unlock()

	if room.Stale() {
		return nil, ErrRoomUnavailable
	}

	select {
	case <-room.ready:
	case <-time.After(g.createWait):
		return nil, fmt.Errorf("room creation wait: %w", ErrRoomUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if room.initErr != nil || room.Stale() {
		return nil, ErrRoomUnavailable
	}
	return room, nil
}

// initialize fetches the session record, registers the fan-out
// subscriptions, and starts the room's owner goroutine. On any failure the
// provisional room is torn down and every waiter rejected.
func (g *Registry) initialize(room *Room) {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	fail := func(err error) {
		g.log.Warn().Err(err).Str("room", room.Code).Msg("room init failed")
		room.initErr = err
		g.remove(room)
		room.abort()
		close(room.ready)
	}

	sess, err := g.store.GetSession(ctx, room.Code)
	if err != nil {
		fail(fmt.Errorf("fetch session: %w", err))
		return
	}
	room.meta = Meta{HostID: sess.HostID, GroupSize: sess.GroupSize, Frozen: sess.Frozen}

	channels := []string{
		BroadcastChannel(room.Code),
		PartialChannel(room.Code),
		DeletedChannel(room.Code),
		TenantsChannel(room.Code),
	}
	unsub, err := g.bus.Subscribe(ctx, channels, g.dispatch(room))
	if err != nil {
		fail(fmt.Errorf("subscribe: %w", err))
		return
	}
	room.unsubscribe = unsub

	go room.run()
	go g.refreshTenants(room)
	close(room.ready)

	g.log.Debug().Str("room", room.Code).Msg("room ready")
}

// dispatch routes one fan-out delivery into the room's inbox.
func (g *Registry) dispatch(room *Room) fanout.Handler {
	return func(channel string, payload []byte) {
		switch channel {
		case BroadcastChannel(room.Code):
			room.deliverRemote(payload)
		case PartialChannel(room.Code):
			room.applyPartial(payload)
		case DeletedChannel(room.Code):
			g.Drop(room)
		case TenantsChannel(room.Code):
			var notice tenantNotice
			if err := json.Unmarshal(payload, &notice); err != nil {
				return
			}
			if notice.Origin != g.procID && notice.Count == 0 && room.Empty() {
				g.release(room)
			}
		}
	}
}

// refreshTenants keeps the shared tenant counter's TTL alive while the room
// exists on this process.
func (g *Registry) refreshTenants(room *Room) {
	ticker := time.NewTicker(g.tenantPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := g.store.RefreshTenant(ctx, room.Code); err != nil {
				g.log.Warn().Err(err).Str("room", room.Code).Msg("refresh tenant ttl")
			}
			cancel()
		case <-room.done:
			return
		}
	}
}

// Join registers a connection with the room and bumps the shared tenant
// counter, announcing the new count.
func (g *Registry) Join(ctx context.Context, room *Room, c *Client) error {
	if err := room.Register(c); err != nil {
		return err
	}
	n, err := g.store.AddTenant(ctx, room.Code)
	if err != nil {
		g.log.Warn().Err(err).Str("room", room.Code).Msg("add tenant")
		return nil
	}
	g.announceTenants(ctx, room.Code, n)
	return nil
}

// Leave deregisters a connection; when the local set empties and the shared
// count reaches zero, the room is released from the registry.
func (g *Registry) Leave(ctx context.Context, room *Room, c *Client) {
	empty := room.Deregister(c)

	n, err := g.store.RemoveTenant(ctx, room.Code)
	if err != nil {
		g.log.Warn().Err(err).Str("room", room.Code).Msg("remove tenant")
		n = 0
	}
	g.announceTenants(ctx, room.Code, n)

	if empty && n == 0 {
		g.release(room)
	}
}

func (g *Registry) announceTenants(ctx context.Context, code string, n int64) {
	payload, err := json.Marshal(tenantNotice{Origin: g.procID, Count: n})
	if err != nil {
		return
	}
	if err := g.bus.Publish(ctx, TenantsChannel(code), payload); err != nil {
		g.log.Warn().Err(err).Str("room", code).Msg("announce tenants")
	}
}

// Drop terminally invalidates a room whose session was deleted: every
// connection is closed with the session-deleted code and the room leaves
// the registry.
func (g *Registry) Drop(room *Room) {
	room.markStale()
	g.remove(room)
	room.teardown()
}

// release removes an empty room; a second release of the same room is a
// no-op.
func (g *Registry) release(room *Room) {
	g.remove(room)
	room.teardown()
}

func (g *Registry) remove(room *Room) {
	g.mu.Lock()
	if g.rooms[room.Code] == room {
		delete(g.rooms, room.Code)
	}
	g.mu.Unlock()
}

// Len reports the number of rooms currently tracked.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Close tears down every room, releasing all subscriptions.
func (g *Registry) Close() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	for _, room := range rooms {
		room.teardown()
	}
}
