// Package redis implements store.Store on a shared Redis instance. It is the
// deployment-grade backend: atomic mutations run as Lua scripts, so concurrent
// joins from any number of processes serialize inside Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edusort/groupsync-server/internal/store"
)

const defaultTenantTTL = 60 * time.Second

// Store talks to Redis. Safe for concurrent use.
type Store struct {
	rdb       *redis.Client
	tenantTTL time.Duration
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, tenantTTL: defaultTenantTTL}, nil
}

// NewFromClient wraps an existing client (used by tests against miniredis-like
// servers and by callers that manage the client lifecycle themselves).
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, tenantTTL: defaultTenantTTL}
}

// Client exposes the underlying connection for the fan-out layer, which shares it.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// canonical trims surrounding whitespace; the trimmed form is the stored name.
func canonical(name string) string { return strings.TrimSpace(name) }

func sessKey(code string) string      { return "sess:" + code }
func groupListKey(code string) string { return "sess:" + code + ":grouplist" }
func allocKey(code string) string     { return "sess:" + code + ":alloc" }
func groupKeyPrefix(code string) string {
	return "sess:" + code + ":group:"
}
func groupKey(code, name string) string { return groupKeyPrefix(code) + name }
func tenantKey(code string) string      { return "sess:" + code + ":tenants" }

// scriptReply unpacks the {status, value} array every mutation script returns.
func scriptReply(v any, err error) (string, error) {
	if err != nil {
		return "", fmt.Errorf("run script: %w", err)
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return "", fmt.Errorf("unexpected script reply %v", v)
	}
	status, _ := arr[0].(int64)
	if status == 1 {
		if name, ok := arr[1].(string); ok {
			return name, nil
		}
		return "", nil
	}
	reason, _ := arr[1].(string)
	switch reason {
	case "nosession":
		return "", store.ErrSessionNotFound
	case "frozen":
		return "", store.ErrFrozen
	case "nogroup":
		return "", store.ErrGroupNotFound
	case "allocated":
		return "", store.ErrAlreadyAllocated
	case "full":
		return "", store.ErrGroupFull
	case "notin":
		return "", store.ErrNotInGroup
	case "exists":
		return "", store.ErrGroupExists
	default:
		return "", fmt.Errorf("unknown script failure %q", reason)
	}
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *Store) CreateSession(ctx context.Context, rec *store.Session) error {
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, sessKey(rec.Code),
		"host", rec.HostID,
		"size", rec.GroupSize,
		"frozen", boolArg(rec.Frozen),
	)
	for _, g := range rec.Groups {
		name := canonical(g.Name)
		pipe.RPush(ctx, groupListKey(rec.Code), name)
		for _, m := range g.Members {
			pipe.HSet(ctx, groupKey(rec.Code, name), m.ID, m.Name)
			pipe.HSet(ctx, allocKey(rec.Code), m.ID, name)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, code string) (*store.Session, error) {
	meta, err := s.rdb.HGetAll(ctx, sessKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, store.ErrSessionNotFound
	}

	size, _ := strconv.Atoi(meta["size"])
	sess := &store.Session{
		Code:      code,
		HostID:    meta["host"],
		GroupSize: size,
		Frozen:    meta["frozen"] == "1",
	}

	names, err := s.rdb.LRange(ctx, groupListKey(code), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get group list: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.HGetAll(ctx, groupKey(code, name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("get groups: %w", err)
	}

	for i, name := range names {
		g := store.Group{Name: name}
		for id, display := range cmds[i].Val() {
			g.Members = append(g.Members, store.Member{ID: id, Name: display})
		}
		sess.Groups = append(sess.Groups, g)
	}
	return sess, nil
}

func (s *Store) SessionHost(ctx context.Context, code string) (string, error) {
	host, err := s.rdb.HGet(ctx, sessKey(code), "host").Result()
	if err == redis.Nil {
		return "", store.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session host: %w", err)
	}
	return host, nil
}

func (s *Store) SetMeta(ctx context.Context, code string, patch store.MetaPatch) error {
	fields := make([]any, 0, 4)
	if patch.GroupSize != nil {
		fields = append(fields, "size", *patch.GroupSize)
	}
	if patch.Frozen != nil {
		fields = append(fields, "frozen", boolArg(*patch.Frozen))
	}
	if len(fields) == 0 {
		return nil
	}
	if err := s.rdb.HSet(ctx, sessKey(code), fields...).Err(); err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, code string) error {
	names, err := s.rdb.LRange(ctx, groupListKey(code), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	keys := []string{sessKey(code), groupListKey(code), allocKey(code), tenantKey(code)}
	for _, name := range names {
		keys = append(keys, groupKey(code, name))
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) JoinGroup(ctx context.Context, code, group string, m store.Member, groupSize int, frozen, exempt bool) (string, error) {
	name := canonical(group)
	keys := []string{sessKey(code), groupListKey(code), allocKey(code), groupKey(code, name)}
	argv := []any{name, m.ID, m.Name, groupSize, boolArg(frozen), boolArg(exempt)}
	return scriptReply(joinScript.Run(ctx, s.rdb, keys, argv...).Result())
}

func (s *Store) LeaveGroup(ctx context.Context, code, userID string, frozen, exempt bool) (string, error) {
	keys := []string{sessKey(code), allocKey(code)}
	argv := []any{userID, boolArg(frozen), boolArg(exempt), groupKeyPrefix(code)}
	return scriptReply(leaveScript.Run(ctx, s.rdb, keys, argv...).Result())
}

func (s *Store) AddGroup(ctx context.Context, code, group string) (string, error) {
	name := canonical(group)
	keys := []string{sessKey(code), groupListKey(code)}
	return scriptReply(addGroupScript.Run(ctx, s.rdb, keys, name).Result())
}

func (s *Store) RemoveGroup(ctx context.Context, code, group string) error {
	name := canonical(group)
	keys := []string{sessKey(code), groupListKey(code), allocKey(code), groupKey(code, name)}
	_, err := scriptReply(removeGroupScript.Run(ctx, s.rdb, keys, name).Result())
	return err
}

func (s *Store) ClearGroupMembers(ctx context.Context, code, group string) error {
	name := canonical(group)
	keys := []string{allocKey(code), groupKey(code, name)}
	_, err := scriptReply(clearGroupScript.Run(ctx, s.rdb, keys).Result())
	return err
}

func (s *Store) ClearAllGroupMembers(ctx context.Context, code string) error {
	keys := []string{groupListKey(code), allocKey(code)}
	_, err := scriptReply(clearAllScript.Run(ctx, s.rdb, keys, groupKeyPrefix(code)).Result())
	return err
}

func (s *Store) AddTenant(ctx context.Context, code string) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, tenantKey(code))
	pipe.Expire(ctx, tenantKey(code), s.tenantTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("add tenant: %w", err)
	}
	return incr.Val(), nil
}

func (s *Store) RemoveTenant(ctx context.Context, code string) (int64, error) {
	n, err := removeTenantScript.Run(ctx, s.rdb, []string{tenantKey(code)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("remove tenant: %w", err)
	}
	return n, nil
}

func (s *Store) RefreshTenant(ctx context.Context, code string) error {
	if err := s.rdb.Expire(ctx, tenantKey(code), s.tenantTTL).Err(); err != nil {
		return fmt.Errorf("refresh tenant: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}
