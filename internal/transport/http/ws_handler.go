package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/config"
	"github.com/edusort/groupsync-server/internal/core"
	"github.com/edusort/groupsync-server/internal/proto"
	"github.com/edusort/groupsync-server/internal/ratelimit"
	"github.com/edusort/groupsync-server/internal/store"
	"github.com/edusort/groupsync-server/internal/utils"
)

// closeError carries a websocket close status out of a connection loop.
type closeError struct {
	status websocket.StatusCode
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.status, e.reason)
}

// WSHandler upgrades connections and runs the per-connection protocol.
type WSHandler struct {
	cfg      *config.Config
	log      *zerolog.Logger
	store    store.Store
	limiter  ratelimit.Limiter
	registry *core.Registry
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(cfg *config.Config, logger *zerolog.Logger, st store.Store, limiter ratelimit.Limiter, registry *core.Registry) *WSHandler {
	return &WSHandler{cfg: cfg, log: logger, store: st, limiter: limiter, registry: registry}
}

func (h *WSHandler) upgradeLimit() ratelimit.Limit {
	return ratelimit.Limit{PerMinute: h.cfg.UpgradePerMinute, Burst: h.cfg.UpgradeBurst}
}

// Handle serves GET /ws/:code. Identity has already been verified by the
// auth middleware.
func (h *WSHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	code := c.Param("code")
	userID := c.GetString(ContextKeyUserID)
	userName := c.GetString(ContextKeyUserName)

	res, err := h.limiter.Allow(ctx, userID, ratelimit.Category("GET", "/ws"), h.upgradeLimit())
	if err != nil {
		h.log.Error().Err(err).Msg("upgrade rate limit check failed")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
		return
	}
	if !res.Allowed {
		retry := int64(res.RetryAfter(time.Now())/time.Second) + 1
		c.Header("Retry-After", strconv.FormatInt(retry, 10))
		c.JSON(stdhttp.StatusTooManyRequests, ErrorResponse{Error: "rate limited"})
		return
	}

	room, err := h.registry.Get(ctx, code)
	if err != nil {
		h.log.Debug().Err(err).Str("room", code).Msg("room unavailable")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "session unavailable"})
		return
	}
	meta, ok := room.Meta()
	if !ok {
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "session unavailable"})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(h.cfg.MaxMessageBytes)

	client := core.NewClient(utils.NewID(), userID, userName, userID == meta.HostID)
	if err := h.registry.Join(ctx, room, client); err != nil {
		conn.Close(proto.CloseSessionDeleted, "session deleted")
		return
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.registry.Leave(leaveCtx, room, client)
	}()

	sess := newWSSession(h.cfg, h.log, h.store, h.limiter, room, client)

	// Queue the initial full snapshot before the write loop starts, so it is
	// the first frame the client sees.
	sess.sendSnapshot(ctx, false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		errCh <- h.readLoop(ctx, conn, sess)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client)
	}()
	go func() {
		errCh <- h.heartbeat(ctx, conn)
	}()

	err = <-errCh
	cancel() // stop the other goroutines
	<-errCh
	<-errCh

	h.closeConn(conn, client, err)
}

// closeConn maps the loop outcome onto a close status.
func (h *WSHandler) closeConn(conn *websocket.Conn, client *core.Client, err error) {
	var ce *closeError
	if errors.As(err, &ce) {
		h.log.Debug().Str("client_id", client.ID).Uint16("status", uint16(ce.status)).Str("reason", ce.reason).Msg("closing connection")
		conn.Close(ce.status, ce.reason)
		return
	}

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = "connection error"
			h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
		}
	}
	conn.Close(status, reason)
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *wsSession) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var in proto.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			return &closeError{status: websocket.StatusInvalidFramePayloadData, reason: "unparsable payload"}
		}

		if order := sess.handle(ctx, in); order != nil {
			return &closeError{status: order.Status, reason: order.Reason}
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client) error {
	for {
		select {
		case frame, ok := <-client.Send:
			if !ok {
				return nil
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return err
			}
		case order := <-client.Control:
			return &closeError{status: order.Status, reason: order.Reason}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// heartbeat pings on a fixed interval; a ping that does not complete before
// the next tick terminates the connection as unresponsive.
func (h *WSHandler) heartbeat(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("unresponsive: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
