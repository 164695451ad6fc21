package http

import (
	"encoding/json"
	"errors"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/edusort/groupsync-server/internal/core"
	"github.com/edusort/groupsync-server/internal/fanout"
	"github.com/edusort/groupsync-server/internal/proto"
	"github.com/edusort/groupsync-server/internal/store"
)

// SessionHandlers exposes the host-facing session management surface.
// Metadata edits fan out as partial snapshots; deletion fans out a terminal
// notice that marks every room replica stale.
type SessionHandlers struct {
	log   *zerolog.Logger
	store store.Store
	bus   fanout.Bus
}

// NewSessionHandlers builds the REST handlers.
func NewSessionHandlers(logger *zerolog.Logger, st store.Store, bus fanout.Bus) *SessionHandlers {
	return &SessionHandlers{log: logger, store: st, bus: bus}
}

type createSessionRequest struct {
	Code      string   `json:"code" binding:"required"`
	GroupSize int      `json:"groupSize" binding:"required,min=1"`
	Frozen    bool     `json:"frozen"`
	Groups    []string `json:"groups"`
}

type patchSessionRequest struct {
	GroupSize *int  `json:"groupSize"`
	Frozen    *bool `json:"frozen"`
}

// Create handles POST /api/sessions. The caller becomes the host.
func (h *SessionHandlers) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request"})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.store.GetSession(ctx, req.Code); err == nil {
		c.JSON(stdhttp.StatusConflict, ErrorResponse{Error: "session exists"})
		return
	} else if !errors.Is(err, store.ErrSessionNotFound) {
		h.log.Error().Err(err).Msg("check session")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
		return
	}

	sess := &store.Session{
		Code:      req.Code,
		HostID:    c.GetString(ContextKeyUserID),
		GroupSize: req.GroupSize,
		Frozen:    req.Frozen,
	}
	for _, name := range req.Groups {
		sess.Groups = append(sess.Groups, store.Group{Name: name})
	}

	if err := h.store.CreateSession(ctx, sess); err != nil {
		h.log.Error().Err(err).Str("session", req.Code).Msg("create session")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
		return
	}
	c.JSON(stdhttp.StatusCreated, sess)
}

// requireHost loads the session host and compares it to the caller.
func (h *SessionHandlers) requireHost(c *gin.Context, code string) bool {
	host, err := h.store.SessionHost(c.Request.Context(), code)
	if errors.Is(err, store.ErrSessionNotFound) {
		c.JSON(stdhttp.StatusNotFound, ErrorResponse{Error: "session not found"})
		return false
	}
	if err != nil {
		h.log.Error().Err(err).Str("session", code).Msg("load session host")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
		return false
	}
	if host != c.GetString(ContextKeyUserID) {
		c.JSON(stdhttp.StatusForbidden, ErrorResponse{Error: "host only"})
		return false
	}
	return true
}

// Update handles PATCH /api/sessions/:code: metadata only, never membership.
func (h *SessionHandlers) Update(c *gin.Context) {
	code := c.Param("code")
	if !h.requireHost(c, code) {
		return
	}

	var req patchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request"})
		return
	}
	if req.GroupSize == nil && req.Frozen == nil {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "empty patch"})
		return
	}
	if req.GroupSize != nil && *req.GroupSize < 1 {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "group size must be positive"})
		return
	}

	ctx := c.Request.Context()
	if err := h.store.SetMeta(ctx, code, store.MetaPatch{GroupSize: req.GroupSize, Frozen: req.Frozen}); err != nil {
		h.log.Error().Err(err).Str("session", code).Msg("set meta")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
		return
	}

	payload, err := json.Marshal(proto.Partial{Code: proto.CodePartial, GroupSize: req.GroupSize, Frozen: req.Frozen})
	if err == nil {
		err = h.bus.Publish(ctx, core.PartialChannel(code), payload)
	}
	if err != nil {
		// The durable update stuck; a dropped partial is repaired by resync.
		h.log.Warn().Err(err).Str("session", code).Msg("publish partial")
	}

	c.Status(stdhttp.StatusNoContent)
}

// Delete handles DELETE /api/sessions/:code.
func (h *SessionHandlers) Delete(c *gin.Context) {
	code := c.Param("code")
	if !h.requireHost(c, code) {
		return
	}

	ctx := c.Request.Context()
	if err := h.store.DeleteSession(ctx, code); err != nil {
		h.log.Error().Err(err).Str("session", code).Msg("delete session")
		c.JSON(stdhttp.StatusServiceUnavailable, ErrorResponse{Error: "unavailable"})
		return
	}
	if err := h.bus.Publish(ctx, core.DeletedChannel(code), []byte(`{}`)); err != nil {
		h.log.Warn().Err(err).Str("session", code).Msg("publish deletion")
	}

	c.Status(stdhttp.StatusNoContent)
}
