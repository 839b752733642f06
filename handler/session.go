package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"liveclass/constant"
	"liveclass/dto"
	"liveclass/pkg/signal"
	"liveclass/service"
)

// Presigner turns a stored recording reference into a download link.
type Presigner interface {
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type SessionHandler struct {
	sessions  service.SessionService
	hub       *signal.Hub
	presigner Presigner
	expiry    time.Duration
}

func NewSessionHandler(sessions service.SessionService, hub *signal.Hub, presigner Presigner, expiry time.Duration) *SessionHandler {
	return &SessionHandler{sessions: sessions, hub: hub, presigner: presigner, expiry: expiry}
}

func (h *SessionHandler) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.POST("/sessions", h.Create)
	api.GET("/sessions/:id", h.Get)
	api.PATCH("/sessions/:id/status", h.SetStatus)
	api.PUT("/sessions/:id/recording", h.AttachRecording)
	api.GET("/sessions/:id/recording", h.DownloadRecording)
	api.GET("/courses/:courseId/sessions", h.ListForCourse)
	r.GET("/ws/sessions/:id", h.Signal)
}

func (h *SessionHandler) Create(c *gin.Context) {
	var req dto.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := h.sessions.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandler) Get(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	session, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.hub != nil && session.Status == constant.SessionStatusLive {
		session.ParticipantCount = h.hub.Count(c.Request.Context(), id.String())
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandler) ListForCourse(c *gin.Context) {
	sessions, err := h.sessions.ListForCourse(c.Request.Context(), c.Param("courseId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *SessionHandler) SetStatus(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req dto.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := h.sessions.SetStatus(c.Request.Context(), id, constant.SessionStatus(req.Status))
	if err != nil {
		writeError(c, err)
		return
	}
	if h.hub != nil && session.Status != constant.SessionStatusLive {
		h.hub.EndSession(c.Request.Context(), id.String())
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandler) AttachRecording(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req dto.AttachRecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := h.sessions.AttachRecording(c.Request.Context(), id, req.RecordingUrl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandler) DownloadRecording(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	session, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if session.RecordingUrl == nil || h.presigner == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recording for this session"})
		return
	}
	link, err := h.presigner.PresignedURL(c.Request.Context(), *session.RecordingUrl, h.expiry)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("session_id", id.String()).Msg("failed to presign recording")
		c.JSON(http.StatusBadGateway, gin.H{"error": "recording unavailable"})
		return
	}
	c.Redirect(http.StatusTemporaryRedirect, link)
}

// Signal upgrades to the signaling websocket. Only a live session admits
// members, and only its tutor joins as host.
func (h *SessionHandler) Signal(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	userID := c.Query("user_id")
	role := constant.Role(c.DefaultQuery("role", string(constant.RoleStudent)))
	if userID == "" || !role.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role are required"})
		return
	}

	ctx := c.Request.Context()
	session, err := h.sessions.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if session.Status != constant.SessionStatusLive {
		writeError(c, service.ErrNotLive)
		return
	}
	isHost := session.TutorId == userID
	if role == constant.RoleTutor && !isHost {
		writeError(c, service.ErrNotHost)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	h.hub.Serve(ctx, conn, id.String(), signal.Peer{
		UserId: userID,
		Name:   c.Query("name"),
		Role:   role,
		IsHost: isHost,
	})
}

func sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uuid.Nil, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotHost):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrNotLive):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
