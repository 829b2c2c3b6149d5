package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/gin-gonic/gin"
)

type SessionHandler struct {
	sessionService ports.SessionService
	readyCheck     func(ctx context.Context) error
}

func NewSessionHandler(sessionService ports.SessionService, readyCheck func(ctx context.Context) error) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		readyCheck:     readyCheck,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	router.POST("/session", h.CreateSession)
	router.GET("/sessions", h.ListSessions)
	router.DELETE("/session/:id", h.DeleteSession)
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		Platform       string `json:"platform"`
		Quality        string `json:"quality"`
		Secret         string `json:"secret"`
		CustomEndpoint string `json:"customEndpoint"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	platform := domain.ParsePlatform(req.Platform)

	secret := req.Secret
	if platform == domain.PlatformCustom && req.CustomEndpoint != "" {
		secret = req.CustomEndpoint
	}
	if secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "stream key is required for selected platform",
		})
		return
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), platform, domain.ParseQuality(req.Quality), secret)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId": string(session.ID),
		"status":    string(session.Status),
	})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions, err := h.sessionService.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, gin.H{
			"sessionId": string(session.ID),
			"platform":  string(session.Platform),
			"quality":   string(session.Quality),
			"secret":    domain.RedactedSecret,
			"status":    string(session.Status),
			"createdAt": session.CreatedAt,
			"startedAt": session.StartedAt,
			"endedAt":   session.EndedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *SessionHandler) DeleteSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))

	err := h.sessionService.DeleteSession(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, domain.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, domain.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": "session is running, stop it before deleting"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *SessionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SessionHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if h.readyCheck != nil {
		if err := h.readyCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
