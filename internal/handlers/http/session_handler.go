package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
	"novalink/internal/infrastructure/monitoring"
)

// SessionHandler is the loopback control surface a UI drives the session
// with.
type SessionHandler struct {
	session ports.SessionService
	health  *monitoring.HealthChecker
}

func NewSessionHandler(session ports.SessionService, health *monitoring.HealthChecker) *SessionHandler {
	return &SessionHandler{session: session, health: health}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/session", h.GetSession)
		api.POST("/session/start", h.Start)
		api.POST("/session/skip", h.Skip)
		api.POST("/session/disconnect", h.Disconnect)
		api.POST("/session/media", h.SetMedia)
		api.POST("/session/chat", h.SendChat)
		api.GET("/session/chat", h.GetChat)
		api.GET("/session/partner", h.GetPartner)
	}
}

func (h *SessionHandler) Health(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// GetSession returns the observable session snapshot.
func (h *SessionHandler) GetSession(c *gin.Context) {
	snap := h.session.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"state":          snap.State.String(),
		"role":           string(snap.Role),
		"partner_label":  snap.PartnerLabel,
		"presence_count": snap.PresenceCount,
		"channel_up":     snap.ChannelUp,
		"restart_count":  snap.RestartCount,
		"uptime_seconds": snap.UptimeSeconds,
	})
}

func (h *SessionHandler) Start(c *gin.Context) {
	if err := h.session.Start(); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": h.session.Snapshot().State.String()})
}

func (h *SessionHandler) Skip(c *gin.Context) {
	if err := h.session.Skip(); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": h.session.Snapshot().State.String()})
}

func (h *SessionHandler) Disconnect(c *gin.Context) {
	if err := h.session.Disconnect(); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": h.session.Snapshot().State.String()})
}

func (h *SessionHandler) SetMedia(c *gin.Context) {
	var req struct {
		Kind    string `json:"kind" binding:"required,oneof=audio video"`
		Enabled *bool  `json:"enabled" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.session.SetMediaEnabled(domain.MediaKind(req.Kind), *req.Enabled); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": req.Kind, "enabled": *req.Enabled})
}

func (h *SessionHandler) SendChat(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.session.SendChat(req.Text); err != nil {
		if err == domain.ErrChatUnavailable {
			c.JSON(http.StatusConflict, gin.H{"error": "no partner to chat with"})
			return
		}
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sent": true})
}

// GetChat returns the transcript of the current match, oldest first.
func (h *SessionHandler) GetChat(c *gin.Context) {
	log := h.session.ChatLog()
	if log == nil {
		log = []domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": log})
}

// GetPartner exposes the reportable partner identity hint. The report flow
// itself lives server-side; this only tells the UI who to report.
func (h *SessionHandler) GetPartner(c *gin.Context) {
	snap := h.session.Snapshot()
	if !snap.State.Live() || snap.PartnerLabel == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "no current partner"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"partner_label": snap.PartnerLabel})
}
