package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"personago/internal/auth"
	"personago/internal/config"
	"personago/internal/memory"
	"personago/internal/models"
	"personago/internal/settings"
	"personago/internal/worker"
)

type Runner interface {
	Status() []worker.LoopStatus
	Trigger(platform string) error
}

type Poster interface {
	PostNow(ctx context.Context) (*models.Message, error)
}

type Responder interface {
	GenerateResponse(ctx context.Context, character *config.Character, message *models.Message, conversation []*models.Message) (*models.Generated, error)
}

// Handler wires the admin routes to the stores and the platform loops.
type Handler struct {
	character *config.Character
	auth      *auth.Service
	messages  *memory.Store
	settings  *settings.Store
	runner    Runner
	posters   map[string]Poster
	responder Responder
}

type Deps struct {
	Character *config.Character
	Auth      *auth.Service
	Messages  *memory.Store
	Settings  *settings.Store
	Runner    Runner
	Posters   map[string]Poster
	Responder Responder
}

// NewHandler constructs a Handler instance.
func NewHandler(d Deps) *Handler {
	return &Handler{
		character: d.Character,
		auth:      d.Auth,
		messages:  d.Messages,
		settings:  d.Settings,
		runner:    d.Runner,
		posters:   d.Posters,
		responder: d.Responder,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api := router.Group("/api")
	api.GET("/health", h.health)

	admin := api.Group("")
	admin.Use(h.auth.Middleware())
	admin.GET("/status", h.status)
	admin.GET("/messages", h.listMessages)
	admin.GET("/characters/:id/settings", h.requireCharacter(), h.getSettings)
	admin.DELETE("/characters/:id/messages", h.requireCharacter(), h.clearMessages)
	admin.POST("/platforms/:platform/trigger", h.trigger)
	admin.POST("/platforms/:platform/post", h.postNow)
	admin.POST("/respond", h.previewResponse)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "character": h.character.NameID})
}

// requireCharacter rejects ids other than the running character.
func (h *Handler) requireCharacter() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("id") != h.character.NameID {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "character not found"})
			return
		}
		c.Next()
	}
}

func (h *Handler) status(c *gin.Context) {
	loops := make([]worker.LoopStatus, 0)
	if h.runner != nil {
		loops = h.runner.Status()
	}
	c.JSON(http.StatusOK, gin.H{
		"character": h.character.NameID,
		"loops":     loops,
	})
}

func (h *Handler) getSettings(c *gin.Context) {
	st, err := h.settings.Get(c.Request.Context(), h.character.NameID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"character_id": h.character.NameID, "settings": st})
}

func (h *Handler) listMessages(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.messages.Query(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

const maxListLimit = 500

func filterFromQuery(c *gin.Context) (memory.Filter, error) {
	f := memory.Filter{
		ID:             c.Query("id"),
		Platform:       c.Query("platform"),
		Author:         c.Query("author"),
		NotAuthor:      c.Query("not_author"),
		Character:      c.Query("character"),
		ConversationID: c.Query("conversation_id"),
		ResponseTo:     c.Query("response_to"),
		SortBy:         c.Query("sort_by"),
		SortOrder:      memory.SortOrder(strings.ToLower(c.DefaultQuery("order", string(memory.Asc)))),
		Limit:          100,
	}
	switch c.DefaultQuery("flagged", "exclude") {
	case "exclude":
	case "only":
		f.Flagged = memory.FlaggedOnly
	case "any":
		f.Flagged = memory.FlaggedAny
	default:
		return f, errors.New("flagged must be exclude, only or any")
	}
	if v := c.Query("root"); v != "" {
		root, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("invalid root")
		}
		f.IsRootPost = &root
	}
	if v := c.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be RFC3339")
		}
		f.Since = since
	}
	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return f, errors.New("invalid limit")
		}
		f.Limit = min(limit, maxListLimit)
	}
	return f, nil
}

func (h *Handler) clearMessages(c *gin.Context) {
	n, err := h.messages.Clear(c.Request.Context(), h.character.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (h *Handler) trigger(c *gin.Context) {
	if h.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no platform loops running"})
		return
	}
	if err := h.runner.Trigger(c.Param("platform")); err != nil {
		if errors.Is(err, worker.ErrUnknownPlatform) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) postNow(c *gin.Context) {
	poster, ok := h.posters[c.Param("platform")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "platform not enabled"})
		return
	}
	msg, err := poster.PostNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

type respondRequest struct {
	Platform string `json:"platform"`
	Author   string `json:"author"`
	Text     string `json:"text"`
}

// previewResponse generates a response to arbitrary text without publishing it.
func (h *Handler) previewResponse(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	if req.Platform == "" {
		req.Platform = models.PlatformTwitter
	}
	if req.Author == "" {
		req.Author = "anonymous"
	}
	msg := &models.Message{
		ID:        "preview",
		Platform:  req.Platform,
		Author:    req.Author,
		Content:   req.Text,
		WenPosted: time.Now(),
	}
	gen, err := h.responder.GenerateResponse(c.Request.Context(), h.character, msg, []*models.Message{msg})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if gen == nil {
		c.JSON(http.StatusOK, gin.H{"suppressed": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"suppressed": false, "response": gen.Content})
}
