package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relaypoint/presenced/internal/auth"
	"github.com/relaypoint/presenced/internal/coordination"
	"github.com/relaypoint/presenced/internal/lifecycle"
	"github.com/relaypoint/presenced/internal/locks"
)

const identityContextKey = "presenced_identity"

const defaultDeadLetterListLimit = 50

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingLockService   = errors.New("lock service dependency required")
	errMissingCoordination  = errors.New("coordination store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.Identity, error)
}

// LifecyclePublisher announces mutations to the event bus on behalf of
// write pipelines that signal through HTTP.
type LifecyclePublisher interface {
	PublishPreMutation(ctx context.Context, tenantID, entity, id, userID string) error
	PublishPostMutation(ctx context.Context, tenantID, entity, id, userID string, version int64) error
}

// ConnectionHandler serves an upgraded websocket connection.
type ConnectionHandler interface {
	HandleConnection(c *gin.Context)
}

// Dependencies wires the HTTP surface to the underlying services. The two
// websocket handlers are optional so the REST surface can be tested alone.
type Dependencies struct {
	TokenManager    TokenManager
	LockService     *locks.Service
	Coordination    *coordination.Store
	DeadLetters     *lifecycle.DeadLetterStore
	Publisher       LifecyclePublisher
	PresenceGateway ConnectionHandler
	CollabHub       ConnectionHandler
	EditLockTTL     time.Duration
	Logger          *zap.Logger
}

// NewHTTPHandler assembles the gin router for the coordination server.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.LockService == nil {
		return nil, errMissingLockService
	}
	if deps.Coordination == nil {
		return nil, errMissingCoordination
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		lockService: deps.LockService,
		presence:    deps.Coordination,
		deadLetters: deps.DeadLetters,
		publisher:   deps.Publisher,
		editLockTTL: deps.EditLockTTL,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/auth/token", handler.handleIssueToken)

	protected.POST("/api/locks/:tenant/:entity/:id", handler.handleAcquireLock)
	protected.DELETE("/api/locks/:tenant/:entity/:id", handler.handleReleaseLock)
	protected.GET("/api/locks/:tenant/:entity/:id", handler.handleLockStatus)

	// Presence debug surface: the same store operations the websocket
	// protocol drives, reachable with curl.
	protected.GET("/api/presence/:tenant/:entity/:id", handler.handlePresenceSnapshot)
	protected.POST("/api/presence/:tenant/:entity/:id/subscribe", handler.handlePresenceSubscribe)
	protected.POST("/api/presence/:tenant/:entity/:id/unsubscribe", handler.handlePresenceUnsubscribe)
	protected.POST("/api/presence/:tenant/:entity/:id/heartbeat", handler.handlePresenceHeartbeat)
	protected.POST("/api/presence/:tenant/:entity/:id/lock", handler.handleFieldLock)
	protected.POST("/api/presence/:tenant/:entity/:id/unlock", handler.handleFieldUnlock)

	if deps.Publisher != nil {
		protected.POST("/api/lifecycle/:tenant/:entity/:id/mutating", handler.handleSignalMutating)
		protected.POST("/api/lifecycle/:tenant/:entity/:id/mutated", handler.handleSignalMutated)
	}

	if deps.DeadLetters != nil {
		protected.GET("/api/deadletters", handler.handleListDeadLetters)
		protected.POST("/api/deadletters/:id/replay", handler.handleReplayDeadLetter)
	}

	if deps.PresenceGateway != nil {
		protected.GET("/ws/presence", deps.PresenceGateway.HandleConnection)
	}
	if deps.CollabHub != nil {
		protected.GET("/ws/collab", deps.CollabHub.HandleConnection)
	}

	return router, nil
}

type httpHandler struct {
	tokens      TokenManager
	lockService *locks.Service
	presence    *coordination.Store
	deadLetters *lifecycle.DeadLetterStore
	publisher   LifecyclePublisher
	editLockTTL time.Duration
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if err := h.presence.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type issueTokenPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueToken mints tokens for other principals. Only admins may call
// it; the first admin token is minted offline with the signing key.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	identity := h.identity(c)
	if !identity.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin_required"})
		return
	}

	var request issueTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), auth.Identity{
		UserID:   request.UserID,
		Username: request.Username,
		Admin:    request.Admin,
	})
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type acquireLockPayload struct {
	TTLSeconds int64 `json:"ttlSeconds"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	identity := h.identity(c)

	scope, ok := h.lockScope(c)
	if !ok {
		return
	}

	ttl := h.editLockTTL
	var request acquireLockPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		if request.TTLSeconds > 0 {
			ttl = time.Duration(request.TTLSeconds) * time.Second
		}
	}

	lock, err := h.lockService.AcquireOrRenew(c.Request.Context(), scope, identity.UserID, ttl)
	if err != nil {
		var conflict *locks.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "lock_conflict", "lock": conflict.Existing})
			return
		}
		h.logger.Error("lock acquire failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, lock)
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	identity := h.identity(c)

	scope, ok := h.lockScope(c)
	if !ok {
		return
	}

	released, err := h.lockService.Release(c.Request.Context(), scope, identity.UserID, identity.Admin)
	if err != nil {
		var conflict *locks.ConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "not_lock_owner", "lock": conflict.Existing})
			return
		}
		h.logger.Error("lock release failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !released {
		c.JSON(http.StatusNotFound, gin.H{"error": "lock_not_found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (h *httpHandler) handleLockStatus(c *gin.Context) {
	scope, ok := h.lockScope(c)
	if !ok {
		return
	}

	lock, err := h.lockService.Status(c.Request.Context(), scope)
	if err != nil {
		h.logger.Error("lock status failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if lock == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "lock_not_found"})
		return
	}

	c.JSON(http.StatusOK, lock)
}

type presencePayload struct {
	Users   []string `json:"users"`
	Stale   bool     `json:"stale"`
	BusyBy  *string  `json:"busyBy"`
	Version *int64   `json:"version"`
}

func (h *httpHandler) handlePresenceSnapshot(c *gin.Context) {
	tenant := c.Param("tenant")
	entity := c.Param("entity")
	entityID := c.Param("id")

	snapshot, err := h.presence.Snapshot(c.Request.Context(), tenant, entity, entityID)
	if err != nil {
		h.logger.Error("presence snapshot failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot_failed"})
		return
	}

	payload := presencePayload{
		Users:   snapshot.Users,
		Stale:   snapshot.Stale,
		Version: snapshot.Version,
	}
	if payload.Users == nil {
		payload.Users = []string{}
	}
	if snapshot.BusyBy != "" {
		busyBy := snapshot.BusyBy
		payload.BusyBy = &busyBy
	}

	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handlePresenceSubscribe(c *gin.Context) {
	identity := h.identity(c)
	if err := h.presence.Subscribe(c.Request.Context(), identity.UserID, c.Param("tenant"), c.Param("entity"), c.Param("id")); err != nil {
		h.logger.Error("presence subscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "subscribe_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": true})
}

func (h *httpHandler) handlePresenceUnsubscribe(c *gin.Context) {
	identity := h.identity(c)
	if err := h.presence.Unsubscribe(c.Request.Context(), identity.UserID, c.Param("tenant"), c.Param("entity"), c.Param("id")); err != nil {
		h.logger.Error("presence unsubscribe failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unsubscribe_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": false})
}

func (h *httpHandler) handlePresenceHeartbeat(c *gin.Context) {
	identity := h.identity(c)
	if err := h.presence.Heartbeat(c.Request.Context(), identity.UserID, c.Param("tenant"), c.Param("entity"), c.Param("id")); err != nil {
		h.logger.Error("presence heartbeat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alive": true})
}

type fieldLockPayload struct {
	Field string `json:"field"`
}

func (h *httpHandler) handleFieldLock(c *gin.Context) {
	identity := h.identity(c)

	var request fieldLockPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Field) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	acquired, owner, err := h.presence.AcquireFieldLock(c.Request.Context(), identity.UserID, c.Param("tenant"), c.Param("entity"), c.Param("id"), request.Field)
	if err != nil {
		h.logger.Error("field lock failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lock_failed"})
		return
	}
	if !acquired {
		c.JSON(http.StatusConflict, gin.H{"acquired": false, "owner": owner})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acquired": true})
}

func (h *httpHandler) handleFieldUnlock(c *gin.Context) {
	identity := h.identity(c)

	var request fieldLockPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Field) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.presence.ReleaseFieldLock(c.Request.Context(), identity.UserID, c.Param("tenant"), c.Param("entity"), c.Param("id"), request.Field); err != nil {
		h.logger.Error("field unlock failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlock_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (h *httpHandler) handleSignalMutating(c *gin.Context) {
	identity := h.identity(c)

	err := h.publisher.PublishPreMutation(c.Request.Context(), c.Param("tenant"), c.Param("entity"), c.Param("id"), identity.UserID)
	if err != nil {
		h.logger.Error("pre-mutation publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"published": true})
}

type signalMutatedPayload struct {
	Version int64 `json:"version"`
}

func (h *httpHandler) handleSignalMutated(c *gin.Context) {
	identity := h.identity(c)

	var request signalMutatedPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	err := h.publisher.PublishPostMutation(c.Request.Context(), c.Param("tenant"), c.Param("entity"), c.Param("id"), identity.UserID, request.Version)
	if err != nil {
		h.logger.Error("post-mutation publish failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "publish_failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"published": true})
}

func (h *httpHandler) handleListDeadLetters(c *gin.Context) {
	limit := defaultDeadLetterListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	messages, err := h.deadLetters.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("dead letter list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *httpHandler) handleReplayDeadLetter(c *gin.Context) {
	identity := h.identity(c)
	if !identity.Admin {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin_required"})
		return
	}

	err := h.deadLetters.Replay(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, lifecycle.ErrDeadLetterNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message_not_found"})
			return
		}
		h.logger.Error("dead letter replay failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replay_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"replayed": true})
}

func (h *httpHandler) lockScope(c *gin.Context) (locks.LockScope, bool) {
	scope, err := locks.NewLockScope(c.Param("tenant"), c.Param("entity"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return locks.LockScope{}, false
	}
	return scope, true
}

// authorizeRequest accepts the bearer token from the Authorization header,
// or from the token query parameter for websocket upgrades, where browsers
// cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) identity(c *gin.Context) auth.Identity {
	value, _ := c.Get(identityContextKey)
	identity, _ := value.(auth.Identity)
	return identity
}
