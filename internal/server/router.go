package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CTFer/EarthOnline-sub001/internal/realtime"
	"github.com/CTFer/EarthOnline-sub001/internal/replication"
	"github.com/CTFer/EarthOnline-sub001/internal/roadmap"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const ownerIDContextKey = "earthonline_owner_id"

var (
	errMissingStore         = errors.New("roadmap store dependency required")
	errMissingEngine        = errors.New("replication engine dependency required")
	errMissingHub           = errors.New("realtime hub dependency required")
	errMissingAPIKeys       = errors.New("api key validator dependency required")
	errMissingIDProvider    = errors.New("id provider dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// APIKeyValidator checks the shared sync secret.
type APIKeyValidator interface {
	Validate(presented string) error
}

// StreamTokenManager mints and validates owner-bound stream tokens.
type StreamTokenManager interface {
	IssueStreamToken(ownerID int64) (string, int64, error)
	ValidateToken(token string) (int64, error)
}

// Dependencies wires the HTTP surface. StreamTokens is optional; when nil,
// callers identify themselves with player_id / user_id parameters.
// DefaultRooms are joined by every stream on connect.
type Dependencies struct {
	Store        *roadmap.Store
	Engine       *replication.Engine
	Hub          *realtime.Hub
	APIKeys      APIKeyValidator
	StreamTokens StreamTokenManager
	IDProvider   roadmap.IDProvider
	FreshCutoff  time.Duration
	DefaultRooms []string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// NewHTTPHandler assembles the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.APIKeys == nil {
		return nil, errMissingAPIKeys
	}
	if deps.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		store:        deps.Store,
		engine:       deps.Engine,
		hub:          deps.Hub,
		apiKeys:      deps.APIKeys,
		streamTokens: deps.StreamTokens,
		ids:          deps.IDProvider,
		freshCutoff:  deps.FreshCutoff,
		defaultRooms: deps.DefaultRooms,
		clock:        clock,
		logger:       logger,
	}

	peer := router.Group("/")
	peer.Use(handler.requireAPIKey)
	peer.GET(replication.PathPull, handler.requireServingMode, handler.handlePull)
	peer.POST(replication.PathPush, handler.requireServingMode, handler.handlePush)
	peer.POST("/sync/run", handler.handleRunCycle)
	peer.POST("/sse/token", handler.handleIssueStreamToken)

	owned := router.Group("/")
	owned.Use(handler.identifyOwner)
	owned.GET("/sse", handler.handleStream)
	owned.POST("/sse/rooms/:room/join", handler.handleJoinRoom)
	owned.POST("/sse/rooms/:room/leave", handler.handleLeaveRoom)
	owned.GET("/roadmap", handler.handleListRoadmap)
	owned.POST("/roadmap", handler.handleUpsertRoadmap)
	owned.DELETE("/roadmap/:id", handler.handleDeleteRoadmap)

	router.GET("/sse/stats", handler.handleStats)

	return router, nil
}

type httpHandler struct {
	store        *roadmap.Store
	engine       *replication.Engine
	hub          *realtime.Hub
	apiKeys      APIKeyValidator
	streamTokens StreamTokenManager
	ids          roadmap.IDProvider
	freshCutoff  time.Duration
	defaultRooms []string
	clock        func() time.Time
	logger       *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", replication.HeaderAPIKey, replication.HeaderSyncTime, "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

// respond writes the {code,msg,data} envelope. The HTTP status mirrors code.
func respond(c *gin.Context, code int, message string, data any) {
	status := http.StatusOK
	if code != replication.CodeOK {
		status = code
	}
	c.JSON(status, gin.H{"code": code, "msg": message, "data": data})
}

func abortWith(c *gin.Context, code int, message string) {
	respond(c, code, message, nil)
	c.Abort()
}

func (h *httpHandler) requireAPIKey(c *gin.Context) {
	if err := h.apiKeys.Validate(c.GetHeader(replication.HeaderAPIKey)); err != nil {
		h.logger.Warn("api key rejected",
			zap.String("path", c.Request.URL.Path),
			zap.String("remote", c.ClientIP()),
		)
		abortWith(c, replication.CodeUnauthorized, "invalid api key")
		return
	}
	c.Next()
}

func (h *httpHandler) requireServingMode(c *gin.Context) {
	if !h.engine.Mode().CanServe() {
		abortWith(c, replication.CodeForbidden, "this node does not serve sync in "+string(h.engine.Mode())+" mode")
		return
	}
	c.Next()
}

// identifyOwner resolves the calling owner. With stream tokens enabled the
// owner comes from a bearer or access_token query token; otherwise from the
// player_id or user_id parameter. Handlers that accept an owner in the body
// run without a context owner when neither is present.
func (h *httpHandler) identifyOwner(c *gin.Context) {
	if h.streamTokens != nil {
		token := bearerToken(c)
		if token == "" {
			abortWith(c, replication.CodeUnauthorized, errInvalidAuthorization.Error())
			return
		}
		ownerID, err := h.streamTokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("stream token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("stream token validation failed", zap.Error(err))
			}
			abortWith(c, replication.CodeUnauthorized, "unauthorized")
			return
		}
		c.Set(ownerIDContextKey, ownerID)
		c.Next()
		return
	}

	raw := strings.TrimSpace(c.Query("player_id"))
	if raw == "" {
		raw = strings.TrimSpace(c.Query("user_id"))
	}
	if raw != "" {
		ownerID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ownerID <= 0 {
			abortWith(c, replication.CodeBadRequest, "invalid player_id")
			return
		}
		c.Set(ownerIDContextKey, ownerID)
	}
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("access_token"))
}

// contextOwner returns the owner resolved by identifyOwner.
func contextOwner(c *gin.Context) (int64, bool) {
	value, ok := c.Get(ownerIDContextKey)
	if !ok {
		return 0, false
	}
	ownerID, ok := value.(int64)
	return ownerID, ok && ownerID > 0
}

func (h *httpHandler) tokensEnabled() bool {
	return h.streamTokens != nil
}
