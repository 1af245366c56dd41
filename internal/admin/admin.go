// Package admin implements the Manager's HTTP administrative surface:
// a strict read-mostly forwarder onto core subsystem operations, grounded
// on libs/api/handlers.go and libs/api/middleware.go. Every handler's body
// is decode, call one core operation, encode — it never touches subsystem
// internals directly (spec.md §9's "Dashboard/admin is a collaborator").
package admin

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/soitun/effectai-engine/internal/control"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/router"
	"github.com/soitun/effectai-engine/internal/task"
	"github.com/soitun/effectai-engine/internal/transport"
	"github.com/soitun/effectai-engine/internal/worker"
)

// Config configures the admin surface's identity-facing fields and auth.
type Config struct {
	PeerID             peer.ID
	Version            string
	RequireAccessCodes bool
	AnnouncedAddresses []string
	PublicKey          []byte
	JWTSecret          string
	TaskRateLimitPerMinute int
}

// Surface wires gin routes onto the core subsystems through the same
// MessageRouter dispatch path the p2p transport uses.
type Surface struct {
	cfg       Config
	engine    *task.Engine
	registry  *worker.Registry
	loop      *control.Loop
	http      *transport.HTTPTransport
	startTime time.Time
	logger    *zap.Logger

	engineReady func() (cycle uint64, isStarted bool)

	limiter *ipRateLimiter
}

// New builds a Surface. httpTransport must already have its OnMessage
// handler registered to a router.Router.Handle.
func New(cfg Config, engine *task.Engine, registry *worker.Registry, loop *control.Loop, httpTransport *transport.HTTPTransport, logger *zap.Logger) *Surface {
	if logger == nil {
		logger = zap.NewNop()
	}
	rate := cfg.TaskRateLimitPerMinute
	if rate <= 0 {
		rate = 120
	}
	return &Surface{
		cfg:       cfg,
		engine:    engine,
		registry:  registry,
		loop:      loop,
		http:      httpTransport,
		startTime: time.Now(),
		logger:    logger,
		limiter:   newIPRateLimiter(rate),
	}
}

// Router builds the gin.Engine with every route of spec.md §6 plus the
// pause/resume control additions of SPEC_FULL.md §5.6.
func (s *Surface) Router() *gin.Engine {
	r := gin.New()
	r.Use(correlationIDMiddleware(), loggingMiddleware(s.logger), gin.Recovery())

	r.GET("/", s.handleIndex)
	r.POST("/task", s.rateLimitTask(), s.handleCreateTask)
	r.POST("/template/register", s.handleRegisterTemplate)
	r.GET("/tasks/:templateId", s.handleTasksByTemplate)

	adminGroup := r.Group("/admin")
	adminGroup.Use(s.jwtAuth())
	adminGroup.POST("/pause", s.handlePause)
	adminGroup.POST("/resume", s.handleResume)

	return r
}

type indexResponse struct {
	PeerID             string   `json:"peerId"`
	Version            string   `json:"version"`
	IsStarted          bool     `json:"isStarted"`
	StartTime          time.Time `json:"startTime"`
	Cycle              uint64   `json:"cycle"`
	RequireAccessCodes bool     `json:"requireAccessCodes"`
	AnnouncedAddresses []string `json:"announcedAddresses"`
	PublicKey          string   `json:"publicKey"`
	ConnectedPeers     int      `json:"connectedPeers"`
}

func (s *Surface) handleIndex(c *gin.Context) {
	c.JSON(http.StatusOK, indexResponse{
		PeerID:             s.cfg.PeerID.String(),
		Version:            s.cfg.Version,
		IsStarted:          true,
		StartTime:          s.startTime,
		Cycle:              s.loop.GetCycle(),
		RequireAccessCodes: s.cfg.RequireAccessCodes,
		AnnouncedAddresses: s.cfg.AnnouncedAddresses,
		PublicKey:          hex.EncodeToString(s.cfg.PublicKey),
		ConnectedPeers:     len(s.registry.ConnectedPeers()),
	})
}

func (s *Surface) handleCreateTask(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admin: read body: " + err.Error()})
		return
	}
	reply, err := s.http.Dispatch(c.Request.Context(), s.http.LocalPeerID(), router.MsgTask, body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", reply)
}

type templateRegisterRequest struct {
	Template          model.Template `json:"template"`
	ProviderPeerIDStr string         `json:"providerPeerIdStr"`
}

func (s *Surface) handleRegisterTemplate(c *gin.Context) {
	var req templateRegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admin: decode template register: " + err.Error()})
		return
	}
	providerPeerID, err := peer.Decode(req.ProviderPeerIDStr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admin: invalid providerPeerIdStr: " + err.Error()})
		return
	}
	if err := s.engine.RegisterTemplate(c.Request.Context(), &req.Template, providerPeerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": req.Template.TemplateID})
}

type taskSummary struct {
	TaskID     string  `json:"taskId"`
	TemplateID string  `json:"templateId"`
	Title      string  `json:"title"`
	Result     *string `json:"result"`
}

func (s *Surface) handleTasksByTemplate(c *gin.Context) {
	templateID := c.Param("templateId")
	tasks := s.engine.GetTasksByTemplate(templateID)

	out := make([]taskSummary, 0, len(tasks))
	for _, t := range tasks {
		summary := taskSummary{TaskID: t.ID, TemplateID: t.TemplateID, Title: t.Title}
		if result, ok := t.LatestSubmissionResult(); ok {
			summary.Result = &result
		}
		out = append(out, summary)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Surface) handlePause(c *gin.Context) {
	s.loop.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Surface) handleResume(c *gin.Context) {
	s.loop.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

// jwtAuth requires a valid bearer JWT signed with cfg.JWTSecret, matching
// the Bearer-scheme check of libs/auth/middleware.go's JWTMiddleware.
func (s *Surface) jwtAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or malformed authorization header"})
			return
		}
		tokenString := authHeader[len(prefix):]
		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, model.New(model.KindForbidden, "unexpected signing method")
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// rateLimitTask bounds provider submission rate on POST /task, matching
// libs/api/middleware.go's per-IP token-bucket limiter.
func (s *Surface) rateLimitTask() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

func newIPRateLimiter(perMinute int) *ipRateLimiter {
	return &ipRateLimiter{limiters: make(map[string]*rate.Limiter), perMin: perMinute}
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.perMin)/60.0, rl.perMin)
		rl.limiters[ip] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

const (
	correlationIDKey = "correlation_id"
	requestIDKey     = "request_id"
)

func generateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}

func correlationIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = generateID()
		}
		requestID := generateID()
		c.Set(correlationIDKey, correlationID)
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Correlation-ID", correlationID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

func loggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		correlationID, _ := c.Get(correlationIDKey)
		fields := []zap.Field{
			zap.Any("correlation_id", correlationID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
		}
		switch {
		case c.Writer.Status() >= 500:
			logger.Error("http request completed", fields...)
		case c.Writer.Status() >= 400:
			logger.Warn("http request completed", fields...)
		default:
			logger.Info("http request completed", fields...)
		}
	}
}
