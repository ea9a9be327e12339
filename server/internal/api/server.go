package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"pitchtalk/server/internal/config"
	"pitchtalk/server/internal/domain"
	"pitchtalk/server/internal/gateway"
	"pitchtalk/server/internal/model"
	"pitchtalk/server/internal/session"
	"pitchtalk/server/internal/store"
	"pitchtalk/server/internal/supervisor"
)

type Server struct {
	config   *config.Config
	personas *domain.Catalogue
	repo     store.Repository
	registry *session.Registry
	deps     session.Deps
	now      func() time.Time
	logger   *zap.Logger

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

// NewServer 组装 HTTP 层。deps 中的 Repository 会同时用于查询接口。
func NewServer(cfg *config.Config, personas *domain.Catalogue, deps session.Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		config:   cfg,
		personas: personas,
		repo:     deps.Repository,
		registry: session.NewRegistry(cfg.Session.RegistryTTL, cfg.Session.CleanupInterval),
		deps:     deps,
		now:      time.Now,
		logger:   deps.Logger.Named("api"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	return s
}

// Registry 暴露会话表，供优雅关闭使用。
func (s *Server) Registry() *session.Registry {
	return s.registry
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)

	api := engine.Group("/api")
	api.GET("/personas", s.handlePersonas)
	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.GET("/sessions/:id/stream", s.handleSessionStream)
	api.POST("/sessions/:id/end", s.handleEndSession)
	api.GET("/sessions/:id/report", s.handleSessionReport)
	api.GET("/records", s.handleRecentRecords)
	api.GET("/users", s.handleUsers)
	api.GET("/users/:name/sessions", s.handleUserSessions)
	api.GET("/leaderboard", s.handleLeaderboard)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_sessions": s.registry.Len()})
}

type personaSummary struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Voice           string              `json:"voice,omitempty"`
	InitialAttitude int                 `json:"initial_attitude"`
	Scale           model.AttitudeScale `json:"scale"`
}

func (s *Server) summarize(p model.Persona) personaSummary {
	return personaSummary{
		ID:              p.ID,
		Name:            p.Name,
		Voice:           p.Voice,
		InitialAttitude: p.InitialAttitude,
		Scale:           supervisor.ScaleFor(p, s.config.Supervisor.Scale),
	}
}

// handlePersonas 返回所有可选的客户角色。
func (s *Server) handlePersonas(c *gin.Context) {
	list := s.personas.List()
	out := make([]personaSummary, 0, len(list))
	for _, p := range list {
		out = append(out, s.summarize(p))
	}
	c.JSON(http.StatusOK, out)
}

type createSessionRequest struct {
	UserName  string `json:"user_name" binding:"required,max=64"`
	PersonaID string `json:"persona_id" binding:"required"`
}

type createSessionResponse struct {
	SessionID string         `json:"session_id"`
	Persona   personaSummary `json:"persona"`
}

// handleCreateSession 创建一个 Idle 会话，语音连接在 stream 接口中建立。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "user_name and persona_id required")
		return
	}

	persona, err := s.personas.Get(req.PersonaID)
	if err != nil {
		writeError(c, http.StatusNotFound, "persona not found")
		return
	}

	ctrl := session.NewController(
		session.Options{UserName: req.UserName, Persona: persona},
		s.config.Supervisor,
		s.config.Session,
		s.deps,
	)
	s.registry.Add(ctrl)
	s.logger.Info("session created",
		zap.String("session_id", ctrl.ID()),
		zap.String("user", req.UserName),
		zap.String("persona", persona.ID))

	c.JSON(http.StatusOK, createSessionResponse{
		SessionID: ctrl.ID(),
		Persona:   s.summarize(persona),
	})
}

// handleGetSession 返回会话的实时视图。
func (s *Server) handleGetSession(c *gin.Context) {
	ctrl, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, ctrl.View())
}

// handleEndSession 学员主动结束。
func (s *Server) handleEndSession(c *gin.Context) {
	ctrl, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := ctrl.EndByTrainee(); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			writeError(c, http.StatusConflict, "session is not active")
			return
		}
		writeError(c, http.StatusInternalServerError, "end session failed")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "ending"})
}

// handleSessionReport 报告生成后返回 200，之前返回 409。
func (s *Server) handleSessionReport(c *gin.Context) {
	ctrl, ok := s.lookup(c)
	if !ok {
		return
	}
	report, ready := ctrl.Report()
	if !ready {
		writeError(c, http.StatusConflict, "report not ready")
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleSessionStream 升级 WebSocket，建立实时语音连接并阻塞到网关关闭。
func (s *Server) handleSessionStream(c *gin.Context) {
	ctrl, ok := s.lookup(c)
	if !ok {
		return
	}
	if ctrl.Status() != session.StatusIdle {
		writeError(c, http.StatusConflict, "session already started")
		return
	}

	log := s.logger.With(zap.String("session_id", ctrl.ID()))
	clientConn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	var gw *gateway.Gateway
	dialer := session.DialerFunc(func(ctx context.Context, sessionID string, setup gateway.Setup) (session.Transport, error) {
		g := gateway.NewGateway(sessionID, clientConn, s.config.Gateway, s.config.OpenAI, s.deps.Logger)
		if err := g.Connect(ctx, setup); err != nil {
			return nil, err
		}
		gw = g
		return g, nil
	})

	if err := ctrl.Start(context.Background(), dialer); err != nil {
		log.Warn("session start failed", zap.Error(err))
		s.rejectStream(clientConn, "failed to start: voice service unavailable")
		return
	}

	<-gw.Done()
	log.Debug("stream closed", zap.String("status", string(ctrl.Status())))
}

// rejectStream 在网关建立前告知客户端失败并关闭连接。
func (s *Server) rejectStream(conn *websocket.Conn, msg string) {
	conn.WriteJSON(gateway.ServerMessage{Type: gateway.ServerError, Error: msg, ServerTS: s.now()})
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, msg),
		time.Now().Add(time.Second),
	)
	conn.Close()
}

// handleRecentRecords 返回最近的会话记录，limit 缺省为 100。
func (s *Server) handleRecentRecords(c *gin.Context) {
	limit := store.DefaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.repo.ListRecent(c.Request.Context(), limit)
	if err != nil {
		s.storageError(c, "list records", err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleUsers(c *gin.Context) {
	users, err := s.repo.ListUsers(c.Request.Context())
	if err != nil {
		s.storageError(c, "list users", err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) handleUserSessions(c *gin.Context) {
	records, err := s.repo.ListByUser(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.storageError(c, "list user sessions", err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	entries, err := s.repo.Leaderboard(c.Request.Context())
	if err != nil {
		s.storageError(c, "leaderboard", err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (s *Server) lookup(c *gin.Context) (*session.Controller, bool) {
	ctrl, err := s.registry.Get(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusNotFound, "session not found")
		return nil, false
	}
	return ctrl, true
}

// storageError 记录详细错误，返回给前端的错误保持简洁。
func (s *Server) storageError(c *gin.Context, op string, err error) {
	s.logger.Error(op+" failed", zap.Error(err))
	writeError(c, http.StatusInternalServerError, op+" failed")
}

func writeError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

// originAllowed 未配置白名单时允许任意来源。
func (s *Server) originAllowed(origin string) bool {
	allowed := s.config.Server.AllowedOrigins
	return origin == "" || len(allowed) == 0 || slices.Contains(allowed, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 zap 记录每个请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	log := s.logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
