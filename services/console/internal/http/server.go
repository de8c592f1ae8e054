package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/config"
	"github.com/vgold/heatwatch/services/console/internal/directory"
	"github.com/vgold/heatwatch/services/console/internal/notify"
	"github.com/vgold/heatwatch/services/console/internal/provision"
	"github.com/vgold/heatwatch/services/console/internal/telemetry"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

// Session is the operator session.
type Session interface {
	LoggedIn() bool
	User() (upstream.User, bool)
	Login(ctx context.Context, username, password string) error
	Logout(ctx context.Context)
	OnLogout(fn func())
}

// Sensors is the telemetry store.
type Sensors interface {
	Sensors() []telemetry.Sensor
	Sensor(id string) (telemetry.Sensor, bool)
	FetchLive(ctx context.Context, id string) error
	FetchHistory(ctx context.Context, id string, page, limit int) ([]telemetry.Sample, telemetry.HistoryMeta, error)
	HistoryMeta() telemetry.HistoryMeta
	Sync(ctx context.Context, id string) error
	WatchLive(ctx context.Context, id string, interval time.Duration) func()
	Subscribe() (<-chan telemetry.Change, func())
	Err() error
	Loaded() bool
}

// Directory is the region/district cache.
type Directory interface {
	EnsureLoaded(ctx context.Context) error
	Regions() []directory.Region
	CreateRegion(ctx context.Context, name string) (directory.Region, error)
	CreateDistrict(ctx context.Context, name string, regionID int64) (directory.District, error)
}

// Notifications is the toast center.
type Notifications interface {
	List() []notify.Notification
	Remove(id string) bool
	Subscribe() (<-chan notify.Notification, func())
}

// Provisioning is the pairing workflow.
type Provisioning interface {
	Snapshot() provision.Snapshot
	Start(ctx context.Context) error
	Stop()
	Save(ctx context.Context, name, location string) error
	Bind(ctx context.Context) func()
	Subscribe() (<-chan provision.Snapshot, func())
}

// Deps are the components served over HTTP.
type Deps struct {
	Session       Session
	Sensors       Sensors
	Directory     Directory
	Notifications Notifications
	Provisioning  Provisioning
}

// Server bundles router and dependencies for the local console API.
type Server struct {
	cfg    config.Config
	deps   Deps
	logger *zap.Logger
	engine *gin.Engine

	logoutMu   sync.Mutex
	logoutSubs map[int]chan struct{}
	nextLogout int
}

// New constructs a server with routes and middleware.
func New(cfg config.Config, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(recoveryMiddleware(logger))
	engine.Use(requestLogger(logger))
	engine.Use(corsMiddleware())

	server := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		engine:     engine,
		logoutSubs: make(map[int]chan struct{}),
	}
	deps.Session.OnLogout(server.broadcastLogout)
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// recoveryMiddleware is the error boundary: a panicking handler answers 500
// with the actions the operator can take, and the server keeps serving.
func recoveryMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("handler panic",
			zap.Any("panic", recovered),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "Something went wrong",
			"actions": []string{"retry", "home"},
		})
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// sessionMiddleware rejects requests while logged out and points the client
// at the login surface.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.HasSuffix(c.FullPath(), "/auth/login") {
			c.Next()
			return
		}
		if !s.deps.Session.LoggedIn() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":    "Session expired. Please log in again.",
				"redirect": "/login",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) subscribeLogout() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.logoutMu.Lock()
	s.nextLogout++
	id := s.nextLogout
	s.logoutSubs[id] = ch
	s.logoutMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.logoutMu.Lock()
			delete(s.logoutSubs, id)
			s.logoutMu.Unlock()
		})
	}
}

func (s *Server) broadcastLogout() {
	s.logoutMu.Lock()
	defer s.logoutMu.Unlock()
	for _, ch := range s.logoutSubs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
