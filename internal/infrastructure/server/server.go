package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/justishika/codeproctor/internal/api/http"
	"github.com/justishika/codeproctor/internal/api/middleware"
	"github.com/justishika/codeproctor/internal/api/ws"
	"github.com/justishika/codeproctor/internal/capture"
	"github.com/justishika/codeproctor/internal/domain/sandbox"
	"github.com/justishika/codeproctor/internal/domain/session"
	"github.com/justishika/codeproctor/internal/infrastructure/config"
	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/monitoring"
	"github.com/justishika/codeproctor/internal/storage"
)

// Server assembles the sandbox manager, capture pipeline, session
// enforcer and HTTP transport into one runnable unit.
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics

	manager     *sandbox.Manager
	recordStore *sandbox.RecordStore
	engine      *capture.Engine
	captureSvc  *capture.Service
	enforcer    *session.Enforcer
	hub         *ws.Hub

	router     *gin.Engine
	httpServer *http.Server
}

// New builds the full server from configuration. The container runtime
// must be reachable; everything else degrades or falls back.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	metrics := monitoring.NewMetrics()

	runtime := sandbox.NewDockerRuntime()
	if err := runtime.Available(context.Background()); err != nil {
		return nil, fmt.Errorf("container runtime unavailable: %w", err)
	}

	images, err := cfg.Runtime.LoadImageMap()
	if err != nil {
		return nil, fmt.Errorf("loading image map: %w", err)
	}
	specs := make(map[string]sandbox.ImageSpec, len(images))
	for label, img := range images {
		specs[label] = sandbox.ImageSpec{
			Image:      img.Image,
			BuildDir:   img.BuildDir,
			Credential: cfg.Runtime.Credential,
		}
	}

	recordStore, err := sandbox.NewRecordStore(cfg.Storage.RecordDB)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}

	registry := sandbox.NewRegistry()
	manager := sandbox.NewManager(runtime, registry, recordStore, specs, logger).
		WithMetrics(metrics)

	// Containers left behind by a previous process are torn down before
	// the service accepts traffic.
	recoverCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	manager.RecoverOrphans(recoverCtx)
	cancel()

	engine := capture.NewEngine(logger)
	driver := capture.NewDriver(engine, capture.Config{
		NavigationTimeout: time.Duration(cfg.Capture.NavigationTimeoutSec) * time.Second,
		AuthTimeout:       time.Duration(cfg.Capture.AuthTimeoutSec) * time.Second,
		DialogAttempts:    cfg.Capture.DialogAttempts,
		VerifyPasses:      cfg.Capture.VerifyPasses,
		Credential:        cfg.Runtime.Credential,
	}, logger)

	var artifactStore capture.Store
	if cfg.Capture.UploadURL != "" {
		artifactStore = storage.NewHTTPStore(cfg.Capture.UploadURL)
		logger.Info("artifact uploads enabled", zap.String("url", cfg.Capture.UploadURL))
	} else {
		fs, err := storage.NewFileStore(cfg.Capture.OutputDir)
		if err != nil {
			recordStore.Close()
			return nil, fmt.Errorf("creating artifact store: %w", err)
		}
		artifactStore = fs
	}

	captureSvc := capture.NewService(driver, artifactStore, cfg.Capture.MaxConcurrent, logger).
		WithMetrics(metrics)

	enforcer := session.NewEnforcer(manager, captureSvc,
		cfg.Session.WarnThresholds,
		time.Duration(cfg.Capture.ScheduleIntervalSec)*time.Second,
		logger).
		WithMetrics(metrics)
	if cfg.Session.GraderURL != "" {
		enforcer = enforcer.WithSubmitter(session.NewGraderClient(cfg.Session.GraderURL))
	}
	if cfg.Session.ArchiveDir != "" {
		archive, err := session.NewArchive(cfg.Session.ArchiveDir)
		if err != nil {
			recordStore.Close()
			return nil, fmt.Errorf("creating session archive: %w", err)
		}
		enforcer = enforcer.WithArchive(archive)
	}

	hub := ws.NewHub(logger, metrics)
	enforcer.Subscribe(hub)

	s := &Server{
		config:      cfg,
		logger:      logger,
		metrics:     metrics,
		manager:     manager,
		recordStore: recordStore,
		engine:      engine,
		captureSvc:  captureSvc,
		enforcer:    enforcer,
		hub:         hub,
	}
	s.setupRouter(registry)
	return s, nil
}

func (s *Server) setupRouter(registry *sandbox.Registry) {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS())
	if s.config.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.config.RateLimit.RequestsPerSecond,
			Burst:             s.config.RateLimit.Burst,
		}))
	}
	router.Use(monitoring.Middleware(s.metrics))

	h := apihttp.NewHandlers(s.manager, registry, s.captureSvc, s.enforcer, s.metrics, s.logger)

	router.GET("/", h.Root)
	router.GET("/health", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		s.metrics.Registry(), promhttp.HandlerOpts{})))
	router.GET("/metrics/json", h.MetricsJSON)

	router.POST("/sandbox/start", h.StartSandbox)
	router.POST("/sandbox/stop", h.StopSandbox)

	router.POST("/capture/frame", h.CaptureFrame)
	router.POST("/capture/desktop", h.CaptureDesktop)
	router.POST("/capture/bulk", h.CaptureBulk)

	router.POST("/session/start", h.StartSession)
	router.POST("/session/end", h.EndSession)
	router.GET("/session/status", h.SessionStatus)

	router.GET("/stream", s.hub.HandleConnection)

	s.router = router
	s.httpServer = &http.Server{
		Addr:         s.config.Server.Host + ":" + s.config.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.logger.Info("server listening",
		zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close shuts the server down: stop accepting traffic, end active
// sessions, tear down sandboxes, then release the browser and stores.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}

	s.enforcer.Shutdown()

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	s.manager.CleanupAll(cleanupCtx)
	cleanupCancel()

	s.engine.Close()
	s.hub.Close()

	if err := s.recordStore.Close(); err != nil {
		s.logger.Warn("record store close", zap.Error(err))
	}

	s.logger.Info("server stopped")
	return nil
}
