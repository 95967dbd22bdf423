package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/config"
	"github.com/GriffinCanCode/tether/internal/devfs"
	"github.com/GriffinCanCode/tether/internal/ipc/core"
	"github.com/GriffinCanCode/tether/internal/logging"
	"github.com/GriffinCanCode/tether/internal/monitoring"
)

// Version reported by the root endpoint.
const Version = "0.1.0"

// Server exposes the message bus over HTTP.
type Server struct {
	cfg         *config.Config
	log         *logging.Logger
	instances   *devfs.Manager
	metrics     *monitoring.Metrics
	busConfig   core.Config
	snapshotDir string

	hub    *hub
	router *gin.Engine
	http   *http.Server
}

// New wires the router, middleware, and event hub. promReg serves
// /metrics; pass the registry the Metrics were built against.
func New(cfg *config.Config, log *logging.Logger, instances *devfs.Manager, metrics *monitoring.Metrics, promReg *prometheus.Registry) *Server {
	s := &Server{
		cfg:       cfg,
		log:       log.Named("server"),
		instances: instances,
		metrics:   metrics,
		busConfig: core.Config{
			BufferSize: cfg.Bus.BufferSize,
			PageSize:   cfg.Bus.PageSize,
			MaxThreads: cfg.Bus.MaxThreads,
		},
		snapshotDir: cfg.Snapshot.Dir,
	}
	s.hub = newHub(s.log.Named("events"), metrics)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observeMiddleware(s.log, metrics))
	router.Use(corsMiddleware())
	if cfg.RateLimit.Enabled {
		router.Use(rateLimitMiddleware(cfg.RateLimit))
	}

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)

	router.GET("/instances", s.handleListInstances)
	router.POST("/instances", s.handleMount)
	router.DELETE("/instances/:name", s.handleUnmount)
	router.GET("/instances/:name/stats", s.handleInstanceStats)

	router.POST("/snapshots", s.handleSnapshot)
	router.POST("/selftest", s.handleSelftest)

	if promReg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}

	router.GET("/events", s.hub.Handle)

	// Instances mounted before the server existed (seeded ones) still
	// need their events forwarded.
	for _, inst := range instances.List() {
		s.watchInstance(inst)
	}

	s.router = router
	s.http = &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the underlying handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, disconnects event subscribers,
// and tears down every mounted instance.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.hub.close()
	s.instances.Close()
	return err
}
