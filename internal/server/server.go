package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	bookingservice "github.com/smallbiznis/tripsaga/internal/booking/service"
	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/inventory"
	obstracing "github.com/smallbiznis/tripsaga/internal/observability/tracing"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	sagaservice "github.com/smallbiznis/tripsaga/internal/saga/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obstracing.GinMiddleware())
	r.Use(RequestLogger(log))
	r.Use(ErrorHandlingMiddleware())
	return r
}

func run(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine    *gin.Engine
	db        *gorm.DB
	log       *zap.Logger
	bookings  *bookingservice.Service
	sagas     *sagaservice.Orchestrator
	outbox    *outboxservice.Service
	inventory inventory.Services
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	DB           *gorm.DB
	Log          *zap.Logger
	Bookings     *bookingservice.Service
	Orchestrator *sagaservice.Orchestrator
	Outbox       *outboxservice.Service
	Inventory    inventory.Services `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:    p.Gin,
		db:        p.DB,
		log:       p.Log.Named("http"),
		bookings:  p.Bookings,
		sagas:     p.Orchestrator,
		outbox:    p.Outbox,
		inventory: p.Inventory,
	}

	svc.registerOpsRoutes()
	svc.registerAPIRoutes()
	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerOpsRoutes() {
	s.engine.GET("/healthz", s.Health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Bookings --------
	api.POST("/bookings", s.CreateBooking)
	api.GET("/bookings/:id", s.GetBooking)
	api.POST("/bookings/:id/cancel", s.CancelBooking)

	// -------- Sagas --------
	api.GET("/sagas/:id", s.GetSaga)

	// -------- Outbox --------
	api.GET("/outbox/stats", s.OutboxStats)

	// -------- Inventory --------
	api.GET("/inventory/:kind/:resource", s.GetStock)
	api.PUT("/inventory/:kind/:resource", s.SetStock)
}

func (s *Server) Health(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
