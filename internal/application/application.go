package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/support-session/internal/config"
	"github.com/psds-microservice/support-session/internal/database"
	"github.com/psds-microservice/support-session/internal/handler"
	"github.com/psds-microservice/support-session/internal/kafka"
	"github.com/psds-microservice/support-session/internal/middleware"
	"github.com/psds-microservice/support-session/internal/realtime"
	"github.com/psds-microservice/support-session/internal/router"
	"github.com/psds-microservice/support-session/internal/service"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// API приложение: HTTP API хранилища сессий + websocket-хаб (режим api).
type API struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *gorm.DB
	producer *kafka.Producer
	httpSrv  *http.Server
}

// NewAPI создаёт приложение для режима api.
func NewAPI(cfg *config.Config, log *slog.Logger) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := database.MigrateUp(cfg.DatabaseURL(), log); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopicSession, log)
	if !producer.Enabled() {
		log.Info("kafka disabled: KAFKA_BROKERS not set")
	}
	auth := middleware.NewAuthenticator(cfg.JWTSecret)
	sessionSvc := service.NewSessionService(db, producer, log)
	hub := realtime.NewHub(sessionSvc, auth, cfg.AllowAnonymousWS, log)
	sessionSvc.SetBroadcaster(hub)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := router.New(router.Deps{
		Sessions:  handler.NewSessionHandler(sessionSvc),
		Uploads:   handler.NewUploadHandler(cfg.UploadDir, cfg.PublicURL, log),
		Realtime:  hub,
		Auth:      auth,
		DB:        sqlDB,
		UploadDir: cfg.UploadDir,
		Logger:    log.With(slog.String("component", "http")),
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &API{
		cfg:      cfg,
		logger:   log,
		db:       db,
		producer: producer,
		httpSrv:  httpSrv,
	}, nil
}

// Run запускает HTTP-сервер, блокируется до отмены ctx.
func (a *API) Run(ctx context.Context) error {
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.logger.Info("HTTP server listening",
		slog.String("addr", a.httpSrv.Addr),
		slog.String("health", base+"/health"),
		slog.String("api", base+"/api/v1/"),
		slog.String("ws", "ws://"+host+":"+a.cfg.HTTPPort+"/ws"),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	err := g.Wait()

	if cerr := a.producer.Close(); cerr != nil {
		a.logger.Warn("kafka close", slog.Any("error", cerr))
	}
	if sqlDB, derr := a.db.DB(); derr == nil {
		_ = sqlDB.Close()
	}
	return err
}
