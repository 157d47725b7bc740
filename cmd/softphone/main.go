package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"softphone-console/internal/auth"
	"softphone-console/internal/calls"
	"softphone-console/internal/config"
	"softphone-console/internal/eventlog"
	"softphone-console/internal/httpapi"
	"softphone-console/internal/media"
	"softphone-console/internal/reporting"
	"softphone-console/internal/session"
	"softphone-console/internal/sipua"
	"softphone-console/pkg/logger"
	"softphone-console/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	events := eventlog.NewService(eventlog.NewMemoryRepo(), log)

	audioOut, closeAudio, err := openAudioOut(cfg.Media.AudioOutPath)
	if err != nil {
		log.Error("audio output init failed", "err", err, "path", cfg.Media.AudioOutPath)
		os.Exit(1)
	}
	defer closeAudio()
	audio := media.NewOutput(audioOut, log)
	defer audio.Close()

	var history calls.Repository = calls.NewMemoryRepo()
	var db *sql.DB
	if cfg.DBEnabled() {
		db, err = utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := calls.NewPostgresRepo(db)
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Error("call history schema failed", "err", err)
			os.Exit(1)
		}
		history = pg
		log.Info("call history in postgres", "host", cfg.DB.Host, "db", cfg.DB.Name)
	}

	var guard session.LineGuard
	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		guard = utils.NewRedisLineGuard(rdb, cfg.Agent.URI(), cfg.Redis.LineLockTTL)
		log.Info("line guard enabled", "key", utils.LineKey(cfg.Agent.URI()), "ttl", cfg.Redis.LineLockTTL)
	}

	ctl := session.NewController(session.Options{
		Session:      cfg.Session,
		Agent:        cfg.Agent,
		Factory:      sipua.New,
		Trace:        events.Record,
		Audio:        audio,
		Calls:        history,
		Guard:        guard,
		SetupTimeout: cfg.Media.SetupTimeout,
		Logger:       log,
	})

	authMW := func(c *gin.Context) { c.Next() }
	var readers, operators []gin.HandlerFunc
	if cfg.AuthEnabled() {
		authManager, err := auth.NewManager(cfg.Auth)
		if err != nil {
			log.Error("auth init failed", "err", err)
			os.Exit(1)
		}
		authMW = auth.RequireAccessToken(authManager)
		readers, operators = roleGuards()
	} else {
		log.Warn("JWT_SECRET not set, api is unauthenticated")
	}

	h := httpapi.Handlers{
		Session: ctl,
		Events:  events,
		History: history,
		Reports: reporting.NewService(history),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, authMW, readers, operators)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: /v1/stream holds its connection open.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("softphone listening",
			"addr", srv.Addr,
			"agent_uri", cfg.Agent.URI(),
			"ws_server", cfg.Agent.WSServer,
			"destination", cfg.Session.Destination(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := ctl.Close(shutdownCtx); err != nil {
		log.Error("session shutdown failed", "err", err)
	}
}

// openAudioOut opens the raw payload sink. An empty path discards audio.
func openAudioOut(path string) (io.Writer, func(), error) {
	if path == "" {
		return io.Discard, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
