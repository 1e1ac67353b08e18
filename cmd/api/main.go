package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"call-relay/internal/bot"
	"call-relay/internal/config"
	"call-relay/internal/pipeline"
	"call-relay/internal/provider"
	"call-relay/internal/scenarios"
	"call-relay/internal/store"
	"call-relay/internal/telegram"
	"call-relay/pkg/logger"
	"call-relay/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; deployed environments inject env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	st := store.NewPostgres(db)
	if err := st.Migrate(rootCtx); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	crm := provider.NewClient(provider.Credentials{
		BaseURL:      cfg.Provider.BaseURL,
		Username:     cfg.Provider.Username,
		APIKey:       cfg.Provider.APIKey,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
	}, nil)

	tg := telegram.NewClient(cfg.Bot.Token, nil)
	if _, err := tg.GetMe(rootCtx); err != nil {
		log.Error("bot token check failed", "err", err)
		os.Exit(1)
	}

	catalog := scenarios.NewCache(crm)
	if err := catalog.Refresh(rootCtx); err != nil {
		// Not fatal: the cache self-heals on the first /bind.
		log.Warn("initial scenario refresh failed", "err", err)
	}

	relay := pipeline.NewService(pipeline.Config{
		SuccessMarkers: cfg.Pipeline.SuccessMarkers,
		FallbackChatID: cfg.Pipeline.FallbackChatID,
		FetchSchedule: []time.Duration{
			cfg.Pipeline.RecordingInitialDelay,
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
		},
		FetchTimeout: cfg.Pipeline.RecordingFetchTimeout,
		Workers:      cfg.Pipeline.Workers,
	}, st, crm, tg, pipeline.NewRedisDeduper(rdb), log)

	dispatcher := bot.NewDispatcher(tg, st, catalog, bot.NewAuthorizer(cfg.Pipeline.MainAdminIDs, st), log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		base:       rootCtx,
		cfg:        cfg,
		db:         db,
		rdb:        rdb,
		pipeline:   relay,
		dispatcher: dispatcher,
	})

	// Update transport: webhook when a public URL is configured,
	// long polling otherwise.
	if cfg.Bot.PublicBaseURL != "" {
		hookURL := cfg.Bot.PublicBaseURL + "/bot/" + cfg.Bot.Token
		if err := tg.SetWebhook(rootCtx, hookURL); err != nil {
			log.Error("webhook registration failed", "err", err)
			os.Exit(1)
		}
		log.Info("bot updates via webhook")
	} else {
		if err := tg.DeleteWebhook(rootCtx); err != nil {
			log.Warn("webhook cleanup failed", "err", err)
		}
		go bot.NewPoller(tg, dispatcher).Run(rootCtx)
		log.Info("bot updates via long polling")
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("relay listening", "addr", srv.Addr, "env", cfg.App.Env)
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
	// In-flight deliveries fall back to text once the root context is
	// cancelled; give them a moment to finish those sends.
	if err := relay.Drain(shutdownCtx); err != nil {
		log.Warn("pipeline drain incomplete", "err", err)
	}
}
