package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aegis-guardian/internal/analytics"
	"aegis-guardian/internal/bot"
	"aegis-guardian/internal/config"
	"aegis-guardian/internal/feeds/twitch"
	"aegis-guardian/internal/modules/audit"
	"aegis-guardian/internal/storage"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	trail := audit.NewTrail(store, logger)
	analyticsService := analytics.New(store)

	botSvc, err := bot.New(cfg, logger, store, trail, analyticsService)
	if err != nil {
		logger.Fatal("bot init failed", zap.Error(err))
	}

	runCtx, stop := context.WithCancel(context.Background())
	defer stop()

	var monitor *twitch.Monitor
	if cfg.Twitch.ClientID != "" && cfg.Twitch.ClientSecret != "" {
		client, err := twitch.NewClient(cfg.Twitch.ClientID, cfg.Twitch.ClientSecret, logger)
		if err != nil {
			logger.Fatal("twitch init failed", zap.Error(err))
		}
		botSvc.AttachTwitch(client)
		notifier := twitch.NewDiscordNotifier(botSvc.Session(), store, cfg.Notifications.EmbedColors.Live)
		monitor = twitch.NewMonitor(store, client, notifier,
			time.Duration(cfg.Twitch.PollSeconds)*time.Second,
			time.Duration(cfg.Twitch.MaxPollSeconds)*time.Second,
			time.Duration(cfg.Twitch.RefreshMinutes)*time.Minute,
			time.Duration(cfg.Twitch.OfflineGraceMinutes)*time.Minute,
			logger)
	} else {
		logger.Info("twitch feed disabled, no credentials")
	}

	if err := botSvc.Start(runCtx); err != nil {
		logger.Fatal("bot start failed", zap.Error(err))
	}
	logger.Info("bot started")

	if monitor != nil {
		go monitor.Run(runCtx)
	}
	go trail.RunRetention(runCtx, cfg.RetentionDays)

	var server *http.Server
	if cfg.Health.Enabled {
		server = &http.Server{Addr: cfg.Health.Addr}
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown requested")

	stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(ctx)
	}
	botSvc.Close()
}
