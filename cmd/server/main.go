package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/balance"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/db"
	"github.com/suPer8Hu/character-chat/internal/httpapi"
	"github.com/suPer8Hu/character-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/character-chat/internal/lock"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"github.com/suPer8Hu/character-chat/internal/media"
	"github.com/suPer8Hu/character-chat/internal/memory"
	"github.com/suPer8Hu/character-chat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "character-chat"})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return err
	}
	models := append(chat.Models(), &memory.Memory{}, &memory.Job{}, &balance.Balance{})
	if err := db.Migrate(gdb, models...); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	reg := ai.NewDefaultRegistry(cfg.AISettings())

	var meter ai.Meter = ai.ApproxMeter{}
	if tm, err := ai.NewTokenMeter(); err == nil {
		meter = tm
	} else {
		logger.Warn().Err(err).Msg("tokenizer unavailable, using approximate token counts")
	}

	guard := balance.NewGuard(balance.NewRepo(gdb), balance.Options{
		Policy:       balance.ParsePolicy(cfg.BalancePolicy),
		LowThreshold: cfg.BalanceLowThreshold,
		Logger:       logging.Component(logger, "balance"),
	})

	tree := chat.NewTree(gdb, locker)

	memOpts := memory.Options{
		Threshold: cfg.MemorySummaryThreshold,
		Logger:    logging.Component(logger, "memory"),
	}
	if memOpts.Summarizer, err = reg.Get(ctx, cfg.AIProvider, cfg.DefaultModel()); err != nil {
		return err
	}
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			return err
		}
		defer pub.Close()
		memOpts.Publisher = pub
	} else {
		logger.Info().Msg("RABBIT_URL not set, memory jobs run in-process")
	}
	mgr := memory.NewManager(memory.NewRepo(gdb), tree, memOpts)

	svc := chat.NewService(chat.Deps{
		Repo:     chat.NewRepo(gdb),
		Tree:     tree,
		Registry: reg,
		Meter:    meter,
		Guard:    guard,
		Memory:   mgr,
		Media:    media.NewDisk(cfg.MediaDir, cfg.MediaBaseURL, cfg.MediaMaxBytes),
		Locker:   locker,
		Logger:   logging.Component(logger, "chat"),
	}, chat.Options{
		ContextWindowSize:     cfg.ChatContextWindowSize,
		ContextTokenLimit:     cfg.ChatContextTokenLimit,
		DefaultResponseLength: cfg.DefaultResponseLength,
		GenerationTimeout:     cfg.GenerationTimeout,
		CostPerToken:          cfg.CostPerToken,
		DefaultProvider:       cfg.AIProvider,
		DefaultModel:          cfg.DefaultModel(),
	})

	r := httpapi.NewRouter(handlers.NewHandler(svc, logging.Component(logger, "http")), httpapi.Options{
		JWTSecret:  cfg.JWTSecret,
		AdminToken: cfg.AdminToken,
		MediaDir:   cfg.MediaDir,
		Logger:     logging.Component(logger, "http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("provider", cfg.AIProvider).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	// streams in flight get the generation timeout to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GenerationTimeout+5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newLocker picks the per-room lock backend. Redis locks outlive a generation so a crashed
// holder is released by TTL.
func newLocker(ctx context.Context, cfg config.Config, logger zerolog.Logger) (lock.Locker, func(), error) {
	if cfg.LockBackend != "redis" {
		return lock.NewLocal(), func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis room locks")
	return lock.NewRedis(rdb, "chat:lock:", cfg.GenerationTimeout+30*time.Second), func() { _ = rdb.Close() }, nil
}
