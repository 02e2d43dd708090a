package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/character-chat/internal/ai"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/db"
	"github.com/suPer8Hu/character-chat/internal/lock"
	"github.com/suPer8Hu/character-chat/internal/logging"
	"github.com/suPer8Hu/character-chat/internal/memory"
	"github.com/suPer8Hu/character-chat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "character-chat-worker"})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := ai.NewDefaultRegistry(cfg.AISettings())
	summarizer, err := reg.Get(ctx, cfg.AIProvider, cfg.DefaultModel())
	if err != nil {
		return err
	}

	// Memory inserts take the room lock, so the worker must share the server's locker.
	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()
	tree := chat.NewTree(gdb, locker)
	mgr := memory.NewManager(memory.NewRepo(gdb), tree, memory.Options{
		Threshold:  cfg.MemorySummaryThreshold,
		Summarizer: summarizer,
		Logger:     logging.Component(logger, "memory"),
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	pub, err := rabbitmq.NewPublisherOnChannel(ch, cfg.RabbitQueue)
	if err != nil {
		return err
	}

	// strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return err
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	logger.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	h := &handler{runner: mgr, retries: pub, maxAttempts: defaultMaxAttempts, log: logger}
	return consume(ctx, msgs, concurrency, h)
}

// consume fans deliveries out to a fixed pool until ctx ends or the channel closes.
func consume(ctx context.Context, msgs <-chan amqp.Delivery, concurrency int, h *handler) error {
	jobs := make(chan amqp.Delivery, concurrency*2)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		workerID := i
		g.Go(func() error {
			for d := range jobs {
				h.handle(gctx, workerID, d)
			}
			return nil
		})
	}

	// dispatcher
	g.Go(func() error {
		defer close(jobs)
		for {
			select {
			case <-ctx.Done():
				h.log.Info().Msg("worker shutting down")
				return nil
			case d, ok := <-msgs:
				if !ok {
					h.log.Warn().Msg("delivery channel closed")
					return nil
				}
				jobs <- d
			}
		}
	})

	return g.Wait()
}

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
