package main

import (
	"context"
	"time"

	"github.com/AurumAtelier/OrderTrack/config"
	"github.com/AurumAtelier/OrderTrack/internal/broker/kafka"
	"github.com/AurumAtelier/OrderTrack/internal/broker/rabbitmq"
	"github.com/AurumAtelier/OrderTrack/internal/cache/rediscache"
	"github.com/AurumAtelier/OrderTrack/internal/dispatch/notify"
	"github.com/AurumAtelier/OrderTrack/internal/dispatch/webhook"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier/fake"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier/vexhttp"
	"github.com/AurumAtelier/OrderTrack/internal/services/orchestrator"
	"github.com/AurumAtelier/OrderTrack/internal/services/scheduler"
	"github.com/AurumAtelier/OrderTrack/internal/storage/pgstore"
)

// workerStorage is everything the sync loop needs from the store.
type workerStorage interface {
	orchestrator.Store
	scheduler.Repository
}

type workerFactories struct {
	newStorage       func(cfg *config.Config) (workerStorage, func(), error)
	newProducer      func(cfg *config.Config) orchestrator.EventPublisher
	newRateLimiter   func(cfg *config.Config) scheduler.RateLimiter
	newCourierClient func(cfg *config.Config) courier.Client
	newNotifier      func(cfg *config.Config) (orchestrator.Notifier, func(), error)
	newWebhook       func(cfg *config.Config) orchestrator.WebhookSender
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerStorage, func(), error) {
			st, err := pgstore.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) orchestrator.EventPublisher {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newRateLimiter: func(cfg *config.Config) scheduler.RateLimiter {
			return rediscache.NewCourierLimiter(cfg.Redis.Addr())
		},
		newCourierClient: func(cfg *config.Config) courier.Client {
			if cfg.Courier.UseFake || cfg.Courier.BaseURL == "" {
				return fake.New()
			}
			return vexhttp.New(cfg.Courier.BaseURL, cfg.Courier.Token)
		},
		newNotifier: func(cfg *config.Config) (orchestrator.Notifier, func(), error) {
			if cfg.RabbitMQ.URL == "" {
				return nil, func() {}, nil
			}
			conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
			if err != nil {
				return nil, nil, err
			}
			d := notify.New(rabbitmq.NewPublisher(conn), cfg.OrderTrack.AdminEmail)
			return d, func() { _ = conn.Close() }, nil
		},
		newWebhook: func(cfg *config.Config) orchestrator.WebhookSender {
			return webhook.New(cfg.OrderTrack.WebhookURL, cfg.OrderTrack.WebhookSecret)
		},
	}
}

func RunSyncWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.OrderStatusChangedTopicName
	if topic == "" {
		topic = "order.status.changed"
	}

	cycle := time.Duration(cfg.OrderTrack.WorkerCycleSeconds) * time.Second
	if cycle <= 0 {
		cycle = 30 * time.Second
	}
	batchSize := cfg.OrderTrack.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.OrderTrack.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.OrderTrack.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.OrderTrack.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}
	pollInterval := time.Duration(cfg.OrderTrack.WorkerPollIntervalMinutes) * time.Minute
	if pollInterval <= 0 {
		pollInterval = 30 * time.Minute
	}

	st, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	notifier, closeNotify, err := f.newNotifier(cfg)
	if err != nil {
		return err
	}
	if closeNotify != nil {
		defer closeNotify()
	}

	orch := orchestrator.New(st, f.newCourierClient(cfg), notifier, f.newWebhook(cfg), f.newProducer(cfg), topic, pollInterval)
	sched := scheduler.New(st, orch, f.newRateLimiter(cfg)).
		WithSettings(cycle, batchSize, concurrency, lease, rlPerMin)

	httpErr := make(chan error, 1)
	if cfg.OrderTrack.WorkerHTTPAddr != "" {
		go func() {
			httpErr <- runWorkerHTTPServer(ctx, workerHTTPOpts{
				httpAddr:    cfg.OrderTrack.WorkerHTTPAddr,
				swaggerPath: swaggerPathFromEnv(),
				sched:       sched,
				cfg:         cfg,
			})
		}()
	}

	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Run(ctx) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-schedErr:
		return err
	case err := <-httpErr:
		return err
	}
}
