package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AurumAtelier/OrderTrack/config"
	"github.com/AurumAtelier/OrderTrack/internal/broker/kafka"
	"github.com/AurumAtelier/OrderTrack/internal/cache/rediscache"
	"github.com/AurumAtelier/OrderTrack/internal/dispatch/webhook"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier/fake"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier/vexhttp"
	"github.com/AurumAtelier/OrderTrack/internal/services/orchestrator"
	"github.com/AurumAtelier/OrderTrack/internal/services/orders"
	"github.com/AurumAtelier/OrderTrack/internal/services/policy"
	"github.com/AurumAtelier/OrderTrack/internal/storage/pgstore"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	topic := cfg.Kafka.OrderStatusChangedTopicName
	if topic == "" {
		topic = "order.status.changed"
	}
	consumerGroup := cfg.OrderTrack.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "order-api"
	}
	snapshotTTL := time.Duration(cfg.OrderTrack.SnapshotTTLSeconds) * time.Second
	if snapshotTTL <= 0 {
		snapshotTTL = time.Minute
	}
	pollInterval := time.Duration(cfg.OrderTrack.WorkerPollIntervalMinutes) * time.Minute
	if pollInterval <= 0 {
		pollInterval = 30 * time.Minute
	}
	cancelWindow := time.Duration(cfg.OrderTrack.CancelWindowHours) * time.Hour

	st, err := pgstore.New(cfg.Database.ConnString())
	if err != nil {
		panic(err)
	}
	defer st.Close()

	cache := rediscache.New(cfg.Redis.Addr())

	var courierClient courier.Client
	if cfg.Courier.UseFake || cfg.Courier.BaseURL == "" {
		courierClient = fake.New()
	} else {
		courierClient = vexhttp.New(cfg.Courier.BaseURL, cfg.Courier.Token)
	}

	statusNotifier, returnNotifier, closeNotifier, err := newNotifiers(cfg)
	if err != nil {
		panic(err)
	}
	defer closeNotifier()

	wh := webhook.New(cfg.OrderTrack.WebhookURL, cfg.OrderTrack.WebhookSecret)
	producer := kafka.NewProducer(cfg.Kafka.Brokers())

	orch := orchestrator.New(st, courierClient, statusNotifier, wh, producer, topic, pollInterval)
	gate := policy.New(st, courierClient, orch, returnNotifier, cancelWindow, cfg.OrderTrack.ReturnFeeMinor)
	svc := orders.New(st, cache, courierClient, orch, gate, snapshotTTL, cfg.Courier.OriginPincode)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, consumerGroup)
	defer func() { _ = consumer.Close() }()

	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		swaggerPath = "api/swagger.json"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := runOrderAPI(ctx, orderAPIOpts{
		httpAddr:      cfg.OrderTrack.HTTPAddr,
		swaggerPath:   swaggerPath,
		topic:         topic,
		consumerGroup: consumerGroup,
	}, svc, svc, consumer); err != nil && err != context.Canceled {
		panic(err)
	}
}
