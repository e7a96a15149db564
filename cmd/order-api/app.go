package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/AurumAtelier/OrderTrack/config"
	"github.com/AurumAtelier/OrderTrack/internal/api/orderhttp"
	"github.com/AurumAtelier/OrderTrack/internal/broker/rabbitmq"
	"github.com/AurumAtelier/OrderTrack/internal/dispatch/notify"
	"github.com/AurumAtelier/OrderTrack/internal/services/orchestrator"
	"github.com/AurumAtelier/OrderTrack/internal/services/policy"
)

// newNotifiers wires the email dispatcher; без URL брокера работаем молча,
// как и воркер.
func newNotifiers(cfg *config.Config) (orchestrator.Notifier, policy.ReturnNotifier, func(), error) {
	if cfg.RabbitMQ.URL == "" {
		return nil, nil, func() {}, nil
	}
	conn, err := rabbitmq.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, nil, nil, err
	}
	d := notify.New(rabbitmq.NewPublisher(conn), cfg.OrderTrack.AdminEmail)
	return d, d, func() { _ = conn.Close() }, nil
}

type orderAPIOpts struct {
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string

	onListen func(httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type statusEventSink interface {
	HandleStatusChanged(ctx context.Context, payload []byte) error
}

func runOrderAPI(ctx context.Context, opts orderAPIOpts, svc orderhttp.Service, sink statusEventSink, consumer kafkaConsumer) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8080"
	}
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	orderhttp.New(svc).Routes(r)

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	if consumer != nil && sink != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			_ = consumer.Consume(ctx, func(_key, value []byte) error {
				return sink.HandleStatusChanged(ctx, value)
			})
		}()
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
