// Command mtgwctl is a minimal example of embedding the mtgateway client
// library: it loads configuration the way the teacher's server commands
// do (caarlos0/env + godotenv, automaxprocs for container-aware
// GOMAXPROCS), subscribes one account's stream, logs lifecycle events,
// and exposes the client's Prometheus registry over HTTP until signaled
// to stop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/mtgateway"
)

type loggingListener struct {
	mtgateway.SynchronizationListenerBase
	logger zerolog.Logger
}

func (l loggingListener) OnConnected(instanceIndex string, replicas int) {
	l.logger.Info().Str("instance", instanceIndex).Int("replicas", replicas).Msg("connected")
}

func (l loggingListener) OnDisconnected(instanceIndex string) {
	l.logger.Warn().Str("instance", instanceIndex).Msg("disconnected")
}

func (l loggingListener) OnSynchronizationStarted(instanceIndex string) {
	l.logger.Info().Str("instance", instanceIndex).Msg("synchronization started")
}

func (l loggingListener) OnDealSynchronizationFinished(instanceIndex, synchronizationID string) {
	l.logger.Info().Str("instance", instanceIndex).Str("syncId", synchronizationID).Msg("deal synchronization finished")
}

func (l loggingListener) OnOrderSynchronizationFinished(instanceIndex, synchronizationID string) {
	l.logger.Info().Str("instance", instanceIndex).Str("syncId", synchronizationID).Msg("order synchronization finished")
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if cfg.LogFormat == "console" || cfg.LogFormat == "pretty" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	cfg.Print()

	client, err := mtgateway.NewClient(cfg.Token,
		mtgateway.WithDomain(cfg.Domain),
		mtgateway.WithRegion(cfg.Region),
		mtgateway.WithRequestTimeout(cfg.RequestTimeout),
		mtgateway.WithConnectTimeout(cfg.ConnectTimeout),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build mtgateway client")
	}
	defer client.Close()

	client.AddSynchronizationListener(cfg.AccountID, loggingListener{logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Subscribe(ctx, cfg.AccountID, cfg.InstanceNumber); err != nil {
		logger.Fatal().Err(err).Msg("failed to start subscribe loop")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(client.MetricsRegistry(), promhttp.HandlerOpts{}))
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = client.Unsubscribe(context.Background(), cfg.AccountID, cfg.InstanceNumber)
}
