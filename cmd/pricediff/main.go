// cmd/pricediff records exchange ticker snapshots into a 60-slot ring and
// publishes per-interval price diffs.
//
// Configuration precedence: defaults < config.yaml < .env / PRICEDIFF_* env
// vars < flags. Run with -h for the flag list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pricediff/config"
	"pricediff/internal/logger"
	"pricediff/internal/service"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "pricediff: %v\n", err)
		os.Exit(2)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel) // already validated
	log := logger.Init("pricediff", level)

	svc, err := service.New(cfg, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	if err != nil {
		log.Error("failed to initialize service", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		log.Error("service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}
