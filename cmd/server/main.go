package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"

	"textrelay/internal/config"
	"textrelay/internal/protocol"
	"textrelay/internal/server"
	"textrelay/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "key=value config file (e.g. server.conf); environment wins")
	flag.Parse()

	// 1. Configuration & logger
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(strings.ToUpper(cfg.LogLevel))

	framing, err := protocol.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}

	// 2. History
	history, err := store.Open(store.Backend(cfg.HistoryBackend), cfg.HistoryPath, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Warn("Closing history failed", "error", err)
		}
	}()

	// 3. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	admin := startAdminServer(log, cfg.MetricsAddr, reg)

	// 4. Relay
	replayLimit := cfg.ReplayLimit
	if replayLimit == 0 {
		replayLimit = -1
	}
	srv := server.New(log, history, server.Options{
		Framing:           framing,
		MaxFrameSize:      cfg.MaxFrameSize,
		ReplayLimit:       replayLimit,
		ReplayPacing:      cfg.ReplayPacing,
		SendBuffer:        cfg.SendBuffer,
		WriteTimeout:      cfg.WriteTimeout,
		NicknameTimeout:   nicknameTimeout(cfg),
		HeartbeatInterval: cfg.HeartbeatInterval,
		Observer:          peerLogger{log: log},
		Metrics:           reg,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(context.Background(), cfg.Address())
	}()

	// 5. Wait for a signal or a listener failure
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		if !errors.Is(err, server.ErrServerClosed) {
			return err
		}
	}

	// 6. Final cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Relay did not stop cleanly", "error", err)
	}
	admin.stop(shutdownCtx)
	log.Info("Program stopped cleanly")
	return nil
}

// A zero nickname timeout in the config means "wait forever".
func nicknameTimeout(cfg config.Config) time.Duration {
	if cfg.NicknameTimeout == 0 {
		return -1
	}
	return cfg.NicknameTimeout
}

// peerLogger reports the connected peer list whenever it changes.
type peerLogger struct {
	log *slog.Logger
}

func (p peerLogger) PeersChanged(count int, addresses []string) {
	p.log.Info("Peers changed", "count", count, "peers", addresses)
}
