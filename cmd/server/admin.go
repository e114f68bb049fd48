package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type adminServer struct {
	http *http.Server
	log  *slog.Logger
}

// startAdminServer serves /metrics and /healthz on addr.  An empty addr
// disables it; stop is then a no-op.
func startAdminServer(log *slog.Logger, addr string, reg *prometheus.Registry) *adminServer {
	if addr == "" {
		return &adminServer{log: log}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	a := &adminServer{
		log: log,
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Admin server stopped", "error", err)
		}
	}()
	log.Info("Admin server listening", "address", addr)
	return a
}

func (a *adminServer) stop(ctx context.Context) {
	if a.http == nil {
		return
	}
	if err := a.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Warn("Admin server shutdown failed", "error", err)
	}
}
