package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/tunnelclient/internal/manager"
	"github.com/matst80/tunnelclient/internal/obs"
	"github.com/matst80/tunnelclient/internal/web"
)

// statusSource is what the status endpoints read.
type statusSource interface {
	Status() []manager.Status
	Ready() bool
}

// Snapshot is the /api/status document.
type Snapshot struct {
	Tunnels []manager.Status `json:"tunnels"`
	Queued  int              `json:"queued"`
	Now     string           `json:"now"`
}

func newMetricsMux(src statusSource, queued func() int) *http.ServeMux {
	snapshot := func() Snapshot {
		return Snapshot{Tunnels: src.Status(), Queued: queued(), Now: time.Now().UTC().Format(time.RFC3339)}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot())
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s := snapshot()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := web.Render(w, "status", map[string]any{"Title": "tunnelclient", "Tunnels": s.Tunnels, "Queued": s.Queued}); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !src.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveMetrics runs the metrics server until ctx is done.
func serveMetrics(ctx context.Context, addr string, src statusSource, queued func() int) {
	srv := &http.Server{Addr: addr, Handler: newMetricsMux(src, queued), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	obs.Info("metrics.listen", obs.Fields{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err, "addr": addr})
	}
}
