// Package metrics exports upload statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wunderground_like"

// Recorder counts uploads per protocol. It satisfies restx.Recorder.
type Recorder struct {
	uploads    *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Records handled by an upload worker, by result.",
		}, []string{"protocol", "result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Records discarded because the backlog was full.",
		}, []string{"protocol"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Records waiting in an upload queue.",
		}, []string{"protocol"}),
	}

	for _, c := range []prometheus.Collector{r.uploads, r.dropped, r.queueDepth} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Uploaded counts one handled record.
func (r *Recorder) Uploaded(protocol, result string) {
	r.uploads.WithLabelValues(protocol, result).Inc()
}

// Dropped counts n discarded records.
func (r *Recorder) Dropped(protocol string, n int) {
	r.dropped.WithLabelValues(protocol).Add(float64(n))
}

// QueueDepth sets the current queue length.
func (r *Recorder) QueueDepth(protocol string, n int) {
	r.queueDepth.WithLabelValues(protocol).Set(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return mux
}

// Serve listens on addr until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
