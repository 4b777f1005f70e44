// Package telemetry exposes training progress as Prometheus metrics, either
// scraped from /metrics while the run is live or written to a textfile for
// the node exporter.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	flow "highlight/src"
)

// Metrics holds the gauges and counters of one training run. Every series
// carries a run_id label.
type Metrics struct {
	reg *prometheus.Registry

	Epoch           prometheus.Gauge
	Loss            *prometheus.GaugeVec
	Accuracy        *prometheus.GaugeVec
	LearningRate    prometheus.Gauge
	BestValAccuracy prometheus.Gauge
	Batches         *prometheus.CounterVec
	EpochDuration   prometheus.Histogram
	Checkpoints     prometheus.Counter
}

func New(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(prometheus.WrapRegistererWith(prometheus.Labels{"run_id": runID}, reg))

	return &Metrics{
		reg: reg,
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "highlight_epoch",
			Help: "Last completed epoch (1-based)",
		}),
		Loss: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "highlight_loss",
			Help: "Mean cross-entropy loss of the last epoch, by phase",
		}, []string{"phase"}),
		Accuracy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "highlight_accuracy_percent",
			Help: "Accuracy of the last epoch, by phase",
		}, []string{"phase"}),
		LearningRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "highlight_learning_rate",
			Help: "Learning rate for the next epoch",
		}),
		BestValAccuracy: f.NewGauge(prometheus.GaugeOpts{
			Name: "highlight_best_val_accuracy_percent",
			Help: "Validation accuracy of the saved checkpoint",
		}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "highlight_batches_total",
			Help: "Batches processed, by phase",
		}, []string{"phase"}),
		EpochDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "highlight_epoch_duration_seconds",
			Help:    "Wall time of one epoch including validation",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		Checkpoints: f.NewCounter(prometheus.CounterOpts{
			Name: "highlight_checkpoints_saved_total",
			Help: "Times model.pth was overwritten with a better model",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) ObserveBatch(phase flow.Phase) {
	m.Batches.WithLabelValues(string(phase)).Inc()
}

// ObserveEpoch records the logs of a finished epoch (0-based index).
func (m *Metrics) ObserveEpoch(epoch int, logs flow.Logs, took time.Duration) {
	m.Epoch.Set(float64(epoch + 1))
	m.Loss.WithLabelValues(string(flow.PhaseTrain)).Set(logs["loss"])
	m.Loss.WithLabelValues(string(flow.PhaseValidation)).Set(logs["val_loss"])
	m.Accuracy.WithLabelValues(string(flow.PhaseTrain)).Set(logs["accuracy"])
	m.Accuracy.WithLabelValues(string(flow.PhaseValidation)).Set(logs["val_accuracy"])
	m.LearningRate.Set(logs["next_lr"])
	m.EpochDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveCheckpoint(valAccuracy float64) {
	m.Checkpoints.Inc()
	m.BestValAccuracy.Set(valAccuracy)
}

// WriteTextfile atomically writes every metric in the text exposition
// format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// Serve starts the metrics listener on addr and shuts it down when ctx is
// done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return srv
}
