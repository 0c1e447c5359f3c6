// Package metrics exposes guard state to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rustyeddy/propguard/flags"
	"github.com/rustyeddy/propguard/gatekeeper"
	"github.com/rustyeddy/propguard/session"
)

// Registry owns its own prometheus.Registry so tests can build many.
type Registry struct {
	reg *prometheus.Registry

	Authorizations   *prometheus.CounterVec
	Orders           *prometheus.CounterVec
	DailyLoss        prometheus.Gauge
	TotalLoss        prometheus.Gauge
	ExecutionMode    prometheus.Gauge
	TickDuration     prometheus.Histogram
	CorrelationReady prometheus.Gauge
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		Authorizations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "propguard_authorizations_total",
				Help: "Trade authorization decisions by reason code",
			},
			[]string{"code"},
		),
		Orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "propguard_orders_total",
				Help: "Routed orders by result status",
			},
			[]string{"status"},
		),
		DailyLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propguard_daily_loss",
			Help: "Realized loss counted against the daily limit",
		}),
		TotalLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propguard_total_loss",
			Help: "Realized loss counted against the max loss limit",
		}),
		ExecutionMode: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propguard_execution_mode",
			Help: "0 disabled, 1 shadow, 2 live",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "propguard_tick_duration_seconds",
			Help:    "Wall time of one orchestration tick",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		CorrelationReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propguard_correlation_ready",
			Help: "1 once a correlation matrix has been published",
		}),
	}
	r.reg.MustRegister(
		r.Authorizations,
		r.Orders,
		r.DailyLoss,
		r.TotalLoss,
		r.ExecutionMode,
		r.TickDuration,
		r.CorrelationReady,
	)
	return r
}

func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveDecision fits gatekeeper.WithObserver.
func (r *Registry) ObserveDecision(_ string, d gatekeeper.Decision) {
	r.Authorizations.WithLabelValues(string(d.Code)).Inc()
}

func (r *Registry) ObserveOrder(status string) {
	r.Orders.WithLabelValues(status).Inc()
}

func (r *Registry) ObserveTick(d time.Duration) {
	r.TickDuration.Observe(d.Seconds())
}

func modeValue(m flags.Mode) float64 {
	switch m {
	case flags.Live:
		return 2
	case flags.Shadow:
		return 1
	default:
		return 0
	}
}

// ObserveSnapshot updates the state gauges.
func (r *Registry) ObserveSnapshot(s session.Snapshot) {
	r.DailyLoss.Set(s.DailyLoss)
	r.TotalLoss.Set(s.TotalLoss)
	r.ExecutionMode.Set(modeValue(s.Mode))
}

// Serve blocks serving /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("metrics listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
