// Package metrics exposes reconciliation counters for Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/odetolakehinde/ipguard/pkg/common"
)

const namespace = "ipguard"

// Cycle results.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailure = "failure"
)

// Metrics holds the reconciliation metrics. A nil *Metrics records nothing.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	Mutations     *prometheus.CounterVec
	IPChanges     prometheus.Counter
	LastSuccess   prometheus.Gauge
	CycleDuration prometheus.Histogram

	lastIP string
}

// New registers the metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result",
		}, []string{"result"}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Ingress rule mutations by operation and result",
		}, []string{"op", "result"}),
		IPChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "public_ip_changes_total",
			Help:      "Times the resolved public IP differed from the previous cycle",
		}),
		LastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that converged without errors",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
	}
}

// ObserveCycle records the outcome of one cycle that ended at now.
func (m *Metrics) ObserveCycle(result string, took time.Duration, now time.Time) {
	if m == nil {
		return
	}
	m.Cycles.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(took.Seconds())
	if result == ResultSuccess {
		m.LastSuccess.Set(float64(now.Unix()))
	}
}

// ObserveIP counts a change when ip differs from the previously observed one.
func (m *Metrics) ObserveIP(ip string) {
	if m == nil {
		return
	}
	if m.lastIP != "" && m.lastIP != ip {
		m.IPChanges.Inc()
	}
	m.lastIP = ip
}

// ObserveApply records every mutation of an apply result.
func (m *Metrics) ObserveApply(res common.ApplyResult) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues("revoke", ResultSuccess).Add(float64(len(res.Revoked)))
	m.Mutations.WithLabelValues("authorize", ResultSuccess).Add(float64(len(res.Authorized)))

	for _, err := range res.Errors {
		var mErr *common.MutationError
		if errors.As(err, &mErr) {
			m.Mutations.WithLabelValues(mErr.Op, ResultFailure).Inc()
		}
	}
}

// Serve exposes gatherer on addr/metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	log := logger.With().Str(common.LogStrLayer, "metrics").Str("addr", addr).Logger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
