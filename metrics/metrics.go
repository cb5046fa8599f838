// Package metrics exposes Prometheus counters for revocation activity and
// serves them on a dedicated listener.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruteri/attribute-key-manager/kms"
)

// Operation labels.
const (
	OpRevoke    = "revoke"
	OpRevokeAll = "revoke_all"
	OpReconcile = "reconcile"
	OpUnseal    = "unseal"
)

// Result labels.
const (
	ResultOK      = "ok"
	ResultPartial = "partial"
	ResultError   = "error"
)

// KeyManagerMetrics are the domain counters. A nil *KeyManagerMetrics
// records nothing.
type KeyManagerMetrics struct {
	operations     *prometheus.CounterVec
	redistFailures prometheus.Counter
	reissued       prometheus.Counter
	unsealed       prometheus.Gauge
}

func NewKeyManagerMetrics(namespace string, reg prometheus.Registerer) *KeyManagerMetrics {
	m := &KeyManagerMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Key management operations by kind and result.",
		}, []string{"op", "result"}),
		redistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redistribution_failures_total",
			Help:      "Remaining holders that did not receive a rotated key.",
		}),
		reissued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_issued_total",
			Help:      "Keys re-issued by reconciliation.",
		}),
		unsealed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unsealed",
			Help:      "1 when the master secret is available.",
		}),
	}
	reg.MustRegister(m.operations, m.redistFailures, m.reissued, m.unsealed)
	return m
}

// ObserveOperation counts one operation. A *kms.RedistributionError is
// counted as a partial success.
func (m *KeyManagerMetrics) ObserveOperation(op string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
		var redist *kms.RedistributionError
		if errors.As(err, &redist) {
			result = ResultPartial
			m.redistFailures.Add(float64(len(redist.Failed)))
		}
	}
	m.operations.WithLabelValues(op, result).Inc()
}

func (m *KeyManagerMetrics) ObserveReissued(n int) {
	if m == nil {
		return
	}
	m.reissued.Add(float64(n))
}

func (m *KeyManagerMetrics) SetUnsealed(unsealed bool) {
	if m == nil {
		return
	}
	if unsealed {
		m.unsealed.Set(1)
	} else {
		m.unsealed.Set(0)
	}
}

type MetricsServer struct {
	srv     *http.Server
	metrics *KeyManagerMetrics
}

func New(namespace, addr string) (*MetricsServer, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metrics: NewKeyManagerMetrics(namespace, reg),
	}, nil
}

// Metrics returns the counters served by s.
func (s *MetricsServer) Metrics() *KeyManagerMetrics {
	return s.metrics
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
