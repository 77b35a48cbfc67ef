// Package metrics provides Prometheus instrumentation for the presale engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PurchasesTotal counts purchase attempts by payment asset and result code.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_purchases_total",
		Help: "Purchase attempts by payment asset and result",
	}, []string{"asset", "result"})

	// ClaimsTotal counts claim attempts by result code.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_claims_total",
		Help: "Claim attempts by result",
	}, []string{"result"})

	// CapRejections counts reservations refused by the cap tracker.
	CapRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_cap_rejections_total",
		Help: "Purchases rejected by the hard cap or presale supply",
	}, []string{"reason"})

	// LedgerOps counts ledger write operations by op and outcome.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_ledger_operations_total",
		Help: "Ledger write operations by operation and outcome",
	}, []string{"op", "result"})

	// SettlementLatency tracks time from submission to settlement.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "presale_settlement_latency_seconds",
		Help:    "Ledger settlement latency in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 12, 30, 60, 120},
	}, []string{"op"})

	// FundsRaised is the settled funds raised in whole quote-asset units.
	FundsRaised = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presale_funds_raised",
		Help: "Settled funds raised in quote-asset units",
	})

	// TokensSold is the settled tokens sold in whole tokens.
	TokensSold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presale_tokens_sold",
		Help: "Settled tokens sold",
	})

	// PendingReservations tracks in-flight cap reservations.
	PendingReservations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presale_pending_reservations",
		Help: "Cap reservations awaiting settlement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presale_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presale_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "presale_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0, 30.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSettlement records one settled or failed ledger operation.
func ObserveSettlement(op string, submitted time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerOps.WithLabelValues(op, result).Inc()
	SettlementLatency.WithLabelValues(op).Observe(time.Since(submitted).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
