// Package metrics holds the Prometheus collectors updated by the trading core.
//
//   - mob_ticks_total{market}                 price ticks written to the cache
//   - mob_stream_restarts_total{market}       stream worker restarts
//   - mob_stream_malformed_total{market}      protocol lines that failed to decode
//   - mob_trade_updates_dropped_total{market} trade updates dropped on a full queue
//   - mob_signals_total{market,outcome}       signal outcomes (issued|rejected|triggered|expired|cancelled|skipped)
//   - mob_orders_total{market,side,result}    order placements (placed|rejected|aborted)
//   - mob_stop_modifications_total{market,result}
//   - mob_session_state{market,state}         1 for the current session state
//
// Collectors are registered in init() and served at /metrics by Serve.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

var (
	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_ticks_total", Help: "Price ticks written to the shared cache"},
		[]string{"market"},
	)
	streamRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_stream_restarts_total", Help: "Stream worker restarts"},
		[]string{"market"},
	)
	malformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_stream_malformed_total", Help: "Stream lines that failed to decode"},
		[]string{"market"},
	)
	updatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_trade_updates_dropped_total", Help: "Trade updates dropped because the queue was full"},
		[]string{"market"},
	)
	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_signals_total", Help: "Trigger watcher outcomes"},
		[]string{"market", "outcome"},
	)
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_orders_total", Help: "Order placement results"},
		[]string{"market", "side", "result"},
	)
	stopMods = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mob_stop_modifications_total", Help: "Stop modification results"},
		[]string{"market", "result"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "mob_session_state", Help: "Current session state (one series per state, 1 = current)"},
		[]string{"market", "state"},
	)
)

func init() {
	prometheus.MustRegister(ticks, streamRestarts, malformed, updatesDropped, signals, orders, stopMods, sessionState)
}

// Tick counts one cached tick.
func Tick(market string) { ticks.WithLabelValues(market).Inc() }

// StreamRestart counts one worker restart.
func StreamRestart(market string) { streamRestarts.WithLabelValues(market).Inc() }

// Malformed counts one undecodable line.
func Malformed(market string) { malformed.WithLabelValues(market).Inc() }

// UpdateDropped counts one dropped trade update.
func UpdateDropped(market string) { updatesDropped.WithLabelValues(market).Inc() }

// Signal counts a watcher outcome.
func Signal(market, outcome string) { signals.WithLabelValues(market, outcome).Inc() }

// Order counts an order placement result.
func Order(market string, side domain.OrderSide, result string) {
	orders.WithLabelValues(market, string(side), result).Inc()
}

// StopModification counts a stop modification result.
func StopModification(market, result string) { stopMods.WithLabelValues(market, result).Inc() }

var allSessionStates = []domain.SessionState{
	domain.SessionStarting, domain.SessionActive, domain.SessionStopping, domain.SessionStopped, domain.SessionFailed,
}

// SessionState flips the state series for market so only current reads 1.
func SessionState(market string, current domain.SessionState) {
	for _, s := range allSessionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		sessionState.WithLabelValues(market, s.String()).Set(v)
	}
}

// Serve exposes /metrics on addr in the background. The caller shuts the server down.
// A listener failure is logged; the trading core keeps running without metrics.
func Serve(addr string, logger ports.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), err, "Metrics server stopped", map[string]interface{}{"addr": addr})
		}
	}()
	return srv
}
