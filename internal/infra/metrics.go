package infra

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Feed health metrics, exposed on the debug listener.
var (
	WSReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WS reconnects by exchange and reason"}, []string{"exchange", "reason"})
	BookRebuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_rebuilds_total", Help: "Orderbook snapshot rebuilds by exchange and reason"}, []string{"exchange", "reason"})
	DecodeErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "decode_errors_total", Help: "Undecodable feed frames by exchange"}, []string{"exchange"})
	SnapshotFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "snapshot_fetches_total", Help: "REST depth snapshot fetches by exchange and outcome"}, []string{"exchange", "outcome"})
	DepthUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "depth_updates_total", Help: "Applied depth updates by exchange"}, []string{"exchange"})
	TradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trades_total", Help: "Trade prints by exchange"}, []string{"exchange"})
	LadderMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ladder_messages_total", Help: "Published ladder messages by type"}, []string{"type"})
	PublishDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_drops_total", Help: "Ladder messages dropped on downstream backpressure"})
	BookStalenessMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_staleness_ms", Help: "WS book staleness in ms by exchange"}, []string{"exchange"})
	DownstreamClients = prometheus.NewGauge(prometheus.GaugeOpts{Name: "downstream_clients", Help: "Connected downstream WS clients"})
)

// InitMetrics registers all collectors on a fresh registry.
func InitMetrics(logger *slog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		WSReconnectsTotal, BookRebuildsTotal, DecodeErrorsTotal, SnapshotFetchesTotal,
		DepthUpdatesTotal, TradesTotal, LadderMessagesTotal, PublishDropsTotal,
		BookStalenessMs, DownstreamClients,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info("prometheus metrics initialized")
	return reg
}

// MetricsHandler serves the registry over HTTP.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
