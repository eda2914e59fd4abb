package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// GatewayStats provides the metrics collector access to live in-process state
// that has no natural counter (current occupancy, not cumulative events).
type GatewayStats interface {
	ActiveRequestCount() int
	LivePushSubscriberCount() int
	WebhookQueueDepth() int
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool  *pgxpool.Pool
	stats GatewayStats

	// Descriptors for scrape-time gauges.
	activeRequests    *prometheus.Desc
	livePushSubs      *prometheus.Desc
	webhookQueueDepth *prometheus.Desc
	dbTotalConns      *prometheus.Desc
	dbAcquiredConns   *prometheus.Desc
	dbIdleConns       *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). stats may be nil if the dispatch
// service has not started yet.
func NewCollector(pool *pgxpool.Pool, stats GatewayStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		activeRequests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_requests"),
			"Current number of requests not yet in a terminal status.",
			nil, nil,
		),
		livePushSubs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "livepush_subscribers_active"),
			"Current number of live push websocket subscribers.",
			nil, nil,
		),
		webhookQueueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "webhook_queue_depth"),
			"Current number of webhook deliveries waiting in the queue.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeRequests
	ch <- c.livePushSubs
	ch <- c.webhookQueueDepth
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.activeRequests, prometheus.GaugeValue, float64(c.stats.ActiveRequestCount()))
		ch <- prometheus.MustNewConstMetric(c.livePushSubs, prometheus.GaugeValue, float64(c.stats.LivePushSubscriberCount()))
		ch <- prometheus.MustNewConstMetric(c.webhookQueueDepth, prometheus.GaugeValue, float64(c.stats.WebhookQueueDepth()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeRequests, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.livePushSubs, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.webhookQueueDepth, prometheus.GaugeValue, 0)
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
