package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// EngineStats exposes the live extractor/dispatcher state the
// collector reads at scrape time, without internal/metrics importing
// internal/extractor (which would create an import cycle back through
// internal/dispatch, which imports this package for its counters).
type EngineStats interface {
	Idle() bool
}

// Collector implements prometheus.Collector to read live gauges at
// scrape time, grounded on the teacher's internal/metrics.Collector
// (same scrape-time-Desc-plus-pool-Stat shape), re-pointed at the
// extractor's idle state and the source database pool instead of the
// teacher's call/SSE counts.
type Collector struct {
	pool  *pgxpool.Pool
	stats EngineStats

	idle            *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape
// time. pool may be nil (metrics will report 0). stats may be nil if
// no extractor is running yet (e.g. during --init).
func NewCollector(pool *pgxpool.Pool, stats EngineStats) *Collector {
	return &Collector{
		pool:  pool,
		stats: stats,
		idle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "extractor_idle"),
			"1 if the extractor has no queue behind the present, 0 otherwise.",
			nil, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total source database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Source database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Source database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idle
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil && c.stats.Idle() {
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, 1)
	} else {
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, 0)
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
