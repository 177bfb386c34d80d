package redis

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"gitlab.com/gitlab-org/database-backfill/metrics"
)

const (
	subSystem           = "redis"
	defaultInstanceName = "main"
	instanceLabel       = "instance"

	hitsName       = "pool_stats_hits"
	hitsDesc       = "Number of times a free connection was found in the pool."
	missesName     = "pool_stats_misses"
	missesDesc     = "Number of times a free connection was not found in the pool."
	timeoutsName   = "pool_stats_timeouts"
	timeoutsDesc   = "Number of times a wait timeout occurred."
	totalConnsName = "pool_stats_total_conns"
	totalConnsDesc = "Number of total connections in the pool."
	idleConnsName  = "pool_stats_idle_conns"
	idleConnsDesc  = "Number of idle connections in the pool."
	staleConnsName = "pool_stats_stale_conns"
	staleConnsDesc = "Number of stale connections removed from the pool."
	maxConnsName   = "pool_stats_max_conns"
	maxConnsDesc   = "Maximum number of connections allowed in the pool."
)

// PoolStatsGetter is implemented by every go-redis client.
type PoolStatsGetter interface {
	PoolStats() *redis.PoolStats
}

// PoolStatsCollector exposes the connection pool statistics of a redis client as Prometheus gauges.
type PoolStatsCollector struct {
	getter   PoolStatsGetter
	instance string
	maxConns int

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	timeouts   *prometheus.Desc
	totalConns *prometheus.Desc
	idleConns  *prometheus.Desc
	staleConns *prometheus.Desc
	maxConnsD  *prometheus.Desc
}

// PoolStatsOption configures a PoolStatsCollector.
type PoolStatsOption func(*PoolStatsCollector)

// WithInstanceName sets the value of the `instance` label. Defaults to "main".
func WithInstanceName(name string) PoolStatsOption {
	return func(c *PoolStatsCollector) {
		c.instance = name
	}
}

// WithMaxConns sets the reported pool size.
func WithMaxConns(n int) PoolStatsOption {
	return func(c *PoolStatsCollector) {
		c.maxConns = n
	}
}

// NewPoolStatsCollector builds a collector reading stats from getter on every scrape.
func NewPoolStatsCollector(getter PoolStatsGetter, opts ...PoolStatsOption) *PoolStatsCollector {
	c := &PoolStatsCollector{getter: getter, instance: defaultInstanceName}
	for _, opt := range opts {
		opt(c)
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metrics.NamespacePrefix, subSystem, name),
			help,
			nil,
			prometheus.Labels{instanceLabel: c.instance},
		)
	}
	c.hits = desc(hitsName, hitsDesc)
	c.misses = desc(missesName, missesDesc)
	c.timeouts = desc(timeoutsName, timeoutsDesc)
	c.totalConns = desc(totalConnsName, totalConnsDesc)
	c.idleConns = desc(idleConnsName, idleConnsDesc)
	c.staleConns = desc(staleConnsName, staleConnsDesc)
	c.maxConnsD = desc(maxConnsName, maxConnsDesc)

	return c
}

// Describe implements prometheus.Collector.
func (c *PoolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.staleConns
	ch <- c.maxConnsD
}

// Collect implements prometheus.Collector.
func (c *PoolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.getter.PoolStats()

	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.GaugeValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.GaugeValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.GaugeValue, float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stats.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns))
	ch <- prometheus.MustNewConstMetric(c.staleConns, prometheus.GaugeValue, float64(stats.StaleConns))
	ch <- prometheus.MustNewConstMetric(c.maxConnsD, prometheus.GaugeValue, float64(c.maxConns))
}

// InstrumentClient registers a PoolStatsCollector for client with the default Prometheus registry. Registering the
// same instance twice is a no-op.
func InstrumentClient(client PoolStatsGetter, opts ...PoolStatsOption) error {
	err := prometheus.Register(NewPoolStatsCollector(client, opts...))
	if err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}
