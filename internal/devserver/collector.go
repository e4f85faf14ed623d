package devserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/soma-tiles/pyramid/internal/cache"
)

// CacheCollector exports the server tile cache's occupancy and hit counts,
// read from cache.Manager.Stats on every scrape.
type CacheCollector struct {
	cache *cache.Manager

	entries *prometheus.Desc
	bytes   *prometheus.Desc
	hits    *prometheus.Desc
	misses  *prometheus.Desc
	infos   *prometheus.Desc
}

// NewCacheCollector creates a collector for c.
func NewCacheCollector(c *cache.Manager) *CacheCollector {
	fq := func(name string) string { return prometheus.BuildFQName("pyramid", "devserver_cache", name) }
	return &CacheCollector{
		cache:   c,
		entries: prometheus.NewDesc(fq("entries"), "Number of encoded tiles held in the server cache", nil, nil),
		bytes:   prometheus.NewDesc(fq("bytes"), "Bytes allocated by the server tile cache", nil, nil),
		hits:    prometheus.NewDesc(fq("hits_total"), "Server tile cache hits", nil, nil),
		misses:  prometheus.NewDesc(fq("misses_total"), "Server tile cache misses", nil, nil),
		infos:   prometheus.NewDesc(fq("tileset_infos"), "Number of tileset infos held in the cache", nil, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.bytes
	ch <- c.hits
	ch <- c.misses
	ch <- c.infos
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.TileLen))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.TileBytes))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.TileHits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.TileMisses))
	ch <- prometheus.MustNewConstMetric(c.infos, prometheus.GaugeValue, float64(s.InfoLen))
}
