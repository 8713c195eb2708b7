package seqstore

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports a manager's store metrics, handle counters and
// environment stats to Prometheus.
type Collector struct {
	m       *Manager
	timeout time.Duration

	messages    *prometheus.Desc
	bytes       *prometheus.Desc
	delayed     *prometheus.Desc
	available   *prometheus.Desc
	oldestAge   *prometheus.Desc
	enqueued    *prometheus.Desc
	storeOpen   *prometheus.Desc
	handles     *prometheus.Desc
	openBuckets *prometheus.Desc
	dedicated   *prometheus.Desc
	env         map[string]*prometheus.Desc
}

// NewCollector returns a collector for m. Register it with
// [prometheus.Registerer.Register].
func NewCollector(m *Manager) *Collector {
	storeLabels := []string{"store"}

	envDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("seqstore_env_"+name, help, nil, nil)
	}

	return &Collector{
		m:       m,
		timeout: 5 * time.Second,

		messages:  prometheus.NewDesc("seqstore_messages", "Retained entries.", storeLabels, nil),
		bytes:     prometheus.NewDesc("seqstore_stored_bytes", "Accounted size of retained entries.", storeLabels, nil),
		delayed:   prometheus.NewDesc("seqstore_delayed_messages", "Entries not yet available.", storeLabels, nil),
		available: prometheus.NewDesc("seqstore_available_messages", "Entries available for delivery.", storeLabels, nil),
		oldestAge: prometheus.NewDesc("seqstore_oldest_message_age_seconds", "Age of the oldest retained entry.", storeLabels, nil),
		enqueued:  prometheus.NewDesc("seqstore_enqueued_total", "Entries enqueued since the store was loaded.", storeLabels, nil),
		storeOpen: prometheus.NewDesc("seqstore_store_open_buckets", "Buckets of the store with an open handle.", storeLabels, nil),

		handles:     prometheus.NewDesc("seqstore_open_bucket_stores", "Open bucket handles.", nil, nil),
		openBuckets: prometheus.NewDesc("seqstore_open_buckets", "Buckets with at least one open handle.", nil, nil),
		dedicated:   prometheus.NewDesc("seqstore_open_dedicated_buckets", "Dedicated buckets with at least one open handle.", nil, nil),

		env: map[string]*prometheus.Desc{
			"admin":      envDesc("admin_bytes", "Bytes used for catalog and manifest."),
			"cache":      envDesc("cache_bytes", "Configured page cache across open databases."),
			"rand_reads": envDesc("random_reads_total", "Point lookups."),
			"rand_write": envDesc("random_writes_total", "Out-of-order writes and range deletes."),
			"seq_reads":  envDesc("sequential_reads_total", "Entries returned by ordered scans."),
			"seq_writes": envDesc("sequential_writes_total", "Appends in key order."),
			"backlog":    envDesc("cleaner_backlog_pages", "Free pages awaiting reuse."),
			"fsyncs":     envDesc("fsyncs_total", "Committed write transactions."),
			"log_size":   envDesc("log_size_bytes", "On-disk size of database and WAL files."),
		},
	}
}

// Describe implements [prometheus.Collector].
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.messages, c.bytes, c.delayed, c.available, c.oldestAge, c.enqueued, c.storeOpen,
		c.handles, c.openBuckets, c.dedicated,
	} {
		ch <- d
	}

	for _, d := range c.env {
		ch <- d
	}
}

// Collect implements [prometheus.Collector]. Closed stores and a closed
// manager are skipped.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.m.Stores() {
		s, err := st.Stats()
		if err != nil {
			continue
		}

		label := st.ID().String()
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, label)
		}

		gauge(c.messages, float64(s.Messages))
		gauge(c.bytes, float64(s.StoredBytes))
		gauge(c.delayed, float64(s.Delayed))
		gauge(c.available, float64(s.Available))
		gauge(c.oldestAge, float64(s.OldestAgeMillis)/1000)
		gauge(c.storeOpen, float64(s.OpenBuckets))
		ch <- prometheus.MustNewConstMetric(c.enqueued, prometheus.CounterValue, float64(s.Enqueued), label)
	}

	t := c.m.Tracker()
	ch <- prometheus.MustNewConstMetric(c.handles, prometheus.GaugeValue, float64(t.OpenBucketStoreCount()))
	ch <- prometheus.MustNewConstMetric(c.openBuckets, prometheus.GaugeValue, float64(t.OpenBucketCount()))
	ch <- prometheus.MustNewConstMetric(c.dedicated, prometheus.GaugeValue, float64(t.OpenDedicatedBucketCount()))

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	env, err := c.m.EnvStats(ctx)
	if err != nil {
		return
	}

	for key, v := range map[string]struct {
		typ prometheus.ValueType
		val int64
	}{
		"admin":      {prometheus.GaugeValue, env.AdminBytes},
		"cache":      {prometheus.GaugeValue, env.CacheBytes},
		"rand_reads": {prometheus.CounterValue, env.RandomReads},
		"rand_write": {prometheus.CounterValue, env.RandomWrites},
		"seq_reads":  {prometheus.CounterValue, env.SequentialReads},
		"seq_writes": {prometheus.CounterValue, env.SequentialWrites},
		"backlog":    {prometheus.GaugeValue, env.CleanerBacklog},
		"fsyncs":     {prometheus.CounterValue, env.FSyncs},
		"log_size":   {prometheus.GaugeValue, env.TotalLogSize},
	} {
		ch <- prometheus.MustNewConstMetric(c.env[key], v.typ, float64(v.val))
	}
}
