// Package metrics keeps the Prometheus collectors of one run in a private
// registry and writes them to a node-exporter textfile when the run ends.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telecrawl"

// Metrics implements crawler.Recorder and the run level gauges
type Metrics struct {
	registry *prometheus.Registry

	PagesFetched   *prometheus.CounterVec
	Published      *prometheus.CounterVec
	Duplicates     *prometheus.CounterVec
	MediaFetches   *prometheus.CounterVec
	ThrottleEvents *prometheus.CounterVec
	ThrottleWait   *prometheus.CounterVec
	Cursor         *prometheus.GaugeVec
	ChannelStatus  *prometheus.GaugeVec

	LoadRows        *prometheus.GaugeVec
	LoadBatches     prometheus.Gauge
	RunDuration     prometheus.Gauge
	RunStatus       *prometheus.GaugeVec
	LastRunFinished prometheus.Gauge
}

// New creates the collectors in a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PagesFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "History pages fetched per channel",
		}, []string{"channel"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_written_total",
			Help:      "Messages published to partitions per channel",
		}, []string{"channel"}),
		Duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Messages skipped because their partition already had them",
		}, []string{"channel"}),
		MediaFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_fetches_total",
			Help:      "Media downloads per channel and result",
		}, []string{"channel", "result"}),
		ThrottleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_events_total",
			Help:      "Throttling responses per channel",
		}, []string{"channel"}),
		ThrottleWait: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_wait_seconds_total",
			Help:      "Wait requested by throttling responses per channel",
		}, []string{"channel"}),
		Cursor: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_message_id",
			Help:      "Last durably crawled message id per channel",
		}, []string{"channel"}),
		ChannelStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_status",
			Help:      "1 for the channel's outcome of the last run",
		}, []string{"channel", "status"}),

		LoadRows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_rows",
			Help:      "Rows handled by the last load per outcome",
		}, []string{"outcome"}),
		LoadBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "load_batches",
			Help:      "Batches loaded by the last load",
		}),
		RunDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		RunStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_status",
			Help:      "1 for the overall status of the last run",
		}, []string{"status"}),
		LastRunFinished: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) PageFetched(channel string) {
	m.PagesFetched.WithLabelValues(channel).Inc()
}

func (m *Metrics) MessagesWritten(channel string, written, duplicates int) {
	m.Published.WithLabelValues(channel).Add(float64(written))
	m.Duplicates.WithLabelValues(channel).Add(float64(duplicates))
}

func (m *Metrics) MediaFetched(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.MediaFetches.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) Throttled(channel string, wait time.Duration) {
	m.ThrottleEvents.WithLabelValues(channel).Inc()
	m.ThrottleWait.WithLabelValues(channel).Add(wait.Seconds())
}

func (m *Metrics) CursorAdvanced(channel string, messageID int64) {
	m.Cursor.WithLabelValues(channel).Set(float64(messageID))
}

// ChannelFinished records a channel's outcome; statuses is the full set so
// the other series are zeroed
func (m *Metrics) ChannelFinished(channel, status string, statuses []string) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ChannelStatus.WithLabelValues(channel, s).Set(v)
	}
}

// LoadFinished records the result of a load
func (m *Metrics) LoadFinished(batches, inserted, updated, skipped int) {
	m.LoadBatches.Set(float64(batches))
	m.LoadRows.WithLabelValues("inserted").Set(float64(inserted))
	m.LoadRows.WithLabelValues("updated").Set(float64(updated))
	m.LoadRows.WithLabelValues("skipped").Set(float64(skipped))
}

// RunFinished records the overall outcome; statuses is the full set
func (m *Metrics) RunFinished(status string, statuses []string, duration time.Duration, finished time.Time) {
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.RunStatus.WithLabelValues(s).Set(v)
	}
	m.RunDuration.Set(duration.Seconds())
	m.LastRunFinished.Set(float64(finished.Unix()))
}

// WriteTextfile writes all metrics in the text exposition format. The file
// is replaced atomically so a collector never reads half of it.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
