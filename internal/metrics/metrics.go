// Package metrics exposes softdial runtime state as Prometheus metrics,
// gathered from live providers at scrape time.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionProvider exposes live call session counts.
type SessionProvider interface {
	Count() int
	CountByState() map[string]int
	GroupCount() int
}

// RegistrationProvider reports whether the SIP account is registered.
type RegistrationProvider interface {
	Registered() bool
}

// MediaProvider exposes the SIP engine's dialog and mixing-path counts.
type MediaProvider interface {
	DialogCount() int
	LinkCount() int
}

// HistoryCounter returns call history record counts grouped by call type.
type HistoryCounter interface {
	CountByType(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers softdial metrics at
// scrape time.
type Collector struct {
	sessions     SessionProvider
	registration RegistrationProvider
	media        MediaProvider
	history      HistoryCounter
	startTime    time.Time

	// Metric descriptors.
	sessionsDesc      *prometheus.Desc
	sessionsStateDesc *prometheus.Desc
	conferencesDesc   *prometheus.Desc
	registeredDesc    *prometheus.Desc
	dialogsDesc       *prometheus.Desc
	mixLinksDesc      *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil
// if unavailable.
func NewCollector(
	sessions SessionProvider,
	registration RegistrationProvider,
	media MediaProvider,
	history HistoryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:     sessions,
		registration: registration,
		media:        media,
		history:      history,
		startTime:    startTime,

		sessionsDesc: prometheus.NewDesc(
			"softdial_sessions",
			"Number of tracked call sessions",
			nil, nil,
		),
		sessionsStateDesc: prometheus.NewDesc(
			"softdial_sessions_by_state",
			"Number of call sessions per signaling state",
			[]string{"state"}, nil,
		),
		conferencesDesc: prometheus.NewDesc(
			"softdial_conference_groups",
			"Number of active conference groups",
			nil, nil,
		),
		registeredDesc: prometheus.NewDesc(
			"softdial_registered",
			"SIP account registration state (1=registered, 0=not)",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"softdial_sip_dialogs",
			"Number of live SIP dialogs in the engine",
			nil, nil,
		),
		mixLinksDesc: prometheus.NewDesc(
			"softdial_mix_links",
			"Number of one-directional paths in the mixing matrix",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"softdial_calls_total",
			"Total calls recorded in call history",
			[]string{"type"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"softdial_uptime_seconds",
			"Seconds since the softdial process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sessionsStateDesc
	ch <- c.conferencesDesc
	ch <- c.registeredDesc
	ch <- c.dialogsDesc
	ch <- c.mixLinksDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
		for state, n := range c.sessions.CountByState() {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsStateDesc, prometheus.GaugeValue,
				float64(n), state,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.conferencesDesc, prometheus.GaugeValue,
			float64(c.sessions.GroupCount()),
		)
	}

	if c.registration != nil {
		val := 0.0
		if c.registration.Registered() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.registeredDesc, prometheus.GaugeValue, val,
		)
	}

	if c.media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dialogsDesc, prometheus.GaugeValue,
			float64(c.media.DialogCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.mixLinksDesc, prometheus.GaugeValue,
			float64(c.media.LinkCount()),
		)
	}

	if c.history != nil {
		counts, err := c.history.CountByType(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call history", "error", err)
		} else {
			for _, typ := range []string{"incoming", "outgoing", "missed"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[typ]), typ,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
