package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/astmrf/internal/database"
	"github.com/flowpbx/astmrf/internal/database/models"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/prometheus/client_golang/prometheus"
)

// MediaServerStatsProvider exposes per media server state.
type MediaServerStatsProvider interface {
	Stats() []mrf.MediaServerStats
}

// DialogCounter returns the number of live SIP dialogs.
type DialogCounter interface {
	Count() int
}

// JournalCounter counts endpoint journal rows.
type JournalCounter interface {
	Count(ctx context.Context, filter database.EndpointEventFilter) (int64, error)
}

// Collector is a prometheus.Collector that gathers astmrf metrics at scrape time.
type Collector struct {
	servers   MediaServerStatsProvider
	dialogs   DialogCounter
	journal   JournalCounter
	startTime time.Time

	// Metric descriptors.
	connectedDesc   *prometheus.Desc
	endpointsDesc   *prometheus.Desc
	pendingDesc     *prometheus.Desc
	allocationsDesc *prometheus.Desc
	strayDesc       *prometheus.Desc
	dialogsDesc     *prometheus.Desc
	journalDesc     *prometheus.Desc
	uptimeDesc      *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	servers MediaServerStatsProvider,
	dialogs DialogCounter,
	journal JournalCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		servers:   servers,
		dialogs:   dialogs,
		journal:   journal,
		startTime: startTime,

		connectedDesc: prometheus.NewDesc(
			"astmrf_mediaserver_connected",
			"Whether the media server event session is up (1=connected)",
			[]string{"mediaserver", "sip_address"}, nil,
		),
		endpointsDesc: prometheus.NewDesc(
			"astmrf_endpoints_active",
			"Number of live endpoints on the media server",
			[]string{"mediaserver"}, nil,
		),
		pendingDesc: prometheus.NewDesc(
			"astmrf_allocations_pending",
			"Endpoint allocations waiting for their dialog or channel",
			[]string{"mediaserver"}, nil,
		),
		allocationsDesc: prometheus.NewDesc(
			"astmrf_allocations_total",
			"Endpoint allocations by outcome",
			[]string{"mediaserver", "outcome"}, nil,
		),
		strayDesc: prometheus.NewDesc(
			"astmrf_stray_arrivals_total",
			"Channels or dialogs that arrived for no open allocation",
			[]string{"mediaserver", "kind"}, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"astmrf_sip_dialogs_active",
			"Number of live SIP dialogs, both legs",
			nil, nil,
		),
		journalDesc: prometheus.NewDesc(
			"astmrf_journal_events",
			"Endpoint journal rows by event",
			[]string{"event"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"astmrf_uptime_seconds",
			"Seconds since the astmrf process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectedDesc
	ch <- c.endpointsDesc
	ch <- c.pendingDesc
	ch <- c.allocationsDesc
	ch <- c.strayDesc
	ch <- c.dialogsDesc
	ch <- c.journalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.servers != nil {
		for _, s := range c.servers.Stats() {
			connected := 0.0
			if s.Connected {
				connected = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.connectedDesc, prometheus.GaugeValue, connected, s.ID, s.SIPAddress)
			ch <- prometheus.MustNewConstMetric(c.endpointsDesc, prometheus.GaugeValue, float64(s.Endpoints), s.ID)
			ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(s.Registry.Pending), s.ID)

			outcomes := []struct {
				name  string
				value uint64
			}{
				{"resolved", s.Registry.Resolved},
				{"failed", s.Registry.Failed},
				{"timed_out", s.Registry.TimedOut},
				{"discarded", s.Registry.Discarded},
			}
			for _, o := range outcomes {
				ch <- prometheus.MustNewConstMetric(c.allocationsDesc, prometheus.CounterValue, float64(o.value), s.ID, o.name)
			}
			ch <- prometheus.MustNewConstMetric(c.strayDesc, prometheus.CounterValue, float64(s.Registry.Unknown), s.ID, "unknown")
			ch <- prometheus.MustNewConstMetric(c.strayDesc, prometheus.CounterValue, float64(s.Registry.Late), s.ID, "late")
		}
	}

	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(c.dialogsDesc, prometheus.GaugeValue, float64(c.dialogs.Count()))
	}

	if c.journal != nil {
		for _, ev := range []string{models.EventCreated, models.EventFailed, models.EventEnded} {
			count, err := c.journal.Count(ctx, database.EndpointEventFilter{Event: ev})
			if err != nil {
				slog.Error("metrics: failed to count journal events", "event", ev, "error", err)
				continue
			}
			ch <- prometheus.MustNewConstMetric(c.journalDesc, prometheus.GaugeValue, float64(count), ev)
		}
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// InboundCalls counts INVITEs received on the local SIP listener by result.
type InboundCalls struct {
	total *prometheus.CounterVec
}

// Inbound call results.
const (
	ResultConnected     = "connected"
	ResultRateLimited   = "rate_limited"
	ResultNoMediaServer = "no_mediaserver"
	ResultFailed        = "failed"
	ResultCancelled     = "cancelled"
)

// NewInboundCalls creates the inbound call counter and registers it with reg.
func NewInboundCalls(reg prometheus.Registerer) *InboundCalls {
	c := &InboundCalls{
		total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "astmrf_inbound_calls_total",
			Help: "Inbound INVITEs handled, by result",
		}, []string{"result"}),
	}
	reg.MustRegister(c.total)
	return c
}

// Observe counts one inbound call with the given result.
func (c *InboundCalls) Observe(result string) {
	c.total.WithLabelValues(result).Inc()
}
