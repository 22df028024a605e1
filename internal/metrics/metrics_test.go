package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/astmrf/internal/database"
	"github.com/flowpbx/astmrf/internal/mrf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticServers []mrf.MediaServerStats

func (s staticServers) Stats() []mrf.MediaServerStats { return s }

type staticDialogs int

func (d staticDialogs) Count() int { return int(d) }

type fakeJournal struct {
	counts map[string]int64
	err    error
}

func (j fakeJournal) Count(ctx context.Context, f database.EndpointEventFilter) (int64, error) {
	return j.counts[f.Event], j.err
}

func TestCollector(t *testing.T) {
	servers := staticServers{{
		ID:         "astmrf-1",
		SIPAddress: "10.0.0.5:5060",
		Connected:  true,
		Endpoints:  3,
		Registry: mrf.RegistryStats{
			Pending:  1,
			Resolved: 10,
			Failed:   2,
			TimedOut: 1,
			Unknown:  4,
		},
	}}
	journal := fakeJournal{counts: map[string]int64{"created": 10, "failed": 3, "ended": 7}}

	c := NewCollector(servers, staticDialogs(6), journal, time.Now().Add(-time.Minute))

	expected := `
# HELP astmrf_endpoints_active Number of live endpoints on the media server
# TYPE astmrf_endpoints_active gauge
astmrf_endpoints_active{mediaserver="astmrf-1"} 3
# HELP astmrf_allocations_total Endpoint allocations by outcome
# TYPE astmrf_allocations_total counter
astmrf_allocations_total{mediaserver="astmrf-1",outcome="discarded"} 0
astmrf_allocations_total{mediaserver="astmrf-1",outcome="failed"} 2
astmrf_allocations_total{mediaserver="astmrf-1",outcome="resolved"} 10
astmrf_allocations_total{mediaserver="astmrf-1",outcome="timed_out"} 1
# HELP astmrf_sip_dialogs_active Number of live SIP dialogs, both legs
# TYPE astmrf_sip_dialogs_active gauge
astmrf_sip_dialogs_active 6
# HELP astmrf_journal_events Endpoint journal rows by event
# TYPE astmrf_journal_events gauge
astmrf_journal_events{event="created"} 10
astmrf_journal_events{event="ended"} 7
astmrf_journal_events{event="failed"} 3
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"astmrf_endpoints_active",
		"astmrf_allocations_total",
		"astmrf_sip_dialogs_active",
		"astmrf_journal_events",
	)
	require.NoError(t, err)

	// connected, endpoints, pending, 4 outcomes, 2 stray, dialogs, 3 journal, uptime
	assert.Equal(t, 14, testutil.CollectAndCount(c))
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, time.Now())
	assert.Equal(t, 1, testutil.CollectAndCount(c), "only uptime expected")
}

func TestCollectorJournalError(t *testing.T) {
	c := NewCollector(nil, nil, fakeJournal{err: errors.New("db closed")}, time.Now())
	assert.Equal(t, 0, testutil.CollectAndCount(c, "astmrf_journal_events"))
}

func TestInboundCalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	calls := NewInboundCalls(reg)

	calls.Observe(ResultConnected)
	calls.Observe(ResultConnected)
	calls.Observe(ResultRateLimited)

	assert.Equal(t, 2.0, testutil.ToFloat64(calls.total.WithLabelValues(ResultConnected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(calls.total.WithLabelValues(ResultRateLimited)))
	assert.Equal(t, 0.0, testutil.ToFloat64(calls.total.WithLabelValues(ResultFailed)))
}
