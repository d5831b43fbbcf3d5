package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagetrace/internal/analytics"
	"pagetrace/internal/store"
	"pagetrace/internal/testsupport"
	"pagetrace/internal/timeframe"
)

func newAggregator(t *testing.T) (*analytics.Aggregator, *store.SQLStore, *store.Service) {
	t.Helper()
	st := testsupport.SetupTestStore(t)
	agg := analytics.NewAggregator(st, testsupport.TestConfig(), testsupport.GetLogger())
	svc := testsupport.CreateTestService(t, st, "blog")
	return agg, st, svc
}

// seedSession creates a session with n hits, one minute apart.
func seedSession(t *testing.T, st store.Store, svc *store.Service, signature string, at time.Time, locations []string) *store.Session {
	t.Helper()
	session := testsupport.CreateTestSession(t, st, svc, signature, at)
	for i, loc := range locations {
		hitTime := at.Add(time.Duration(i) * time.Minute)
		hit := &store.Hit{
			SessionID: session.ID,
			ServiceID: svc.ID,
			Initial:   i == 0,
			StartTime: hitTime,
			LastSeen:  hitTime,
			Tracker:   store.TrackerScript,
			Location:  loc,
			Referrer:  "https://google.com",
		}
		require.NoError(t, st.CreateHit(context.Background(), hit))
	}
	if len(locations) > 1 {
		require.NoError(t, st.TouchSession(context.Background(), session.ID, at.Add(time.Duration(len(locations)-1)*time.Minute)))
		require.NoError(t, st.RecalculateBounce(context.Background(), session.ID))
	}
	return session
}

func rangeFor(day time.Time) timeframe.Range {
	return timeframe.Range{From: day, To: day.Add(24*time.Hour - time.Second)}
}

func TestServiceStatsSummary(t *testing.T) {
	agg, st, svc := newAggregator(t)
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// Three sessions: one bounce (1 hit), two non-bounces (2 hits each).
	seedSession(t, st, svc, "sig-1", day.Add(10*time.Hour), []string{"https://blog.example.com/"})
	seedSession(t, st, svc, "sig-2", day.Add(11*time.Hour), []string{"https://blog.example.com/", "https://blog.example.com/about"})
	seedSession(t, st, svc, "sig-3", day.Add(12*time.Hour), []string{"https://blog.example.com/", "https://blog.example.com/pricing"})

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "")
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.SessionCount)
	assert.Equal(t, int64(5), stats.HitCount)
	assert.True(t, stats.HasHits)

	// 1 of 3 bounced: 33.3%.
	require.NotNil(t, stats.BounceRatePct)
	assert.Equal(t, 33.3, *stats.BounceRatePct)

	// 5 hits over 3 sessions: 1.7.
	require.NotNil(t, stats.AvgHitsPerSession)
	assert.Equal(t, 1.7, *stats.AvgHitsPerSession)
}

func TestServiceStatsBreakdowns(t *testing.T) {
	agg, st, svc := newAggregator(t)
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seedSession(t, st, svc, "sig-1", day.Add(10*time.Hour), []string{"https://blog.example.com/", "https://blog.example.com/about"})
	seedSession(t, st, svc, "sig-2", day.Add(11*time.Hour), []string{"https://blog.example.com/"})

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "")
	require.NoError(t, err)

	require.NotEmpty(t, stats.Locations)
	assert.Equal(t, "https://blog.example.com/", stats.Locations[0].Value)
	assert.Equal(t, int64(2), stats.Locations[0].Count)

	// Referrers count initial hits only: one per session.
	require.Len(t, stats.Referrers, 1)
	assert.Equal(t, int64(2), stats.Referrers[0].Count)

	require.NotEmpty(t, stats.Browsers)
	assert.Equal(t, "Chrome", stats.Browsers[0].Value)
	require.NotEmpty(t, stats.Countries)
	assert.Equal(t, "Germany", stats.Countries[0].Value)
}

func TestServiceStatsHidesMatchingReferrers(t *testing.T) {
	agg, st, svc := newAggregator(t)
	svc.HideReferrerRegex = "google\\.com"
	require.NoError(t, st.UpdateService(context.Background(), svc))

	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedSession(t, st, svc, "sig-1", day.Add(10*time.Hour), []string{"https://blog.example.com/"})

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "")
	require.NoError(t, err)
	assert.Empty(t, stats.Referrers)
}

func TestServiceStatsChartZeroFilled(t *testing.T) {
	agg, st, svc := newAggregator(t)
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seedSession(t, st, svc, "sig-1", day.Add(3*time.Hour), []string{"https://blog.example.com/"})
	seedSession(t, st, svc, "sig-2", day.Add(7*time.Hour), []string{"https://blog.example.com/"})

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "")
	require.NoError(t, err)

	assert.Equal(t, "hourly", stats.ChartGranularity)
	require.Len(t, stats.Chart.Labels, 24)
	require.Len(t, stats.Chart.Sessions, 24)

	assert.Equal(t, int64(1), stats.Chart.Sessions[3])
	assert.Equal(t, int64(1), stats.Chart.Sessions[7])
	assert.Equal(t, int64(0), stats.Chart.Sessions[5])
	assert.Equal(t, int64(1), stats.Chart.Hits[3])
}

func TestServiceStatsComparePrecedingWindow(t *testing.T) {
	agg, st, svc := newAggregator(t)
	day := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	prevDay := day.Add(-24 * time.Hour)

	seedSession(t, st, svc, "sig-now-1", day.Add(10*time.Hour), []string{"https://blog.example.com/"})
	seedSession(t, st, svc, "sig-now-2", day.Add(11*time.Hour), []string{"https://blog.example.com/"})
	seedSession(t, st, svc, "sig-prev", prevDay.Add(10*time.Hour), []string{"https://blog.example.com/"})

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "")
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.SessionCount)
	require.NotNil(t, stats.Compare)
	assert.Equal(t, int64(1), stats.Compare.SessionCount)
	// The comparison itself does not recurse further.
	assert.Nil(t, stats.Compare.Compare)
}

func TestServiceStatsLocationFilter(t *testing.T) {
	agg, st, svc := newAggregator(t)
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	seedSession(t, st, svc, "sig-1", day.Add(10*time.Hour), []string{"https://blog.example.com/pricing", "https://blog.example.com/about"})
	seedSession(t, st, svc, "sig-2", day.Add(11*time.Hour), []string{"https://blog.example.com/pricing"})
	seedSession(t, st, svc, "sig-3", day.Add(12*time.Hour), []string{"https://blog.example.com/docs"})

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "/pricing")
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.SessionCount)
	assert.Equal(t, int64(2), stats.HitCount)
	require.Len(t, stats.Locations, 1)
	assert.Equal(t, "https://blog.example.com/pricing", stats.Locations[0].Value)

	// Session-side breakdowns come from the owning sessions.
	require.NotEmpty(t, stats.DeviceTypes)
	assert.Equal(t, "desktop", stats.DeviceTypes[0].Value)
	assert.Equal(t, int64(2), stats.DeviceTypes[0].Count)
}

func TestServiceStatsEmptyRange(t *testing.T) {
	agg, _, svc := newAggregator(t)
	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	stats, err := agg.ServiceStats(context.Background(), svc, rangeFor(day), "")
	require.NoError(t, err)

	assert.Zero(t, stats.SessionCount)
	assert.Zero(t, stats.HitCount)
	assert.False(t, stats.HasHits)
	assert.Nil(t, stats.BounceRatePct)
	assert.Nil(t, stats.AvgHitsPerSession)
	assert.Nil(t, stats.AvgLoadTime)
}
