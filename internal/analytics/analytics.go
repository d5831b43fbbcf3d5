// Package analytics aggregates sessions and hits into the dashboard stats:
// summary metrics, top-N breakdowns, zero-filled chart series and the
// comparison against the immediately preceding period.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.elara.ws/pcre"

	"pagetrace/internal/config"
	"pagetrace/internal/store"
	"pagetrace/internal/timeframe"
)

// Breakdowns larger than this are truncated.
const resultsLimit = 300

// ChartData is the zero-filled time series of a range.
type ChartData struct {
	Labels   []string `json:"labels"`
	Sessions []int64  `json:"sessions"`
	Hits     []int64  `json:"hits"`
}

// Stats is the aggregate view of one service over one range. Averages and
// rates are nil when the range holds no data to average over.
type Stats struct {
	CurrentlyOnline    int64               `json:"currently_online"`
	SessionCount       int64               `json:"session_count"`
	HitCount           int64               `json:"hit_count"`
	HasHits            bool                `json:"has_hits"`
	BounceRatePct      *float64            `json:"bounce_rate_pct"`
	AvgSessionDuration *float64            `json:"avg_session_duration"`
	AvgLoadTime        *float64            `json:"avg_load_time"`
	AvgHitsPerSession  *float64            `json:"avg_hits_per_session"`
	Locations          []store.CountedItem `json:"locations"`
	Referrers          []store.CountedItem `json:"referrers"`
	Countries          []store.CountedItem `json:"countries"`
	OperatingSystems   []store.CountedItem `json:"operating_systems"`
	Browsers           []store.CountedItem `json:"browsers"`
	Devices            []store.CountedItem `json:"devices"`
	DeviceTypes        []store.CountedItem `json:"device_types"`
	Chart              ChartData           `json:"chart"`
	ChartGranularity   string              `json:"chart_granularity"`
	Compare            *Stats              `json:"compare,omitempty"`
}

// Aggregator computes Stats from the store.
type Aggregator struct {
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
}

// NewAggregator creates a stats aggregator.
func NewAggregator(st store.Store, cfg *config.Config, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: st, cfg: cfg, logger: logger}
}

// ServiceStats aggregates the range and attaches the preceding period of
// identical length for delta rendering. locationFilter, when non-empty,
// restricts the stats to hits whose location contains the substring.
func (a *Aggregator) ServiceStats(ctx context.Context, svc *store.Service, rng timeframe.Range, locationFilter string) (*Stats, error) {
	main, err := a.rangeStats(ctx, svc, rng, locationFilter)
	if err != nil {
		return nil, err
	}

	compare, err := a.rangeStats(ctx, svc, rng.Previous(), locationFilter)
	if err != nil {
		return nil, err
	}

	main.Compare = compare
	return main, nil
}

func (a *Aggregator) rangeStats(ctx context.Context, svc *store.Service, rng timeframe.Range, locationFilter string) (*Stats, error) {
	hideReferrer := compileHideReferrer(svc.HideReferrerRegex, a.logger)

	if locationFilter != "" {
		return a.filteredRangeStats(ctx, svc, rng, locationFilter, hideReferrer)
	}

	now := time.Now().UTC()
	activeCutoff := now.Add(-time.Duration(a.cfg.ActiveVisitorWindowMs()) * time.Millisecond)

	currentlyOnline, err := a.store.CountActiveSessions(ctx, svc.ID, activeCutoff)
	if err != nil {
		return nil, err
	}
	sessionCount, err := a.store.CountSessions(ctx, svc.ID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	hitCount, err := a.store.CountHits(ctx, svc.ID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	hasHits, err := a.store.HasHits(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	bounceCount, err := a.store.CountBouncedSessions(ctx, svc.ID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	avgLoadTime, err := a.store.AverageLoadTime(ctx, svc.ID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}
	avgDuration, err := a.store.AverageSessionDuration(ctx, svc.ID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		CurrentlyOnline:    currentlyOnline,
		SessionCount:       sessionCount,
		HitCount:           hitCount,
		HasHits:            hasHits,
		BounceRatePct:      bounceRate(bounceCount, sessionCount),
		AvgLoadTime:        roundWhole(avgLoadTime),
		AvgSessionDuration: roundWhole(avgDuration),
		AvgHitsPerSession:  hitsPerSession(hitCount, sessionCount),
	}

	breakdowns := []struct {
		field store.CountField
		dest  *[]store.CountedItem
	}{
		{store.FieldLocation, &stats.Locations},
		{store.FieldReferrer, &stats.Referrers},
		{store.FieldCountry, &stats.Countries},
		{store.FieldOS, &stats.OperatingSystems},
		{store.FieldBrowser, &stats.Browsers},
		{store.FieldDevice, &stats.Devices},
		{store.FieldDeviceType, &stats.DeviceTypes},
	}
	for _, b := range breakdowns {
		items, err := a.store.TopFieldCounts(ctx, svc.ID, b.field, rng.From, rng.To, resultsLimit)
		if err != nil {
			return nil, err
		}
		*b.dest = items
	}
	stats.Referrers = filterReferrers(stats.Referrers, hideReferrer)

	if err := a.buildChart(ctx, svc, rng, now, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

func (a *Aggregator) buildChart(ctx context.Context, svc *store.Service, rng timeframe.Range, now time.Time, stats *Stats) error {
	hourly := rng.Hourly()

	sessionBuckets, err := a.store.SessionBuckets(ctx, svc.ID, rng.From, rng.To, hourly)
	if err != nil {
		return err
	}
	hitBuckets, err := a.store.HitBuckets(ctx, svc.ID, rng.From, rng.To, hourly)
	if err != nil {
		return err
	}

	labels, sessions := rng.ZeroFill(bucketMap(sessionBuckets), now)
	_, hits := rng.ZeroFill(bucketMap(hitBuckets), now)

	stats.Chart = ChartData{Labels: labels, Sessions: sessions, Hits: hits}
	stats.ChartGranularity = string(rng.BucketSize())
	return nil
}

// filteredRangeStats computes the same aggregate over the subset of hits
// whose location matches the filter. The filter runs in memory: the matching
// set drives both the hit-side metrics and, through the owning sessions, the
// session-side breakdowns.
func (a *Aggregator) filteredRangeStats(ctx context.Context, svc *store.Service, rng timeframe.Range, locationFilter string, hideReferrer *pcre.Regexp) (*Stats, error) {
	now := time.Now().UTC()
	activeCutoff := now.Add(-time.Duration(a.cfg.ActiveVisitorWindowMs()) * time.Millisecond)

	allHits, err := a.store.ListHitSummaries(ctx, svc.ID, rng.From, rng.To)
	if err != nil {
		return nil, err
	}

	var hits []store.HitSummary
	for _, h := range allHits {
		if strings.Contains(h.Location, locationFilter) {
			hits = append(hits, h)
		}
	}

	sessionIDs := make(map[uint]struct{})
	for _, h := range hits {
		sessionIDs[h.SessionID] = struct{}{}
	}

	hasHits, err := a.store.HasHits(ctx, svc.ID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		SessionCount: int64(len(sessionIDs)),
		HitCount:     int64(len(hits)),
		HasHits:      hasHits,
	}

	// Hit-side metrics
	var loadTimes []float64
	locationCounts := make(map[string]int64)
	referrerCounts := make(map[string]int64)
	for _, h := range hits {
		if h.LoadTime != nil {
			loadTimes = append(loadTimes, *h.LoadTime)
		}
		locationCounts[h.Location]++
		if h.Initial {
			referrerCounts[h.Referrer]++
		}
	}
	if len(loadTimes) > 0 {
		sum := 0.0
		for _, lt := range loadTimes {
			sum += lt
		}
		avg := math.Round(sum / float64(len(loadTimes)))
		stats.AvgLoadTime = &avg
	}
	stats.AvgHitsPerSession = hitsPerSession(stats.HitCount, stats.SessionCount)
	stats.Locations = toCountedItems(locationCounts)
	stats.Referrers = filterReferrers(toCountedItems(referrerCounts), hideReferrer)

	// Session-side metrics from the owning sessions
	ids := make([]uint, 0, len(sessionIDs))
	for id := range sessionIDs {
		ids = append(ids, id)
	}
	sessions, err := a.store.GetSessionsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	countryCounts := make(map[string]int64)
	osCounts := make(map[string]int64)
	browserCounts := make(map[string]int64)
	deviceCounts := make(map[string]int64)
	deviceTypeCounts := make(map[string]int64)
	var bounceCount int64
	var durations []float64
	for _, s := range sessions {
		countryCounts[s.Country]++
		osCounts[s.OS]++
		browserCounts[s.Browser]++
		deviceCounts[s.Device]++
		deviceTypeCounts[s.DeviceType]++
		if s.IsBounce {
			bounceCount++
		}
		durations = append(durations, s.LastSeen.Sub(s.StartTime).Seconds())
		if s.LastSeen.After(activeCutoff) {
			stats.CurrentlyOnline++
		}
	}

	stats.BounceRatePct = bounceRate(bounceCount, stats.SessionCount)
	if len(durations) > 0 {
		sum := 0.0
		for _, d := range durations {
			sum += d
		}
		avg := math.Round(sum / float64(len(durations)))
		stats.AvgSessionDuration = &avg
	}
	stats.Countries = toCountedItems(countryCounts)
	stats.OperatingSystems = toCountedItems(osCounts)
	stats.Browsers = toCountedItems(browserCounts)
	stats.Devices = toCountedItems(deviceCounts)
	stats.DeviceTypes = toCountedItems(deviceTypeCounts)

	a.buildFilteredChart(rng, now, hits, stats)
	return stats, nil
}

// buildFilteredChart counts the filtered hits per bucket; the session series
// spreads the filtered session count over the buckets that have data, since
// per-bucket session attribution is not available for a hit-level filter.
func (a *Aggregator) buildFilteredChart(rng timeframe.Range, now time.Time, hits []store.HitSummary, stats *Stats) {
	format := timeframe.DayLabelFormat
	if rng.Hourly() {
		format = timeframe.HourLabelFormat
	}

	hitCounts := make(map[string]int64)
	for _, h := range hits {
		hitCounts[h.StartTime.UTC().Format(format)]++
	}

	sessionCounts := make(map[string]int64)
	if len(hitCounts) > 0 {
		perBucket := stats.SessionCount / int64(len(hitCounts))
		for label := range hitCounts {
			sessionCounts[label] = perBucket
		}
	}

	labels, hitSeries := rng.ZeroFill(hitCounts, now)
	_, sessionSeries := rng.ZeroFill(sessionCounts, now)

	stats.Chart = ChartData{Labels: labels, Sessions: sessionSeries, Hits: hitSeries}
	stats.ChartGranularity = string(rng.BucketSize())
}

func compileHideReferrer(pattern string, logger *slog.Logger) *pcre.Regexp {
	if strings.TrimSpace(pattern) == "" {
		return nil
	}
	re, err := pcre.Compile(pattern)
	if err != nil {
		logger.Warn("Invalid hide_referrer_regex, ignoring",
			slog.String("pattern", pattern),
			slog.Any("error", err))
		return nil
	}
	return re
}

func filterReferrers(items []store.CountedItem, hide *pcre.Regexp) []store.CountedItem {
	if hide == nil {
		return items
	}
	kept := items[:0]
	for _, item := range items {
		if !hide.MatchString(item.Value) {
			kept = append(kept, item)
		}
	}
	return kept
}

func toCountedItems(counts map[string]int64) []store.CountedItem {
	items := make([]store.CountedItem, 0, len(counts))
	for value, count := range counts {
		items = append(items, store.CountedItem{Value: value, Count: count})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Count != items[j].Count {
			return items[i].Count > items[j].Count
		}
		return items[i].Value < items[j].Value
	})
	if len(items) > resultsLimit {
		items = items[:resultsLimit]
	}
	return items
}

func bucketMap(buckets []store.Bucket) map[string]int64 {
	m := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		m[b.Label] = b.Count
	}
	return m
}

// bounceRate is the bounced share of sessions as a percentage with one
// decimal place.
func bounceRate(bounced, sessions int64) *float64 {
	if sessions <= 0 {
		return nil
	}
	rate := math.Round(float64(bounced)/float64(sessions)*1000) / 10
	return &rate
}

// hitsPerSession is rounded to one decimal place.
func hitsPerSession(hits, sessions int64) *float64 {
	if sessions <= 0 {
		return nil
	}
	ratio := math.Round(float64(hits)/float64(sessions)*10) / 10
	return &ratio
}

func roundWhole(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := math.Round(*v)
	return &r
}
