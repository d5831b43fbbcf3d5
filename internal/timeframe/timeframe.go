// Package timeframe handles analytics date ranges: parsing, defaulting,
// bucket sizing and zero-filled series construction.
package timeframe

import (
	"time"
)

// Bucket sizes for chart series.
type BucketSize string

const (
	BucketSizeHour BucketSize = "hourly"
	BucketSizeDay  BucketSize = "daily"
)

// Label formats; hourly buckets carry the hour, daily buckets the date only.
const (
	HourLabelFormat = "2006-01-02 15:00"
	DayLabelFormat  = "2006-01-02"
)

// Ranges shorter than this render hourly buckets, everything else daily.
const hourlyThresholdDays = 3

// Range is a half-open [From, To) analytics window in UTC.
type Range struct {
	From time.Time
	To   time.Time
}

// Parse builds a Range from optional start/end strings. Each accepts
// datetime-local ("2006-01-02T15:04") or date-only ("2006-01-02") input;
// date-only start means midnight, date-only end means 23:59:59. Missing
// values default to the last 30 days, and an inverted range is swapped
// rather than rejected.
func Parse(startStr, endStr string, now time.Time) Range {
	start := now.Add(-30 * 24 * time.Hour)
	end := now

	if t, ok := parseDateTime(startStr, false); ok {
		start = t
	}
	if t, ok := parseDateTime(endStr, true); ok {
		end = t
	}

	if start.After(end) {
		start, end = end, start
	}
	return Range{From: start, To: end}
}

func parseDateTime(s string, isEnd bool) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse("2006-01-02T15:04", s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		if isEnd {
			return t.Add(23*time.Hour + 59*time.Minute + 59*time.Second).UTC(), true
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// BucketSize returns the chart granularity for the range.
func (r Range) BucketSize() BucketSize {
	if int(r.To.Sub(r.From).Hours()/24) < hourlyThresholdDays {
		return BucketSizeHour
	}
	return BucketSizeDay
}

// Hourly reports whether the range renders hourly buckets.
func (r Range) Hourly() bool {
	return r.BucketSize() == BucketSizeHour
}

// Duration returns the window length.
func (r Range) Duration() time.Duration {
	return r.To.Sub(r.From)
}

// Previous returns the immediately preceding window of identical length,
// used for period-over-period comparison.
func (r Range) Previous() Range {
	return Range{From: r.From.Add(-r.Duration()), To: r.From}
}

// Labels generates the contiguous bucket labels of the range, capped at now
// so charts never show empty future buckets. Both bounds are inclusive at
// bucket granularity, matching the store's bucket label formats.
func (r Range) Labels(now time.Time) []string {
	var labels []string

	if r.Hourly() {
		hours := int(r.To.Sub(r.From).Hours()) + 1
		for i := 0; i < hours; i++ {
			hour := r.From.Add(time.Duration(i) * time.Hour)
			if hour.After(now) {
				break
			}
			labels = append(labels, hour.UTC().Format(HourLabelFormat))
		}
		return labels
	}

	days := int(r.To.Sub(r.From).Hours()/24) + 1
	for i := 0; i < days; i++ {
		day := r.From.AddDate(0, 0, i)
		if day.After(now) {
			break
		}
		labels = append(labels, day.UTC().Format(DayLabelFormat))
	}
	return labels
}

// ZeroFill projects sparse bucket counts onto the full label sequence of the
// range, inserting zeroes for buckets without data.
func (r Range) ZeroFill(counts map[string]int64, now time.Time) ([]string, []int64) {
	labels := r.Labels(now)
	values := make([]int64, len(labels))
	for i, label := range labels {
		values[i] = counts[label]
	}
	return labels, values
}
