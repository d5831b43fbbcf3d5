package timeframe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func TestParseDateTimeInputs(t *testing.T) {
	r := Parse("2026-06-01T08:30", "2026-06-02T10:00", testNow)
	assert.Equal(t, time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC), r.To)
}

func TestParseDateOnlyInputs(t *testing.T) {
	r := Parse("2026-06-01", "2026-06-02", testNow)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2026, 6, 2, 23, 59, 59, 0, time.UTC), r.To)
}

func TestParseDefaultsToLastThirtyDays(t *testing.T) {
	r := Parse("", "", testNow)
	assert.Equal(t, testNow, r.To)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), r.From)

	// Unparseable input falls back the same way.
	r = Parse("garbage", "also-garbage", testNow)
	assert.Equal(t, testNow, r.To)
	assert.Equal(t, testNow.Add(-30*24*time.Hour), r.From)
}

func TestParseSwapsInvertedRange(t *testing.T) {
	r := Parse("2026-06-10", "2026-06-01", testNow)
	assert.True(t, r.From.Before(r.To))
	assert.Equal(t, time.Date(2026, 6, 1, 23, 59, 59, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC), r.To)
}

func TestBucketSizeThreshold(t *testing.T) {
	tests := []struct {
		name     string
		start    string
		end      string
		expected BucketSize
	}{
		{"single day is hourly", "2026-06-01", "2026-06-01", BucketSizeHour},
		{"two days is hourly", "2026-06-01", "2026-06-02", BucketSizeHour},
		{"three calendar days still hourly", "2026-06-01", "2026-06-03", BucketSizeHour},
		{"72 full hours is daily", "2026-06-01T00:00", "2026-06-04T00:00", BucketSizeDay},
		{"four calendar days is daily", "2026-06-01", "2026-06-04", BucketSizeDay},
		{"a month is daily", "2026-05-01", "2026-06-01", BucketSizeDay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Parse(tt.start, tt.end, testNow)
			assert.Equal(t, tt.expected, r.BucketSize())
		})
	}
}

func TestPrevious(t *testing.T) {
	r := Parse("2026-06-08T00:00", "2026-06-15T00:00", testNow)
	prev := r.Previous()
	assert.Equal(t, r.From, prev.To)
	assert.Equal(t, r.Duration(), prev.Duration())
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), prev.From)
}

func TestHourlyLabelsCoverFullDays(t *testing.T) {
	// A two-day date-only range yields exactly 48 hourly buckets.
	r := Parse("2026-06-01", "2026-06-02", testNow)
	labels := r.Labels(testNow)
	require.Len(t, labels, 48)
	assert.Equal(t, "2026-06-01 00:00", labels[0])
	assert.Equal(t, "2026-06-02 23:00", labels[47])
}

func TestDailyLabels(t *testing.T) {
	r := Parse("2026-06-01", "2026-06-07", testNow)
	labels := r.Labels(testNow)
	require.Len(t, labels, 7)
	assert.Equal(t, "2026-06-01", labels[0])
	assert.Equal(t, "2026-06-07", labels[6])
}

func TestLabelsCappedAtNow(t *testing.T) {
	// Today's range only renders buckets up to the current hour.
	now := time.Date(2026, 6, 15, 14, 30, 0, 0, time.UTC)
	r := Parse("2026-06-15", "2026-06-15", now)
	labels := r.Labels(now)
	require.Len(t, labels, 15) // 00:00 through 14:00
	assert.Equal(t, "2026-06-15 14:00", labels[len(labels)-1])
}

func TestZeroFill(t *testing.T) {
	r := Parse("2026-06-01", "2026-06-03", testNow)
	require.Equal(t, BucketSizeDay, r.BucketSize())

	labels, values := r.ZeroFill(map[string]int64{
		"2026-06-01": 5,
		"2026-06-03": 2,
	}, testNow)

	require.Equal(t, []string{"2026-06-01", "2026-06-02", "2026-06-03"}, labels)
	assert.Equal(t, []int64{5, 0, 2}, values)
}
