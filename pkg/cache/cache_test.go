package cache

import (
	"testing"
	"time"

	"github.com/metervane/metervane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hwAllCon = types.SeriesKey{Utility: types.UtilityHotWater, Meter: types.MeterAll, Metric: types.MetricConsumption}
	cwAllCon = types.SeriesKey{Utility: types.UtilityColdWater, Meter: types.MeterAll, Metric: types.MetricConsumption}
)

func day(d int) time.Time {
	return time.Date(2025, time.March, d, 0, 0, 0, 0, time.UTC)
}

func TestPutLatestOnlyMovesForward(t *testing.T) {
	s := NewStore(0)

	s.PutLatest(hwAllCon, types.LatestValueEntry{Value: 1.5, Time: day(10), Unit: "m3"})
	s.PutLatest(hwAllCon, types.LatestValueEntry{Value: 0.9, Time: day(8), Unit: "m3"})

	e, ok := s.GetLatest(hwAllCon)
	require.True(t, ok)
	assert.Equal(t, 1.5, e.Value, "older sample must not overwrite a newer one")
	assert.Equal(t, day(10), e.Time)

	// Explicit refresh replaces regardless of timestamp.
	s.RefreshLatest(hwAllCon, types.LatestValueEntry{Value: 0.9, Time: day(8), Unit: "m3"})
	e, _ = s.GetLatest(hwAllCon)
	assert.Equal(t, 0.9, e.Value)
}

func TestMergeDailySeriesIdempotent(t *testing.T) {
	s := NewStore(0)

	samples := []types.TimestampedValue{
		{Time: day(1), Value: 5.0, Unit: "m3"},
		{Time: day(2), Value: 7.0, Unit: "m3"},
	}
	s.MergeDailySeries(hwAllCon, "101", samples)
	s.MergeDailySeries(hwAllCon, "101", samples)

	got, ok := s.GetDailySeries(hwAllCon)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, 5.0, got[0].Value, "re-merging the same meter's sample must not double it")
	assert.Equal(t, 7.0, got[1].Value)
	assert.True(t, got[0].Time.Before(got[1].Time), "series must stay time-ordered")
}

func TestMergeDailySeriesSumsAcrossMeters(t *testing.T) {
	s := NewStore(0)

	s.MergeDailySeries(hwAllCon, "101", []types.TimestampedValue{{Time: day(1), Value: 5.0, Unit: "m3"}})
	s.MergeDailySeries(hwAllCon, "202", []types.TimestampedValue{{Time: day(1), Value: 3.0, Unit: "m3"}})

	got, ok := s.GetDailySeries(hwAllCon)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, 8.0, got[0].Value, "a different meter at the same timestamp adds exactly its value")
}

func TestSeriesSumWindowAndMinimum(t *testing.T) {
	s := NewStore(0)
	s.MergeDailySeries(cwAllCon, "101", []types.TimestampedValue{
		{Time: day(1), Value: 5.0, Unit: "m3"},
		{Time: day(2), Value: 0.0, Unit: "m3"},
		{Time: day(3), Value: 7.0, Unit: "m3"},
		{Time: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC), Value: 9.0, Unit: "m3"},
	})

	from, to := types.MonthWindow(2025, time.March, time.UTC)
	sum, count, latest, unit := s.SeriesSum(cwAllCon, from, to, 0)
	assert.Equal(t, 12.0, sum, "April sample falls outside the window")
	assert.Equal(t, 3, count)
	assert.Equal(t, day(3), latest)
	assert.Equal(t, "m3", unit)

	// min > 0 drops the zero day.
	sum, count, _, _ = s.SeriesSum(cwAllCon, from, to, 0.001)
	assert.Equal(t, 12.0, sum)
	assert.Equal(t, 2, count)
}

func TestMonthlyAggregateClosedMonthImmutable(t *testing.T) {
	s := NewStore(0)
	key := types.CacheKey{
		Utility: types.UtilityColdWater, Meter: types.MeterAll,
		Year: 2025, Month: time.February,
		Metric: types.MetricConsumption, Cost: types.CostActual,
	}

	s.PutMonthlyAggregate(key, types.MonthlyAggregate{Value: 12.0, Unit: "m3"}, true)
	s.PutMonthlyAggregate(key, types.MonthlyAggregate{Value: 99.0, Unit: "m3"}, true)

	agg, ok := s.GetMonthlyAggregate(key)
	require.True(t, ok)
	assert.Equal(t, 12.0, agg.Value, "a closed month, once cached, never changes")

	// Current-month entries stay volatile.
	cur := key
	cur.Month = time.March
	s.PutMonthlyAggregate(cur, types.MonthlyAggregate{Value: 1.0}, false)
	s.PutMonthlyAggregate(cur, types.MonthlyAggregate{Value: 2.0}, false)
	agg, _ = s.GetMonthlyAggregate(cur)
	assert.Equal(t, 2.0, agg.Value)
}

func TestRawResponseTTLExpiry(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return now })

	rows := []types.SeriesResult{{Utility: types.UtilityHotWater, Metric: types.MetricConsumption}}
	s.PutRawResponse("k", rows)

	now = now.Add(30 * time.Second)
	got, age, ok := s.GetRawResponse("k")
	require.True(t, ok)
	assert.Equal(t, rows, got)
	assert.Equal(t, 30*time.Second, age)

	now = now.Add(31 * time.Second)
	_, _, ok = s.GetRawResponse("k")
	assert.False(t, ok, "entry past TTL is a miss")

	// The expired entry stays behind for stale fallback reads.
	got, ok = s.GetRawResponseStale("k")
	require.True(t, ok)
	assert.Equal(t, rows, got, "expired rows remain readable via the stale path")

	// A fresh put replaces the expired entry and makes the key hot again.
	fresher := []types.SeriesResult{{Utility: types.UtilityHotWater, Metric: types.MetricPrice}}
	s.PutRawResponse("k", fresher)
	got, age, ok = s.GetRawResponse("k")
	require.True(t, ok)
	assert.Equal(t, fresher, got)
	assert.Equal(t, time.Duration(0), age)
}

func TestRawResponseStaleFallback(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return now })

	rows := []types.SeriesResult{{Utility: types.UtilityColdWater, Metric: types.MetricPrice}}
	s.PutRawResponse("k", rows)
	now = now.Add(2 * time.Minute)

	got, ok := s.GetRawResponseStale("k")
	require.True(t, ok)
	assert.Equal(t, rows, got, "stale read serves expired rows without evicting")
}
