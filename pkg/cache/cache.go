// Package cache implements the in-memory tiered cache shared by the
// coordinator's components: latest values, per-meter and aggregate daily
// series, monthly aggregates, and a short-TTL raw-response cache.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/metervane/metervane/pkg/types"
)

// DefaultRawTTL dampens upstream fan-out within one poll cycle.
const DefaultRawTTL = 60 * time.Second

// seriesEntry tracks per-meter contributions per timestamp so that merging
// is idempotent: re-merging a meter's sample replaces that meter's
// contribution, while a different meter's sample at the same timestamp adds
// to the aggregate total.
type seriesEntry struct {
	contrib map[int64]map[string]float64
	unit    string
}

type monthlyEntry struct {
	agg types.MonthlyAggregate
	// closed months are immutable once cached; the current month stays
	// volatile and may be overwritten by fresher figures.
	closed bool
}

type rawEntry struct {
	rows    []types.SeriesResult
	fetched time.Time
}

// Store is the cache store owned by one coordinator instance and shared by
// reference among its components. All operations are safe for concurrent
// use; each cache family has its own lock.
type Store struct {
	rawTTL time.Duration
	now    func() time.Time

	latestMu sync.Mutex
	latest   map[types.SeriesKey]types.LatestValueEntry

	seriesMu sync.Mutex
	series   map[types.SeriesKey]*seriesEntry

	monthlyMu sync.Mutex
	monthly   map[types.CacheKey]monthlyEntry

	rawMu sync.Mutex
	raw   map[string]rawEntry
}

// NewStore creates an empty Store. A rawTTL of 0 means DefaultRawTTL.
func NewStore(rawTTL time.Duration) *Store {
	if rawTTL <= 0 {
		rawTTL = DefaultRawTTL
	}
	return &Store{
		rawTTL:  rawTTL,
		now:     time.Now,
		latest:  make(map[types.SeriesKey]types.LatestValueEntry),
		series:  make(map[types.SeriesKey]*seriesEntry),
		monthly: make(map[types.CacheKey]monthlyEntry),
		raw:     make(map[string]rawEntry),
	}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// GetLatest returns the newest known sample for key.
func (s *Store) GetLatest(key types.SeriesKey) (types.LatestValueEntry, bool) {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	e, ok := s.latest[key]
	return e, ok
}

// PutLatest stores entry unless an entry with a newer timestamp already
// exists: the latest value only moves forward.
func (s *Store) PutLatest(key types.SeriesKey, entry types.LatestValueEntry) {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	if existing, ok := s.latest[key]; ok && existing.Time.After(entry.Time) {
		return
	}
	s.latest[key] = entry
}

// RefreshLatest replaces the entry unconditionally.
func (s *Store) RefreshLatest(key types.SeriesKey, entry types.LatestValueEntry) {
	s.latestMu.Lock()
	s.latest[key] = entry
	s.latestMu.Unlock()
}

// GetDailySeries materializes the series for key: time-ordered, one sample
// per timestamp, with same-timestamp contributions from different meters
// summed. The returned slice is a copy.
func (s *Store) GetDailySeries(key types.SeriesKey) ([]types.TimestampedValue, bool) {
	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()
	e, ok := s.series[key]
	if !ok || len(e.contrib) == 0 {
		return nil, false
	}
	out := make([]types.TimestampedValue, 0, len(e.contrib))
	for ts, byMeter := range e.contrib {
		var sum float64
		for _, v := range byMeter {
			sum += v
		}
		out = append(out, types.TimestampedValue{
			Time:  time.Unix(ts, 0).UTC(),
			Value: sum,
			Unit:  e.unit,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, true
}

// MergeDailySeries merges samples contributed by meter into the series for
// key. Merging the same sample twice is a no-op; a different meter's sample
// at an already-present timestamp adds to the aggregate total.
func (s *Store) MergeDailySeries(key types.SeriesKey, meter string, samples []types.TimestampedValue) {
	if len(samples) == 0 {
		return
	}
	if meter == "" {
		meter = types.MeterAll
	}
	s.seriesMu.Lock()
	defer s.seriesMu.Unlock()
	e, ok := s.series[key]
	if !ok {
		e = &seriesEntry{contrib: make(map[int64]map[string]float64)}
		s.series[key] = e
	}
	for _, sample := range samples {
		ts := sample.Time.Unix()
		byMeter, ok := e.contrib[ts]
		if !ok {
			byMeter = make(map[string]float64)
			e.contrib[ts] = byMeter
		}
		byMeter[meter] = sample.Value
		if sample.Unit != "" {
			e.unit = sample.Unit
		}
	}
}

// SeriesSum sums the series samples for key within [from, to), skipping
// values below min. It reports the number of contributing samples and the
// newest contributing timestamp.
func (s *Store) SeriesSum(key types.SeriesKey, from, to time.Time, min float64) (sum float64, count int, latest time.Time, unit string) {
	samples, ok := s.GetDailySeries(key)
	if !ok {
		return 0, 0, time.Time{}, ""
	}
	for _, sample := range samples {
		if sample.Time.Before(from) || !sample.Time.Before(to) {
			continue
		}
		if sample.Value < min {
			continue
		}
		sum += sample.Value
		count++
		if sample.Time.After(latest) {
			latest = sample.Time
		}
		unit = sample.Unit
	}
	return sum, count, latest, unit
}

// GetMonthlyAggregate returns the cached monthly figure for key.
func (s *Store) GetMonthlyAggregate(key types.CacheKey) (types.MonthlyAggregate, bool) {
	s.monthlyMu.Lock()
	defer s.monthlyMu.Unlock()
	e, ok := s.monthly[key]
	return e.agg, ok
}

// PutMonthlyAggregate caches agg for key. closed marks the month as ended:
// a closed entry, once cached, is never overwritten; current-month entries
// stay volatile and are replaced by fresher values.
func (s *Store) PutMonthlyAggregate(key types.CacheKey, agg types.MonthlyAggregate, closed bool) {
	s.monthlyMu.Lock()
	defer s.monthlyMu.Unlock()
	if existing, ok := s.monthly[key]; ok && existing.closed {
		return
	}
	s.monthly[key] = monthlyEntry{agg: agg, closed: closed}
}

// GetRawResponse returns the cached upstream rows for apiKey with their age.
// An entry past the TTL is a miss, but it is kept in place so
// GetRawResponseStale can still serve it if the refetch fails. Expired
// entries are replaced by the next PutRawResponse for the key.
func (s *Store) GetRawResponse(apiKey string) ([]types.SeriesResult, time.Duration, bool) {
	s.rawMu.Lock()
	defer s.rawMu.Unlock()
	e, ok := s.raw[apiKey]
	if !ok {
		return nil, 0, false
	}
	age := s.now().Sub(e.fetched)
	if age >= s.rawTTL {
		return nil, 0, false
	}
	return e.rows, age, true
}

// GetRawResponseStale returns cached rows even if expired. Used as a
// fallback when the upstream is unreachable.
func (s *Store) GetRawResponseStale(apiKey string) ([]types.SeriesResult, bool) {
	s.rawMu.Lock()
	defer s.rawMu.Unlock()
	e, ok := s.raw[apiKey]
	return e.rows, ok
}

// PutRawResponse caches rows for apiKey.
func (s *Store) PutRawResponse(apiKey string, rows []types.SeriesResult) {
	s.rawMu.Lock()
	s.raw[apiKey] = rawEntry{rows: rows, fetched: s.now()}
	s.rawMu.Unlock()
}
