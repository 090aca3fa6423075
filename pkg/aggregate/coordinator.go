// Package aggregate is the coordinator tying the caches, the upstream
// client, billing history, and cost estimation into the figures consumers
// actually ask for: latest values, monthly aggregates, and projections.
package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metervane/metervane/pkg/billing"
	"github.com/metervane/metervane/pkg/cache"
	"github.com/metervane/metervane/pkg/coalesce"
	"github.com/metervane/metervane/pkg/estimate"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
	"github.com/metervane/metervane/pkg/upstream"
)

// Trailing windows for "latest" lookups. Price data lags consumption
// upstream, so its window is wider.
const (
	LatestConsumptionDays = 7
	LatestCostDays        = 30
)

// Default query shape against the upstream data endpoint.
const (
	intervalDaily     = "d"
	groupingApartment = "apartment"
)

// Coordinator composes every component into the public read operations.
// One Coordinator owns one cache.Store; consumers share the Coordinator by
// reference.
type Coordinator struct {
	client  upstream.Client
	store   *cache.Store
	billing *billing.Source
	engine  *estimate.Engine
	spot    estimate.SpotSource
	nodeID  int

	// meters lists the known measuring point IDs. When non-empty, aggregate
	// series are built by summing per-meter fetches; when empty, node-level
	// queries provide the aggregate directly.
	meters []string

	flights *coalesce.Coalescer[string, []types.SeriesResult]

	settingsMu sync.Mutex
	settings   map[string]string

	now func() time.Time
}

// Options carries the coordinator's collaborators and knobs.
type Options struct {
	Client  upstream.Client
	Store   *cache.Store
	Billing *billing.Source
	Engine  *estimate.Engine
	Spot    estimate.SpotSource
	NodeID  int
	Meters  []string
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options) *Coordinator {
	store := opts.Store
	if store == nil {
		store = cache.NewStore(0)
	}
	return &Coordinator{
		client:  opts.Client,
		store:   store,
		billing: opts.Billing,
		engine:  opts.Engine,
		spot:    opts.Spot,
		nodeID:  opts.NodeID,
		meters:  opts.Meters,
		flights: coalesce.New[string, []types.SeriesResult](),
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (c *Coordinator) SetNow(now func() time.Time) {
	c.now = now
}

// GetSetting implements types.SettingsProvider, loading upstream settings
// lazily. A failed load leaves settings empty and callers on defaults.
func (c *Coordinator) GetSetting(name string) string {
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	if c.settings == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		settings, err := c.client.FetchSettings(ctx)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to load upstream settings", "error", err)
			settings = map[string]string{}
		}
		c.settings = settings
	}
	return c.settings[name]
}

// location resolves the configured timezone.
func (c *Coordinator) location() *time.Location {
	return types.LocationFor(c)
}

func (c *Coordinator) currency() string {
	return types.CurrencyFor(c)
}

// queryKey is the coalescing and raw-cache key for a series query.
func queryKey(q types.SeriesQuery) string {
	key := fmt.Sprintf("%d_%s_%d_%d_%s", q.NodeID, q.MeterID, q.From.Unix(), q.To.Unix(), q.Interval)
	for _, sel := range q.Utilities {
		key += "_" + sel.String()
	}
	return key
}

// fetchSeries is the single chokepoint to the upstream data endpoint:
// raw-cache first, then a coalesced fetch whose result is cached and merged
// into the daily-series and latest-value tiers. On upstream failure a stale
// raw entry, if any, is served instead.
func (c *Coordinator) fetchSeries(ctx context.Context, q types.SeriesQuery) ([]types.SeriesResult, error) {
	key := queryKey(q)
	if rows, age, ok := c.store.GetRawResponse(key); ok {
		log.Ctx(ctx).DebugContext(ctx, "raw cache hit", "key", key, "age", age)
		return rows, nil
	}

	return c.flights.Do(ctx, key, func(ctx context.Context) ([]types.SeriesResult, error) {
		rows, err := c.client.FetchSeries(ctx, q)
		if err != nil {
			if stale, ok := c.store.GetRawResponseStale(key); ok {
				log.Ctx(ctx).WarnContext(ctx, "upstream fetch failed, serving stale rows",
					"key", key, "error", err)
				return stale, nil
			}
			return nil, err
		}
		c.store.PutRawResponse(key, rows)
		c.ingest(q, rows)
		return rows, nil
	})
}

// ingest merges fetched rows into the daily-series and latest-value caches.
// The contributing meter label makes aggregate merges idempotent: node-level
// rows contribute as "all", per-meter rows under their own ID.
func (c *Coordinator) ingest(q types.SeriesQuery, rows []types.SeriesResult) {
	for _, row := range rows {
		samples := make([]types.TimestampedValue, 0, len(row.Points))
		var newest types.SeriesPoint
		for _, p := range row.Points {
			if p.Value == nil {
				continue
			}
			if row.Metric == types.MetricPrice && *p.Value == 0 {
				// Zero price rows mean "not billed yet", not free.
				continue
			}
			samples = append(samples, types.TimestampedValue{
				Time:  p.Time,
				Value: *p.Value,
				Unit:  row.Unit,
			})
			if newest.Value == nil || p.Time.After(newest.Time) {
				newest = p
			}
		}
		if len(samples) == 0 {
			continue
		}

		if q.MeterID == "" {
			allKey := types.SeriesKey{Utility: row.Utility, Meter: types.MeterAll, Metric: row.Metric}
			c.store.MergeDailySeries(allKey, types.MeterAll, samples)
			c.putLatestFrom(allKey, row, newest)
			continue
		}

		meterKey := types.SeriesKey{Utility: row.Utility, Meter: q.MeterID, Metric: row.Metric}
		c.store.MergeDailySeries(meterKey, q.MeterID, samples)
		c.putLatestFrom(meterKey, row, newest)
		if len(c.meters) > 0 {
			allKey := types.SeriesKey{Utility: row.Utility, Meter: types.MeterAll, Metric: row.Metric}
			c.store.MergeDailySeries(allKey, q.MeterID, samples)
		}
	}
}

func (c *Coordinator) putLatestFrom(key types.SeriesKey, row types.SeriesResult, newest types.SeriesPoint) {
	if newest.Value == nil {
		return
	}
	c.store.PutLatest(key, types.LatestValueEntry{
		Value:   *newest.Value,
		Time:    newest.Time,
		Unit:    row.Unit,
		Utility: row.Utility,
		Meter:   key.Meter,
	})
}

// fetchWindow pulls one utility/metric over [from, to) for meter (empty for
// the node-level aggregate) and returns the fetched rows.
func (c *Coordinator) fetchWindow(ctx context.Context, utility types.Utility, metric types.MetricKind, meter string, from, to time.Time) ([]types.SeriesResult, error) {
	q := types.SeriesQuery{
		NodeID:   c.nodeID,
		From:     from,
		To:       to,
		Interval: intervalDaily,
		Grouping: groupingApartment,
		Utilities: []types.UtilitySelector{
			{Utility: utility, Metric: metric},
		},
	}
	if meter != "" && meter != types.MeterAll {
		q.MeterID = meter
	} else {
		q.IncludeSubNodes = true
	}
	return c.fetchSeries(ctx, q)
}

// ensureSeries makes sure the daily-series cache covers [from, to) for the
// given key, fetching when it holds nothing in the window. When the meters
// list is configured, aggregate coverage is built by summing per-meter
// fetches.
func (c *Coordinator) ensureSeries(ctx context.Context, utility types.Utility, metric types.MetricKind, meter string, from, to time.Time) error {
	key := types.SeriesKey{Utility: utility, Meter: meterOrAll(meter), Metric: metric}
	if _, count, _, _ := c.store.SeriesSum(key, from, to, 0); count > 0 {
		return nil
	}

	if meterOrAll(meter) == types.MeterAll && len(c.meters) > 0 {
		var firstErr error
		for _, m := range c.meters {
			if _, err := c.fetchWindow(ctx, utility, metric, m, from, to); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	_, err := c.fetchWindow(ctx, utility, metric, meter, from, to)
	return err
}

func meterOrAll(meter string) string {
	if meter == "" {
		return types.MeterAll
	}
	return meter
}

// monthClosed reports whether (year, month) ended before now in loc.
func (c *Coordinator) monthClosed(year int, month time.Month, loc *time.Location) bool {
	_, to := types.MonthWindow(year, month, loc)
	return !c.now().In(loc).Before(to)
}
