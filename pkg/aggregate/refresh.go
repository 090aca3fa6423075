package aggregate

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// RefreshWindowDays is how far back each poll sweep reaches. Wide enough to
// pick up late-arriving price rows.
const RefreshWindowDays = 30

// refreshConcurrency bounds the per-meter fan-out of one sweep.
const refreshConcurrency = 4

// RefreshAll sweeps consumption and price for every tracked utility over a
// trailing window, refilling the series and latest-value caches. With a
// configured meters list the sweep fans out per meter; otherwise a single
// node-level pass covers the aggregate. Individual failures are logged and
// skipped so one missing series never blocks the rest of the sweep.
func (c *Coordinator) RefreshAll(ctx context.Context) error {
	loc := c.location()
	from, to := types.TrailingWindow(c.now(), RefreshWindowDays, loc)

	targets := []string{""}
	if len(c.meters) > 0 {
		targets = c.meters
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)

	var failures atomic.Int32
	for _, meter := range targets {
		for _, utility := range types.KnownUtilities {
			for _, metric := range []types.MetricKind{types.MetricConsumption, types.MetricPrice} {
				meter, utility, metric := meter, utility, metric
				g.Go(func() error {
					if _, err := c.refreshWindow(ctx, utility, metric, meter, from, to); err != nil {
						log.Ctx(ctx).WarnContext(ctx, "refresh sweep fetch failed",
							"utility", utility, "metric", metric, "meter", meter, "error", err)
						failures.Add(1)
					}
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Ctx(ctx).DebugContext(ctx, "refresh sweep complete",
		"targets", len(targets), "failures", failures.Load())
	return nil
}

// refreshWindow bypasses the raw cache so a sweep always reaches upstream,
// then refreshes the latest-value tier with whatever came back.
func (c *Coordinator) refreshWindow(ctx context.Context, utility types.Utility, metric types.MetricKind, meter string, from, to time.Time) ([]types.SeriesResult, error) {
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

	key := queryKey(q)
	rows, err := c.flights.Do(ctx, key, func(ctx context.Context) ([]types.SeriesResult, error) {
		rows, err := c.client.FetchSeries(ctx, q)
		if err != nil {
			return nil, err
		}
		c.store.PutRawResponse(key, rows)
		c.ingest(q, rows)
		return rows, nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
