package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/metervane/metervane/pkg/estimate"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// GetLatestConsumption returns the most recent consumption sample for
// utility, across all meters when meter is empty. Cache-first; a miss fetches
// a short trailing window. Returns types.ErrNotFound when the window holds
// no usable sample.
func (c *Coordinator) GetLatestConsumption(ctx context.Context, utility types.Utility, meter string) (types.LatestValueEntry, error) {
	return c.latestValue(ctx, utility, types.MetricConsumption, meter, LatestConsumptionDays, 0)
}

// GetLatestMeteredCost returns the most recent directly metered price sample
// for utility. The window is wider than consumption's because upstream price
// rows lag, and zero rows are treated as not yet billed.
func (c *Coordinator) GetLatestMeteredCost(ctx context.Context, utility types.Utility, meter string) (types.LatestValueEntry, error) {
	entry, err := c.latestValue(ctx, utility, types.MetricPrice, meter, LatestCostDays, 0)
	if err != nil {
		return types.LatestValueEntry{}, err
	}
	entry.Cost = types.CostActual
	return entry, nil
}

func (c *Coordinator) latestValue(ctx context.Context, utility types.Utility, metric types.MetricKind, meter string, windowDays int, min float64) (types.LatestValueEntry, error) {
	key := types.SeriesKey{Utility: utility, Meter: meterOrAll(meter), Metric: metric}
	if entry, ok := c.store.GetLatest(key); ok {
		return entry, nil
	}

	loc := c.location()
	from, to := types.TrailingWindow(c.now(), windowDays, loc)
	if err := c.ensureSeries(ctx, utility, metric, meter, from, to); err != nil {
		return types.LatestValueEntry{}, err
	}

	if entry, ok := c.store.GetLatest(key); ok {
		return entry, nil
	}
	// The fetch may have merged samples without a latest entry surviving the
	// min filter; fall back to scanning the merged series.
	samples, ok := c.store.GetDailySeries(key)
	if !ok {
		return types.LatestValueEntry{}, fmt.Errorf("no %s samples for %s: %w", metric, key, types.ErrNotFound)
	}
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Value > min {
			entry := types.LatestValueEntry{
				Value:   samples[i].Value,
				Time:    samples[i].Time,
				Unit:    samples[i].Unit,
				Utility: utility,
				Meter:   meterOrAll(meter),
			}
			c.store.PutLatest(key, entry)
			return entry, nil
		}
	}
	return types.LatestValueEntry{}, fmt.Errorf("no %s samples for %s: %w", metric, key, types.ErrNotFound)
}

// GetLatestEstimatedCost estimates what the latest consumption sample cost.
// Hot water goes through the estimation engine; other utilities multiply by
// the billed per-unit rate.
func (c *Coordinator) GetLatestEstimatedCost(ctx context.Context, utility types.Utility, meter string) (types.LatestValueEntry, error) {
	con, err := c.GetLatestConsumption(ctx, utility, meter)
	if err != nil {
		return types.LatestValueEntry{}, err
	}

	loc := c.location()
	now := c.now().In(loc)

	var value float64
	switch utility {
	case types.UtilityHotWater:
		cwRate := c.coldWaterRateOrZero(ctx, now.Year(), now.Month(), loc)
		est, err := c.engine.HotWaterCost(ctx, estimate.Input{
			ConsumptionM3: con.Value,
			Year:          now.Year(),
			Month:         now.Month(),
			Currency:      c.currency(),
			ColdWaterRate: cwRate,
			HasColdWater:  cwRate > 0,
		}, loc)
		if err != nil {
			return types.LatestValueEntry{}, err
		}
		value = est.Value
	default:
		rate, err := c.billing.RatePerUnit(ctx, utility, now.Year(), now.Month(), loc)
		if err != nil {
			return types.LatestValueEntry{}, err
		}
		value = round2(con.Value * rate.RatePerUnit)
	}

	return types.LatestValueEntry{
		Value:   value,
		Time:    con.Time,
		Unit:    c.currency(),
		Utility: utility,
		Meter:   meterOrAll(meter),
		Cost:    types.CostEstimated,
	}, nil
}

// coldWaterRateOrZero resolves the effective cold-water unit rate: the
// current period's metered price over consumption when both are known, else
// the billed rate. Zero disables the cold-water component.
func (c *Coordinator) coldWaterRateOrZero(ctx context.Context, year int, month time.Month, loc *time.Location) float64 {
	from, to := types.MonthWindow(year, month, loc)
	cwCon := types.SeriesKey{Utility: types.UtilityColdWater, Meter: types.MeterAll, Metric: types.MetricConsumption}
	cwPrice := types.SeriesKey{Utility: types.UtilityColdWater, Meter: types.MeterAll, Metric: types.MetricPrice}

	conSum, conCount, _, _ := c.store.SeriesSum(cwCon, from, to, 0)
	priceSum, priceCount, _, _ := c.store.SeriesSum(cwPrice, from, to, 0)
	if conCount > 0 && priceCount > 0 && conSum > 0 && priceSum > 0 {
		return priceSum / conSum
	}

	rate, err := c.billing.RatePerUnit(ctx, types.UtilityColdWater, year, month, loc)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "no cold water rate available", "error", err)
		return 0
	}
	return rate.RatePerUnit
}
