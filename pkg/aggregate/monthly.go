package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/metervane/metervane/pkg/estimate"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// GetMonthlyAggregate returns the month's total for (utility, metric, cost)
// summed across all meters. The monthly cache is consulted first, then the
// daily-series cache is summed before any upstream call is made. Returns
// types.ErrNotFound when the month has no usable data.
func (c *Coordinator) GetMonthlyAggregate(ctx context.Context, utility types.Utility, year int, month time.Month, metric types.MetricKind, cost types.CostKind) (types.MonthlyAggregate, error) {
	return c.monthlyAggregate(ctx, utility, types.MeterAll, year, month, metric, cost)
}

func (c *Coordinator) monthlyAggregate(ctx context.Context, utility types.Utility, meter string, year int, month time.Month, metric types.MetricKind, cost types.CostKind) (types.MonthlyAggregate, error) {
	key := types.CacheKey{
		Utility: utility, Meter: meter,
		Year: year, Month: month,
		Metric: metric, Cost: cost,
	}
	if agg, ok := c.store.GetMonthlyAggregate(key); ok {
		return agg, nil
	}

	loc := c.location()
	var agg types.MonthlyAggregate
	var err error
	switch {
	case metric == types.MetricConsumption:
		agg, err = c.monthlyConsumption(ctx, utility, meter, year, month, loc)
	case utility == types.UtilityColdWater:
		// Cold water is not priced upstream; its cost derives from metered
		// volume times the billed rate.
		agg, err = c.coldWaterMonthlyCost(ctx, meter, year, month, loc)
	case cost == types.CostActual:
		agg, err = c.monthlyMeteredCost(ctx, utility, meter, year, month, loc)
	case utility == types.UtilityHotWater:
		agg, err = c.hotWaterEstimatedCost(ctx, meter, year, month, loc)
	default:
		agg, err = c.defaultEstimatedCost(ctx, utility, meter, year, month, loc)
	}
	if err != nil {
		return types.MonthlyAggregate{}, err
	}

	c.store.PutMonthlyAggregate(key, agg, c.monthClosed(year, month, loc))
	return agg, nil
}

// monthlyConsumption sums the month's daily consumption samples, fetching
// the window only when the series cache holds nothing for it.
func (c *Coordinator) monthlyConsumption(ctx context.Context, utility types.Utility, meter string, year int, month time.Month, loc *time.Location) (types.MonthlyAggregate, error) {
	from, to := types.MonthWindow(year, month, loc)
	if err := c.ensureSeries(ctx, utility, types.MetricConsumption, meter, from, to); err != nil {
		return types.MonthlyAggregate{}, err
	}

	key := types.SeriesKey{Utility: utility, Meter: meter, Metric: types.MetricConsumption}
	sum, count, _, unit := c.store.SeriesSum(key, from, to, 0)
	if count == 0 {
		return types.MonthlyAggregate{}, fmt.Errorf("no consumption for %s %d-%02d: %w", utility, year, int(month), types.ErrNotFound)
	}
	return types.MonthlyAggregate{
		Value: round2(sum), Unit: unit,
		Year: year, Month: month,
		Utility: utility, Meter: meter,
		Metric: types.MetricConsumption, Cost: types.CostActual,
	}, nil
}

// monthlyMeteredCost sums the month's daily price samples. An all-zero month
// means the upstream has not billed it yet, reported as not found rather
// than a zero cost.
func (c *Coordinator) monthlyMeteredCost(ctx context.Context, utility types.Utility, meter string, year int, month time.Month, loc *time.Location) (types.MonthlyAggregate, error) {
	from, to := types.MonthWindow(year, month, loc)
	if err := c.ensureSeries(ctx, utility, types.MetricPrice, meter, from, to); err != nil {
		return types.MonthlyAggregate{}, err
	}

	key := types.SeriesKey{Utility: utility, Meter: meter, Metric: types.MetricPrice}
	sum, count, _, _ := c.store.SeriesSum(key, from, to, 0)
	if count == 0 || sum == 0 {
		return types.MonthlyAggregate{}, fmt.Errorf("no metered cost for %s %d-%02d: %w", utility, year, int(month), types.ErrNotFound)
	}
	return types.MonthlyAggregate{
		Value: round2(sum), Unit: c.currency(),
		Year: year, Month: month,
		Utility: utility, Meter: meter,
		Metric: types.MetricPrice, Cost: types.CostActual,
	}, nil
}

// hotWaterEstimatedCost prefers the metered figure when the upstream has
// real price rows for the month; otherwise it estimates from consumption.
func (c *Coordinator) hotWaterEstimatedCost(ctx context.Context, meter string, year int, month time.Month, loc *time.Location) (types.MonthlyAggregate, error) {
	if agg, err := c.monthlyMeteredCost(ctx, types.UtilityHotWater, meter, year, month, loc); err == nil {
		return agg, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		log.Ctx(ctx).DebugContext(ctx, "metered hot water cost unavailable, estimating", "error", err)
	}

	con, err := c.monthlyConsumption(ctx, types.UtilityHotWater, meter, year, month, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}

	cwRate := c.coldWaterRateOrZero(ctx, year, month, loc)
	est, err := c.engine.HotWaterCost(ctx, estimate.Input{
		ConsumptionM3: con.Value,
		Year:          year,
		Month:         month,
		Currency:      c.currency(),
		ColdWaterRate: cwRate,
		HasColdWater:  cwRate > 0,
	}, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}

	return types.MonthlyAggregate{
		Value: est.Value, Unit: est.Currency,
		Year: year, Month: month,
		Utility: types.UtilityHotWater, Meter: meter,
		Metric: types.MetricPrice, Cost: types.CostEstimated,
		Estimated: true, Method: est.Method,
	}, nil
}

// coldWaterMonthlyCost prices cold water as metered volume times the billed
// per-unit rate.
func (c *Coordinator) coldWaterMonthlyCost(ctx context.Context, meter string, year int, month time.Month, loc *time.Location) (types.MonthlyAggregate, error) {
	con, err := c.monthlyConsumption(ctx, types.UtilityColdWater, meter, year, month, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}
	rate, err := c.billing.RatePerUnit(ctx, types.UtilityColdWater, year, month, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}
	return types.MonthlyAggregate{
		Value: round2(con.Value * rate.RatePerUnit), Unit: c.currency(),
		Year: year, Month: month,
		Utility: types.UtilityColdWater, Meter: meter,
		Metric: types.MetricPrice, Cost: types.CostEstimated,
		Estimated: true, Method: "billing_rate",
	}, nil
}

// defaultEstimatedCost covers utilities without a dedicated estimation
// model: metered volume times the billed rate.
func (c *Coordinator) defaultEstimatedCost(ctx context.Context, utility types.Utility, meter string, year int, month time.Month, loc *time.Location) (types.MonthlyAggregate, error) {
	con, err := c.monthlyConsumption(ctx, utility, meter, year, month, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}
	rate, err := c.billing.RatePerUnit(ctx, utility, year, month, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}
	return types.MonthlyAggregate{
		Value: round2(con.Value * rate.RatePerUnit), Unit: c.currency(),
		Year: year, Month: month,
		Utility: utility, Meter: meter,
		Metric: types.MetricPrice, Cost: types.CostEstimated,
		Estimated: true, Method: "billing_rate",
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
