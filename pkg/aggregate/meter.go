package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/metervane/metervane/pkg/estimate"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// meterCostStrategy is one way to resolve a meter's estimated monthly cost.
// Strategies are evaluated in order; a failing strategy yields to the next.
type meterCostStrategy struct {
	name    string
	resolve func(ctx context.Context) (float64, error)
}

// GetMonthlyAggregateForMeter is the per-meter variant of
// GetMonthlyAggregate. Consumption and directly metered cost read the
// meter's own series; an estimated cost with no direct per-meter price falls
// back through an ordered strategy chain: proportional allocation of the
// aggregate estimate, then billed rate, then direct spot estimation.
func (c *Coordinator) GetMonthlyAggregateForMeter(ctx context.Context, utility types.Utility, meter string, year int, month time.Month, metric types.MetricKind, cost types.CostKind) (types.MonthlyAggregate, error) {
	if meter == "" || meter == types.MeterAll {
		return types.MonthlyAggregate{}, fmt.Errorf("meter required: %w", types.ErrNotFound)
	}
	if metric == types.MetricConsumption || cost == types.CostActual {
		return c.monthlyAggregate(ctx, utility, meter, year, month, metric, cost)
	}

	key := types.CacheKey{
		Utility: utility, Meter: meter,
		Year: year, Month: month,
		Metric: metric, Cost: cost,
	}
	if agg, ok := c.store.GetMonthlyAggregate(key); ok {
		return agg, nil
	}

	loc := c.location()

	// A direct per-meter price, when present and non-zero, wins outright.
	if agg, err := c.monthlyMeteredCost(ctx, utility, meter, year, month, loc); err == nil {
		c.store.PutMonthlyAggregate(key, agg, c.monthClosed(year, month, loc))
		return agg, nil
	}

	con, err := c.monthlyAggregate(ctx, utility, meter, year, month, types.MetricConsumption, types.CostActual)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}

	value, method, err := c.resolveMeterCost(ctx, utility, meter, con.Value, year, month, loc)
	if err != nil {
		return types.MonthlyAggregate{}, err
	}

	agg := types.MonthlyAggregate{
		Value: value, Unit: c.currency(),
		Year: year, Month: month,
		Utility: utility, Meter: meter,
		Metric: types.MetricPrice, Cost: types.CostEstimated,
		Estimated: true, Method: method,
	}
	c.store.PutMonthlyAggregate(key, agg, c.monthClosed(year, month, loc))
	return agg, nil
}

func (c *Coordinator) resolveMeterCost(ctx context.Context, utility types.Utility, meter string, meterCon float64, year int, month time.Month, loc *time.Location) (float64, string, error) {
	strategies := []meterCostStrategy{
		{
			name: "allocated_share",
			resolve: func(ctx context.Context) (float64, error) {
				return c.allocatedShare(ctx, utility, meterCon, year, month)
			},
		},
		{
			name: "billing_rate",
			resolve: func(ctx context.Context) (float64, error) {
				rate, err := c.billing.RatePerUnit(ctx, utility, year, month, loc)
				if err != nil {
					return 0, err
				}
				return round2(meterCon * rate.RatePerUnit), nil
			},
		},
		{
			name: "spot_estimate",
			resolve: func(ctx context.Context) (float64, error) {
				if utility != types.UtilityHotWater {
					return 0, fmt.Errorf("no spot model for %s: %w", utility, types.ErrUnavailable)
				}
				est, err := c.engine.HotWaterCost(ctx, estimate.Input{
					ConsumptionM3: meterCon,
					Year:          year,
					Month:         month,
					Currency:      c.currency(),
				}, loc)
				if err != nil {
					return 0, err
				}
				return est.Value, nil
			},
		},
	}

	for _, s := range strategies {
		value, err := s.resolve(ctx)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "meter cost strategy failed",
				"strategy", s.name, "meter", meter, "error", err)
			continue
		}
		return value, s.name, nil
	}
	return 0, "", fmt.Errorf("no strategy resolved a cost for meter %s: %w", meter, types.ErrUnavailable)
}

// allocatedShare distributes the aggregate estimated cost across meters in
// proportion to consumption.
func (c *Coordinator) allocatedShare(ctx context.Context, utility types.Utility, meterCon float64, year int, month time.Month) (float64, error) {
	total, err := c.GetMonthlyAggregate(ctx, utility, year, month, types.MetricConsumption, types.CostActual)
	if err != nil {
		return 0, err
	}
	if total.Value <= 0 {
		return 0, fmt.Errorf("no aggregate consumption to allocate by: %w", types.ErrUnavailable)
	}
	aggCost, err := c.GetMonthlyAggregate(ctx, utility, year, month, types.MetricPrice, types.CostEstimated)
	if err != nil {
		return 0, err
	}
	return round2(aggCost.Value * meterCon / total.Value), nil
}
