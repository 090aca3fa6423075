package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// GetTotalMonthlyCost sums the month's cost across all tracked utilities,
// preferring metered figures and filling in estimates. When the billing
// history shows upstream prices embed VAT, the metered share is normalized
// to an ex-VAT figure; estimated shares are built from ex-VAT spot prices
// and pass through unchanged.
func (c *Coordinator) GetTotalMonthlyCost(ctx context.Context, year int, month time.Month) (types.TotalMonthlyCost, error) {
	out := types.TotalMonthlyCost{
		Year:     year,
		Month:    month,
		Currency: c.currency(),
	}

	for _, utility := range types.KnownUtilities {
		agg, err := c.GetMonthlyAggregate(ctx, utility, year, month, types.MetricPrice, types.CostActual)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				log.Ctx(ctx).WarnContext(ctx, "metered monthly cost failed",
					"utility", utility, "error", err)
			}
			agg, err = c.GetMonthlyAggregate(ctx, utility, year, month, types.MetricPrice, types.CostEstimated)
			if err != nil {
				log.Ctx(ctx).DebugContext(ctx, "no monthly cost for utility",
					"utility", utility, "error", err)
				continue
			}
		}
		// Classify by what actually came back: the cold-water path answers
		// an "actual" request with a derived figure.
		if agg.Estimated {
			out.EstimatedCost += agg.Value
			out.EstimatedUtilities = append(out.EstimatedUtilities, utility)
			out.Estimated = true
		} else {
			out.MeteredCost += agg.Value
			out.MeteredUtilities = append(out.MeteredUtilities, utility)
		}
	}

	if len(out.MeteredUtilities) == 0 && len(out.EstimatedUtilities) == 0 {
		return types.TotalMonthlyCost{}, fmt.Errorf("no cost data for %d-%02d: %w", year, int(month), types.ErrNotFound)
	}

	metered := out.MeteredCost
	if vatRate, ok, err := c.billing.DetectVATRate(ctx); err == nil && ok && vatRate > 0 {
		out.PricesIncludedVAT = true
		out.VATRate = vatRate
		exVAT := metered / (1 + vatRate)
		out.VATAmount = round2(metered - exVAT)
		metered = exVAT
	} else if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "VAT detection unavailable", "error", err)
	}

	out.MeteredCost = round2(metered)
	out.EstimatedCost = round2(out.EstimatedCost)
	out.Value = round2(metered + out.EstimatedCost)
	out.ValueWithVAT = round2(out.Value + out.VATAmount)
	return out, nil
}

// GetEndOfMonthEstimate projects the current month's full bill. Each
// utility's cost is projected from its mean daily rate over days that
// actually have samples, not calendar days elapsed, because upstream data
// lags. The last known general-fees billing line is added on top.
func (c *Coordinator) GetEndOfMonthEstimate(ctx context.Context) (types.EndOfMonthEstimate, error) {
	loc := c.location()
	now := c.now().In(loc)
	year, month := now.Year(), now.Month()
	from, to := types.MonthWindow(year, month, loc)
	daysInMonth := types.DaysInMonth(year, month, loc)
	daysElapsed := int(now.Sub(from).Hours()/24) + 1

	out := types.EndOfMonthEstimate{
		Year:                year,
		Month:               month,
		Currency:            c.currency(),
		DaysElapsedCalendar: daysElapsed,
		DaysInMonth:         daysInMonth,
		DaysRemaining:       daysInMonth - daysElapsed,
	}

	var totalBill float64
	for _, utility := range types.KnownUtilities {
		proj, err := c.projectUtilityCost(ctx, utility, year, month, from, to, daysInMonth, loc)
		if err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				log.Ctx(ctx).DebugContext(ctx, "cannot project utility",
					"utility", utility, "error", err)
			}
			continue
		}
		out.Projections = append(out.Projections, proj)
		totalBill += proj.EstimatedTotal
		if proj.DaysWithData > out.DaysWithData {
			out.DaysWithData = proj.DaysWithData
		}
		if proj.LatestDataTime.After(out.LatestDataTime) {
			out.LatestDataTime = proj.LatestDataTime
		}
	}
	if len(out.Projections) == 0 {
		return types.EndOfMonthEstimate{}, fmt.Errorf("no data to project %d-%02d: %w", year, int(month), types.ErrNotFound)
	}

	if other, err := c.billing.OtherItemsMonthly(ctx); err == nil {
		out.OtherItemsCost = round2(other)
		totalBill += other
	} else {
		log.Ctx(ctx).DebugContext(ctx, "no general fees line", "error", err)
	}

	out.TotalBill = round2(totalBill)
	return out, nil
}

// projectUtilityCost projects one utility's month-end cost. Metered daily
// prices are preferred; without them the projected consumption is priced
// through the estimated monthly path scaled to the full month.
func (c *Coordinator) projectUtilityCost(ctx context.Context, utility types.Utility, year int, month time.Month, from, to time.Time, daysInMonth int, loc *time.Location) (types.MetricProjection, error) {
	priceKey := types.SeriesKey{Utility: utility, Meter: types.MeterAll, Metric: types.MetricPrice}
	sum, count, latest, _ := c.store.SeriesSum(priceKey, from, to, 0)
	if count > 0 && sum > 0 {
		mean := sum / float64(count)
		return types.MetricProjection{
			Utility:        utility,
			Metric:         types.MetricPrice,
			MeanDaily:      round2(mean),
			TotalSoFar:     round2(sum),
			EstimatedTotal: round2(mean * float64(daysInMonth)),
			DaysWithData:   count,
			LatestDataTime: latest,
		}, nil
	}

	// No metered prices: estimate the month-to-date cost from consumption,
	// then scale it by how many of the month's days the samples cover.
	conKey := types.SeriesKey{Utility: utility, Meter: types.MeterAll, Metric: types.MetricConsumption}
	if err := c.ensureSeries(ctx, utility, types.MetricConsumption, "", from, to); err != nil {
		return types.MetricProjection{}, err
	}
	_, conCount, conLatest, _ := c.store.SeriesSum(conKey, from, to, 0)
	if conCount == 0 {
		return types.MetricProjection{}, fmt.Errorf("no samples for %s: %w", utility, types.ErrNotFound)
	}

	costSoFar, err := c.GetMonthlyAggregate(ctx, utility, year, month, types.MetricPrice, types.CostEstimated)
	if err != nil {
		return types.MetricProjection{}, err
	}

	meanDaily := costSoFar.Value / float64(conCount)
	return types.MetricProjection{
		Utility:        utility,
		Metric:         types.MetricPrice,
		MeanDaily:      round2(meanDaily),
		TotalSoFar:     round2(costSoFar.Value),
		EstimatedTotal: round2(meanDaily * float64(daysInMonth)),
		DaysWithData:   conCount,
		Estimated:      true,
		LatestDataTime: conLatest,
	}, nil
}
