package estimate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/metervane/metervane/pkg/billing"
	"github.com/metervane/metervane/pkg/coalesce"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// DefaultCalibrationMonths is how far back billed periods are considered
// when learning the calibration ratio.
const DefaultCalibrationMonths = 6

// failureBackoff is how long a failed ratio computation is remembered.
// Billing history and spot curves change on the order of days, so hammering
// them again on every estimate after a failure buys nothing.
const failureBackoff = time.Hour

// Calibrator learns the ratio between what hot water actually costs on the
// bill and what the raw energy-times-spot model predicts. The billed hot
// water rate minus the cold water rate isolates the heating component; that
// premium divided by the period's expected heating cost per m3 is the ratio.
//
// The ratio is computed at most once per Calibrator lifetime. Concurrent
// first calls coalesce into a single computation.
type Calibrator struct {
	billing    *billing.Source
	spot       SpotSource
	monthsBack int

	flights *coalesce.Coalescer[string, types.CalibrationRatio]

	mu       sync.Mutex
	cached   types.CalibrationRatio
	ok       bool
	failedAt time.Time

	now func() time.Time
}

// NewCalibrator creates a Calibrator over the given history window.
// monthsBack of 0 means DefaultCalibrationMonths.
func NewCalibrator(b *billing.Source, spot SpotSource, monthsBack int) *Calibrator {
	if monthsBack <= 0 {
		monthsBack = DefaultCalibrationMonths
	}
	return &Calibrator{
		billing:    b,
		spot:       spot,
		monthsBack: monthsBack,
		flights:    coalesce.New[string, types.CalibrationRatio](),
		now:        time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (c *Calibrator) SetNow(now func() time.Time) {
	c.now = now
}

// Ratio returns the calibration ratio, computing it on first call. Returns
// types.ErrUnavailable when no billing period yields a usable ratio. A
// failed computation is remembered for failureBackoff so every estimate in
// the meantime does not re-walk the billing history and spot curves.
func (c *Calibrator) Ratio(ctx context.Context, loc *time.Location) (types.CalibrationRatio, error) {
	c.mu.Lock()
	if c.ok {
		cached := c.cached
		c.mu.Unlock()
		return cached, nil
	}
	if !c.failedAt.IsZero() && c.now().Sub(c.failedAt) < failureBackoff {
		c.mu.Unlock()
		return types.CalibrationRatio{}, fmt.Errorf("calibration recently failed: %w", types.ErrUnavailable)
	}
	c.mu.Unlock()

	return c.flights.Do(ctx, "ratio", func(ctx context.Context) (types.CalibrationRatio, error) {
		ratio, err := c.compute(ctx, loc)
		if err != nil {
			c.mu.Lock()
			c.failedAt = c.now()
			c.mu.Unlock()
			return types.CalibrationRatio{}, err
		}

		c.mu.Lock()
		c.cached = ratio
		c.ok = true
		c.failedAt = time.Time{}
		c.mu.Unlock()

		log.Ctx(ctx).InfoContext(ctx, "computed calibration ratio",
			"ratio", ratio.Ratio, "sourceMonths", ratio.SourceMonths)
		return ratio, nil
	})
}

// Invalidate drops the cached ratio and any remembered failure so the next
// call recomputes.
func (c *Calibrator) Invalidate() {
	c.mu.Lock()
	c.ok = false
	c.failedAt = time.Time{}
	c.mu.Unlock()
	c.flights.Forget("ratio")
}

func (c *Calibrator) compute(ctx context.Context, loc *time.Location) (types.CalibrationRatio, error) {
	docs, err := c.billing.Documents(ctx)
	if err != nil {
		return types.CalibrationRatio{}, err
	}

	now := c.now().In(loc)
	cutoff := now.AddDate(0, -c.monthsBack, 0)

	var ratios []float64
	var months int
	for _, doc := range docs {
		if doc.End.Before(cutoff) {
			continue
		}
		hwRate, hwOK := volumeRate(doc, types.UtilityHotWater)
		cwRate, cwOK := volumeRate(doc, types.UtilityColdWater)
		if !hwOK || !cwOK || hwRate <= cwRate {
			continue
		}

		avgSpot, err := c.periodMeanSpot(ctx, doc, loc)
		if err != nil {
			log.Ctx(ctx).DebugContext(ctx, "skipping billing period without spot history",
				"periodEnd", doc.End, "error", err)
			continue
		}
		if avgSpot <= 0 {
			continue
		}

		r := (hwRate - cwRate) / (avgSpot * EnergyPerM3KWH)
		if math.IsInf(r, 0) || math.IsNaN(r) || r <= 0 {
			continue
		}
		ratios = append(ratios, r)
		months += monthsSpanned(doc)
	}

	if len(ratios) == 0 {
		return types.CalibrationRatio{}, fmt.Errorf("no usable billing periods: %w", types.ErrUnavailable)
	}
	return types.CalibrationRatio{
		Ratio:        lo.Sum(ratios) / float64(len(ratios)),
		ComputedAt:   now,
		SourceMonths: months,
	}, nil
}

// periodMeanSpot averages the spot price over the document's period, sampled
// mid-month in each month it spans.
func (c *Calibrator) periodMeanSpot(ctx context.Context, doc types.BillingDocument, loc *time.Location) (float64, error) {
	var sum float64
	var n int
	for t := doc.Start.In(loc); t.Before(doc.End); t = t.AddDate(0, 1, 0) {
		mid := time.Date(t.Year(), t.Month(), 15, 0, 0, 0, 0, loc)
		p, err := c.spot.MeanPricePerKWH(ctx, mid, loc)
		if err != nil {
			continue
		}
		sum += p
		n++
	}
	if n == 0 {
		return 0, types.ErrUnavailable
	}
	return sum / float64(n), nil
}

// volumeRate extracts a per-m3 variable rate for utility from the document.
func volumeRate(doc types.BillingDocument, utility types.Utility) (float64, bool) {
	for _, part := range doc.Parts {
		if part.Code != utility {
			continue
		}
		for _, item := range part.Items {
			if item.Rate > 0 && item.RateUnit == "m3" &&
				(item.ComponentType == "C1" || item.ComponentType == "C2") {
				return item.Rate, true
			}
		}
	}
	return 0, false
}

func monthsSpanned(doc types.BillingDocument) int {
	months := int(doc.End.Sub(doc.Start).Hours() / (24 * 30))
	if months < 1 {
		return 1
	}
	return months
}
