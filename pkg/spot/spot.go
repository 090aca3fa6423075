// Package spot resolves wholesale electricity spot prices used to estimate
// hot-water heating cost. Prices come from a day-ahead market API, are cached
// per delivery day, and are quoted per kWh to callers.
package spot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metervane/metervane/pkg/coalesce"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// FetchTimeout bounds one market API round trip. Estimation degrades
// gracefully without a spot price, so the bound is generous but firm.
const FetchTimeout = 45 * time.Second

// MarketAPI fetches one delivery day's hourly day-ahead curve for an area.
// Prices are per MWh as quoted by the market.
type MarketAPI interface {
	FetchDailyPrices(ctx context.Context, area, currency string, date time.Time) ([]types.HourlyPrice, error)
}

// Fetcher caches daily price curves and coalesces concurrent fetches for the
// same day. A day's curve never changes once published, so cached curves do
// not expire.
type Fetcher struct {
	api      MarketAPI
	area     string
	currency string

	flights *coalesce.Coalescer[string, []types.HourlyPrice]

	mu     sync.Mutex
	cached map[string][]types.HourlyPrice

	now func() time.Time
}

// NewFetcher creates a Fetcher for one bidding area and currency.
func NewFetcher(api MarketAPI, area, currency string) *Fetcher {
	return &Fetcher{
		api:      api,
		area:     area,
		currency: currency,
		flights:  coalesce.New[string, []types.HourlyPrice](),
		cached:   make(map[string][]types.HourlyPrice),
		now:      time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (f *Fetcher) SetNow(now func() time.Time) {
	f.now = now
}

func (f *Fetcher) dayKey(date time.Time) string {
	return fmt.Sprintf("%s_%s_%s", f.area, f.currency, date.Format("2006-01-02"))
}

// PricePerKWH returns the spot price in currency per kWh that applies right
// now: today's price for the current hour, the day mean if the current hour
// is missing from the curve, and yesterday's curve as a whole-day fallback
// when today's is not yet published. Returns types.ErrUnavailable when no
// curve can be fetched at all.
func (f *Fetcher) PricePerKWH(ctx context.Context, loc *time.Location) (float64, error) {
	now := f.now().In(loc)
	today := types.DayStart(now, loc)

	curve, err := f.dailyCurve(ctx, today)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "today's spot curve unavailable, trying yesterday",
			"area", f.area, "error", err)
		curve, err = f.dailyCurve(ctx, today.AddDate(0, 0, -1))
		if err != nil {
			return 0, fmt.Errorf("spot price for %s: %w", f.area, types.ErrUnavailable)
		}
	}

	perMWH, ok := priceForHour(curve, now)
	if !ok {
		perMWH = meanPrice(curve)
	}
	return perMWH / 1000, nil
}

// MeanPricePerKWH returns the day-mean price per kWh for date, with the same
// previous-day fallback as PricePerKWH.
func (f *Fetcher) MeanPricePerKWH(ctx context.Context, date time.Time, loc *time.Location) (float64, error) {
	day := types.DayStart(date, loc)
	curve, err := f.dailyCurve(ctx, day)
	if err != nil {
		curve, err = f.dailyCurve(ctx, day.AddDate(0, 0, -1))
		if err != nil {
			return 0, fmt.Errorf("spot price for %s: %w", f.area, types.ErrUnavailable)
		}
	}
	return meanPrice(curve) / 1000, nil
}

// dailyCurve returns the cached curve for date, fetching it at most once
// across concurrent callers.
func (f *Fetcher) dailyCurve(ctx context.Context, date time.Time) ([]types.HourlyPrice, error) {
	key := f.dayKey(date)

	f.mu.Lock()
	cached, ok := f.cached[key]
	f.mu.Unlock()
	if ok {
		return cached, nil
	}

	return f.flights.Do(ctx, key, func(ctx context.Context) ([]types.HourlyPrice, error) {
		ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
		defer cancel()

		curve, err := f.api.FetchDailyPrices(ctx, f.area, f.currency, date)
		if err != nil {
			return nil, err
		}
		if len(curve) == 0 {
			return nil, fmt.Errorf("empty curve for %s: %w", key, types.ErrUnavailable)
		}

		f.mu.Lock()
		f.cached[key] = curve
		f.mu.Unlock()

		log.Ctx(ctx).DebugContext(ctx, "cached spot curve", "key", key, "hours", len(curve))
		return curve, nil
	})
}

// priceForHour returns the per-MWh price covering t, if the curve has it.
func priceForHour(curve []types.HourlyPrice, t time.Time) (float64, bool) {
	for _, h := range curve {
		if !t.Before(h.HourStart) && t.Before(h.HourStart.Add(time.Hour)) {
			return h.PricePerMWH, true
		}
	}
	return 0, false
}

func meanPrice(curve []types.HourlyPrice) float64 {
	if len(curve) == 0 {
		return 0
	}
	var sum float64
	for _, h := range curve {
		sum += h.PricePerMWH
	}
	return sum / float64(len(curve))
}
