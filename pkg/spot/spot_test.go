package spot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metervane/metervane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMarket struct {
	mu     sync.Mutex
	curves map[string][]types.HourlyPrice
	errs   map[string]error
	calls  atomic.Int32
	block  chan struct{}
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		curves: make(map[string][]types.HourlyPrice),
		errs:   make(map[string]error),
	}
}

func (m *fakeMarket) setCurve(date time.Time, curve []types.HourlyPrice) {
	m.mu.Lock()
	m.curves[date.Format("2006-01-02")] = curve
	m.mu.Unlock()
}

func (m *fakeMarket) setErr(date time.Time, err error) {
	m.mu.Lock()
	m.errs[date.Format("2006-01-02")] = err
	m.mu.Unlock()
}

func (m *fakeMarket) FetchDailyPrices(ctx context.Context, area, currency string, date time.Time) ([]types.HourlyPrice, error) {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := date.Format("2006-01-02")
	if err, ok := m.errs[key]; ok {
		return nil, err
	}
	return m.curves[key], nil
}

func flatCurve(day time.Time, perMWH float64) []types.HourlyPrice {
	curve := make([]types.HourlyPrice, 24)
	for h := 0; h < 24; h++ {
		curve[h] = types.HourlyPrice{
			HourStart:   day.Add(time.Duration(h) * time.Hour),
			PricePerMWH: perMWH,
		}
	}
	return curve
}

func TestPricePerKWHUsesCurrentHour(t *testing.T) {
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	market := newFakeMarket()
	curve := flatCurve(day, 100)
	curve[14].PricePerMWH = 500
	market.setCurve(day, curve)

	f := NewFetcher(market, "NO1", "NOK")
	f.SetNow(func() time.Time { return day.Add(14*time.Hour + 30*time.Minute) })

	price, err := f.PricePerKWH(context.Background(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 0.5, price, "500 per MWh is 0.5 per kWh")
}

func TestPricePerKWHFallsBackToDayMean(t *testing.T) {
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	market := newFakeMarket()
	// Curve missing hour 23 entirely.
	market.setCurve(day, flatCurve(day, 300)[:23])

	f := NewFetcher(market, "NO1", "NOK")
	f.SetNow(func() time.Time { return day.Add(23*time.Hour + 5*time.Minute) })

	price, err := f.PricePerKWH(context.Background(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 0.3, price)
}

func TestPricePerKWHFallsBackToYesterday(t *testing.T) {
	today := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	market := newFakeMarket()
	market.setErr(today, fmt.Errorf("not published: %w", types.ErrUnavailable))
	market.setCurve(yesterday, flatCurve(yesterday, 200))

	f := NewFetcher(market, "NO1", "NOK")
	f.SetNow(func() time.Time { return today.Add(6 * time.Hour) })

	price, err := f.PricePerKWH(context.Background(), time.UTC)
	require.NoError(t, err)
	// Today's hour does not exist in yesterday's curve, so the day mean wins.
	assert.Equal(t, 0.2, price)
}

func TestPricePerKWHUnavailableWhenBothDaysFail(t *testing.T) {
	today := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	market := newFakeMarket()
	market.setErr(today, errors.New("down"))
	market.setErr(today.AddDate(0, 0, -1), errors.New("down"))

	f := NewFetcher(market, "NO1", "NOK")
	f.SetNow(func() time.Time { return today.Add(6 * time.Hour) })

	_, err := f.PricePerKWH(context.Background(), time.UTC)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestDailyCurveFetchedOnceAcrossConcurrentCallers(t *testing.T) {
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	market := newFakeMarket()
	market.block = make(chan struct{})
	market.setCurve(day, flatCurve(day, 100))

	f := NewFetcher(market, "NO1", "NOK")
	f.SetNow(func() time.Time { return day.Add(12 * time.Hour) })

	const n = 10
	var wg sync.WaitGroup
	prices := make([]float64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := f.PricePerKWH(context.Background(), time.UTC)
			assert.NoError(t, err)
			prices[i] = p
		}(i)
	}
	assert.Eventually(t, func() bool { return market.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(market.block)
	wg.Wait()

	assert.Equal(t, int32(1), market.calls.Load(), "one upstream call serves all concurrent callers")
	for i := 0; i < n; i++ {
		assert.Equal(t, 0.1, prices[i])
	}

	// A second call after resolution hits the per-day cache, not the market.
	market.block = nil
	_, err := f.PricePerKWH(context.Background(), time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int32(1), market.calls.Load())
}

func TestMeanPricePerKWH(t *testing.T) {
	day := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	market := newFakeMarket()
	curve := flatCurve(day, 100)
	curve[0].PricePerMWH = 2400 // pulls the mean up by (2400-100)/24
	market.setCurve(day, curve)

	f := NewFetcher(market, "NO1", "NOK")
	mean, err := f.MeanPricePerKWH(context.Background(), day.Add(5*time.Hour), time.UTC)
	require.NoError(t, err)
	assert.InDelta(t, (23*100+2400)/24.0/1000, mean, 1e-9)
}
