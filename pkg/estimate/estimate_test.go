package estimate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/metervane/metervane/pkg/billing"
	"github.com/metervane/metervane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpot struct {
	current float64
	mean    float64
	err     error
}

func (f *fakeSpot) PricePerKWH(ctx context.Context, loc *time.Location) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.current, nil
}

func (f *fakeSpot) MeanPricePerKWH(ctx context.Context, date time.Time, loc *time.Location) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.mean, nil
}

// fixedCalibrator builds a Calibrator that already holds a ratio.
func fixedCalibrator(t *testing.T, ratio float64) *Calibrator {
	t.Helper()
	c := NewCalibrator(billing.NewSource(nil, 0), &fakeSpot{}, 0)
	c.mu.Lock()
	c.cached = types.CalibrationRatio{Ratio: ratio, SourceMonths: 6}
	c.ok = true
	c.mu.Unlock()
	return c
}

func TestHotWaterCostCalibratedWithColdWater(t *testing.T) {
	e := NewEngine(&fakeSpot{current: 0.5}, fixedCalibrator(t, 1.5))

	est, err := e.HotWaterCost(context.Background(), Input{
		ConsumptionM3: 10,
		Year:          2025,
		Month:         time.March,
		Currency:      "NOK",
		ColdWaterRate: 10,
		HasColdWater:  true,
	}, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, 450.0, est.EnergyKWH)
	assert.Equal(t, 0.5, est.SpotPricePerKWH)
	assert.Equal(t, 225.0, est.BaseHeatingCost)
	assert.Equal(t, 337.5, est.HeatingCost, "heating is energy times spot times ratio")
	assert.Equal(t, 100.0, est.ColdWaterCost)
	assert.Equal(t, 437.5, est.Value)
	assert.Equal(t, MethodSpotPriceCalibrated, est.Method)
	assert.True(t, est.Calibrated)
	assert.Equal(t, 1.5, est.CalibrationRatio)
}

func TestHotWaterCostUncalibrated(t *testing.T) {
	e := NewEngine(&fakeSpot{current: 0.5}, nil)

	est, err := e.HotWaterCost(context.Background(), Input{
		ConsumptionM3: 10,
		Currency:      "NOK",
	}, time.UTC)
	require.NoError(t, err)

	assert.Equal(t, MethodSpotPrice, est.Method)
	assert.False(t, est.Calibrated)
	assert.Equal(t, 225.0, est.Value, "heating only, no cold-water component")
	assert.False(t, est.HasColdWater)
}

func TestHotWaterCostRoundsToTwoDecimals(t *testing.T) {
	e := NewEngine(&fakeSpot{current: 0.123456}, nil)

	est, err := e.HotWaterCost(context.Background(), Input{
		ConsumptionM3: 1.234,
		Currency:      "NOK",
	}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, 6.86, est.Value)
}

func TestHotWaterCostSpotUnavailable(t *testing.T) {
	e := NewEngine(&fakeSpot{err: types.ErrUnavailable}, nil)

	_, err := e.HotWaterCost(context.Background(), Input{ConsumptionM3: 10}, time.UTC)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestHotWaterCostSurvivesCalibrationFailure(t *testing.T) {
	// Calibrator with no billing data falls back to the uncalibrated method.
	client := &fakeBillingClient{}
	c := NewCalibrator(billing.NewSource(client, 1), &fakeSpot{mean: 0.4}, 0)
	e := NewEngine(&fakeSpot{current: 0.5}, c)

	est, err := e.HotWaterCost(context.Background(), Input{ConsumptionM3: 10, Currency: "NOK"}, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, MethodSpotPrice, est.Method)
	assert.Equal(t, 225.0, est.Value)
}

type fakeBillingClient struct {
	docs []types.BillingDocument
	err  error
}

func (f *fakeBillingClient) FetchSeries(ctx context.Context, q types.SeriesQuery) ([]types.SeriesResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBillingClient) FetchBillingDocuments(ctx context.Context, nodeID int, from, to time.Time) ([]types.BillingDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

func (f *fakeBillingClient) FetchSettings(ctx context.Context) (map[string]string, error) {
	return nil, errors.New("not implemented")
}
