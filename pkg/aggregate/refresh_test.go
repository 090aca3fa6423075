package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/metervane/metervane/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshAllSweepsMetersAndSumsAggregate(t *testing.T) {
	client := newFakeUpstream()
	client.setSeries(types.UtilityHotWater, types.MetricConsumption, "101",
		conRows(types.UtilityHotWater, "m3", map[int]float64{18: 0.4}))
	client.setSeries(types.UtilityHotWater, types.MetricConsumption, "202",
		conRows(types.UtilityHotWater, "m3", map[int]float64{18: 0.6}))
	c := testCoordinator(client, &staticSpot{price: 0.5}, "101", "202")

	require.NoError(t, c.RefreshAll(context.Background()))

	// 2 meters x 4 utilities x 2 metrics.
	assert.Equal(t, int32(16), client.seriesCalls.Load())

	allKey := types.SeriesKey{Utility: types.UtilityHotWater, Meter: types.MeterAll, Metric: types.MetricConsumption}
	samples, ok := c.store.GetDailySeries(allKey)
	require.True(t, ok)
	require.Len(t, samples, 1)
	assert.InDelta(t, 1.0, samples[0].Value, 1e-9, "the aggregate sums both meters' contributions")

	meterKey := types.SeriesKey{Utility: types.UtilityHotWater, Meter: "101", Metric: types.MetricConsumption}
	samples, ok = c.store.GetDailySeries(meterKey)
	require.True(t, ok)
	assert.Equal(t, 0.4, samples[0].Value)

	// A repeated sweep re-merges the same samples without double counting.
	require.NoError(t, c.RefreshAll(context.Background()))
	samples, _ = c.store.GetDailySeries(allKey)
	assert.InDelta(t, 1.0, samples[0].Value, 1e-9)
}

func TestRefreshAllSurvivesPartialFailure(t *testing.T) {
	client := newFakeUpstream()
	client.setSeries(types.UtilityColdWater, types.MetricConsumption, "",
		conRows(types.UtilityColdWater, "m3", map[int]float64{18: 2.0}))
	c := testCoordinator(client, &staticSpot{price: 0.5})

	// The sweep itself never fails, individual fetch errors are logged.
	require.NoError(t, c.RefreshAll(context.Background()))

	key := types.SeriesKey{Utility: types.UtilityColdWater, Meter: types.MeterAll, Metric: types.MetricConsumption}
	_, ok := c.store.GetDailySeries(key)
	assert.True(t, ok)
}

func TestRefreshAllUpdatesLatestValues(t *testing.T) {
	client := newFakeUpstream()
	client.setSeries(types.UtilityHotWater, types.MetricConsumption, "",
		conRows(types.UtilityHotWater, "m3", map[int]float64{18: 0.4, 19: 0.7}))
	c := testCoordinator(client, &staticSpot{price: 0.5})

	require.NoError(t, c.RefreshAll(context.Background()))

	key := types.SeriesKey{Utility: types.UtilityHotWater, Meter: types.MeterAll, Metric: types.MetricConsumption}
	entry, ok := c.store.GetLatest(key)
	require.True(t, ok)
	assert.Equal(t, 0.7, entry.Value)
	assert.Equal(t, dayTS(19), entry.Time)
}

func TestGetLatestEstimatedCostHotWater(t *testing.T) {
	client := newFakeUpstream()
	client.setSeries(types.UtilityHotWater, types.MetricConsumption, "",
		conRows(types.UtilityHotWater, "m3", map[int]float64{19: 2.0}))
	c := testCoordinator(client, &staticSpot{price: 0.5})

	entry, err := c.GetLatestEstimatedCost(context.Background(), types.UtilityHotWater, "")
	require.NoError(t, err)
	// 2 m3 * 45 kWh/m3 * 0.5 per kWh, no cold-water rate known.
	assert.Equal(t, 45.0, entry.Value)
	assert.Equal(t, types.CostEstimated, entry.Cost)
	assert.Equal(t, "NOK", entry.Unit)
}

func TestGetLatestEstimatedCostOtherUtilityUsesRate(t *testing.T) {
	client := newFakeUpstream()
	client.setSeries(types.UtilityColdWater, types.MetricConsumption, "",
		conRows(types.UtilityColdWater, "m3", map[int]float64{19: 3.0}))
	client.docs = []types.BillingDocument{{
		Start: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		Parts: []types.BillingPart{{
			Code: types.UtilityColdWater,
			Items: []types.BillingItem{
				{ComponentType: "C1", Rate: 11, RateUnit: "m3", Amount: 110},
			},
		}},
	}}
	c := testCoordinator(client, &staticSpot{price: 0.5})

	entry, err := c.GetLatestEstimatedCost(context.Background(), types.UtilityColdWater, "")
	require.NoError(t, err)
	assert.Equal(t, 33.0, entry.Value)
	assert.Equal(t, types.CostEstimated, entry.Cost)
}
