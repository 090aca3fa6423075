// Package estimate prices hot-water consumption from first principles:
// energy to heat the water times the electricity spot price, corrected by a
// calibration ratio learned from historical bills.
package estimate

import (
	"context"
	"math"
	"time"

	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

// EnergyPerM3KWH is the energy needed to heat one cubic meter of water from
// inlet to tap temperature, roughly 10C to 50C with typical system losses.
const EnergyPerM3KWH = 45.0

// Estimation method names surfaced in results.
const (
	MethodSpotPrice           = "spot_price"
	MethodSpotPriceCalibrated = "spot_price_calibrated"
)

// SpotSource resolves electricity spot prices per kWh.
type SpotSource interface {
	PricePerKWH(ctx context.Context, loc *time.Location) (float64, error)
	MeanPricePerKWH(ctx context.Context, date time.Time, loc *time.Location) (float64, error)
}

// Input is one hot-water estimation request.
type Input struct {
	// ConsumptionM3 is the hot-water volume to price.
	ConsumptionM3 float64

	Year     int
	Month    time.Month
	Currency string

	// ColdWaterRate prices the water itself, separate from heating it.
	// HasColdWater false means the cold-water component is unknown and the
	// estimate covers heating only.
	ColdWaterRate float64
	HasColdWater  bool
}

// Engine estimates hot-water cost.
type Engine struct {
	spot       SpotSource
	calibrator *Calibrator
}

// NewEngine creates an Engine. calibrator may be nil, disabling calibration.
func NewEngine(spot SpotSource, calibrator *Calibrator) *Engine {
	return &Engine{spot: spot, calibrator: calibrator}
}

// HotWaterCost estimates the cost of in.ConsumptionM3 of hot water. The
// heating component uses the current spot price and, when a calibration
// ratio is available, scales it to match billed reality. Returns
// types.ErrUnavailable when no spot price can be resolved.
func (e *Engine) HotWaterCost(ctx context.Context, in Input, loc *time.Location) (types.CostEstimate, error) {
	spotPrice, err := e.spot.PricePerKWH(ctx, loc)
	if err != nil {
		return types.CostEstimate{}, err
	}

	energyKWH := in.ConsumptionM3 * EnergyPerM3KWH
	baseHeating := energyKWH * spotPrice

	est := types.CostEstimate{
		Currency:        in.Currency,
		Year:            in.Year,
		Month:           in.Month,
		Method:          MethodSpotPrice,
		EnergyPerM3:     EnergyPerM3KWH,
		EnergyKWH:       energyKWH,
		SpotPricePerKWH: spotPrice,
		BaseHeatingCost: round2(baseHeating),
		HeatingCost:     round2(baseHeating),
	}

	if e.calibrator != nil {
		if ratio, err := e.calibrator.Ratio(ctx, loc); err == nil {
			est.Method = MethodSpotPriceCalibrated
			est.Calibrated = true
			est.CalibrationRatio = ratio.Ratio
			est.HeatingCost = round2(baseHeating * ratio.Ratio)
		} else {
			log.Ctx(ctx).DebugContext(ctx, "estimating without calibration", "error", err)
		}
	}

	total := est.HeatingCost
	if in.HasColdWater {
		est.HasColdWater = true
		est.ColdWaterRate = in.ColdWaterRate
		est.ColdWaterCost = round2(in.ConsumptionM3 * in.ColdWaterRate)
		total += est.ColdWaterCost
	}
	est.Value = round2(total)
	return est, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
