package types

import (
	"fmt"
	"time"
)

// Utility identifies a metered resource type.
type Utility string

const (
	UtilityHotWater     Utility = "HW"
	UtilityColdWater    Utility = "CW"
	UtilityElectricity  Utility = "E"
	UtilityDistrictHeat Utility = "HE"
)

// KnownUtilities lists every utility code the coordinator tracks.
var KnownUtilities = []Utility{
	UtilityHotWater,
	UtilityColdWater,
	UtilityElectricity,
	UtilityDistrictHeat,
}

// MetricKind is the dimension of a series: consumption or price.
type MetricKind string

const (
	MetricConsumption MetricKind = "con"
	MetricPrice       MetricKind = "price"
)

// CostKind distinguishes directly metered/billed figures from derived ones.
type CostKind string

const (
	CostActual    CostKind = "actual"
	CostEstimated CostKind = "estimated"
)

// MeterAll is the meter component of a CacheKey representing the sum
// across all meters for a utility.
const MeterAll = "all"

// CacheKey identifies one logical cached figure.
type CacheKey struct {
	Utility Utility    `json:"utility"`
	Meter   string     `json:"meter"`
	Year    int        `json:"year"`
	Month   time.Month `json:"month"`
	Metric  MetricKind `json:"metric"`
	Cost    CostKind   `json:"cost"`
}

// String renders the key in a stable, log-friendly form.
func (k CacheKey) String() string {
	meter := k.Meter
	if meter == "" {
		meter = MeterAll
	}
	return fmt.Sprintf("%s_%s_%d-%02d_%s_%s", k.Utility, meter, k.Year, int(k.Month), k.Metric, k.Cost)
}

// SeriesKey identifies a daily series independent of period: one series per
// (utility, meter-or-all, metric).
type SeriesKey struct {
	Utility Utility    `json:"utility"`
	Meter   string     `json:"meter"`
	Metric  MetricKind `json:"metric"`
}

func (k SeriesKey) String() string {
	meter := k.Meter
	if meter == "" {
		meter = MeterAll
	}
	return fmt.Sprintf("%s_%s_%s", k.Utility, meter, k.Metric)
}

// TimestampedValue is one daily sample.
type TimestampedValue struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Unit  string    `json:"unit"`
}

// LatestValueEntry is the newest known sample for a utility/meter.
type LatestValueEntry struct {
	Value   float64   `json:"value"`
	Time    time.Time `json:"time"`
	Unit    string    `json:"unit"`
	Utility Utility   `json:"utility"`
	Meter   string    `json:"meter,omitempty"`
	Cost    CostKind  `json:"cost,omitempty"`
}

// MonthlyAggregate is a cached monthly figure for a utility.
type MonthlyAggregate struct {
	Value     float64    `json:"value"`
	Unit      string     `json:"unit"`
	Year      int        `json:"year"`
	Month     time.Month `json:"month"`
	Utility   Utility    `json:"utility"`
	Metric    MetricKind `json:"metric"`
	Cost      CostKind   `json:"cost"`
	Estimated bool       `json:"estimated"`
	Meter     string     `json:"meter,omitempty"`
	Method    string     `json:"method,omitempty"`
}

// CalibrationRatio corrects a physics-based hot-water cost estimate to match
// historically billed reality. Computed at most once per coordinator
// lifetime unless explicitly invalidated.
type CalibrationRatio struct {
	Ratio        float64   `json:"ratio"`
	ComputedAt   time.Time `json:"computedAt"`
	SourceMonths int       `json:"sourceMonths"`
}

// BillingRate is a per-unit rate derived from a historical billing document.
type BillingRate struct {
	Utility     Utility    `json:"utility"`
	Year        int        `json:"year"`
	Month       time.Month `json:"month"`
	RatePerUnit float64    `json:"ratePerUnit"`
}

// CostEstimate is the result of a hot-water cost estimation, with enough
// metadata to explain how the figure was produced.
type CostEstimate struct {
	Value    float64    `json:"value"`
	Currency string     `json:"currency"`
	Year     int        `json:"year"`
	Month    time.Month `json:"month"`

	// Method is "spot_price" or "spot_price_calibrated".
	Method string `json:"method"`

	EnergyPerM3     float64 `json:"energyPerM3KWH"`
	EnergyKWH       float64 `json:"energyKWH"`
	SpotPricePerKWH float64 `json:"spotPricePerKWH"`
	BaseHeatingCost float64 `json:"baseHeatingCost"`
	HeatingCost     float64 `json:"heatingCost"`

	Calibrated       bool    `json:"calibrated"`
	CalibrationRatio float64 `json:"calibrationRatio,omitempty"`

	HasColdWater  bool    `json:"hasColdWater"`
	ColdWaterRate float64 `json:"coldWaterRate,omitempty"`
	ColdWaterCost float64 `json:"coldWaterCost,omitempty"`
}

// TotalMonthlyCost sums price across utilities for a month, normalized to a
// VAT-exclusive figure.
type TotalMonthlyCost struct {
	Value    float64    `json:"value"`
	Currency string     `json:"currency"`
	Year     int        `json:"year"`
	Month    time.Month `json:"month"`

	MeteredCost   float64 `json:"meteredCost"`
	EstimatedCost float64 `json:"estimatedCost"`
	Estimated     bool    `json:"estimated"`

	MeteredUtilities   []Utility `json:"meteredUtilities"`
	EstimatedUtilities []Utility `json:"estimatedUtilities"`

	// VAT normalization. When the upstream price feed is detected to embed
	// VAT, Value is the ex-VAT figure and ValueWithVAT carries the raw total.
	PricesIncludedVAT bool    `json:"pricesIncludedVAT"`
	ValueWithVAT      float64 `json:"valueWithVAT"`
	VATAmount         float64 `json:"vatAmount,omitempty"`
	VATRate           float64 `json:"vatRate,omitempty"`
}

// MetricProjection is one tracked metric's end-of-month projection.
type MetricProjection struct {
	Utility        Utility    `json:"utility"`
	Metric         MetricKind `json:"metric"`
	MeanDaily      float64    `json:"meanDaily"`
	TotalSoFar     float64    `json:"totalSoFar"`
	EstimatedTotal float64    `json:"estimatedTotal"`
	DaysWithData   int        `json:"daysWithData"`
	Estimated      bool       `json:"estimated,omitempty"`
	LatestDataTime time.Time  `json:"latestDataTime,omitzero"`
}

// EndOfMonthEstimate projects the full-month bill from the days that
// actually have samples. DaysElapsedCalendar and DaysWithData are reported
// separately because upstream data can lag several days.
type EndOfMonthEstimate struct {
	Year     int        `json:"year"`
	Month    time.Month `json:"month"`
	Currency string     `json:"currency"`

	Projections    []MetricProjection `json:"projections"`
	OtherItemsCost float64            `json:"otherItemsCost"`
	TotalBill      float64            `json:"totalBill"`

	DaysElapsedCalendar int       `json:"daysElapsedCalendar"`
	DaysWithData        int       `json:"daysWithData"`
	DaysRemaining       int       `json:"daysRemaining"`
	DaysInMonth         int       `json:"daysInMonth"`
	LatestDataTime      time.Time `json:"latestDataTime,omitzero"`
}
