package types

import "time"

// SeriesQuery describes one data request against the upstream metering API.
type SeriesQuery struct {
	NodeID int       `json:"nodeID"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`

	// Interval is the sample interval, "d" for daily.
	Interval string `json:"interval"`
	// Grouping matches the upstream grouping parameter, usually "apartment".
	Grouping string `json:"grouping"`

	// Utilities selects which (utility, metric) series to return,
	// e.g. HW[con] and CW[price].
	Utilities []UtilitySelector `json:"utilities"`

	// IncludeSubNodes asks for node-level aggregates across sub-nodes. It is
	// mutually exclusive with MeterID upstream.
	IncludeSubNodes bool `json:"includeSubNodes"`

	// MeterID restricts the query to one measuring point.
	MeterID string `json:"meterID,omitempty"`
}

// UtilitySelector pairs a utility with the metric requested for it.
type UtilitySelector struct {
	Utility Utility    `json:"utility"`
	Metric  MetricKind `json:"metric"`
}

// String renders the upstream wire form, e.g. "HW[con]".
func (s UtilitySelector) String() string {
	return string(s.Utility) + "[" + string(s.Metric) + "]"
}

// SeriesPoint is one raw upstream sample. Value is nil for days the meter
// has not reported yet.
type SeriesPoint struct {
	Time  time.Time `json:"time"`
	Value *float64  `json:"value"`
}

// SeriesResult is one (node, utility, metric) series from the upstream
// data endpoint.
type SeriesResult struct {
	NodeID  string        `json:"nodeID"`
	Utility Utility       `json:"utility"`
	Metric  MetricKind    `json:"metric"`
	Unit    string        `json:"unit"`
	Points  []SeriesPoint `json:"points"`
}

// BillingDocument is one historical billing result covering a closed period.
type BillingDocument struct {
	Start time.Time     `json:"start"`
	End   time.Time     `json:"end"`
	Parts []BillingPart `json:"parts"`
}

// BillingPart groups a document's line items per utility. Parts with an
// empty Code carry general fees ("other items").
type BillingPart struct {
	Code     Utility       `json:"code,omitempty"`
	Name     string        `json:"name"`
	Rounding float64       `json:"rounding,omitempty"`
	Items    []BillingItem `json:"items"`
}

// BillingItem is a single billing line with its tax breakdown.
type BillingItem struct {
	Component string `json:"component"`
	// ComponentType is the upstream price component class; C1/C2 mark
	// variable per-unit charges.
	ComponentType string  `json:"componentType"`
	Rate          float64 `json:"rate,omitempty"`
	RateUnit      string  `json:"rateUnit,omitempty"`
	Amount        float64 `json:"amount"`
	TaxAmount     float64 `json:"taxAmount,omitempty"`
}

// Covers reports whether the document's billing period overlaps [from, to).
func (d BillingDocument) Covers(from, to time.Time) bool {
	return d.Start.Before(to) && d.End.After(from)
}

// HourlyPrice is one hour of a wholesale market day-ahead price curve.
// Prices are quoted per MWh upstream.
type HourlyPrice struct {
	HourStart   time.Time `json:"hourStart"`
	PricePerMWH float64   `json:"pricePerMWH"`
}
