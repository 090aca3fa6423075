package spot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/metervane/metervane/pkg/common"
	"github.com/metervane/metervane/pkg/types"
)

const nordPoolBaseURL = "https://dataportal-api.nordpoolgroup.com"

// NordPool fetches day-ahead curves from the Nord Pool data portal.
type NordPool struct {
	baseURL    string
	httpClient *http.Client
}

var _ MarketAPI = (*NordPool)(nil)

// NewNordPool creates a market client. An empty baseURL uses the public
// data portal.
func NewNordPool(baseURL string) *NordPool {
	if baseURL == "" {
		baseURL = nordPoolBaseURL
	}
	return &NordPool{
		baseURL:    baseURL,
		httpClient: common.HTTPClient(FetchTimeout),
	}
}

type nordPoolResponse struct {
	MultiAreaEntries []nordPoolEntry `json:"multiAreaEntries"`
}

type nordPoolEntry struct {
	DeliveryStart time.Time          `json:"deliveryStart"`
	DeliveryEnd   time.Time          `json:"deliveryEnd"`
	EntryPerArea  map[string]float64 `json:"entryPerArea"`
}

// FetchDailyPrices implements MarketAPI.
func (n *NordPool) FetchDailyPrices(ctx context.Context, area, currency string, date time.Time) ([]types.HourlyPrice, error) {
	params := url.Values{}
	params.Set("date", date.Format("2006-01-02"))
	params.Set("market", "DayAhead")
	params.Set("deliveryArea", area)
	params.Set("currency", currency)

	u := n.baseURL + "/api/DayAheadPrices?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, types.NewUpstreamError(types.UpstreamMalformed, "FetchDailyPrices", err)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		kind := types.UpstreamNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.UpstreamTimeout
		}
		return nil, types.NewUpstreamError(kind, "FetchDailyPrices", err)
	}
	defer resp.Body.Close()

	// The portal returns 204 for days whose auction has not cleared yet.
	if resp.StatusCode == http.StatusNoContent {
		return nil, fmt.Errorf("no curve published for %s: %w", date.Format("2006-01-02"), types.ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewUpstreamError(types.UpstreamNetwork, "FetchDailyPrices",
			fmt.Errorf("status %d", resp.StatusCode))
	}

	var body nordPoolResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, types.NewUpstreamError(types.UpstreamMalformed, "FetchDailyPrices", err)
	}

	curve := make([]types.HourlyPrice, 0, len(body.MultiAreaEntries))
	for _, entry := range body.MultiAreaEntries {
		price, ok := entry.EntryPerArea[area]
		if !ok {
			continue
		}
		curve = append(curve, types.HourlyPrice{
			HourStart:   entry.DeliveryStart,
			PricePerMWH: price,
		})
	}
	return curve, nil
}
