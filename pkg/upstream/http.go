package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/metervane/metervane/pkg/common"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
)

const (
	defaultBaseURL = "https://integration.ecoguard.se"
	defaultTimeout = 30 * time.Second

	dataEndpoint     = "/api/%s/data"
	billingEndpoint  = "/api/%s/billingresults"
	settingsEndpoint = "/api/%s/settings"
)

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	baseURL    string
	domainCode string
	token      string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client against baseURL for the given domain code,
// authenticating every request with the pre-issued bearer token.
func NewHTTPClient(baseURL, domainCode, token string, timeout time.Duration) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL:    baseURL,
		domainCode: domainCode,
		token:      token,
		httpClient: common.HTTPClient(timeout),
	}
}

// wire shapes for the data endpoint.
type wireNode struct {
	ID     json.Number  `json:"ID"`
	Name   string       `json:"Name"`
	Result []wireResult `json:"Result"`
}

type wireResult struct {
	Utl    string      `json:"Utl"`
	Func   string      `json:"Func"`
	Unit   string      `json:"Unit"`
	Values []wireValue `json:"Values"`
}

type wireValue struct {
	Time  int64    `json:"Time"`
	Value *float64 `json:"Value"`
}

// FetchSeries implements Client.
func (c *HTTPClient) FetchSeries(ctx context.Context, q types.SeriesQuery) ([]types.SeriesResult, error) {
	params := url.Values{}
	params.Set("from", strconv.FormatInt(q.From.Unix(), 10))
	params.Set("to", strconv.FormatInt(q.To.Unix(), 10))
	params.Set("interval", q.Interval)
	params.Set("grouping", q.Grouping)
	// The API rejects mixed selection parameters: a meter filter replaces
	// the node selector entirely.
	if q.MeterID != "" {
		params.Set("measuringpointid", q.MeterID)
	} else {
		params.Set("nodeID", strconv.Itoa(q.NodeID))
		if q.IncludeSubNodes {
			params.Set("includeSubNodes", "true")
		}
	}
	for _, sel := range q.Utilities {
		params.Add("utl", sel.String())
	}

	var nodes []wireNode
	if err := c.get(ctx, "FetchSeries", fmt.Sprintf(dataEndpoint, c.domainCode), params, &nodes); err != nil {
		return nil, err
	}

	var out []types.SeriesResult
	for _, node := range nodes {
		for _, res := range node.Result {
			sr := types.SeriesResult{
				NodeID:  node.ID.String(),
				Utility: types.Utility(res.Utl),
				Metric:  types.MetricKind(res.Func),
				Unit:    res.Unit,
				Points:  make([]types.SeriesPoint, 0, len(res.Values)),
			}
			for _, v := range res.Values {
				sr.Points = append(sr.Points, types.SeriesPoint{
					Time:  time.Unix(v.Time, 0).UTC(),
					Value: v.Value,
				})
			}
			out = append(out, sr)
		}
	}
	return out, nil
}

// wire shapes for the billing results endpoint.
type wireBilling struct {
	Start int64      `json:"Start"`
	End   int64      `json:"End"`
	Parts []wirePart `json:"Parts"`
}

type wirePart struct {
	Code     *string    `json:"Code"`
	Name     string     `json:"Name"`
	Rounding float64    `json:"Rounding"`
	Items    []wireItem `json:"Items"`
}

type wireItem struct {
	Rate           *float64      `json:"Rate"`
	RateUnit       string        `json:"RateUnit"`
	Total          float64       `json:"Total"`
	TotalVat       float64       `json:"TotalVat"`
	PriceComponent wireComponent `json:"PriceComponent"`
}

type wireComponent struct {
	Type string `json:"Type"`
	Name string `json:"Name"`
}

// FetchBillingDocuments implements Client.
func (c *HTTPClient) FetchBillingDocuments(ctx context.Context, nodeID int, from, to time.Time) ([]types.BillingDocument, error) {
	params := url.Values{}
	params.Set("nodeid", strconv.Itoa(nodeID))
	params.Set("startFrom", strconv.FormatInt(from.Unix(), 10))
	params.Set("startTo", strconv.FormatInt(to.Unix(), 10))

	var docs []wireBilling
	if err := c.get(ctx, "FetchBillingDocuments", fmt.Sprintf(billingEndpoint, c.domainCode), params, &docs); err != nil {
		return nil, err
	}

	out := make([]types.BillingDocument, 0, len(docs))
	for _, doc := range docs {
		bd := types.BillingDocument{
			Start: time.Unix(doc.Start, 0).UTC(),
			End:   time.Unix(doc.End, 0).UTC(),
		}
		for _, part := range doc.Parts {
			bp := types.BillingPart{
				Name:     part.Name,
				Rounding: part.Rounding,
			}
			if part.Code != nil {
				bp.Code = types.Utility(*part.Code)
			}
			for _, item := range part.Items {
				bi := types.BillingItem{
					Component:     item.PriceComponent.Name,
					ComponentType: item.PriceComponent.Type,
					RateUnit:      item.RateUnit,
					Amount:        item.Total,
					TaxAmount:     item.TotalVat,
				}
				if item.Rate != nil {
					bi.Rate = *item.Rate
				}
				bp.Items = append(bp.Items, bi)
			}
			bd.Parts = append(bd.Parts, bp)
		}
		out = append(out, bd)
	}
	return out, nil
}

type wireSetting struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

// FetchSettings implements Client.
func (c *HTTPClient) FetchSettings(ctx context.Context) (map[string]string, error) {
	var settings []wireSetting
	if err := c.get(ctx, "FetchSettings", fmt.Sprintf(settingsEndpoint, c.domainCode), nil, &settings); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Name] = s.Value
	}
	return out, nil
}

func (c *HTTPClient) get(ctx context.Context, op, endpoint string, params url.Values, dst any) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return types.NewUpstreamError(types.UpstreamMalformed, op, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := types.UpstreamNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.UpstreamTimeout
		}
		return types.NewUpstreamError(kind, op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewUpstreamError(types.UpstreamAuth, op, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return types.NewUpstreamError(types.UpstreamNetwork, op, fmt.Errorf("status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to decode upstream response", "op", op, "error", err)
		return types.NewUpstreamError(types.UpstreamMalformed, op, err)
	}
	return nil
}
