// Package upstream talks to the metering provider's REST API.
package upstream

import (
	"context"
	"time"

	"github.com/metervane/metervane/pkg/types"
)

// Client defines the upstream metering API surface the coordinator needs.
// Authentication and session management are the caller's concern; a Client
// is handed whatever credentials it needs at construction.
type Client interface {
	// FetchSeries returns raw time-series rows for the query. Failures are
	// always a *types.UpstreamError.
	FetchSeries(ctx context.Context, q types.SeriesQuery) ([]types.SeriesResult, error)

	// FetchBillingDocuments returns historical billing results for nodeID
	// whose period start falls within [from, to].
	FetchBillingDocuments(ctx context.Context, nodeID int, from, to time.Time) ([]types.BillingDocument, error)

	// FetchSettings returns the provider-managed settings (timezone,
	// currency) as a name/value map.
	FetchSettings(ctx context.Context) (map[string]string, error)
}
