package aggregate

import (
	"strings"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/samber/lo"

	"github.com/metervane/metervane/pkg/billing"
	"github.com/metervane/metervane/pkg/cache"
	"github.com/metervane/metervane/pkg/coalesce"
	"github.com/metervane/metervane/pkg/estimate"
	"github.com/metervane/metervane/pkg/types"
	"github.com/metervane/metervane/pkg/upstream"
)

// Configured returns a Coordinator wired from flags, together with the
// upstream client and spot fetcher it owns. Usable only after
// lflag.Configure has run.
func Configured(client upstream.Client, spotFetcher estimate.SpotSource) *Coordinator {
	nodeID := lflag.Int("upstream-node-id", 0, "Node ID of the apartment to query")
	meters := lflag.String("meters", "", "Comma-delimited measuring point IDs; empty uses node-level aggregates")
	rawTTL := lflag.Duration("raw-cache-ttl", cache.DefaultRawTTL, "TTL for the raw upstream response cache")
	calibrationMonths := lflag.Int("calibration-months", estimate.DefaultCalibrationMonths, "Months of billing history to learn the calibration ratio from")

	c := &Coordinator{
		client:  client,
		spot:    spotFetcher,
		flights: coalesce.New[string, []types.SeriesResult](),
		now:     time.Now,
	}

	lflag.Do(func() {
		if *nodeID == 0 {
			panic("--upstream-node-id is required")
		}
		c.nodeID = *nodeID
		c.store = cache.NewStore(*rawTTL)
		c.billing = billing.NewSource(client, *nodeID)
		c.engine = estimate.NewEngine(spotFetcher,
			estimate.NewCalibrator(c.billing, spotFetcher, *calibrationMonths))
		c.meters = lo.Filter(strings.Split(*meters, ","), func(m string, _ int) bool {
			return strings.TrimSpace(m) != ""
		})
		c.meters = lo.Map(c.meters, func(m string, _ int) string { return strings.TrimSpace(m) })
	})

	return c
}
