package spot

import (
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/metervane/metervane/pkg/coalesce"
	"github.com/metervane/metervane/pkg/types"
)

// Configured returns a Fetcher configured from flags. The returned value is
// usable only after lflag.Configure has run.
func Configured() *Fetcher {
	baseURL := lflag.String("spot-base-url", "", "Override for the day-ahead market API base URL")
	area := lflag.String("spot-area", "NO1", "Bidding area to price hot water against, e.g. NO1 or SE3")
	currency := lflag.String("spot-currency", "NOK", "Currency to request day-ahead prices in")

	f := &Fetcher{
		flights: coalesce.New[string, []types.HourlyPrice](),
		cached:  make(map[string][]types.HourlyPrice),
		now:     time.Now,
	}

	lflag.Do(func() {
		if *area == "" {
			panic("--spot-area is required")
		}
		f.api = NewNordPool(*baseURL)
		f.area = *area
		f.currency = *currency
	})

	return f
}
