package upstream

import (
	"fmt"

	"github.com/levenlabs/go-lflag"
)

// Configured returns a Client configured from flags. The returned value is
// usable only after lflag.Configure has run.
func Configured() Client {
	baseURL := lflag.String("upstream-base-url", defaultBaseURL, "Base URL of the metering provider API")
	domainCode := lflag.String("upstream-domain", "", "Provider domain code, e.g. the housing association's slug")
	token := lflag.String("upstream-token", "", "Bearer token for the provider API")
	timeout := lflag.Duration("upstream-timeout", defaultTimeout, "Per-request timeout against the provider API")

	var p struct{ Client }

	lflag.Do(func() {
		if *domainCode == "" {
			panic("--upstream-domain is required")
		}
		if *token == "" {
			panic("--upstream-token is required")
		}
		if *timeout <= 0 {
			panic(fmt.Sprintf("invalid --upstream-timeout: %v", *timeout))
		}
		p.Client = NewHTTPClient(*baseURL, *domainCode, *token, *timeout)
	})

	return &p
}
