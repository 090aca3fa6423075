// Package billing derives per-unit rates, general fees, and VAT treatment
// from historical billing documents.
package billing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/metervane/metervane/pkg/coalesce"
	"github.com/metervane/metervane/pkg/log"
	"github.com/metervane/metervane/pkg/types"
	"github.com/metervane/metervane/pkg/upstream"
)

// RateLookbackDays extends a rate lookup's window backwards: billing runs
// lag the periods they cover, so the rate for a month usually lives in a
// document issued for an earlier period.
const RateLookbackDays = 120

// HistoryYears is how far back the document source asks for history.
const HistoryYears = 3

// variable per-unit charges carry one of these component type classes.
var variableComponentTypes = []string{"C1", "C2"}

// otherPartNames match general-fee parts that belong to no single utility.
var otherPartNames = []string{"øvrig", "ovrig", "other", "andre", "misc"}

// Source fetches and caches billing documents. Documents describe closed
// periods and never change, so one fetch per coordinator lifetime suffices;
// concurrent first calls coalesce into a single upstream request.
type Source struct {
	client upstream.Client
	nodeID int

	flights *coalesce.Coalescer[string, []types.BillingDocument]

	mu   sync.Mutex
	docs []types.BillingDocument
	ok   bool

	now func() time.Time
}

// NewSource creates a Source reading documents for nodeID.
func NewSource(client upstream.Client, nodeID int) *Source {
	return &Source{
		client:  client,
		nodeID:  nodeID,
		flights: coalesce.New[string, []types.BillingDocument](),
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Source) SetNow(now func() time.Time) {
	s.now = now
}

// Documents returns all known billing documents, newest period first.
func (s *Source) Documents(ctx context.Context) ([]types.BillingDocument, error) {
	s.mu.Lock()
	if s.ok {
		docs := s.docs
		s.mu.Unlock()
		return docs, nil
	}
	s.mu.Unlock()

	return s.flights.Do(ctx, "documents", func(ctx context.Context) ([]types.BillingDocument, error) {
		now := s.now()
		docs, err := s.client.FetchBillingDocuments(ctx, s.nodeID, now.AddDate(-HistoryYears, 0, 0), now)
		if err != nil {
			return nil, err
		}
		sort.Slice(docs, func(i, j int) bool { return docs[i].End.After(docs[j].End) })

		s.mu.Lock()
		s.docs = docs
		s.ok = true
		s.mu.Unlock()

		log.Ctx(ctx).DebugContext(ctx, "cached billing documents", "count", len(docs))
		return docs, nil
	})
}

// Invalidate drops the cached documents so the next call refetches.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.docs = nil
	s.ok = false
	s.mu.Unlock()
}

// RatePerUnit resolves the per-m3 rate for utility that applies to the given
// month. The lookup window stretches RateLookbackDays before the month start
// because the rate is carried by whichever document most recently billed the
// utility. Returns types.ErrNotFound when no document carries a usable rate.
func (s *Source) RatePerUnit(ctx context.Context, utility types.Utility, year int, month time.Month, loc *time.Location) (types.BillingRate, error) {
	docs, err := s.Documents(ctx)
	if err != nil {
		return types.BillingRate{}, err
	}

	from, to := types.MonthWindow(year, month, loc)
	from = from.AddDate(0, 0, -RateLookbackDays)

	// Documents arrive newest first, so the first match is the freshest rate.
	for _, doc := range docs {
		if !doc.Covers(from, to) {
			continue
		}
		for _, part := range doc.Parts {
			if part.Code != utility {
				continue
			}
			for _, item := range part.Items {
				if item.Rate > 0 && item.RateUnit == "m3" && lo.Contains(variableComponentTypes, item.ComponentType) {
					return types.BillingRate{
						Utility:     utility,
						Year:        year,
						Month:       month,
						RatePerUnit: item.Rate,
					}, nil
				}
			}
		}
	}
	return types.BillingRate{}, types.ErrNotFound
}

// OtherItemsMonthly returns the month's share of general fees: parts that
// belong to no utility (empty code, or a name marking miscellaneous charges)
// plus their rounding adjustments, averaged per month over the documents
// that carry them.
func (s *Source) OtherItemsMonthly(ctx context.Context) (float64, error) {
	docs, err := s.Documents(ctx)
	if err != nil {
		return 0, err
	}

	var total float64
	var periods int
	for _, doc := range docs {
		var docTotal float64
		var found bool
		for _, part := range doc.Parts {
			if !isOtherPart(part) {
				continue
			}
			found = true
			docTotal += part.Rounding
			docTotal += lo.SumBy(part.Items, func(i types.BillingItem) float64 { return i.Amount })
		}
		if found {
			months := periodMonths(doc)
			total += docTotal / float64(months)
			periods++
		}
	}
	if periods == 0 {
		return 0, nil
	}
	return total / float64(periods), nil
}

// DetectVATRate inspects the newest document and returns the effective VAT
// rate embedded in its line items, as Σ tax / Σ net. A second return of
// false means no document carries a tax breakdown.
func (s *Source) DetectVATRate(ctx context.Context) (float64, bool, error) {
	docs, err := s.Documents(ctx)
	if err != nil {
		return 0, false, err
	}

	for _, doc := range docs {
		var net, tax float64
		for _, part := range doc.Parts {
			for _, item := range part.Items {
				net += item.Amount
				tax += item.TaxAmount
			}
		}
		if net > 0 && tax > 0 {
			return tax / net, true, nil
		}
	}
	return 0, false, nil
}

func isOtherPart(part types.BillingPart) bool {
	if part.Code != "" {
		return false
	}
	name := strings.ToLower(part.Name)
	return lo.SomeBy(otherPartNames, func(marker string) bool {
		return strings.Contains(name, marker)
	})
}

// periodMonths counts whole months a document's billing period spans,
// at least one.
func periodMonths(doc types.BillingDocument) int {
	months := int(doc.End.Sub(doc.Start).Hours() / (24 * 30))
	if months < 1 {
		return 1
	}
	return months
}
