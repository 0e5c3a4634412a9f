package market

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means no comparable data could be obtained from either the
// sold-items source or the active-listings fallback. It is not a pricing
// failure: callers degrade to AI-only pricing.
var ErrUnavailable = errors.New("market data unavailable")

// DefaultActivePriceDiscount approximates a sold price from an active asking
// price. Overridable via ClientOpts.
const DefaultActivePriceDiscount = 0.85

// SoldListing is a single comparable used as pricing evidence.
type SoldListing struct {
	Title     string    `json:"title"`
	Price     float64   `json:"price"`
	SoldDate  time.Time `json:"sold_date"`
	Condition string    `json:"condition"`
}

// Result holds comparable listings for a query. IsEstimate is true when the
// listings were derived from active (asking) prices via the fallback path;
// such prices must never be presented as confirmed sales.
type Result struct {
	Listings   []SoldListing `json:"listings"`
	IsEstimate bool          `json:"is_estimate"`
}

// Prices returns the listing prices in listing order.
func (r *Result) Prices() []float64 {
	prices := make([]float64, len(r.Listings))
	for i, l := range r.Listings {
		prices[i] = l.Price
	}
	return prices
}

// Query describes a comparables search. Category and Condition are optional;
// empty means no filter. Limit caps the number of listings fetched (the
// client applies a default when zero).
type Query struct {
	Text      string
	Category  string
	Condition string
	Limit     int
}

// Fetcher fetches comparable listings for a query.
type Fetcher interface {
	FetchComparables(ctx context.Context, q Query) (*Result, error)
}
