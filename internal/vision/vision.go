package vision

import (
	"context"
	"errors"
)

// ErrNoResponse marks identification attempts where the provider never
// returned a usable response (network failure, timeout, empty candidate
// list). These attempts consumed no provider quota and are recorded as
// non-billable.
var ErrNoResponse = errors.New("identification provider did not respond")

// PriceEstimate is the provider's own three-tier price suggestion in euros.
type PriceEstimate struct {
	Quick   float64 `json:"quick"`
	Market  float64 `json:"market"`
	Premium float64 `json:"premium"`
}

// Identification contains structured information about a photographed item.
// Optional fields (Size, Color, Model, StyleCode, DemandNotes, SourcingTips)
// are empty strings when the provider could not determine them.
type Identification struct {
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Name         string        `json:"name"`
	Brand        string        `json:"brand"`
	Category     string        `json:"category"`
	Condition    string        `json:"condition"`
	Size         string        `json:"size,omitempty"`
	Color        string        `json:"color,omitempty"`
	Model        string        `json:"model,omitempty"`
	StyleCode    string        `json:"style_code,omitempty"`
	Prices       PriceEstimate `json:"prices"`
	Confidence   float64       `json:"confidence"`
	DemandNotes  string        `json:"demand_notes,omitempty"`
	SourcingTips string        `json:"sourcing_tips,omitempty"`
}

// Usage contains token usage and cost information for one provider call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Result contains the identification and usage information.
type Result struct {
	Item  *Identification
	Usage Usage
}

// Identifier can analyze item photos and produce an identification with a
// suggested price.
type Identifier interface {
	// Identify takes 1-8 photos of a single item and returns its
	// identification. A wrapped ErrNoResponse means the provider was never
	// reached.
	Identify(ctx context.Context, photos [][]byte) (*Result, error)
}
