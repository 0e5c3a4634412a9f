package pricing

import (
	"fmt"

	"github.com/raine/resale-pricer/internal/market"
	"github.com/raine/resale-pricer/internal/vision"
)

// AnalysisResult is the finalized priced analysis for one item. Item carries
// the AI identification with the market note appended to its description;
// Tiers carries the final blended prices.
type AnalysisResult struct {
	Item  vision.Identification `json:"item"`
	Tiers PriceTiers            `json:"tiers"`
}

// Combine merges the AI identification with comparable market data into the
// final priced analysis.
//
// Without usable market data the AI's own tiers pass through unchanged. With
// comps, real sales data owns the center of the distribution while the AI's
// extremes act as sanity bounds at the tails: comps may only push the quick
// tier down and the premium tier up, and the market tier always comes from
// the comps.
func Combine(ai vision.Identification, comps *market.Result) AnalysisResult {
	if comps == nil || len(comps.Listings) == 0 {
		return AnalysisResult{
			Item: ai,
			Tiers: PriceTiers{
				QuickSell: ai.Prices.Quick,
				Market:    ai.Prices.Market,
				Premium:   ai.Prices.Premium,
			},
		}
	}

	tiers := Tiers(comps.Prices())
	tiers.IsEstimate = comps.IsEstimate
	tiers.QuickSell = min(tiers.QuickSell, ai.Prices.Quick)
	tiers.Premium = max(tiers.Premium, ai.Prices.Premium)

	item := ai
	item.Description = ai.Description + "\n\n" + MarketNote(comps)

	return AnalysisResult{Item: item, Tiers: tiers}
}

// MarketNote renders the market-analysis note appended to an item
// description. The wording is derived only from the market result so it can
// be reproduced verbatim: estimated data is labeled as such and never
// presented as recent sales.
func MarketNote(comps *market.Result) string {
	prices := comps.Prices()
	low := Percentile(prices, 0)
	high := Percentile(prices, 1)
	median := Median(prices)

	source := fmt.Sprintf("%d recent sales", len(prices))
	if comps.IsEstimate {
		source = fmt.Sprintf("estimated from %d active listings", len(prices))
	}

	return fmt.Sprintf("Market analysis: %s, price range %.2f–%.2f €, median %.2f €",
		source, low, high, median)
}
