// price-item runs the identification and pricing pipeline once for a set of
// photos, bypassing the queue. Useful for trying out prompts and market
// queries.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/raine/resale-pricer/config"
	"github.com/raine/resale-pricer/internal/market"
	"github.com/raine/resale-pricer/internal/pricing"
	"github.com/raine/resale-pricer/internal/vision"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <photo-path> [photo-path...]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY            - Required\n")
		fmt.Fprintf(os.Stderr, "  MARKETPLACE_CLIENT_ID     - Required\n")
		fmt.Fprintf(os.Stderr, "  MARKETPLACE_CLIENT_SECRET - Required\n")
		os.Exit(1)
	}

	config.LoadEnvFile()

	var photos [][]byte
	for _, path := range os.Args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read photo: %v\n", err)
			os.Exit(1)
		}
		photos = append(photos, data)
	}

	ctx := context.Background()

	identifier, err := vision.NewGeminiIdentifier(ctx, os.Getenv("GEMINI_API_KEY"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create identifier: %v\n", err)
		os.Exit(1)
	}

	idCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()
	identified, err := identifier.Identify(idCtx, photos)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Identification failed: %v\n", err)
		os.Exit(1)
	}
	item := identified.Item

	fmt.Printf("Title:      %s\n", item.Title)
	fmt.Printf("Brand:      %s\n", orDash(item.Brand))
	fmt.Printf("Model:      %s\n", orDash(item.Model))
	fmt.Printf("Condition:  %s\n", item.Condition)
	fmt.Printf("Confidence: %.2f\n", item.Confidence)
	fmt.Printf("AI prices:  %.2f / %.2f / %.2f €\n\n",
		item.Prices.Quick, item.Prices.Market, item.Prices.Premium)

	client := market.NewClient(market.ClientOpts{
		ClientID:     os.Getenv("MARKETPLACE_CLIENT_ID"),
		ClientSecret: os.Getenv("MARKETPLACE_CLIENT_SECRET"),
	})

	query := strings.TrimSpace(strings.Join([]string{item.Brand, item.Name, item.Model}, " "))
	mkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	comps, err := client.FetchComparables(mkCtx, market.Query{Text: query, Condition: item.Condition})
	if err != nil {
		fmt.Printf("No market data (%v), using AI-only pricing\n\n", err)
		comps = nil
	}

	result := pricing.Combine(*item, comps)
	fmt.Printf("Final:      quick %.2f € / market %.2f € / premium %.2f €\n",
		result.Tiers.QuickSell, result.Tiers.Market, result.Tiers.Premium)
	if comps != nil {
		fmt.Printf("\n%s\n", pricing.MarketNote(comps))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
