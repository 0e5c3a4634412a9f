package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const geminiModel = "gemini-3-flash-preview"

// Gemini 3.0 Flash pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.50 // $0.50 per 1M input tokens (text/image/video)
	geminiOutputPricePerMillion = 3.00 // $3.00 per 1M output tokens (including thinking)
)

var geminiPrompt = strings.TrimSpace(dedent.Dedent(`
	Analyze these photos of a single secondhand item and identify it for resale.

	Respond in JSON format with these fields:
	- title: short title suitable for a marketplace listing, including brand and model if visible
	- description: longer description with relevant details (2-3 sentences)
	- name: what the item is (e.g. "running shoes", "stand mixer")
	- brand: brand name if identifiable (empty string if unknown)
	- category: marketplace category (e.g. "Clothing", "Electronics", "Home")
	- condition: estimated condition (new, like new, good, fair, poor)
	- size: size if applicable (empty string otherwise)
	- color: main color (empty string if unclear)
	- model: model name or number if identifiable (empty string if unknown)
	- style_code: manufacturer style code if visible on tags or labels (empty string otherwise)
	- prices: {"quick": ..., "market": ..., "premium": ...} - suggested resale prices in euros
	  for a fast sale, an expected sale, and a patient sale
	- confidence: 0.0-1.0, how confident you are in the identification
	- demand_notes: one sentence on current resale demand for this kind of item
	- sourcing_tips: one sentence on what to check before buying this item for resale

	Respond ONLY with the JSON object, no markdown or other text.
`))

// GeminiIdentifier uses Google's Gemini API for item identification.
type GeminiIdentifier struct {
	client *genai.Client
}

// NewGeminiIdentifier creates a new Gemini-based identifier using the given
// API key.
func NewGeminiIdentifier(ctx context.Context, apiKey string) (*GeminiIdentifier, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiIdentifier{client: client}, nil
}

// Identify implements the Identifier interface using Gemini.
func (g *GeminiIdentifier) Identify(ctx context.Context, photos [][]byte) (*Result, error) {
	parts := []*genai.Part{
		genai.NewPartFromText(geminiPrompt),
	}
	for _, photo := range photos {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{Data: photo, MIMEType: detectMimeType(photo)},
		})
	}

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(ctx, geminiModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}

	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty candidate list", ErrNoResponse)
	}

	text := result.Text()
	log.Debug().Str("response", text).Msg("gemini identification response")

	item, err := parseIdentification(text)
	if err != nil {
		return nil, err
	}

	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = calculateGeminiCost(usage.InputTokens, usage.OutputTokens)
	}

	return &Result{Item: item, Usage: usage}, nil
}

func calculateGeminiCost(inputTokens, outputTokens int64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * geminiInputPricePerMillion
	outputCost := float64(outputTokens) / 1_000_000 * geminiOutputPricePerMillion
	return inputCost + outputCost
}

func parseIdentification(text string) (*Identification, error) {
	// Clean up the response - remove markdown code blocks if present
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var item Identification
	if err := json.Unmarshal([]byte(text), &item); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w (response: %s)", err, text)
	}

	return &item, nil
}

// detectMimeType sniffs the image format from magic bytes, defaulting to
// JPEG.
func detectMimeType(data []byte) string {
	switch {
	case len(data) >= 8 && string(data[:8]) == "\x89PNG\r\n\x1a\n":
		return "image/png"
	case len(data) >= 12 && string(data[4:12]) == "ftypheic":
		return "image/heic"
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
