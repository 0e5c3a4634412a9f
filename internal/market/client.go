package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	ApiBaseUrl  = "https://api.marketplace.com/buy"
	AuthBaseUrl = "https://api.marketplace.com"

	defaultTokenScope = "https://api.marketplace.com/oauth/api_scope"
	defaultLimit      = 25
)

// ClientOpts configures a marketplace client. BaseURL/AuthBaseURL default to
// the production endpoints; tests point them at a fake server.
type ClientOpts struct {
	BaseURL      string
	AuthBaseURL  string
	ClientID     string
	ClientSecret string
	TokenScope   string
	TokenStore   TokenStore

	// ActivePriceDiscount converts an active asking price to an estimated
	// sold price on the fallback path. Zero means DefaultActivePriceDiscount.
	ActivePriceDiscount float64
}

// Client fetches comparable listings from the marketplace API. It implements
// Fetcher.
type Client struct {
	httpClient *resty.Client
	authClient *resty.Client

	clientID     string
	clientSecret string
	tokenScope   string
	tokenStore   TokenStore
	discount     float64

	mu           sync.RWMutex
	token        string
	tokenExpiry  time.Time
	refreshGroup singleflight.Group
}

func NewClient(opts ClientOpts) *Client {
	c := Client{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		tokenScope:   defaultTokenScope,
		tokenStore:   opts.TokenStore,
		discount:     DefaultActivePriceDiscount,
	}
	baseURL := ApiBaseUrl
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	authBaseURL := AuthBaseUrl
	if opts.AuthBaseURL != "" {
		authBaseURL = opts.AuthBaseURL
	}
	if opts.TokenScope != "" {
		c.tokenScope = opts.TokenScope
	}
	if opts.ActivePriceDiscount > 0 {
		c.discount = opts.ActivePriceDiscount
	}

	c.httpClient = resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	c.authClient = resty.New().
		SetBaseURL(authBaseURL).
		SetHeader("Accept", "application/json")

	return &c
}

type listingPrice struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type soldItem struct {
	Title         string       `json:"title"`
	LastSoldPrice listingPrice `json:"last_sold_price"`
	LastSoldDate  time.Time    `json:"last_sold_date"`
	Condition     string       `json:"condition"`
}

type soldSearchResponse struct {
	ItemSales []soldItem `json:"item_sales"`
	Total     int        `json:"total"`
}

type activeItem struct {
	Title     string       `json:"title"`
	Price     listingPrice `json:"price"`
	Condition string       `json:"condition"`
}

type activeSearchResponse struct {
	ItemSummaries []activeItem `json:"item_summaries"`
	Total         int          `json:"total"`
}

// FetchComparables looks up comparable listings for q. It queries the
// sold-items source first and falls back to active listings (discounted to
// estimated sold prices) when sold data is empty or access-denied. When both
// sources yield nothing it returns ErrUnavailable, never a zero-filled
// result.
func (c *Client) FetchComparables(ctx context.Context, q Query) (*Result, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		log.Warn().Err(err).Str("query", q.Text).Msg("marketplace auth failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	listings, soldErr := c.searchSold(ctx, token, q)
	if soldErr != nil && !isAccessDenied(soldErr) {
		log.Warn().Err(soldErr).Str("query", q.Text).Msg("sold item search failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, soldErr)
	}
	if soldErr == nil && len(listings) > 0 {
		return &Result{Listings: listings}, nil
	}

	// Sold data empty or inaccessible: estimate from active listings.
	listings, activeErr := c.searchActive(ctx, token, q)
	if activeErr != nil {
		log.Warn().Err(activeErr).Str("query", q.Text).Msg("active listing search failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, activeErr)
	}
	if len(listings) == 0 {
		return nil, ErrUnavailable
	}

	log.Debug().
		Str("query", q.Text).
		Int("listings", len(listings)).
		Float64("discount", c.discount).
		Msg("estimated sold prices from active listings")

	return &Result{Listings: listings, IsEstimate: true}, nil
}

func (c *Client) searchSold(ctx context.Context, token string, q Query) ([]SoldListing, error) {
	result := &soldSearchResponse{}
	req := c.req(ctx, token, result).
		SetQueryParam("q", q.Text).
		SetQueryParam("limit", strconv.Itoa(limitOrDefault(q.Limit)))
	if q.Category != "" {
		req.SetQueryParam("category_ids", q.Category)
	}

	if _, err := handleError(req.Get("/v1/item_sales/search")); err != nil {
		return nil, err
	}

	var listings []SoldListing
	for _, item := range result.ItemSales {
		if q.Condition != "" && !strings.Contains(strings.ToLower(item.Condition), strings.ToLower(q.Condition)) {
			continue
		}
		price, err := strconv.ParseFloat(item.LastSoldPrice.Value, 64)
		if err != nil {
			continue
		}
		listings = append(listings, SoldListing{
			Title:     item.Title,
			Price:     price,
			SoldDate:  item.LastSoldDate,
			Condition: item.Condition,
		})
	}

	return listings, nil
}

func (c *Client) searchActive(ctx context.Context, token string, q Query) ([]SoldListing, error) {
	result := &activeSearchResponse{}
	req := c.req(ctx, token, result).
		SetQueryParam("q", q.Text).
		SetQueryParam("limit", strconv.Itoa(limitOrDefault(q.Limit)))
	if q.Category != "" {
		req.SetQueryParam("category_ids", q.Category)
	}

	if _, err := handleError(req.Get("/v1/item_summary/search")); err != nil {
		return nil, err
	}

	var listings []SoldListing
	for _, item := range result.ItemSummaries {
		price, err := strconv.ParseFloat(item.Price.Value, 64)
		if err != nil {
			continue
		}
		listings = append(listings, SoldListing{
			Title:     item.Title,
			Price:     price * c.discount,
			Condition: item.Condition,
		})
	}

	return listings, nil
}

func (c *Client) req(ctx context.Context, token string, result any) *resty.Request {
	request := c.httpClient.
		NewRequest().
		SetContext(ctx).
		SetAuthToken(token)

	if result != nil {
		request.SetResult(result)
	}

	return request
}

func limitOrDefault(limit int) int {
	if limit > 0 {
		return limit
	}
	return defaultLimit
}

// statusError is returned for failing responses so callers can distinguish
// access-denied from other failures.
type statusError struct {
	method string
	url    string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed: %s %s (status: %d)", e.method, e.url, e.status)
}

func isAccessDenied(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == http.StatusUnauthorized || se.status == http.StatusForbidden
}

// handleError is a generic error handler for failing responses (>399 status
// code). Without this, failing responses would have nil error.
func handleError(res *resty.Response, err error) (*resty.Response, error) {
	if err != nil {
		return res, err
	}
	if res.IsError() {
		return res, &statusError{
			method: res.Request.Method,
			url:    res.Request.URL,
			status: res.StatusCode(),
		}
	}

	return res, nil
}
