// Package pricefeed periodically synchronizes a token's price history and
// derives windowed price-change statistics.
//
// Raw samples arrive as integer wei quantities and are scaled to unit prices
// with decimal arithmetic; no floating point touches a price.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"tokenlive/internal/model"
)

// ErrFetchFailed indicates a price-history fetch could not be completed.
// Fetch failures are transient: the poller retains stale data and retries on
// the next scheduled tick.
var ErrFetchFailed = errors.New("price history fetch failed")

// weiScale is the fixed 10^18 divisor converting wei quantities to unit prices.
var weiScale = decimal.New(1, 18)

// historyItem is the wire shape of one price-history sample.
type historyItem struct {
	Timestamp  string `json:"timestamp" validate:"required"`
	PriceInWei string `json:"priceInWei" validate:"required,numeric"`
}

// Client fetches price history from the HTTP API.
type Client struct {
	baseURL  string
	http     *http.Client
	validate *validator.Validate
}

// NewClient creates a price-history client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		validate: validator.New(),
	}
}

// PriceHistory fetches and decodes the sample window for a token.
//
// The window bounds (e.g. "last 24h") are decided upstream; the client
// preserves the returned order.
func (c *Client) PriceHistory(ctx context.Context, tokenID int) (model.PriceWindow, error) {
	url := fmt.Sprintf("%s/price-history/%d", c.baseURL, tokenID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	var items []historyItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrFetchFailed, err)
	}

	window := make(model.PriceWindow, 0, len(items))
	for i, item := range items {
		if err := c.validate.Struct(&item); err != nil {
			log.Warn().Err(err).Int("index", i).Msg("price sample validation failed, skipping")
			continue
		}

		ts, err := time.Parse(time.RFC3339, item.Timestamp)
		if err != nil {
			log.Warn().Err(err).Str("timestamp", item.Timestamp).Msg("invalid sample timestamp, skipping")
			continue
		}

		wei, err := decimal.NewFromString(item.PriceInWei)
		if err != nil {
			log.Warn().Err(err).Str("priceInWei", item.PriceInWei).Msg("invalid sample price, skipping")
			continue
		}

		window = append(window, model.PriceSample{
			Timestamp: ts,
			Price:     wei.Div(weiScale),
		})
	}

	return window, nil
}

// ChangeOf computes the price change between the first and last sample of a
// window. Windows with fewer than two samples yield a zero change.
func ChangeOf(window model.PriceWindow) model.PriceChange {
	if len(window) < 2 {
		return model.PriceChange{Positive: true}
	}

	first := window[0].Price
	last := window[len(window)-1].Price
	delta := last.Sub(first)

	var pct decimal.Decimal
	if !first.IsZero() {
		pct = delta.Div(first).Mul(decimal.NewFromInt(100))
	}

	return model.PriceChange{
		Delta:      delta,
		Percentage: pct,
		Positive:   delta.GreaterThanOrEqual(decimal.Zero),
	}
}
