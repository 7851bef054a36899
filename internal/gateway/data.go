package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultPeriod is used when a domain read names no period.
const DefaultPeriod = "1y"

var allowedPeriods = map[string]struct{}{
	"1w": {},
	"1m": {},
	"3m": {},
	"6m": {},
	"1y": {},
}

// OHLCPoint is one entry of the series submitted to the forecast endpoint.
type OHLCPoint struct {
	Date  string  `json:"date"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// NormalizePeriod validates period and substitutes DefaultPeriod for an empty value.
func NormalizePeriod(period string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(period))
	if normalized == "" {
		return DefaultPeriod, nil
	}
	if _, ok := allowedPeriods[normalized]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return normalized, nil
}

// NormalizeTicker upper-cases ticker and rejects empty values.
func NormalizeTicker(ticker string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(ticker))
	if normalized == "" {
		return "", ErrInvalidTicker
	}
	return normalized, nil
}

// PriceSeries reads the price series of ticker over period.
func (client *Client) PriceSeries(ctx context.Context, accessToken string, ticker string, period string) (json.RawMessage, error) {
	path, err := tickerPath("/stocks/", ticker, "period", period)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if err := client.Perform(ctx, http.MethodGet, path, nil, Bearer(accessToken), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Transactions reads the insider transaction list of ticker over period.
func (client *Client) Transactions(ctx context.Context, accessToken string, ticker string, period string) (json.RawMessage, error) {
	path, err := tickerPath("/transactions/", ticker, "time_period", period)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if err := client.Perform(ctx, http.MethodGet, path, nil, Bearer(accessToken), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Forecast submits an OHLC series and returns the forecast points.
func (client *Client) Forecast(ctx context.Context, accessToken string, series []OHLCPoint) (json.RawMessage, error) {
	var payload json.RawMessage
	if err := client.Perform(ctx, http.MethodPost, "/future", JSONBody(series), Bearer(accessToken), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func tickerPath(prefix string, ticker string, periodParameter string, period string) (string, error) {
	normalizedTicker, err := NormalizeTicker(ticker)
	if err != nil {
		return "", err
	}
	normalizedPeriod, err := NormalizePeriod(period)
	if err != nil {
		return "", err
	}
	query := url.Values{}
	query.Set(periodParameter, normalizedPeriod)
	return prefix + url.PathEscape(normalizedTicker) + "?" + query.Encode(), nil
}
