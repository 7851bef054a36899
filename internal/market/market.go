// Package market serves the application's domain reads through the request
// cache, authorized by the session manager.
package market

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/gateway"
	"github.com/tyemirov/tauth-client/internal/reqcache"
)

const (
	DefaultPriceTTL        = 120 * time.Second
	DefaultTransactionsTTL = 60 * time.Second
	DefaultForecastTTL     = 120 * time.Second
)

var (
	ErrMissingGateway    = errors.New("market.missing_gateway")
	ErrMissingAuthorizer = errors.New("market.missing_authorizer")
	ErrMissingCache      = errors.New("market.missing_cache")
	ErrEmptySeries       = errors.New("market.empty_series")
)

// DataGateway reads the protected domain endpoints.
type DataGateway interface {
	PriceSeries(ctx context.Context, accessToken string, ticker string, period string) (json.RawMessage, error)
	Transactions(ctx context.Context, accessToken string, ticker string, period string) (json.RawMessage, error)
	Forecast(ctx context.Context, accessToken string, series []gateway.OHLCPoint) (json.RawMessage, error)
}

// Authorizer runs an operation with the current access token.
type Authorizer interface {
	WithAccessToken(ctx context.Context, operation func(ctx context.Context, accessToken string) error) error
}

// Config wires the service's collaborators. Zero TTLs select the defaults.
type Config struct {
	Gateway         DataGateway
	Authorizer      Authorizer
	Cache           *reqcache.Cache[json.RawMessage]
	Logger          *zap.Logger
	PriceTTL        time.Duration
	TransactionsTTL time.Duration
	ForecastTTL     time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	gateway         DataGateway
	authorizer      Authorizer
	cache           *reqcache.Cache[json.RawMessage]
	logger          *zap.Logger
	priceTTL        time.Duration
	transactionsTTL time.Duration
	forecastTTL     time.Duration
}

// New validates the configuration and builds a Service.
func New(config Config) (*Service, error) {
	if config.Gateway == nil {
		return nil, ErrMissingGateway
	}
	if config.Authorizer == nil {
		return nil, ErrMissingAuthorizer
	}
	if config.Cache == nil {
		return nil, ErrMissingCache
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gateway:         config.Gateway,
		authorizer:      config.Authorizer,
		cache:           config.Cache,
		logger:          logger,
		priceTTL:        durationOrDefault(config.PriceTTL, DefaultPriceTTL),
		transactionsTTL: durationOrDefault(config.TransactionsTTL, DefaultTransactionsTTL),
		forecastTTL:     durationOrDefault(config.ForecastTTL, DefaultForecastTTL),
	}, nil
}

func durationOrDefault(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// PriceSeriesKey is the cache key of a price series read.
func PriceSeriesKey(ticker string, period string) string {
	return "stocks:" + ticker + ":" + period
}

// TransactionsKey is the cache key of a transaction list read.
func TransactionsKey(ticker string, period string) string {
	return "transactions:" + ticker + ":" + period
}

// ForecastKey derives the cache key of a forecast from a digest of the submitted series.
func ForecastKey(series []gateway.OHLCPoint) (string, error) {
	encoded, err := json.Marshal(series)
	if err != nil {
		return "", fmt.Errorf("market.forecast.key: %w", err)
	}
	digest := sha256.Sum256(encoded)
	return "forecast:" + base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// PriceSeries returns the price series of ticker over period.
func (service *Service) PriceSeries(ctx context.Context, ticker string, period string) (json.RawMessage, error) {
	normalizedTicker, normalizedPeriod, err := normalizeRead(ticker, period)
	if err != nil {
		return nil, err
	}
	return service.fetch(ctx, PriceSeriesKey(normalizedTicker, normalizedPeriod), service.priceTTL,
		func(ctx context.Context, accessToken string) (json.RawMessage, error) {
			return service.gateway.PriceSeries(ctx, accessToken, normalizedTicker, normalizedPeriod)
		})
}

// Transactions returns the insider transactions of ticker over period.
func (service *Service) Transactions(ctx context.Context, ticker string, period string) (json.RawMessage, error) {
	normalizedTicker, normalizedPeriod, err := normalizeRead(ticker, period)
	if err != nil {
		return nil, err
	}
	return service.fetch(ctx, TransactionsKey(normalizedTicker, normalizedPeriod), service.transactionsTTL,
		func(ctx context.Context, accessToken string) (json.RawMessage, error) {
			return service.gateway.Transactions(ctx, accessToken, normalizedTicker, normalizedPeriod)
		})
}

// Forecast returns the forecast computed for series.
func (service *Service) Forecast(ctx context.Context, series []gateway.OHLCPoint) (json.RawMessage, error) {
	if len(series) == 0 {
		return nil, ErrEmptySeries
	}
	key, err := ForecastKey(series)
	if err != nil {
		return nil, err
	}
	return service.fetch(ctx, key, service.forecastTTL,
		func(ctx context.Context, accessToken string) (json.RawMessage, error) {
			return service.gateway.Forecast(ctx, accessToken, series)
		})
}

// InvalidateTicker drops every cached read for ticker and reports how many entries went away.
func (service *Service) InvalidateTicker(ticker string) (int, error) {
	normalizedTicker, err := gateway.NormalizeTicker(ticker)
	if err != nil {
		return 0, err
	}
	removed := service.cache.Invalidate(PriceSeriesKey(normalizedTicker, ""))
	removed += service.cache.Invalidate(TransactionsKey(normalizedTicker, ""))
	return removed, nil
}

func (service *Service) fetch(ctx context.Context, key string, ttl time.Duration, read func(ctx context.Context, accessToken string) (json.RawMessage, error)) (json.RawMessage, error) {
	payload, err := service.cache.Fetch(ctx, key, ttl, func(ctx context.Context) (json.RawMessage, error) {
		var result json.RawMessage
		authErr := service.authorizer.WithAccessToken(ctx, func(ctx context.Context, accessToken string) error {
			fetched, readErr := read(ctx, accessToken)
			result = fetched
			return readErr
		})
		return result, authErr
	})
	if err != nil {
		service.logger.Debug("market read failed",
			zap.String("code", "market.read.failed"),
			zap.String("key", key),
			zap.Error(err))
		return nil, fmt.Errorf("market.read: %w", err)
	}
	return payload, nil
}

func normalizeRead(ticker string, period string) (string, string, error) {
	normalizedTicker, err := gateway.NormalizeTicker(ticker)
	if err != nil {
		return "", "", err
	}
	normalizedPeriod, err := gateway.NormalizePeriod(period)
	if err != nil {
		return "", "", err
	}
	return normalizedTicker, normalizedPeriod, nil
}
