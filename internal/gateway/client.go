// Package gateway performs calls against the remote API and normalizes the
// responses into typed results or one of NetworkError, HTTPError, DecodeError.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "tauth-client"
	maxResponseBytes = 4 << 20

	headerRequestID = "X-Request-ID"
)

// Config describes how a Client reaches the API.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	Logger     *zap.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	logger     *zap.Logger
}

// New validates the configuration and builds a Client.
func New(config Config) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if trimmed == "" {
		return nil, ErrMissingBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("gateway.invalid_base_url: %q", config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := strings.TrimSpace(config.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     logger,
	}, nil
}

// Body is a request payload.
type Body interface {
	ContentType() string
	Encode() ([]byte, error)
}

type jsonBody struct {
	value any
}

// JSONBody encodes value as application/json.
func JSONBody(value any) Body {
	return jsonBody{value: value}
}

func (body jsonBody) ContentType() string {
	return "application/json"
}

func (body jsonBody) Encode() ([]byte, error) {
	return json.Marshal(body.value)
}

type formBody struct {
	values url.Values
}

// FormBody encodes values as application/x-www-form-urlencoded.
func FormBody(values url.Values) Body {
	return formBody{values: values}
}

func (body formBody) ContentType() string {
	return "application/x-www-form-urlencoded"
}

func (body formBody) Encode() ([]byte, error) {
	return []byte(body.values.Encode()), nil
}

// Bearer wraps accessToken as a bearer credential for Perform.
func Bearer(accessToken string) *oauth2.Token {
	return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
}

// Perform sends one request and decodes a 2xx JSON body into out. A nil out ignores the body.
// A non-nil token authorizes the request and marks the call as authenticated for error classification.
func (client *Client) Perform(ctx context.Context, method string, path string, body Body, token *oauth2.Token, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := body.Encode()
		if err != nil {
			return fmt.Errorf("gateway.encode: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("gateway.build_request: %w", err)
	}
	authenticated := token != nil
	if authenticated {
		token.SetAuthHeader(request)
	}
	if body != nil {
		request.Header.Set("Content-Type", body.ContentType())
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", client.userAgent)
	requestID := uuid.NewString()
	request.Header.Set(headerRequestID, requestID)

	started := time.Now()
	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Debug("gateway request failed",
			zap.String("code", "gateway.request.network"),
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err))
		return &NetworkError{Method: method, Path: path, Err: err}
	}
	defer response.Body.Close()

	responseBody, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	client.logger.Debug("gateway request",
		zap.String("code", "gateway.request"),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", time.Since(started)))
	if readErr != nil {
		return &NetworkError{Method: method, Path: path, Err: readErr}
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &HTTPError{
			Status:        response.StatusCode,
			Message:       extractDetail(response.StatusCode, responseBody),
			authenticated: authenticated,
		}
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(responseBody)) == 0 {
		return &DecodeError{Path: path, Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return &DecodeError{Path: path, Err: err}
	}
	return nil
}
