package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrAuthExpired matches an *HTTPError with status 401 returned to an authenticated call.
	ErrAuthExpired = errors.New("gateway.auth_expired")
	// ErrInvalidPeriod is returned before any request when a domain read names an unknown period.
	ErrInvalidPeriod = errors.New("gateway.invalid_period")
	// ErrInvalidTicker is returned before any request when a domain read has an empty ticker.
	ErrInvalidTicker = errors.New("gateway.invalid_ticker")
	// ErrMissingBaseURL indicates the client was built without an API base URL.
	ErrMissingBaseURL = errors.New("gateway.missing_base_url")
)

// NetworkError reports a call that never received a response.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (networkError *NetworkError) Error() string {
	return fmt.Sprintf("gateway.network: %s %s: %v", networkError.Method, networkError.Path, networkError.Err)
}

func (networkError *NetworkError) Unwrap() error {
	return networkError.Err
}

// HTTPError reports a non-2xx response.
type HTTPError struct {
	Status        int
	Message       string
	authenticated bool
}

func (httpError *HTTPError) Error() string {
	return fmt.Sprintf("gateway.http.%d: %s", httpError.Status, httpError.Message)
}

// Is classifies a 401 on an authenticated call as ErrAuthExpired.
func (httpError *HTTPError) Is(target error) bool {
	return target == ErrAuthExpired && httpError.authenticated && httpError.Status == http.StatusUnauthorized
}

// DecodeError reports a 2xx body that does not have the expected shape.
type DecodeError struct {
	Path string
	Err  error
}

func (decodeError *DecodeError) Error() string {
	return fmt.Sprintf("gateway.decode: %s: %v", decodeError.Path, decodeError.Err)
}

func (decodeError *DecodeError) Unwrap() error {
	return decodeError.Err
}

type errorEnvelope struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

type validationEntry struct {
	Message string `json:"msg"`
}

// extractDetail returns the human-readable message from an error body.
// detail as a string is used as is; detail as a list yields its first entry's msg.
func extractDetail(status int, body []byte) string {
	fallback := fmt.Sprintf("request failed with status %d", status)
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fallback
	}
	if len(envelope.Detail) > 0 {
		var detailText string
		if err := json.Unmarshal(envelope.Detail, &detailText); err == nil && strings.TrimSpace(detailText) != "" {
			return detailText
		}
		var detailList []validationEntry
		if err := json.Unmarshal(envelope.Detail, &detailList); err == nil && len(detailList) > 0 && strings.TrimSpace(detailList[0].Message) != "" {
			return detailList[0].Message
		}
		return fallback
	}
	if strings.TrimSpace(envelope.Error) != "" {
		return envelope.Error
	}
	return fallback
}
