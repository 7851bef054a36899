package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/gateway"
	"github.com/tyemirov/tauth-client/internal/market"
	"github.com/tyemirov/tauth-client/internal/session"
	webassets "github.com/tyemirov/tauth-client/web"
)

type stubSession struct {
	view           session.View
	signIn         func(ctx context.Context, email string, password string) error
	federated      func(ctx context.Context, email string, idToken string) error
	signUp         func(ctx context.Context, name string, email string, password string) (string, error)
	signOut        func(ctx context.Context) error
	refresh        func(ctx context.Context) error
	updatePassword func(ctx context.Context, password string, currentPassword string) (string, error)
}

func (stub *stubSession) View() session.View {
	return stub.view
}

func (stub *stubSession) SignIn(ctx context.Context, email string, password string) error {
	if stub.signIn == nil {
		return nil
	}
	return stub.signIn(ctx, email, password)
}

func (stub *stubSession) SignInWithFederatedCredential(ctx context.Context, email string, idToken string) error {
	if stub.federated == nil {
		return nil
	}
	return stub.federated(ctx, email, idToken)
}

func (stub *stubSession) SignUp(ctx context.Context, name string, email string, password string) (string, error) {
	if stub.signUp == nil {
		return "", nil
	}
	return stub.signUp(ctx, name, email, password)
}

func (stub *stubSession) SignOut(ctx context.Context) error {
	if stub.signOut == nil {
		return nil
	}
	return stub.signOut(ctx)
}

func (stub *stubSession) Refresh(ctx context.Context) error {
	if stub.refresh == nil {
		return nil
	}
	return stub.refresh(ctx)
}

func (stub *stubSession) UpdatePassword(ctx context.Context, password string, currentPassword string) (string, error) {
	if stub.updatePassword == nil {
		return "", nil
	}
	return stub.updatePassword(ctx, password, currentPassword)
}

type stubMarket struct {
	priceSeries  func(ctx context.Context, ticker string, period string) (json.RawMessage, error)
	transactions func(ctx context.Context, ticker string, period string) (json.RawMessage, error)
	forecast     func(ctx context.Context, series []gateway.OHLCPoint) (json.RawMessage, error)
}

func (stub *stubMarket) PriceSeries(ctx context.Context, ticker string, period string) (json.RawMessage, error) {
	return stub.priceSeries(ctx, ticker, period)
}

func (stub *stubMarket) Transactions(ctx context.Context, ticker string, period string) (json.RawMessage, error) {
	return stub.transactions(ctx, ticker, period)
}

func (stub *stubMarket) Forecast(ctx context.Context, series []gateway.OHLCPoint) (json.RawMessage, error) {
	return stub.forecast(ctx, series)
}

type stubMetrics map[string]int64

func (metrics stubMetrics) Snapshot() map[string]int64 {
	return metrics
}

func newBridgeRouter(t *testing.T, sessionStub *stubSession, marketStub *stubMarket) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if marketStub == nil {
		marketStub = &stubMarket{}
	}
	bridge, err := NewBridge(BridgeConfig{
		Session: sessionStub,
		Market:  marketStub,
		Metrics: stubMetrics{"session.refresh.succeeded": 2},
		Assets:  webassets.FS,
		Client:  ClientConfig{GoogleClientID: "client-id"},
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}
	router := gin.New()
	bridge.Mount(router)
	return router
}

func perform(router http.Handler, method string, target string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	request := httptest.NewRequest(method, target, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeError(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error body %q: %v", recorder.Body.String(), err)
	}
	return payload.Error
}

func TestNewBridgeValidation(t *testing.T) {
	if _, err := NewBridge(BridgeConfig{Market: &stubMarket{}}); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
	if _, err := NewBridge(BridgeConfig{Session: &stubSession{}}); !errors.Is(err, ErrMissingMarket) {
		t.Fatalf("expected ErrMissingMarket, got %v", err)
	}
}

func TestSessionViewRoute(t *testing.T) {
	t.Parallel()
	stub := &stubSession{view: session.View{
		IsAuthenticated: true,
		State:           session.StateAuthenticated,
		User:            &session.UserProfile{Email: "ada@example.com", LoginType: gateway.LoginTypePassword},
	}}
	router := newBridgeRouter(t, stub, nil)

	recorder := perform(router, http.MethodGet, "/session", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode view: %v", err)
	}
	if payload["state"] != "authenticated" || payload["is_authenticated"] != true {
		t.Fatalf("unexpected view payload %v", payload)
	}
}

func TestSignInRoute(t *testing.T) {
	t.Parallel()
	var received string
	stub := &stubSession{
		view: session.View{IsAuthenticated: true, State: session.StateAuthenticated},
		signIn: func(ctx context.Context, email string, password string) error {
			received = email + "/" + password
			return nil
		},
	}
	router := newBridgeRouter(t, stub, nil)

	recorder := perform(router, http.MethodPost, "/session/signin", `{"email":" ada@example.com ","password":"pw"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if received != "ada@example.com/pw" {
		t.Fatalf("unexpected credentials forwarded %q", received)
	}

	missing := perform(router, http.MethodPost, "/session/signin", `{"email":"ada@example.com"}`)
	if missing.Code != http.StatusBadRequest || decodeError(t, missing) != "invalid_json" {
		t.Fatalf("expected invalid_json, got %d %s", missing.Code, missing.Body.String())
	}
}

func TestBridgeErrorMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "already authenticated", err: session.ErrAlreadyAuthenticated, wantStatus: http.StatusConflict, wantCode: "session.already_authenticated"},
		{name: "busy", err: fmt.Errorf("session.sign_in: %w", session.ErrBusy), wantStatus: http.StatusConflict, wantCode: "session.busy"},
		{name: "upstream detail", err: &gateway.HTTPError{Status: http.StatusUnauthorized, Message: "Incorrect password."}, wantStatus: http.StatusUnauthorized, wantCode: "gateway.http"},
		{name: "network", err: &gateway.NetworkError{Method: http.MethodPost, Path: "/auth/token", Err: errors.New("refused")}, wantStatus: http.StatusBadGateway, wantCode: "gateway.network"},
		{name: "federated mismatch", err: fmt.Errorf("session.sign_in.federated: %w", session.ErrFederatedEmailMismatch), wantStatus: http.StatusUnauthorized, wantCode: "session.federated.email_mismatch"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "internal_error"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			stub := &stubSession{signIn: func(context.Context, string, string) error {
				return testCase.err
			}}
			router := newBridgeRouter(t, stub, nil)
			recorder := perform(router, http.MethodPost, "/session/signin", `{"email":"ada@example.com","password":"pw"}`)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if code := decodeError(t, recorder); code != testCase.wantCode {
				t.Fatalf("expected code %q, got %q", testCase.wantCode, code)
			}
		})
	}
}

func TestFederatedSignUpSignOutAndPasswordRoutes(t *testing.T) {
	t.Parallel()
	var federatedToken string
	var signedOut bool
	stub := &stubSession{
		view: session.View{State: session.StateAwaitingPasswordCreation, RequiresPasswordCreation: true},
		federated: func(ctx context.Context, email string, idToken string) error {
			federatedToken = idToken
			return nil
		},
		signUp: func(ctx context.Context, name string, email string, password string) (string, error) {
			return "User created successfully", nil
		},
		signOut: func(ctx context.Context) error {
			signedOut = true
			return nil
		},
		updatePassword: func(ctx context.Context, password string, currentPassword string) (string, error) {
			if password != "new-pass" || currentPassword != "" {
				return "", errors.New("unexpected arguments")
			}
			return "User updated successfully", nil
		},
	}
	router := newBridgeRouter(t, stub, nil)

	if recorder := perform(router, http.MethodPost, "/session/federated", `{"email":"fed@example.com","id_token":"tok"}`); recorder.Code != http.StatusOK || federatedToken != "tok" {
		t.Fatalf("federated sign in failed: %d %q", recorder.Code, federatedToken)
	}
	if recorder := perform(router, http.MethodPost, "/session/signup", `{"name":"Ada","email":"ada@example.com","password":"pw"}`); recorder.Code != http.StatusCreated || !strings.Contains(recorder.Body.String(), "User created successfully") {
		t.Fatalf("sign up failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := perform(router, http.MethodPost, "/session/password", `{"password":"new-pass"}`); recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "awaiting_password_creation") {
		t.Fatalf("password update failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if recorder := perform(router, http.MethodPost, "/session/signout", ""); recorder.Code != http.StatusNoContent || !signedOut {
		t.Fatalf("sign out failed: %d", recorder.Code)
	}
}

func TestRefreshRouteRequiresSession(t *testing.T) {
	t.Parallel()
	stub := &stubSession{refresh: func(context.Context) error {
		return fmt.Errorf("session.refresh: %w", session.ErrNotAuthenticated)
	}}
	router := newBridgeRouter(t, stub, nil)
	recorder := perform(router, http.MethodPost, "/session/refresh", "")
	if recorder.Code != http.StatusUnauthorized || decodeError(t, recorder) != "session.not_authenticated" {
		t.Fatalf("expected 401 not_authenticated, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestDataRoutes(t *testing.T) {
	t.Parallel()
	var forwarded []string
	marketStub := &stubMarket{
		priceSeries: func(ctx context.Context, ticker string, period string) (json.RawMessage, error) {
			forwarded = append(forwarded, ticker+":"+period)
			return json.RawMessage(`[{"close":1}]`), nil
		},
		transactions: func(ctx context.Context, ticker string, period string) (json.RawMessage, error) {
			return nil, gateway.ErrInvalidTicker
		},
		forecast: func(ctx context.Context, series []gateway.OHLCPoint) (json.RawMessage, error) {
			if len(series) == 0 {
				return nil, market.ErrEmptySeries
			}
			return json.RawMessage(`[{"price":2}]`), nil
		},
	}
	router := newBridgeRouter(t, &stubSession{}, marketStub)

	prices := perform(router, http.MethodGet, "/data/stocks/aapl?period=1m", "")
	if prices.Code != http.StatusOK || prices.Body.String() != `[{"close":1}]` {
		t.Fatalf("unexpected price response %d %s", prices.Code, prices.Body.String())
	}
	if len(forwarded) != 1 || forwarded[0] != "aapl:1m" {
		t.Fatalf("expected raw ticker and period forwarded, got %v", forwarded)
	}

	transactions := perform(router, http.MethodGet, "/data/transactions/x", "")
	if transactions.Code != http.StatusBadRequest || decodeError(t, transactions) != "gateway.invalid_ticker" {
		t.Fatalf("unexpected transactions response %d %s", transactions.Code, transactions.Body.String())
	}

	empty := perform(router, http.MethodPost, "/data/forecast", `{"series":[]}`)
	if empty.Code != http.StatusBadRequest || decodeError(t, empty) != "market.empty_series" {
		t.Fatalf("unexpected empty forecast response %d %s", empty.Code, empty.Body.String())
	}
	forecast := perform(router, http.MethodPost, "/data/forecast", `{"series":[{"date":"2024-01-02","open":1,"high":2,"low":1,"close":2}]}`)
	if forecast.Code != http.StatusOK {
		t.Fatalf("unexpected forecast response %d %s", forecast.Code, forecast.Body.String())
	}
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	router := newBridgeRouter(t, &stubSession{}, nil)
	recorder := perform(router, http.MethodGet, "/session/metrics", "")
	var payload map[string]int64
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode metrics: %v", err)
	}
	if payload["session.refresh.succeeded"] != 2 {
		t.Fatalf("unexpected metrics %v", payload)
	}
}

func TestEmbeddedAssetsAndClientConfig(t *testing.T) {
	t.Parallel()
	router := newBridgeRouter(t, &stubSession{}, nil)

	script := perform(router, http.MethodGet, "/static/session-client.js", "")
	if script.Code != http.StatusOK || script.Header().Get("Cache-Control") != "public, max-age=3600" {
		t.Fatalf("unexpected script response %d %v", script.Code, script.Header())
	}
	page := perform(router, http.MethodGet, "/", "")
	if page.Code != http.StatusOK || !strings.Contains(page.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected index response %d %v", page.Code, page.Header())
	}

	config := perform(router, http.MethodGet, "/client-config.js", "")
	body := config.Body.String()
	if config.Code != http.StatusOK || !strings.Contains(body, `"googleClientId":"client-id"`) || !strings.Contains(body, `"bridgeUrl":"http://example.com"`) {
		t.Fatalf("unexpected client config %d %s", config.Code, body)
	}

	gin.SetMode(gin.TestMode)
	missRouter := gin.New()
	missRouter.GET("/missing.js", func(contextGin *gin.Context) {
		ServeEmbeddedAsset(contextGin, webassets.FS, "missing.js")
	})
	if recorder := perform(missRouter, http.MethodGet, "/missing.js", ""); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing asset, got %d", recorder.Code)
	}
}

func TestForwardedProtoHonoursProxyHeader(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/client-config.js", nil)
	if proto := forwardedProto(request); proto != "http" {
		t.Fatalf("expected http, got %s", proto)
	}
	request.Header.Set("X-Forwarded-Proto", "https")
	if proto := forwardedProto(request); proto != "https" {
		t.Fatalf("expected https, got %s", proto)
	}
}

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost:5173"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/session", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	request := httptest.NewRequest(http.MethodOptions, "/session", nil)
	request.Header.Set("Origin", "http://localhost:5173")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost:5173" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestSanitizeOrigins(t *testing.T) {
	t.Parallel()

	if _, err := sanitizeOrigins(zap.NewNop(), nil); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins, got %v", err)
	}
	if _, err := sanitizeOrigins(zap.NewNop(), []string{"  "}); !errors.Is(err, errEmptyAllowedOrigins) {
		t.Fatalf("expected errEmptyAllowedOrigins for blank entries, got %v", err)
	}
	if _, err := sanitizeOrigins(zap.NewNop(), []string{"*"}); !errors.Is(err, errWildcardOrigin) {
		t.Fatalf("expected errWildcardOrigin, got %v", err)
	}
	for _, invalid := range []string{"localhost", "https://app.example.com/path", "ftp://example.com", "https://example.com?x=1"} {
		if _, err := sanitizeOrigins(zap.NewNop(), []string{invalid}); !errors.Is(err, errInvalidOrigin) {
			t.Fatalf("expected errInvalidOrigin for %q, got %v", invalid, err)
		}
	}

	sanitized, err := sanitizeOrigins(zap.NewNop(), []string{"HTTPS://app.example.com/", "https://app.example.com", "http://localhost:3000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sanitized) != 2 {
		t.Fatalf("expected duplicates collapsed, got %v", sanitized)
	}
}
