package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/tauth-client/internal/fakeapi"
	"github.com/tyemirov/tauth-client/internal/session"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServeMissingConfig(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runServe(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}
	expectedMessage := "config.uninitialized_client_config: client configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func setValidConfig() {
	viper.Set("api_base_url", "http://127.0.0.1:9")
	viper.Set("token_store_url", "memory://")
	viper.Set("request_timeout", time.Second)
	viper.Set("cache_ttl", time.Minute)
	viper.Set("refresh_threshold", time.Minute)
	viper.Set("refresh_check_interval", time.Minute)
}

func TestLoadClientConfigValidation(t *testing.T) {
	testCases := []struct {
		name            string
		override        func()
		expectedMessage string
	}{
		{
			name:            "missing api base url",
			override:        func() { viper.Set("api_base_url", "") },
			expectedMessage: "config.missing_api_base_url: api_base_url must be provided",
		},
		{
			name:            "non http api base url",
			override:        func() { viper.Set("api_base_url", "ftp://example.com") },
			expectedMessage: "config.invalid_api_base_url: api_base_url must be an http or https URL",
		},
		{
			name:            "persistent store without secret",
			override:        func() { viper.Set("token_store_url", "sqlite:///tmp/tokens.db") },
			expectedMessage: "config.missing_token_store_secret: token_store_secret must be provided for persistent token stores",
		},
		{
			name:            "non positive request timeout",
			override:        func() { viper.Set("request_timeout", 0) },
			expectedMessage: "config.invalid_request_timeout: request_timeout must be greater than zero",
		},
		{
			name:            "non positive cache ttl",
			override:        func() { viper.Set("cache_ttl", -time.Second) },
			expectedMessage: "config.invalid_cache_ttl: cache_ttl must be greater than zero",
		},
		{
			name:            "non positive refresh threshold",
			override:        func() { viper.Set("refresh_threshold", 0) },
			expectedMessage: "config.invalid_refresh_threshold: refresh_threshold must be greater than zero",
		},
		{
			name:            "non positive check interval",
			override:        func() { viper.Set("refresh_check_interval", 0) },
			expectedMessage: "config.invalid_refresh_check_interval: refresh_check_interval must be greater than zero",
		},
		{
			name:            "cors without origins",
			override:        func() { viper.Set("enable_cors", true) },
			expectedMessage: "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			setValidConfig()
			testCase.override()

			_, err := LoadClientConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestLoadClientConfigDefaultsTokenStore(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	configDir := t.TempDir()
	previous := userConfigDir
	userConfigDir = func() (string, error) { return configDir, nil }
	defer func() { userConfigDir = previous }()

	setValidConfig()
	viper.Set("token_store_url", "")
	viper.Set("token_store_secret", "device-secret")

	clientConfig, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	expected := "bolt://" + filepath.ToSlash(filepath.Join(configDir, "tauth-client", "tokens.db"))
	if clientConfig.TokenStoreURL != expected {
		t.Fatalf("expected default store %q, got %q", expected, clientConfig.TokenStoreURL)
	}
	if clientConfig.ListenAddr != "127.0.0.1:8787" {
		t.Fatalf("unexpected listen addr %q", clientConfig.ListenAddr)
	}

	userConfigDir = func() (string, error) { return "", errors.New("no home") }
	if _, err := LoadClientConfig(); err == nil || !strings.HasPrefix(err.Error(), configCodeTokenStoreLocation) {
		t.Fatalf("expected token store location error, got %v", err)
	}
}

func TestBuildApplicationVerifierInitFailure(t *testing.T) {
	previous := buildCredentialVerifier
	buildCredentialVerifier = func(ctx context.Context, clientID string) (session.CredentialVerifier, error) {
		return nil, errors.New("validator_fail")
	}
	defer func() { buildCredentialVerifier = previous }()

	_, err := buildApplication(context.Background(), ClientConfig{
		APIBaseURL:        "http://127.0.0.1:9",
		TokenStoreURL:     "memory://",
		GoogleWebClientID: "client",
		RequestTimeout:    time.Second,
		CacheTTL:          time.Minute,
	}, zap.NewNop())
	if err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func newFakeAPI(t *testing.T) *fakeapi.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fake, err := fakeapi.NewServer(fakeapi.Config{SigningKey: []byte("cli-signing-key"), Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("failed to build fake api: %v", err)
	}
	return fake
}

func TestRunServeSuccess(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	fake := newFakeAPI(t)
	upstream := httptest.NewServer(fake.Handler())
	defer upstream.Close()

	var sessionStatus int
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/session", nil))
		sessionStatus = recorder.Code
		return http.ErrServerClosed
	})
	defer restoreServe()

	setValidConfig()
	viper.Set("api_base_url", upstream.URL)
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:5173"})

	clientConfig, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), clientConfigContextKey, clientConfig))

	if err := runServe(command, nil); err != nil {
		t.Fatalf("expected runServe to succeed, got %v", err)
	}
	if sessionStatus != http.StatusOK {
		t.Fatalf("expected bridge to serve /session, got %d", sessionStatus)
	}
}

func TestRunFakeAPIRequiresSigningKey(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	err := runFakeAPI(&cobra.Command{}, nil)
	if err == nil || err.Error() != "config.missing_fake_api_signing_key: fake_api_signing_key must be provided" {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func TestRunFakeAPISeedsUsers(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	var tokenStatus int
	restoreServe := withServeHTTPStub(func(server *http.Server) error {
		form := strings.NewReader("username=ada%40example.com&password=s3cret&login_type=normal")
		request := httptest.NewRequest(http.MethodPost, "/auth/token", form)
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		recorder := httptest.NewRecorder()
		server.Handler.ServeHTTP(recorder, request)
		tokenStatus = recorder.Code
		return http.ErrServerClosed
	})
	defer restoreServe()

	viper.Set("fake_api_signing_key", "signing-secret")
	viper.Set("fake_api_seed_users", []string{"Ada Lovelace:ada@example.com:s3cret"})
	if err := runFakeAPI(&cobra.Command{}, nil); err != nil {
		t.Fatalf("expected fake api to start, got %v", err)
	}
	if tokenStatus != http.StatusOK {
		t.Fatalf("expected seeded account to sign in, got %d", tokenStatus)
	}

	viper.Set("fake_api_seed_users", []string{"broken"})
	if err := runFakeAPI(&cobra.Command{}, nil); err == nil || !strings.HasPrefix(err.Error(), "config.invalid_fake_api_seed_user") {
		t.Fatalf("expected invalid seed error, got %v", err)
	}
}

func executeRoot(t *testing.T, stdin string, arguments ...string) (string, error) {
	t.Helper()
	viper.Reset()
	root := newRootCommand()
	var output bytes.Buffer
	root.SetOut(&output)
	root.SetErr(&output)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(arguments)
	err := root.Execute()
	return output.String(), err
}

func TestCommandsAgainstFakeAPI(t *testing.T) {
	defer viper.Reset()

	fake := newFakeAPI(t)
	upstream := httptest.NewServer(fake.Handler())
	defer upstream.Close()

	storeURL := "bolt://" + filepath.ToSlash(filepath.Join(t.TempDir(), "tokens.db"))
	common := []string{
		"--api_base_url", upstream.URL,
		"--token_store_url", storeURL,
		"--token_store_secret", "device-secret",
	}
	run := func(stdin string, arguments ...string) string {
		t.Helper()
		output, err := executeRoot(t, stdin, append(arguments, common...)...)
		if err != nil {
			t.Fatalf("command %v failed: %v\n%s", arguments, err, output)
		}
		return output
	}

	if output := run("", "signup", "--name", "Ada Lovelace", "--email", "ada@example.com", "--password", "s3cret"); !strings.Contains(output, "User created successfully") {
		t.Fatalf("unexpected signup output %q", output)
	}
	run("", "signin", "--email", "ada@example.com", "--password", "s3cret")

	whoami := run("", "whoami")
	var view map[string]any
	if err := json.Unmarshal([]byte(whoami), &view); err != nil {
		t.Fatalf("failed to decode whoami output %q: %v", whoami, err)
	}
	user, _ := view["user"].(map[string]any)
	if view["is_authenticated"] != true || user == nil || user["email"] != "ada@example.com" {
		t.Fatalf("expected restored session in whoami output %q", whoami)
	}

	prices := run("", "stocks", "aapl", "--period", "1m")
	var points []map[string]any
	if err := json.Unmarshal([]byte(prices), &points); err != nil || len(points) == 0 {
		t.Fatalf("unexpected stocks output %q: %v", prices, err)
	}

	series, _ := json.Marshal([]map[string]any{
		{"date": "2024-01-02", "open": 10, "high": 11, "low": 9, "close": 10.5},
		{"date": "2024-01-03", "open": 10.5, "high": 12, "low": 10, "close": 11.5},
	})
	if output := run(string(series), "forecast"); !strings.HasPrefix(strings.TrimSpace(output), "[") {
		t.Fatalf("unexpected forecast output %q", output)
	}

	run("", "signout")
	if live := fake.LiveRefreshTokens("ada@example.com"); live != 0 {
		t.Fatalf("expected sign out to revoke refresh tokens, got %d live", live)
	}
	if _, err := executeRoot(t, "", append([]string{"stocks", "AAPL"}, common...)...); !errors.Is(err, session.ErrNotAuthenticated) {
		t.Fatalf("expected reads after sign out to require a session, got %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	defer viper.Reset()
	if _, err := executeRoot(t, "", "--help"); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}
