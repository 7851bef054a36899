package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	err := newRootCommand().Execute()
	memguard.Purge()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tauth-client",
		Short:        "Session-aware client for the market data API with encrypted token storage",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api_base_url", "", "Base URL of the remote API")
	flags.String("token_store_url", "", "Token store URL (memory://, bolt:///path, sqlite:///path, postgres://...); defaults to a bolt file in the user config dir")
	flags.String("token_store_secret", "", "Device secret used to encrypt stored tokens (not needed for memory://)")
	flags.String("google_web_client_id", "", "Google Web OAuth Client ID; enables local ID token verification")
	flags.Duration("request_timeout", 15*time.Second, "HTTP timeout for API calls")
	flags.Duration("cache_ttl", 120*time.Second, "Freshness window for cached price series and forecasts")
	flags.Duration("refresh_threshold", 300*time.Second, "Refresh the access token when it expires within this window")
	flags.Duration("refresh_check_interval", 60*time.Second, "Interval of the background expiry check")
	flags.String("listen_addr", "127.0.0.1:8787", "HTTP listen address of the local bridge")
	flags.Bool("enable_cors", false, "Enable CORS on the local bridge")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.Bool("verbose", false, "Development logging at debug level")

	for _, key := range []string{
		"api_base_url",
		"token_store_url",
		"token_store_secret",
		"google_web_client_id",
		"request_timeout",
		"cache_ttl",
		"refresh_threshold",
		"refresh_check_interval",
		"listen_addr",
		"enable_cors",
		"cors_allowed_origins",
		"verbose",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(
		newSignInCommand(),
		newFederatedSignInCommand(),
		newSignUpCommand(),
		newWhoAmICommand(),
		newSignOutCommand(),
		newSetPasswordCommand(),
		newRefreshCommand(),
		newStocksCommand(),
		newTransactionsCommand(),
		newForecastCommand(),
		newServeCommand(),
		newFakeAPICommand(),
	)
	return rootCmd
}

const (
	configCodeMissingAPIBaseURL       = "config.missing_api_base_url"
	configCodeInvalidAPIBaseURL       = "config.invalid_api_base_url"
	configCodeMissingTokenStoreSecret = "config.missing_token_store_secret"
	configCodeTokenStoreLocation      = "config.token_store_location"
	configCodeInvalidRequestTimeout   = "config.invalid_request_timeout"
	configCodeInvalidCacheTTL         = "config.invalid_cache_ttl"
	configCodeInvalidRefreshThreshold = "config.invalid_refresh_threshold"
	configCodeInvalidCheckInterval    = "config.invalid_refresh_check_interval"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedClientConf = "config.uninitialized_client_config"
)

// ClientConfig is the validated configuration shared by every command.
type ClientConfig struct {
	APIBaseURL           string
	TokenStoreURL        string
	TokenStoreSecret     string
	GoogleWebClientID    string
	RequestTimeout       time.Duration
	CacheTTL             time.Duration
	RefreshThreshold     time.Duration
	RefreshCheckInterval time.Duration
	ListenAddr           string
	EnableCORS           bool
	CORSAllowedOrigins   []string
	Verbose              bool
}

type contextKey string

const clientConfigContextKey contextKey = "clientConfig"

var userConfigDir = os.UserConfigDir

func prepareClientConfig(command *cobra.Command, arguments []string) error {
	clientConfig, loadErr := LoadClientConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, clientConfigContextKey, clientConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func clientConfigFrom(command *cobra.Command) (ClientConfig, error) {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(clientConfigContextKey)
	}
	clientConfig, ok := contextValue.(ClientConfig)
	if !ok {
		return ClientConfig{}, configError(configCodeUninitializedClientConf, "client configuration not prepared; PreRunE must execute before RunE")
	}
	return clientConfig, nil
}

func LoadClientConfig() (ClientConfig, error) {
	apiBaseURL := strings.TrimSpace(viper.GetString("api_base_url"))
	if apiBaseURL == "" {
		return ClientConfig{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}
	if !strings.HasPrefix(apiBaseURL, "http://") && !strings.HasPrefix(apiBaseURL, "https://") {
		return ClientConfig{}, configError(configCodeInvalidAPIBaseURL, "api_base_url must be an http or https URL")
	}

	tokenStoreURL := strings.TrimSpace(viper.GetString("token_store_url"))
	if tokenStoreURL == "" {
		configDir, dirErr := userConfigDir()
		if dirErr != nil {
			return ClientConfig{}, configError(configCodeTokenStoreLocation, "token_store_url is empty and the user config dir is unavailable")
		}
		tokenStoreURL = "bolt://" + filepath.ToSlash(filepath.Join(configDir, "tauth-client", "tokens.db"))
	}

	tokenStoreSecret := viper.GetString("token_store_secret")
	if tokenStoreSecret == "" && !strings.HasPrefix(strings.ToLower(tokenStoreURL), "memory://") {
		return ClientConfig{}, configError(configCodeMissingTokenStoreSecret, "token_store_secret must be provided for persistent token stores")
	}

	requestTimeout := viper.GetDuration("request_timeout")
	if requestTimeout <= 0 {
		return ClientConfig{}, configError(configCodeInvalidRequestTimeout, "request_timeout must be greater than zero")
	}
	cacheTTL := viper.GetDuration("cache_ttl")
	if cacheTTL <= 0 {
		return ClientConfig{}, configError(configCodeInvalidCacheTTL, "cache_ttl must be greater than zero")
	}
	refreshThreshold := viper.GetDuration("refresh_threshold")
	if refreshThreshold <= 0 {
		return ClientConfig{}, configError(configCodeInvalidRefreshThreshold, "refresh_threshold must be greater than zero")
	}
	checkInterval := viper.GetDuration("refresh_check_interval")
	if checkInterval <= 0 {
		return ClientConfig{}, configError(configCodeInvalidCheckInterval, "refresh_check_interval must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ClientConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = "127.0.0.1:8787"
	}

	return ClientConfig{
		APIBaseURL:           apiBaseURL,
		TokenStoreURL:        tokenStoreURL,
		TokenStoreSecret:     tokenStoreSecret,
		GoogleWebClientID:    strings.TrimSpace(viper.GetString("google_web_client_id")),
		RequestTimeout:       requestTimeout,
		CacheTTL:             cacheTTL,
		RefreshThreshold:     refreshThreshold,
		RefreshCheckInterval: checkInterval,
		ListenAddr:           listenAddr,
		EnableCORS:           enableCORS,
		CORSAllowedOrigins:   corsAllowedOrigins,
		Verbose:              viper.GetBool("verbose"),
	}, nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
