package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/fakeapi"
	"github.com/tyemirov/tauth-client/internal/web"
	webassets "github.com/tyemirov/tauth-client/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Short:   "Serve the local HTTP bridge with the session view and cached reads",
		PreRunE: prepareClientConfig,
		RunE:    runServe,
	}
}

func runServe(command *cobra.Command, arguments []string) error {
	clientConfig, configErr := clientConfigFrom(command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger(clientConfig.Verbose)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	app, buildErr := buildApplication(command.Context(), clientConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.close()

	// Restore runs in the background; the bridge reports Loading until it settles.
	if err := app.manager.Start(command.Context()); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if clientConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, clientConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	bridge, bridgeErr := web.NewBridge(web.BridgeConfig{
		Session: app.manager,
		Market:  app.market,
		Metrics: app.metrics,
		Assets:  webassets.FS,
		Client:  web.ClientConfig{GoogleClientID: clientConfig.GoogleWebClientID},
		Logger:  logger,
	})
	if bridgeErr != nil {
		return bridgeErr
	}
	bridge.Mount(router)

	server := &http.Server{
		Addr:              clientConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("bridge listening", zap.String("addr", clientConfig.ListenAddr), zap.String("api_base_url", clientConfig.APIBaseURL))
	return listenUntilSignal(server, logger)
}

func newFakeAPICommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "fake-api",
		Short: "Serve an in-memory rendition of the remote API for local development",
		RunE:  runFakeAPI,
	}
	command.Flags().String("fake_api_addr", "127.0.0.1:8000", "HTTP listen address of the fake API")
	command.Flags().String("fake_api_signing_key", "", "HS256 signing secret for fake API access tokens")
	command.Flags().Duration("fake_api_access_ttl", 30*time.Minute, "Access token TTL issued by the fake API")
	command.Flags().StringSlice("fake_api_seed_users", []string{}, "Seed accounts as name:email:password")
	_ = viper.BindPFlag("fake_api_addr", command.Flags().Lookup("fake_api_addr"))
	_ = viper.BindPFlag("fake_api_signing_key", command.Flags().Lookup("fake_api_signing_key"))
	_ = viper.BindPFlag("fake_api_access_ttl", command.Flags().Lookup("fake_api_access_ttl"))
	_ = viper.BindPFlag("fake_api_seed_users", command.Flags().Lookup("fake_api_seed_users"))
	return command
}

func runFakeAPI(command *cobra.Command, arguments []string) error {
	signingKey := viper.GetString("fake_api_signing_key")
	if signingKey == "" {
		return configError("config.missing_fake_api_signing_key", "fake_api_signing_key must be provided")
	}
	logger, loggerErr := newLogger(viper.GetBool("verbose"))
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	gin.SetMode(gin.ReleaseMode)
	fake, fakeErr := fakeapi.NewServer(fakeapi.Config{
		SigningKey: []byte(signingKey),
		AccessTTL:  viper.GetDuration("fake_api_access_ttl"),
		Logger:     logger,
	})
	if fakeErr != nil {
		return fakeErr
	}
	for _, seed := range viper.GetStringSlice("fake_api_seed_users") {
		parts := strings.SplitN(seed, ":", 3)
		if len(parts) != 3 {
			return configError("config.invalid_fake_api_seed_user", fmt.Sprintf("seed %q must be name:email:password", seed))
		}
		if err := fake.SeedUser(parts[0], parts[1], parts[2]); err != nil {
			return err
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	fake.Mount(router)

	listenAddr := viper.GetString("fake_api_addr")
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("fake api listening", zap.String("addr", listenAddr))
	return listenUntilSignal(server, logger)
}

func listenUntilSignal(server *http.Server, logger *zap.Logger) error {
	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
