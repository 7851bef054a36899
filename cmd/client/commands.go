package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/gateway"
)

// runWithApplication loads the logger and application around a command body.
func runWithApplication(command *cobra.Command, body func(ctx context.Context, app *application) error) error {
	clientConfig, configErr := clientConfigFrom(command)
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger(clientConfig.Verbose)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	app, buildErr := buildApplication(ctx, clientConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.close()

	if err := app.start(ctx); err != nil {
		return err
	}
	if err := body(ctx, app); err != nil {
		logger.Debug("command failed", zap.String("code", "client.command.failed"), zap.String("command", command.Name()), zap.Error(err))
		return err
	}
	return nil
}

func writeJSON(writer io.Writer, value any) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeRaw(writer io.Writer, payload json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		_, writeErr := fmt.Fprintln(writer, string(payload))
		return writeErr
	}
	return writeJSON(writer, decoded)
}

func requireSession(app *application) error {
	if !app.manager.View().IsAuthenticated {
		return fmt.Errorf("client.not_signed_in: run signin first")
	}
	return nil
}

func newSignInCommand() *cobra.Command {
	var email, password string
	command := &cobra.Command{
		Use:     "signin",
		Short:   "Sign in with email and password",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				if err := app.manager.SignIn(ctx, strings.TrimSpace(email), password); err != nil {
					return err
				}
				return writeJSON(command.OutOrStdout(), app.manager.View())
			})
		},
	}
	command.Flags().StringVar(&email, "email", "", "Account email")
	command.Flags().StringVar(&password, "password", "", "Account password")
	_ = command.MarkFlagRequired("email")
	_ = command.MarkFlagRequired("password")
	return command
}

func newFederatedSignInCommand() *cobra.Command {
	var email, idToken string
	command := &cobra.Command{
		Use:     "signin-google",
		Short:   "Sign in with a Google ID token",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				if err := app.manager.SignInWithFederatedCredential(ctx, strings.TrimSpace(email), strings.TrimSpace(idToken)); err != nil {
					return err
				}
				return writeJSON(command.OutOrStdout(), app.manager.View())
			})
		},
	}
	command.Flags().StringVar(&email, "email", "", "Email the ID token was issued for")
	command.Flags().StringVar(&idToken, "id_token", "", "Google ID token")
	_ = command.MarkFlagRequired("email")
	_ = command.MarkFlagRequired("id_token")
	return command
}

func newSignUpCommand() *cobra.Command {
	var name, email, password string
	command := &cobra.Command{
		Use:     "signup",
		Short:   "Create an account",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				message, err := app.manager.SignUp(ctx, strings.TrimSpace(name), strings.TrimSpace(email), password)
				if err != nil {
					return err
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), message)
				return writeErr
			})
		},
	}
	command.Flags().StringVar(&name, "name", "", "Display name")
	command.Flags().StringVar(&email, "email", "", "Account email")
	command.Flags().StringVar(&password, "password", "", "Account password")
	_ = command.MarkFlagRequired("email")
	_ = command.MarkFlagRequired("password")
	return command
}

func newWhoAmICommand() *cobra.Command {
	return &cobra.Command{
		Use:     "whoami",
		Short:   "Print the current session view",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				return writeJSON(command.OutOrStdout(), app.manager.View())
			})
		},
	}
}

func newSignOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "signout",
		Short:   "Revoke the session and clear stored tokens",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				return app.manager.SignOut(ctx)
			})
		},
	}
}

func newSetPasswordCommand() *cobra.Command {
	var password, currentPassword string
	command := &cobra.Command{
		Use:     "set-password",
		Short:   "Create or change the account password",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				if err := requireSession(app); err != nil {
					return err
				}
				message, err := app.manager.UpdatePassword(ctx, password, currentPassword)
				if err != nil {
					return err
				}
				_, writeErr := fmt.Fprintln(command.OutOrStdout(), message)
				return writeErr
			})
		},
	}
	command.Flags().StringVar(&password, "password", "", "New password")
	command.Flags().StringVar(&currentPassword, "current_password", "", "Current password (not needed for Google-only accounts)")
	_ = command.MarkFlagRequired("password")
	return command
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "refresh",
		Short:   "Rotate the access token now",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				if err := app.manager.Refresh(ctx); err != nil {
					return err
				}
				return writeJSON(command.OutOrStdout(), app.manager.View())
			})
		},
	}
}

func newStocksCommand() *cobra.Command {
	var period string
	command := &cobra.Command{
		Use:     "stocks TICKER",
		Short:   "Print the OHLC price series of a ticker",
		Args:    cobra.ExactArgs(1),
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				payload, err := app.market.PriceSeries(ctx, arguments[0], period)
				if err != nil {
					return err
				}
				return writeRaw(command.OutOrStdout(), payload)
			})
		},
	}
	command.Flags().StringVar(&period, "period", gateway.DefaultPeriod, "Period: 1d, 1w, 1m, 3m, 6m, 1y")
	return command
}

func newTransactionsCommand() *cobra.Command {
	var period string
	command := &cobra.Command{
		Use:     "transactions TICKER",
		Short:   "Print the recent transactions of a ticker",
		Args:    cobra.ExactArgs(1),
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				payload, err := app.market.Transactions(ctx, arguments[0], period)
				if err != nil {
					return err
				}
				return writeRaw(command.OutOrStdout(), payload)
			})
		},
	}
	command.Flags().StringVar(&period, "period", gateway.DefaultPeriod, "Period: 1d, 1w, 1m, 3m, 6m, 1y")
	return command
}

func newForecastCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "forecast",
		Short:   "Forecast prices from an OHLC series read as JSON from stdin",
		PreRunE: prepareClientConfig,
		RunE: func(command *cobra.Command, arguments []string) error {
			var series []gateway.OHLCPoint
			if err := json.NewDecoder(command.InOrStdin()).Decode(&series); err != nil {
				return fmt.Errorf("client.forecast.input: %w", err)
			}
			return runWithApplication(command, func(ctx context.Context, app *application) error {
				payload, err := app.market.Forecast(ctx, series)
				if err != nil {
					return err
				}
				return writeRaw(command.OutOrStdout(), payload)
			})
		},
	}
}
