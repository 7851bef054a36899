package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/tauth-client/internal/gateway"
	"github.com/tyemirov/tauth-client/internal/market"
	"github.com/tyemirov/tauth-client/internal/session"
)

var (
	ErrMissingSession = errors.New("web.missing_session")
	ErrMissingMarket  = errors.New("web.missing_market")
)

// SessionController is the part of the session manager the bridge drives.
type SessionController interface {
	View() session.View
	SignIn(ctx context.Context, email string, password string) error
	SignInWithFederatedCredential(ctx context.Context, email string, idToken string) error
	SignUp(ctx context.Context, name string, email string, password string) (string, error)
	SignOut(ctx context.Context) error
	Refresh(ctx context.Context) error
	UpdatePassword(ctx context.Context, password string, currentPassword string) (string, error)
}

// MarketReader serves the cached, authorized data reads.
type MarketReader interface {
	PriceSeries(ctx context.Context, ticker string, period string) (json.RawMessage, error)
	Transactions(ctx context.Context, ticker string, period string) (json.RawMessage, error)
	Forecast(ctx context.Context, series []gateway.OHLCPoint) (json.RawMessage, error)
}

// MetricsSnapshotter exposes session counters.
type MetricsSnapshotter interface {
	Snapshot() map[string]int64
}

// BridgeConfig wires the bridge to its collaborators. Metrics and Assets are optional.
type BridgeConfig struct {
	Session SessionController
	Market  MarketReader
	Metrics MetricsSnapshotter
	Assets  fs.FS
	Client  ClientConfig
	Logger  *zap.Logger
}

// Bridge exposes the derived session view and cached reads over local HTTP.
type Bridge struct {
	session SessionController
	market  MarketReader
	metrics MetricsSnapshotter
	assets  fs.FS
	client  ClientConfig
	logger  *zap.Logger
}

// NewBridge validates the configuration.
func NewBridge(config BridgeConfig) (*Bridge, error) {
	if config.Session == nil {
		return nil, ErrMissingSession
	}
	if config.Market == nil {
		return nil, ErrMissingMarket
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		session: config.Session,
		market:  config.Market,
		metrics: config.Metrics,
		assets:  config.Assets,
		client:  config.Client,
		logger:  logger,
	}, nil
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type federatedRequest struct {
	Email   string `json:"email"`
	IDToken string `json:"id_token"`
}

type signUpRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type passwordRequest struct {
	Password        string `json:"password"`
	CurrentPassword string `json:"current_password"`
}

type forecastRequest struct {
	Series []gateway.OHLCPoint `json:"series"`
}

// Mount registers the session, data and asset routes.
func (bridge *Bridge) Mount(router gin.IRouter) {
	if bridge.assets != nil {
		router.GET("/", func(contextGin *gin.Context) {
			ServeEmbeddedAsset(contextGin, bridge.assets, "index.html")
		})
		router.GET("/static/session-client.js", func(contextGin *gin.Context) {
			ServeEmbeddedAsset(contextGin, bridge.assets, "session-client.js")
		})
	}
	router.GET("/client-config.js", func(contextGin *gin.Context) {
		ServeClientConfig(contextGin, bridge.client)
	})

	router.GET("/session", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, bridge.session.View())
	})

	router.POST("/session/signin", func(contextGin *gin.Context) {
		var inbound credentialsRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			writeInvalidJSON(contextGin)
			return
		}
		if err := bridge.session.SignIn(contextGin.Request.Context(), strings.TrimSpace(inbound.Email), inbound.Password); err != nil {
			bridge.writeError(contextGin, "signin", err)
			return
		}
		contextGin.JSON(http.StatusOK, bridge.session.View())
	})

	router.POST("/session/federated", func(contextGin *gin.Context) {
		var inbound federatedRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || strings.TrimSpace(inbound.IDToken) == "" {
			writeInvalidJSON(contextGin)
			return
		}
		if err := bridge.session.SignInWithFederatedCredential(contextGin.Request.Context(), strings.TrimSpace(inbound.Email), strings.TrimSpace(inbound.IDToken)); err != nil {
			bridge.writeError(contextGin, "federated", err)
			return
		}
		contextGin.JSON(http.StatusOK, bridge.session.View())
	})

	router.POST("/session/signup", func(contextGin *gin.Context) {
		var inbound signUpRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
			writeInvalidJSON(contextGin)
			return
		}
		message, err := bridge.session.SignUp(contextGin.Request.Context(), strings.TrimSpace(inbound.Name), strings.TrimSpace(inbound.Email), inbound.Password)
		if err != nil {
			bridge.writeError(contextGin, "signup", err)
			return
		}
		contextGin.JSON(http.StatusCreated, gin.H{"message": message})
	})

	router.POST("/session/signout", func(contextGin *gin.Context) {
		if err := bridge.session.SignOut(contextGin.Request.Context()); err != nil {
			bridge.writeError(contextGin, "signout", err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/session/refresh", func(contextGin *gin.Context) {
		if err := bridge.session.Refresh(contextGin.Request.Context()); err != nil {
			bridge.writeError(contextGin, "refresh", err)
			return
		}
		contextGin.JSON(http.StatusOK, bridge.session.View())
	})

	router.POST("/session/password", func(contextGin *gin.Context) {
		var inbound passwordRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Password == "" {
			writeInvalidJSON(contextGin)
			return
		}
		message, err := bridge.session.UpdatePassword(contextGin.Request.Context(), inbound.Password, inbound.CurrentPassword)
		if err != nil {
			bridge.writeError(contextGin, "password", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"message": message, "session": bridge.session.View()})
	})

	router.GET("/session/metrics", func(contextGin *gin.Context) {
		if bridge.metrics == nil {
			contextGin.JSON(http.StatusOK, gin.H{})
			return
		}
		contextGin.JSON(http.StatusOK, bridge.metrics.Snapshot())
	})

	router.GET("/data/stocks/:ticker", func(contextGin *gin.Context) {
		payload, err := bridge.market.PriceSeries(contextGin.Request.Context(), contextGin.Param("ticker"), contextGin.Query("period"))
		bridge.writeData(contextGin, "stocks", payload, err)
	})

	router.GET("/data/transactions/:ticker", func(contextGin *gin.Context) {
		payload, err := bridge.market.Transactions(contextGin.Request.Context(), contextGin.Param("ticker"), contextGin.Query("period"))
		bridge.writeData(contextGin, "transactions", payload, err)
	})

	router.POST("/data/forecast", func(contextGin *gin.Context) {
		var inbound forecastRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			writeInvalidJSON(contextGin)
			return
		}
		payload, err := bridge.market.Forecast(contextGin.Request.Context(), inbound.Series)
		bridge.writeData(contextGin, "forecast", payload, err)
	})
}

func (bridge *Bridge) writeData(contextGin *gin.Context, operation string, payload json.RawMessage, err error) {
	if err != nil {
		bridge.writeError(contextGin, operation, err)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

func writeInvalidJSON(contextGin *gin.Context) {
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json", "message": "request body is missing required fields"})
}

func (bridge *Bridge) writeError(contextGin *gin.Context, operation string, err error) {
	status, code, message := classifyError(err)
	level := bridge.logger.Debug
	if status >= http.StatusInternalServerError {
		level = bridge.logger.Warn
	}
	level("bridge operation failed",
		zap.String("code", "web.bridge."+operation),
		zap.Int("status", status),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

// classifyError maps a domain error onto the bridge's HTTP status and error code.
func classifyError(err error) (int, string, string) {
	var httpError *gateway.HTTPError
	var networkError *gateway.NetworkError
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, session.ErrNotAuthenticated.Error(), "sign in required"
	case errors.Is(err, session.ErrAlreadyAuthenticated):
		return http.StatusConflict, session.ErrAlreadyAuthenticated.Error(), "already signed in"
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict, session.ErrBusy.Error(), "another session operation is in progress"
	case errors.Is(err, session.ErrFederatedCredential), errors.Is(err, session.ErrFederatedEmailMismatch):
		return http.StatusUnauthorized, rootCode(err), "federated credential rejected"
	case errors.Is(err, session.ErrEmptyPassword),
		errors.Is(err, gateway.ErrInvalidTicker),
		errors.Is(err, gateway.ErrInvalidPeriod),
		errors.Is(err, market.ErrEmptySeries):
		return http.StatusBadRequest, rootCode(err), err.Error()
	case errors.As(err, &httpError):
		return httpError.Status, "gateway.http", httpError.Message
	case errors.As(err, &networkError):
		return http.StatusBadGateway, "gateway.network", "upstream unreachable"
	default:
		return http.StatusInternalServerError, "internal_error", "unexpected failure"
	}
}

// rootCode returns the dotted code of the innermost wrapped sentinel.
func rootCode(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			message := err.Error()
			if index := strings.Index(message, ":"); index > 0 {
				return message[:index]
			}
			return message
		}
		err = next
	}
}
