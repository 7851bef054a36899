// Package fakeapi is an in-process emulation of the remote auth and market
// API. It backs integration tests and local demos of the client.
package fakeapi

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrMissingSigningKey indicates the server was configured without a signing key.
var ErrMissingSigningKey = errors.New("fakeapi.missing_signing_key")

// Server holds accounts, refresh tokens, call counts, and queued failures.
type Server struct {
	signingKey []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      Clock
	federated  FederatedVerifier
	logger     *zap.Logger

	users         *userDirectory
	refreshTokens *refreshTokenStore
	engine        *gin.Engine

	mutex    sync.Mutex
	calls    map[string]int
	failures map[string][]injectedFailure
}

// NewServer builds a Server with an empty account directory.
func NewServer(config Config) (*Server, error) {
	if len(config.SigningKey) == 0 {
		return nil, ErrMissingSigningKey
	}
	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	issuer := strings.TrimSpace(config.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	accessTTL := config.AccessTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := config.RefreshTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	server := &Server{
		signingKey:    config.SigningKey,
		issuer:        issuer,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		clock:         clock,
		federated:     config.Federated,
		logger:        logger,
		users:         newUserDirectory(),
		refreshTokens: newRefreshTokenStore(clock),
		calls:         make(map[string]int),
		failures:      make(map[string][]injectedFailure),
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	server.Mount(engine)
	server.engine = engine
	return server, nil
}

// Handler returns the HTTP handler serving every route.
func (server *Server) Handler() http.Handler {
	return server.engine
}

// Mount registers the auth and market routes on router.
func (server *Server) Mount(router gin.IRouter) {
	router.Use(server.observe())
	server.mountAuthRoutes(router)
	server.mountMarketRoutes(router)
}

// SeedUser registers a password account.
func (server *Server) SeedUser(name string, email string, password string) error {
	return server.users.Register(name, email, password)
}

// SeedFederatedUser creates a password-less account for identity.
func (server *Server) SeedFederatedUser(identity FederatedIdentity) {
	server.users.UpsertFederated(identity)
}

// Account returns a copy of the stored account.
func (server *Server) Account(email string) (Account, error) {
	return server.users.Lookup(email)
}

// Calls reports how many requests reached route, e.g. "POST /auth/refresh".
func (server *Server) Calls(route string) int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return server.calls[route]
}

// FailNext answers the next request to route with status and a detail message.
func (server *Server) FailNext(route string, status int, message string) {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.failures[route] = append(server.failures[route], injectedFailure{status: status, body: detail(message)})
}

// LiveRefreshTokens reports the unrevoked, unexpired refresh tokens of email.
func (server *Server) LiveRefreshTokens(email string) int {
	return server.refreshTokens.Live(normalizeEmail(email))
}

// RevokeRefreshTokens revokes every refresh token of email.
func (server *Server) RevokeRefreshTokens(email string) int {
	return server.refreshTokens.RevokeAll(normalizeEmail(email))
}
