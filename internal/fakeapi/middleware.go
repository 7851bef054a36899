package fakeapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsContextKey = "fakeapi_claims"

type injectedFailure struct {
	status int
	body   any
}

// observe counts every matched route and answers with an injected failure when one is queued.
func (server *Server) observe() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		route := contextGin.Request.Method + " " + contextGin.FullPath()
		started := time.Now()

		server.mutex.Lock()
		server.calls[route]++
		var failure *injectedFailure
		if queued := server.failures[route]; len(queued) > 0 {
			failure = &queued[0]
			server.failures[route] = queued[1:]
		}
		server.mutex.Unlock()

		if failure != nil {
			server.logger.Debug("injected failure",
				zap.String("code", "fakeapi.failure.injected"),
				zap.String("route", route),
				zap.Int("status", failure.status))
			contextGin.AbortWithStatusJSON(failure.status, failure.body)
			return
		}
		contextGin.Next()
		server.logger.Debug("request served",
			zap.String("code", "fakeapi.request"),
			zap.String("route", route),
			zap.String("request_id", contextGin.GetHeader("X-Request-ID")),
			zap.Int("status", contextGin.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

// requireBearer validates the bearer access token and injects its claims.
func (server *Server) requireBearer() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		authorization := contextGin.GetHeader("Authorization")
		scheme, token, found := strings.Cut(authorization, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			contextGin.Header("WWW-Authenticate", "Bearer")
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		claims, err := ParseAccessToken(server.clock, strings.TrimSpace(token), server.issuer, server.signingKey)
		if err != nil {
			server.logger.Debug("access token rejected",
				zap.String("code", "fakeapi.auth.invalid_token"),
				zap.Error(err))
			contextGin.Header("WWW-Authenticate", "Bearer")
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid token"})
			return
		}
		contextGin.Set(claimsContextKey, claims)
		contextGin.Next()
	}
}

func claimsFrom(contextGin *gin.Context) *AccessClaims {
	value, _ := contextGin.Get(claimsContextKey)
	claims, _ := value.(*AccessClaims)
	return claims
}

func detail(message string) gin.H {
	return gin.H{"detail": message}
}

func validationDetail(location string, field string, message string) gin.H {
	return gin.H{"detail": []gin.H{{
		"loc":  []string{location, field},
		"msg":  message,
		"type": "value_error",
	}}}
}
