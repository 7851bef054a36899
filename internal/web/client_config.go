package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ClientConfig contains the values the embedded dashboard needs at load time.
type ClientConfig struct {
	GoogleClientID string
	BridgeURL      string
}

// ServeClientConfig emits a script that freezes the configuration into window.__TAUTH_CLIENT_CONFIG.
func ServeClientConfig(contextGin *gin.Context, configuration ClientConfig) {
	bridgeURL := configuration.BridgeURL
	if strings.TrimSpace(bridgeURL) == "" {
		host := contextGin.Request.Host
		if host == "" {
			host = "localhost"
		}
		bridgeURL = fmt.Sprintf("%s://%s", forwardedProto(contextGin.Request), host)
	}
	payload := struct {
		GoogleClientID string `json:"googleClientId"`
		BridgeURL      string `json:"bridgeUrl"`
	}{
		GoogleClientID: configuration.GoogleClientID,
		BridgeURL:      bridgeURL,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.client_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__TAUTH_CLIENT_CONFIG=Object.freeze(%s);})();`, string(encoded))
	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.Data(http.StatusOK, "application/javascript; charset=utf-8", []byte(script))
}

func forwardedProto(request *http.Request) string {
	if request == nil {
		return "http"
	}
	if headerValue := request.Header.Get("X-Forwarded-Proto"); headerValue != "" {
		return headerValue
	}
	if request.TLS != nil {
		return "https"
	}
	return "http"
}
