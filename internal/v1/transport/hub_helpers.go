package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/playdicee/dicee-server/internal/v1/auth"
	"github.com/playdicee/dicee-server/internal/v1/logging"
)

// tokenExtractionResult records where the bearer token came from so the
// upgrade can echo the negotiated subprotocol back.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken pulls the JWT from the token query parameter or, for clients
// that smuggle it through the WebSocket subprotocol list, from the
// Sec-WebSocket-Protocol header.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	if token := c.Query("token"); token != "" {
		result.Token = token
		return result, nil
	}

	headerVal := c.GetHeader("Sec-WebSocket-Protocol")
	for _, p := range strings.Split(headerVal, ",") {
		p = strings.TrimSpace(p)
		if p == "access_token" {
			result.HasAccessTokenProtocol = true
			continue
		}
		if p != "" && result.Token == "" {
			result.Token = p
			result.FromHeader = true
		}
	}

	if result.Token == "" {
		return nil, fmt.Errorf("token not provided")
	}
	return result, nil
}

// authorize runs the pre-upgrade gauntlet: connection rate limit, token
// validation, origin allowlist, then the per-user connection limit. On
// failure the HTTP response has been written and ok is false.
func (h *Hub) authorize(c *gin.Context) (*auth.CustomClaims, *tokenExtractionResult, bool) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return nil, nil, false
	}

	tokenResult, err := h.extractToken(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return nil, nil, false
	}

	claims, err := h.validator.ValidateToken(tokenResult.Token)
	if err != nil {
		logging.Warn(c.Request.Context(), "token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return nil, nil, false
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return nil, nil, false
	}

	if h.limiter != nil {
		if err := h.limiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return nil, nil, false
		}
	}

	return claims, tokenResult, true
}

// validateOrigin checks the Origin header against the allowlist. Requests
// without an Origin header are allowed; non-browser clients do not send one.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowed_origins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

// upgradeWebSocket performs the HTTP -> WebSocket upgrade, echoing the
// access_token subprotocol when the client negotiated one.
func (h *Hub) upgradeWebSocket(c *gin.Context, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
