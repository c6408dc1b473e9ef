package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playdicee/dicee-server/internal/v1/config"
)

func newTestLimiter(t *testing.T, ipRate, userRate string) *RateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&config.Config{
		RateLimitWsIP:   ipRate,
		RateLimitWsUser: userRate,
	}, nil)
	require.NoError(t, err)
	return rl
}

func ginContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/ws/lobby", nil)
	c.Request.RemoteAddr = "203.0.113.7:52000"
	return c, w
}

func TestInvalidRateFormatRejected(t *testing.T) {
	_, err := NewRateLimiter(&config.Config{
		RateLimitWsIP:   "lots",
		RateLimitWsUser: "30-M",
	}, nil)
	assert.Error(t, err)
}

func TestIPLimitEnforced(t *testing.T) {
	rl := newTestLimiter(t, "2-M", "30-M")

	c1, _ := ginContext(t)
	assert.True(t, rl.CheckWebSocket(c1))
	c2, _ := ginContext(t)
	assert.True(t, rl.CheckWebSocket(c2))

	c3, w3 := ginContext(t)
	assert.False(t, rl.CheckWebSocket(c3))
	assert.Equal(t, http.StatusTooManyRequests, w3.Code)
	assert.NotEmpty(t, w3.Header().Get("X-RateLimit-Retry-After"))
}

func TestUserLimitEnforced(t *testing.T) {
	rl := newTestLimiter(t, "100-M", "2-M")
	ctx := context.Background()

	require.NoError(t, rl.CheckWebSocketUser(ctx, "p1"))
	require.NoError(t, rl.CheckWebSocketUser(ctx, "p1"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "p1"))

	// A different player has their own budget.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "p2"))
}
