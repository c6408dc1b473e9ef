package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playdicee/dicee-server/internal/v1/store"
)

func serve(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	handler(c)
	return w
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHandler(nil)
	w := serve(t, h.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
}

func TestReadinessWithoutStore(t *testing.T) {
	h := NewHandler(nil)
	w := serve(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["redis"])
}

func TestReadinessReflectsStoreHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.NewStore(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := NewHandler(st)
	w := serve(t, h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusOK, w.Code)

	mr.Close()
	w = serve(t, h.Readiness, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Checks["redis"])
}
