package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dkeye/VoiceBridge/internal/adapters/signal"
	"github.com/dkeye/VoiceBridge/internal/app"
	"github.com/dkeye/VoiceBridge/internal/app/orch"
	"github.com/dkeye/VoiceBridge/internal/config"
	"github.com/dkeye/VoiceBridge/internal/domain"
	"github.com/dkeye/VoiceBridge/internal/testutil"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineStub bool

func (p engineStub) Alive() bool       { return bool(p) }
func (p engineStub) ActiveRelays() int { return 0 }

func newTestRouter(t *testing.T, alive bool) (*gin.Engine, *app.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := app.NewRegistry()
	o := orch.New(reg, app.NewTopology(), testutil.NewRouter(),
		testutil.NewValidator(map[string]domain.UserID{"tokA": "u1"}),
		&testutil.Notifier{}, app.SimplePolicy{})
	cfg := &config.Config{Mode: "test", StaticPath: t.TempDir(), Secret: "test-secret"}
	r := SetupRouter(context.Background(), cfg, Deps{
		Orch:       o,
		Signal:     signal.NewSignalWSController(o, signal.Options{}),
		Engine:     engineStub(alive),
		CRMBaseURL: "http://crm.test",
	})
	return r, reg
}

func TestHealth(t *testing.T) {
	r, reg := newTestRouter(t, true)
	reg.BindSignal(context.Background(), "s1", "ct", nil)
	_, err := reg.UpdateRoom("s1", "call42")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "OK", got.Status)
	assert.Equal(t, "connected", got.Media.Worker)
	assert.Equal(t, "connected", got.Media.Router)
	assert.Equal(t, "http://crm.test", got.CRM.BaseURL)
	assert.Equal(t, 1, got.Sessions)
	require.Len(t, got.Rooms, 1)
	assert.Equal(t, 1, got.Rooms[0].MemberCount)
}

func TestHealthDegraded(t *testing.T) {
	r, _ := newTestRouter(t, false)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var got healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "DEGRADED", got.Status)
	assert.Equal(t, "disconnected", got.Media.Worker)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestRouter(t, true)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "voicebridge_signal_active_connections")
}

func TestClientTokenIsStable(t *testing.T) {
	r, _ := newTestRouter(t, true)
	r.GET("/token", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(clientTokenKey))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/token", nil))
	require.Equal(t, http.StatusOK, w.Code)
	first := w.Body.String()
	require.NotEmpty(t, first)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, first, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/token", nil))
	assert.NotEqual(t, first, w.Body.String())
}
