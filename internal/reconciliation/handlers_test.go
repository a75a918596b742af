package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedAdmin struct{ admin common.Address }

func (f fixedAdmin) RequireAdmin(ctx context.Context, caller common.Address) error {
	if caller != f.admin {
		return errors.New("caller is not the admin")
	}
	return nil
}

func setupRouter(runner *Runner, caller common.Address) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(runner, fixedAdmin{admin: bob}, testLogger())
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("authAgentAddr", strings.ToLower(caller.Hex()))
		c.Next()
	})
	h.RegisterAdminRoutes(r.Group("/v1"))
	return r
}

func TestHandler_RunRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f.runner, alice)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Nil(t, f.runner.Last(), "forbidden call must not run")
}

func TestHandler_RunReturnsReport(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.escrows.Create(context.Background(), f.newEscrow()))
	r := setupRouter(f.runner, bob)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconcile", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Report Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Report.Healthy)
	require.Len(t, resp.Report.Findings, 1)
	assert.Equal(t, ProblemCustodyMissing, resp.Report.Findings[0].Problem)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconcile", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_NotConfigured(t *testing.T) {
	r := setupRouter(nil, bob)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconcile", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
