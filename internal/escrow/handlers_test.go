package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	handler := NewHandler(h.svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// X-Agent-Address stands in for the auth middleware.
	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		if addr := c.GetHeader("X-Agent-Address"); addr != "" {
			c.Set("authAgentAddr", addr)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)

	return r, h
}

func doJSON(r *gin.Engine, method, path string, as common.Address, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-Address", strings.ToLower(as.Hex()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type escrowResponse struct {
	Escrow struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Custody string `json:"custody"`
		Legs    []struct {
			Amount string `json:"amount"`
			Fee    string `json:"fee"`
		} `json:"legs"`
		Preimage string `json:"preimage"`
	} `json:"escrow"`
}

func createBody(id idgen.ID) gin.H {
	return gin.H{
		"id": id.String(),
		"to": bob.Hex(),
		"legs": []gin.H{
			{"amount": "1000"},
			{"asset": token.Hex(), "amount": "5000"},
		},
		"relative": relativeLock(),
		"isOut":    true,
		"memo":     hexutil.Encode([]byte("hi")),
	}
}

func TestHandler_CreateGetConfirm(t *testing.T) {
	router, h := setupTestRouter(t)
	id := idgen.New()

	w := doJSON(router, http.MethodPost, "/v1/escrows", alice, createBody(id))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp escrowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, id.String(), resp.Escrow.ID)
	assert.Equal(t, "open", resp.Escrow.Status)
	require.Len(t, resp.Escrow.Legs, 2)
	assert.Equal(t, "10", resp.Escrow.Legs[0].Fee)
	assert.Equal(t, "5000", resp.Escrow.Legs[1].Amount)

	w = doJSON(router, http.MethodGet, "/v1/escrows/"+id.String(), bob, nil)
	require.Equal(t, http.StatusOK, w.Code)

	h.at(agreedAt + 3*stepExpect + 2*stepTolerat)
	w = doJSON(router, http.MethodPost, "/v1/escrows/"+id.String()+"/confirm", bob, gin.H{
		"preimage": hexutil.Encode(preimage),
		"isOut":    true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp = escrowResponse{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "confirmed", resp.Escrow.Status)
	assert.Equal(t, hexutil.Encode(preimage), resp.Escrow.Preimage)

	w = doJSON(router, http.MethodPost, "/v1/escrows/"+id.String()+"/refund", alice, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "escrow_closed")
}

func TestHandler_CreateErrors(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodPost, "/v1/escrows", alice, gin.H{"to": bob.Hex()})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := createBody(idgen.New())
	body["to"] = "not-an-address"
	w = doJSON(router, http.MethodPost, "/v1/escrows", alice, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_recipient")

	body = createBody(idgen.New())
	body["legs"] = []gin.H{{"amount": "-5"}}
	w = doJSON(router, http.MethodPost, "/v1/escrows", alice, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_amount")

	w = doJSON(router, http.MethodPost, "/v1/escrows", bob, createBody(idgen.New()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestHandler_ConfirmErrors(t *testing.T) {
	router, _ := setupTestRouter(t)
	id := idgen.New()
	w := doJSON(router, http.MethodPost, "/v1/escrows", alice, createBody(id))
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/escrows/"+id.String()+"/confirm", bob, gin.H{
		"preimage": hexutil.Encode([]byte("nope")),
		"isOut":    true,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "preimage_mismatch")

	w = doJSON(router, http.MethodPost, "/v1/escrows/"+id.String()+"/confirm", bob, gin.H{
		"preimage": hexutil.Encode(preimage),
		"isOut":    true,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "deadline_exceeded")

	w = doJSON(router, http.MethodPost, "/v1/escrows/"+id.String()+"/refund", bob, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "not_refundable")
}

func TestHandler_GetErrors(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(router, http.MethodGet, "/v1/escrows/xyz", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_id")

	w = doJSON(router, http.MethodGet, "/v1/escrows/"+idgen.New().String(), alice, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListEscrows(t *testing.T) {
	router, _ := setupTestRouter(t)
	for i := 0; i < 3; i++ {
		w := doJSON(router, http.MethodPost, "/v1/escrows", alice, createBody(idgen.New()))
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doJSON(router, http.MethodGet, "/v1/agents/"+bob.Hex()+"/escrows?limit=2", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = doJSON(router, http.MethodGet, "/v1/agents/bogus/escrows", bob, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
