package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProblem(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusUnauthorized, "Unauthorized", "bad secret")

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	require.JSONEq(t, `{"title":"Unauthorized","status":401,"detail":"bad secret"}`, rr.Body.String())
}

func TestDecodeJSONEnforcesLimit(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"cmdgate"}`))
	require.NoError(t, DecodeJSON(rr, req, &v, 1024))
	require.Equal(t, "cmdgate", v.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"`+strings.Repeat("x", 64)+`"}`))
	require.Error(t, DecodeJSON(rr, req, &v, 16))
}
