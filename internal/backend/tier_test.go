package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/router"
	"github.com/stewardhq/steward/pkg/schema"
)

func TestHTTPTierExecute(t *testing.T) {
	var gotPath string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acct-1", body["target_id"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acct-1","name":"Acme"}`))
	}))
	defer srv.Close()

	tier := NewHTTPTier(TierConfig{Name: "tier1", BaseURL: srv.URL, AuthToken: "tok"})
	out, err := tier.Execute(context.Background(), router.Operation{Name: "fetch_record", TargetID: "acct-1"})
	require.NoError(t, err)
	assert.Equal(t, "/ops/fetch_record", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.JSONEq(t, `{"id":"acct-1","name":"Acme"}`, string(out))
}

func TestHTTPTierClassifiesStatus(t *testing.T) {
	cases := []struct {
		status   int
		wantCode string
	}{
		{http.StatusTooManyRequests, schema.ErrCodeRateLimited},
		{http.StatusRequestTimeout, schema.ErrCodeTimeout},
		{http.StatusInternalServerError, schema.ErrCodeTransientBackend},
		{http.StatusBadGateway, schema.ErrCodeTransientBackend},
		{http.StatusNotFound, schema.ErrCodeNotFound},
		{http.StatusBadRequest, schema.ErrCodeValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		tier := NewHTTPTier(TierConfig{Name: "tier3", BaseURL: srv.URL})

		_, err := tier.Execute(context.Background(), router.Operation{Name: "fetch_record"})
		require.Error(t, err, "status %d", tc.status)
		var serr *schema.StewardError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, tc.wantCode, serr.Code, "status %d", tc.status)
		assert.Equal(t, tc.status, serr.Details["status_code"])
		srv.Close()
	}
}

func TestHTTPTierNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	tier := NewHTTPTier(TierConfig{Name: "tier1", BaseURL: srv.URL})
	_, err := tier.Execute(context.Background(), router.Operation{Name: "fetch_record"})
	require.Error(t, err)
	var serr *schema.StewardError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeTransientBackend, serr.Code)
}

func TestHTTPTierTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	tier := NewHTTPTier(TierConfig{Name: "tier1", BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
	_, err := tier.Execute(context.Background(), router.Operation{Name: "fetch_record"})
	require.Error(t, err)
	var serr *schema.StewardError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeTransientBackend, serr.Code)
}

func TestMemoryQueryContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/context/acct-1", r.URL.Path)
		assert.Equal(t, "24h0m0s", r.URL.Query().Get("lookback"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"interactions":3}`))
	}))
	defer srv.Close()

	m := NewMemory(MemoryConfig{BaseURL: srv.URL}, nil)
	res := m.QueryContext(context.Background(), "acct-1", 24*time.Hour)
	assert.False(t, res.Degraded)
	assert.JSONEq(t, `{"interactions":3}`, string(res.Context))
}

func TestMemoryQueryContextDegradedOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMemory(MemoryConfig{BaseURL: srv.URL}, nil)
	res := m.QueryContext(context.Background(), "acct-1", time.Hour)
	assert.True(t, res.Degraded)
	assert.Nil(t, res.Context)
}

func TestMemoryQueryContextDegradedOnUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	m := NewMemory(MemoryConfig{BaseURL: srv.URL}, nil)
	res := m.QueryContext(context.Background(), "acct-1", time.Hour)
	assert.True(t, res.Degraded)
}
