package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestResolver(t *testing.T, handler http.HandlerFunc) *HTTPResolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r, err := NewHTTPResolver(server.URL, "", 2*time.Second, zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestResolve_Success(t *testing.T) {
	var gotPath, gotQuery string
	r := newTestResolver(t, func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.EscapedPath()
		gotQuery = req.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"latt":"4.60971","longt":"-74.08175","standard":{"city":"Bogota"}}`))
	})

	coords, err := r.Resolve(context.Background(), "Bogota", "Cundinamarca", "Colombia")
	require.NoError(t, err)

	assert.Equal(t, "/Bogota/Cundinamarca/Colombia", gotPath)
	assert.Equal(t, "json=1", gotQuery)
	assert.InDelta(t, 4.60971, coords.Latitude, 1e-9)
	assert.InDelta(t, -74.08175, coords.Longitude, 1e-9)
	assert.False(t, coords.Throttled)
}

func TestResolve_EscapesSegmentsAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotAuth = req.URL.Query().Get("auth")
		w.Write([]byte(`{"latt":"6.2442","longt":"-75.5812"}`))
	}))
	defer server.Close()

	r, err := NewHTTPResolver(server.URL+"/", "token-123", time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "San Andres", "Valle del Cauca", "Colombia")
	require.NoError(t, err)
	assert.Equal(t, "/San Andres/Valle del Cauca/Colombia", gotPath)
	assert.Equal(t, "token-123", gotAuth)
}

func TestResolve_ThrottledBody(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"latt":"Throttled! See geocode.xyz/pricing","longt":"Throttled! See geocode.xyz/pricing"}`))
	})

	coords, err := r.Resolve(context.Background(), "Bogota", "Cundinamarca", "Colombia")
	require.NoError(t, err)
	assert.True(t, coords.Throttled)
	assert.Zero(t, coords.Latitude)
	assert.Zero(t, coords.Longitude)
}

func TestResolve_ThrottledStatus(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"description":"Throttled! See geocode.xyz/pricing"}}`))
	})

	coords, err := r.Resolve(context.Background(), "Cali", "Valle", "Colombia")
	require.NoError(t, err)
	assert.True(t, coords.Throttled)

	r = newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	coords, err = r.Resolve(context.Background(), "Cali", "Valle", "Colombia")
	require.NoError(t, err)
	assert.True(t, coords.Throttled)
}

func TestResolve_NumericFields(t *testing.T) {
	r := newTestResolver(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"latt":10.39,"longt":-75.51}`))
	})

	coords, err := r.Resolve(context.Background(), "Cartagena", "Bolivar", "Colombia")
	require.NoError(t, err)
	assert.InDelta(t, 10.39, coords.Latitude, 1e-9)
}

func TestResolve_LookupErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"garbage body", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`<html>oops</html>`)) }},
		{"missing fields", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`{"standard":{}}`)) }},
		{"upstream error", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"error":{"code":"008","description":"Your request did not produce any results."}}`))
		}},
		{"non numeric", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`{"latt":"north","longt":"west"}`)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestResolver(t, tt.handler)
			_, err := r.Resolve(context.Background(), "Nowhere", "None", "Null")
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindLookup))
		})
	}
}

func TestResolve_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	r, err := NewHTTPResolver(url, "", time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "Bogota", "Cundinamarca", "Colombia")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindLookup))
}
