package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratoml/strato/pkg/json"
	"github.com/stratoml/strato/pkg/stats"
)

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer("", nil)
	require.Error(t, err)

	s, err := NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NotNil(t, s.Handler())
}

func TestHealthEndpoint(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatsEndpoint(t *testing.T) {
	agg := stats.NewAggregator()
	require.NoError(t, agg.Register("ring", func() any {
		return map[string]any{"total_acquired": 5}
	}, nil))

	s, err := NewServer("127.0.0.1:0", agg)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))

	require.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	components := decoded["components"].(map[string]any)
	assert.Contains(t, components, "ring")
}

func TestMetricsEndpoint(t *testing.T) {
	s, err := NewServer("127.0.0.1:0", nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}
