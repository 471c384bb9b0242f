package predictor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPredictorReturnsEstimate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var signals ListingSignals
		require.NoError(t, json.NewDecoder(r.Body).Decode(&signals))
		assert.Equal(t, "copart.com", signals.SiteName)

		json.NewEncoder(w).Encode(map[string]float64{"estimated_profit": 4200})
	}))
	defer server.Close()

	p := NewHTTPPredictor(server.URL, "test-key", 5*time.Second)
	estimate, err := p.Predict(context.Background(), ListingSignals{
		URL:      "https://copart.com/lot/1",
		SiteName: "copart.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 4200.0, estimate)
}

func TestHTTPPredictorClampsNegative(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"estimated_profit": -350})
	}))
	defer server.Close()

	p := NewHTTPPredictor(server.URL, "", 5*time.Second)
	estimate, err := p.Predict(context.Background(), ListingSignals{URL: "https://a.com/1"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, estimate)
}

func TestHTTPPredictorServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewHTTPPredictor(server.URL, "", 5*time.Second)
	_, err := p.Predict(context.Background(), ListingSignals{URL: "https://a.com/1"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestStaticPredictorNeverNegative(t *testing.T) {
	p := StaticPredictor{}

	tests := []ListingSignals{
		{},
		{Year: 1990, Mileage: 300000},
		{Year: 2023, Mileage: 10000, CurrentBid: 15000, Make: "BMW"},
	}
	for _, signals := range tests {
		estimate, err := p.Predict(context.Background(), signals)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, estimate, 0.0)
	}
}

func TestStaticPredictorPrefersNewerVehicles(t *testing.T) {
	p := StaticPredictor{}

	older, err := p.Predict(context.Background(), ListingSignals{Year: 2016, Mileage: 50000})
	require.NoError(t, err)
	newer, err := p.Predict(context.Background(), ListingSignals{Year: 2022, Mileage: 50000})
	require.NoError(t, err)

	assert.Greater(t, newer, older)
}
