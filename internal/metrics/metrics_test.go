package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Orders(t *testing.T) {
	m := New()

	m.OrdersSubmitted(3, 1)
	m.OrdersSubmitted(2, 0)
	m.OrdersRejected()

	assert.Equal(t, 5.0, testutil.ToFloat64(m.ordersAccepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersLate))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesFailed))
}

func TestMetrics_Ingest(t *testing.T) {
	m := New()

	m.RowsIngested("market_index", 24)
	m.RowsIngested("market_index", 24)
	m.IngestFailed("imbalance_prices")

	assert.Equal(t, 48.0, testutil.ToFloat64(m.rowsIngested.WithLabelValues("market_index")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestFailures.WithLabelValues("imbalance_prices")))
	assert.Greater(t, testutil.ToFloat64(m.lastIngest.WithLabelValues("market_index")), 0.0)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveHTTP("/bids/set", http.MethodPost, http.StatusOK, 20*time.Millisecond)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `auction_http_requests_total{code="200",method="POST",route="/bids/set"} 1`)
}
