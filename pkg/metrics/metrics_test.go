package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.AddExported("item", 150)
	m.AddCreated("item", 149)
	m.AddSkipped("item", 0)
	m.RecordError("item", "create")
	m.RecordCreateCall("item", true)
	m.RecordCreateCall("item", false)
	m.AddResolved("category", 3)
	m.SetPending(7)

	assert.Equal(t, 150.0, testutil.ToFloat64(m.RecordsExported.WithLabelValues("item")))
	assert.Equal(t, 149.0, testutil.ToFloat64(m.RecordsCreated.WithLabelValues("item")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.RecordsSkipped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordErrors.WithLabelValues("item", "create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CreateCalls.WithLabelValues("item", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReferencesFixed.WithLabelValues("category")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.PendingReferences))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.AddCreated("item", 1)
	m.RecordError("item", "transform")
	m.RecordCreateCall("item", true)
	m.ObserveBatch("item", time.Second)
	m.ObserveStoreCall("target", "create", time.Millisecond)
	m.SetPending(1)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.AddCreated("res.partner", 2)
	m.ObserveStoreCall("source", "search_read", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `migrate_records_created_total{model="res.partner"} 2`), body)
	assert.Contains(t, body, "migrate_store_call_duration_seconds_bucket")
}
