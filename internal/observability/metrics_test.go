package observability

import (
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func TestMetricsHandler_ExposesRecordedSeries(t *testing.T) {
	RecordNodeRun("router", 10*time.Millisecond, true)
	RecordStoreLookup(false)
	RecordPoolEnqueue("resume", true, 1)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `sleuth_node_runs_total{node="router",status="success"}`)
	assert.Contains(t, body, `sleuth_store_lookups_total{result="miss"}`)
	assert.Contains(t, body, `sleuth_pool_queue_size{pool="resume"} 1`)
}

func TestRecordStoreEviction_IgnoresZero(t *testing.T) {
	assert.NotPanics(t, func() {
		RecordStoreEviction("ttl", 0)
		RecordStoreEviction("capacity", 2)
	})
}
