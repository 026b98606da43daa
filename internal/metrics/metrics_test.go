package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollectorExposesCounters(t *testing.T) {
	c := NewCollector(func() float64 { return 3 })
	c.TasksCreated.Inc()
	c.StepsExecuted.WithLabelValues("completed").Inc()
	c.LLMRequests.WithLabelValues("gpt-4o").Inc()

	body := scrape(t, c)
	assert.Contains(t, body, "stackvm_tasks_created_total 1")
	assert.Contains(t, body, `stackvm_steps_executed_total{status="completed"} 1`)
	assert.Contains(t, body, `stackvm_llm_requests_total{model="gpt-4o"} 1`)
	assert.Contains(t, body, "stackvm_task_queue_depth 3")
}

func TestCollectorWithoutQueueGauge(t *testing.T) {
	c := NewCollector(nil)
	assert.NotContains(t, scrape(t, c), "stackvm_task_queue_depth")
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	c := NewCollector(nil)
	handler := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body := scrape(t, c)
	assert.Contains(t, body, `stackvm_http_requests_total{method="GET",status="404"} 1`)
	assert.Contains(t, body, `stackvm_http_request_duration_seconds_count{method="GET"} 1`)
}
