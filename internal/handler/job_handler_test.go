package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/config"
	"batch-engine/internal/metrics"
	"batch-engine/internal/models"
	"batch-engine/internal/service"
)

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *service.Engine) {
	t.Helper()
	m := metrics.NewMetrics()
	engine, err := service.NewEngine(cfg,
		service.WithMetrics(m),
		service.WithMemorySampler(func() float64 { return 1 }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	upper := models.NewProcessor("uppercase", func(ctx context.Context, items []string) ([]string, error) {
		out := make([]string, len(items))
		for i, s := range items {
			out[i] = strings.ToUpper(s)
		}
		return out, nil
	})
	require.NoError(t, engine.RegisterProcessor(upper))

	reg := prometheus.NewRegistry()
	_, err = metrics.NewPrometheusExporter(reg, engine.GetMetrics)
	require.NoError(t, err)

	srv := httptest.NewServer(NewJobHandler(engine, reg, nil).Router())
	t.Cleanup(srv.Close)
	return srv, engine
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Monitoring.Enabled = false
	cfg.Archive.PruneCron = ""
	return cfg
}

func submit(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/jobs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSubmitJob_ProcessesItems(t *testing.T) {
	srv, engine := newTestServer(t, testConfig())
	require.NoError(t, engine.Start(context.Background()))

	resp := submit(t, srv, `{"processor":"uppercase","items":["a","b","c"],"batch_size":2}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	id := created["id"]
	require.NotEmpty(t, id)

	var job models.JobRecord
	require.Eventually(t, func() bool {
		r := do(t, http.MethodGet, srv.URL+"/jobs/"+id)
		if r.StatusCode != http.StatusOK {
			return false
		}
		job = models.JobRecord{}
		return json.NewDecoder(r.Body).Decode(&job) == nil && job.Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []any{"A", "B", "C"}, job.Output)
	assert.Equal(t, 2, job.BatchSize)
}

func TestSubmitJob_BadRequests(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing processor", `{"items":[1]}`, http.StatusBadRequest},
		{"missing items", `{"processor":"uppercase"}`, http.StatusBadRequest},
		{"unknown processor", `{"processor":"resize","items":[1]}`, http.StatusNotFound},
		{"runaway backoff", `{"processor":"uppercase","items":["a"],"retry_policy":{"max_attempts":50,"base_delay":1000000,"backoff_multiplier":10}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, submit(t, srv, tt.body).StatusCode)
		})
	}
}

func TestSubmitJob_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueMaxSize = 1
	srv, _ := newTestServer(t, cfg)

	assert.Equal(t, http.StatusAccepted, submit(t, srv, `{"processor":"uppercase","items":["a"]}`).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, submit(t, srv, `{"processor":"uppercase","items":["b"]}`).StatusCode)
}

func TestSubmitJob_ShuttingDown(t *testing.T) {
	srv, engine := newTestServer(t, testConfig())
	engine.Shutdown(context.Background())

	assert.Equal(t, http.StatusServiceUnavailable, submit(t, srv, `{"processor":"uppercase","items":["a"]}`).StatusCode)
}

func TestCancelJob(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	resp := submit(t, srv, `{"processor":"uppercase","items":["a"]}`)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/jobs/"+created["id"]).StatusCode)
	assert.Equal(t, http.StatusConflict, do(t, http.MethodDelete, srv.URL+"/jobs/"+created["id"]).StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/jobs/missing").StatusCode)
}

func TestGetJob_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodGet, srv.URL+"/jobs/missing").StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	submit(t, srv, `{"processor":"uppercase","items":["a"],"priority":7}`)

	resp := do(t, http.MethodGet, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(1), snap.TotalJobs)
	assert.Equal(t, 1, snap.QueueSize)

	resp = do(t, http.MethodGet, srv.URL+"/queue")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats service.QueueStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, map[int]int{7: 1}, stats.PriorityHistogram)

	resp = do(t, http.MethodGet, srv.URL+"/dlq")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))

	resp = do(t, http.MethodGet, srv.URL+"/metrics/prometheus")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "batch_engine_jobs_total 1")
	assert.Contains(t, string(body), "batch_engine_queue_size 1")
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	resp := do(t, http.MethodOptions, srv.URL+"/jobs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
