package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/aristath/astrolabe/internal/events"
	"github.com/aristath/astrolabe/internal/modules/backtest"
	"github.com/aristath/astrolabe/internal/modules/forecast"
	"github.com/aristath/astrolabe/internal/modules/optimization"
	"github.com/aristath/astrolabe/internal/modules/pipeline"
	"github.com/aristath/astrolabe/internal/modules/risk"
	"github.com/aristath/astrolabe/internal/settings"
	"github.com/aristath/astrolabe/internal/storage"
	testingpkg "github.com/aristath/astrolabe/internal/testing"
)

type testServer struct {
	srv      *Server
	bus      *events.Bus
	provider *testingpkg.StubProvider
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	docs, err := storage.NewDocumentStore(testingpkg.NewTestConn(t), zerolog.Nop())
	require.NoError(t, err)

	repo, err := settings.NewRepository(testingpkg.NewTestDB(t, "server_test"), zerolog.Nop())
	require.NoError(t, err)
	settingsSvc := settings.NewService(repo, zerolog.Nop())
	require.NoError(t, settingsSvc.SaveInstruments(testingpkg.Instruments()))

	provider := testingpkg.NewProvider()

	bus := events.NewBus()
	engine := forecast.NewEngine(provider, nil, zerolog.Nop())

	pool := pipeline.NewPool(2, time.Minute, zerolog.Nop())
	go pool.Run()
	t.Cleanup(pool.Stop)

	svc := pipeline.NewService(pipeline.Config{
		Provider:      provider,
		Settings:      settingsSvc,
		Engine:        engine,
		Covariance:    optimization.NewCovarianceBuilder(provider, nil, zerolog.Nop()),
		Optimizer:     optimization.NewOptimizer(0.04, zerolog.Nop()),
		Returns:       optimization.NewReturnsCalculator(zerolog.Nop()),
		Backtester:    backtest.NewBacktester(settingsSvc, 0.04, zerolog.Nop()),
		Documents:     docs,
		Bus:           bus,
		HistoryPeriod: "2y",
		StageTimeout:  30 * time.Second,
		Log:           zerolog.Nop(),
	}, pool)

	srv := New(Config{
		Port:     0,
		DevMode:  true,
		Log:      zerolog.Nop(),
		Pipeline: svc,
		Engine:   engine,
		Risk:     risk.NewCalculator(provider, 0.04, zerolog.Nop()),
		Bus:      bus,
	})

	return &testServer{srv: srv, bus: bus, provider: provider}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "astrolabe", body["service"])
	assert.Equal(t, Version, body["version"])
}

func TestOptimizeLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/optimize", map[string]interface{}{"amount": 10000})
	require.Equal(t, http.StatusOK, rec.Code)

	var accepted map[string]string
	decodeBody(t, rec, &accepted)
	require.NotEmpty(t, accepted["job_id"])
	assert.Equal(t, "queued", accepted["status"])

	var job pipeline.Job
	require.Eventually(t, func() bool {
		poll := ts.do(t, http.MethodGet, "/api/optimize/"+accepted["job_id"], nil)
		if poll.Code != http.StatusOK {
			return false
		}
		job = pipeline.Job{}
		decodeBody(t, poll, &job)
		return job.Status.Terminal()
	}, 15*time.Second, 50*time.Millisecond)

	require.Equal(t, pipeline.StatusCompleted, job.Status, "job error: %s", job.Error)
	assert.NotEmpty(t, job.OptimalPortfolio)
	assert.NotEmpty(t, job.EfficientFrontier)

	// The job already finished, so cancelling is a conflict.
	cancel := ts.do(t, http.MethodDelete, "/api/optimize/"+accepted["job_id"], nil)
	assert.Equal(t, http.StatusConflict, cancel.Code)
}

func TestOptimizeCancelRunningJob(t *testing.T) {
	ts := newTestServer(t)
	ts.provider.Block = true

	rec := ts.do(t, http.MethodPost, "/api/optimize", map[string]interface{}{"amount": 5000})
	require.Equal(t, http.StatusOK, rec.Code)
	var accepted map[string]string
	decodeBody(t, rec, &accepted)
	jobID := accepted["job_id"]

	require.Eventually(t, func() bool {
		poll := ts.do(t, http.MethodGet, "/api/optimize/"+jobID, nil)
		var job pipeline.Job
		decodeBody(t, poll, &job)
		return job.Status == pipeline.StatusFetchingData
	}, 5*time.Second, 20*time.Millisecond)

	cancel := ts.do(t, http.MethodDelete, "/api/optimize/"+jobID, nil)
	require.Equal(t, http.StatusOK, cancel.Code)
	var body map[string]string
	decodeBody(t, cancel, &body)
	assert.Equal(t, "cancelling", body["status"])

	require.Eventually(t, func() bool {
		poll := ts.do(t, http.MethodGet, "/api/optimize/"+jobID, nil)
		var job pipeline.Job
		decodeBody(t, poll, &job)
		return job.Status == pipeline.StatusFailed && job.Error == "cancelled"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOptimizeRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/optimize", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/optimize", map[string]interface{}{"amount": -5})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Contains(t, body["error"], "amount must be positive")
}

func TestGetJobNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/optimize/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "Job not found", body["error"])
}

func TestCancelUnknownJob(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodDelete, "/api/optimize/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForecastEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/forecast", map[string]interface{}{"tickers": []string{}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody map[string]string
	decodeBody(t, rec, &errBody)
	assert.Contains(t, errBody["error"], "tickers must not be empty")

	rec = ts.do(t, http.MethodPost, "/api/forecast", map[string]interface{}{
		"tickers": []string{"AAA.US"},
		"horizon": "1m",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var suite forecast.SuiteResult
	decodeBody(t, rec, &suite)
	assert.Equal(t, []string{"AAA.US"}, suite.Tickers)
	assert.Equal(t, "1m", suite.HorizonName)
}

func TestRiskEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/risk/AAA.US", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics risk.Metrics
	decodeBody(t, rec, &metrics)
	require.NotNil(t, metrics.Summary)
	assert.Greater(t, metrics.Summary.AnnualVolatility, 0.0)
	assert.NotEmpty(t, metrics.VaR)

	rec = ts.do(t, http.MethodGet, "/api/risk/ZZZ.US", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Contains(t, body["error"], "insufficient history")

	rec = ts.do(t, http.MethodGet, "/api/risk/AAA.US?period=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemStatus(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/system/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status systemStatusResponse
	decodeBody(t, rec, &status)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, Version, status.Version)
	assert.Greater(t, status.Goroutines, 0)
	assert.Zero(t, status.Jobs.InFlight)
	assert.Zero(t, status.Jobs.Queued)
}

func TestEventsWebsocketStream(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Router())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/events/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	type frame struct {
		Type string                 `json:"type"`
		Data map[string]interface{} `json:"data"`
	}

	readFrame := func() frame {
		_, data, readErr := conn.Read(ctx)
		require.NoError(t, readErr)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	require.Equal(t, "connected", readFrame().Type)

	ts.bus.Publish(&events.JobQueuedData{JobID: "job-1", Amount: 2500})

	evt := readFrame()
	assert.Equal(t, string(events.JobQueued), evt.Type)
	assert.Equal(t, "job-1", evt.Data["job_id"])
	assert.InDelta(t, 2500, evt.Data["amount"].(float64), 1e-9)
}
