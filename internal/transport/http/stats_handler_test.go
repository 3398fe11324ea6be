package http

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickstats/internal/bench"
	"tickstats/internal/dataset"
	apierrors "tickstats/internal/errors"
	"tickstats/internal/loader"
	"tickstats/internal/services"
	"tickstats/internal/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func datasetRows() []map[string]interface{} {
	tickers := []string{"AAPL", "GOOG", "IBM", "MSFT"}
	rows := make([]map[string]interface{}, 0, 100)
	for i := 0; i < 100; i++ {
		v := float64(i + 1)
		rows = append(rows, map[string]interface{}{
			"ticker": tickers[i%len(tickers)],
			"date":   fmt.Sprintf("2024-01-%02d", 1+i%28),
			"open":   v,
			"high":   v + 1,
			"low":    v - 1,
			"close":  v * 2,
			"volume": 1000,
		})
	}
	return rows
}

type apiFixture struct {
	service   *services.StatsService
	router    chi.Router
	rows      func() []map[string]interface{}
	loaderSrv *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{rows: datasetRows}

	loaderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Write([]byte(`{"status":"ok","data_loaded":true,"loading":false,"records":100}`))
		case "/dataset":
			json.NewEncoder(w).Encode(f.rows())
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(loaderSrv.Close)
	f.loaderSrv = loaderSrv

	client := loader.NewClient(loader.Options{
		BaseURL:       loaderSrv.URL,
		Timeout:       2 * time.Second,
		FetchAttempts: 1,
		FetchDelay:    time.Millisecond,
	}, nil)

	logger := discardLogger()
	parallel := stats.NewParallel(2, logger)
	parallel.Start()
	t.Cleanup(func() { require.NoError(t, parallel.Stop(5*time.Second)) })

	f.service = services.NewStatsService(
		dataset.NewStore(),
		client,
		stats.NewSequential(),
		stats.NewCache(true),
		services.NewHealthMonitor(logger),
		nil,
		logger,
	)

	harness := bench.NewHarness(stats.NewSequential(), parallel, logger)
	errorHandler := apierrors.NewErrorHandler(logger, false)

	statsHandler := NewStatsHandler(f.service, harness, logger, errorHandler)
	healthHandler := NewHealthHandler(f.service, logger)

	f.router = chi.NewRouter()
	f.router.Use(render.SetContentType(render.ContentTypeJSON))
	f.router.Get("/health", healthHandler.HealthCheck)
	f.router.Mount("/stats", statsHandler.Routes())
	return f
}

func (f *apiFixture) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return rec.Code, body
}

func (f *apiFixture) reload(t *testing.T) {
	t.Helper()
	code, body := f.get(t, "/stats/reload")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
}

func TestHealthEndpointBeforeLoad(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tickstats", body["service"])
	assert.Equal(t, string(services.StateNotLoaded), body["state"])
	assert.Equal(t, false, body["data_loaded"])
	assert.Equal(t, loader.ConnectionOK, body["ms_loader_connection"])
}

func TestHealthEndpointAfterLoad(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(services.StateReady), body["state"])
	assert.Equal(t, true, body["data_loaded"])
	assert.Equal(t, float64(100), body["records"])
	assert.Equal(t, float64(4), body["tickers"])
	assert.Equal(t, float64(1), body["version"])
}

func TestReloadEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.get(t, "/stats/reload")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(100), body["records"])
	assert.Equal(t, float64(4), body["tickers"])
	assert.Equal(t, float64(1), body["version"])
}

func TestReloadEndpointConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	loaderSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dataset" {
			close(started)
			<-release
			json.NewEncoder(w).Encode(datasetRows())
			return
		}
		w.Write([]byte(`{"status":"ok","data_loaded":true,"loading":false,"records":100}`))
	}))
	defer loaderSrv.Close()

	client := loader.NewClient(loader.Options{
		BaseURL:       loaderSrv.URL,
		Timeout:       5 * time.Second,
		FetchAttempts: 1,
		FetchDelay:    time.Millisecond,
	}, nil)
	logger := discardLogger()
	service := services.NewStatsService(dataset.NewStore(), client, stats.NewSequential(),
		stats.NewCache(true), services.NewHealthMonitor(logger), nil, logger)
	handler := NewStatsHandler(service, nil, logger, apierrors.NewErrorHandler(logger, false))

	router := chi.NewRouter()
	router.Mount("/stats", handler.Routes())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/reload", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}()

	<-started

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats/reload", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"success":false,"message":"reload already in progress"}`, rec.Body.String())

	close(release)
	wg.Wait()
}

func TestBasicStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/basic")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(100), body["total_records"])
	assert.Equal(t, float64(4), body["distinct_tickers"])

	statistics := body["statistics"].(map[string]interface{})
	mean := statistics["mean"].(map[string]interface{})
	assert.Equal(t, 50.5, mean["open"])
	assert.Nil(t, mean["adj close"], "field with no values serializes as null")

	std := statistics["std"].(map[string]interface{})
	assert.InDelta(t, math.Sqrt(100*101.0/12.0), std["open"], 1e-9)
	assert.Nil(t, std["adj close"])

	count := statistics["count"].(map[string]interface{})
	assert.Equal(t, float64(100), count["open"])
	assert.Equal(t, float64(0), count["adj close"])
}

func TestBasicStatsEndpointEmptyDataset(t *testing.T) {
	f := newAPIFixture(t)

	code, body := f.get(t, "/stats/basic")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(0), body["total_records"])
}

func TestSummaryEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/summary")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(100), body["total_records"])

	sample := body["sample_tickers"].([]interface{})
	assert.Equal(t, []interface{}{"AAPL", "GOOG", "IBM", "MSFT"}, sample)

	missing := body["missing_values"].(map[string]interface{})
	assert.Equal(t, float64(0), missing["open"])
	assert.Equal(t, float64(100), missing["adj close"])

	dateRange := body["date_range"].(map[string]interface{})
	assert.Equal(t, "2024-01-01", dateRange["start"])
	assert.Equal(t, "2024-01-28", dateRange["end"])
}

func TestPricesEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/prices")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(100), body["total_records"])

	priceStats := body["price_statistics"].(map[string]interface{})
	mean := priceStats["mean"].(map[string]interface{})
	assert.Contains(t, mean, "open")
	assert.Contains(t, mean, "close")
	assert.NotContains(t, mean, "volume")
	assert.Contains(t, priceStats, "std")
}

func TestReloadEndpointLoaderDown(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)
	f.loaderSrv.Close()

	code, body := f.get(t, "/stats/reload")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["message"], "loader unreachable")
}

func TestByTickerEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/by_ticker/aapl")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AAPL", body["ticker"])
	assert.Equal(t, float64(25), body["records"])
}

func TestByTickerEndpointNotFound(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/by_ticker/NOPE")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, apierrors.TypeTickerNotFound, body["type"])
	assert.Equal(t, "TICKER_NOT_FOUND", body["error_code"])

	details := body["details"].(map[string]interface{})
	sample := details["available_tickers_sample"].([]interface{})
	assert.Equal(t, []interface{}{"AAPL", "GOOG", "IBM", "MSFT"}, sample)
}

func TestByTickerEndpointInvalidFormat(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/by_ticker/THIRTEENCHARS")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, apierrors.TypeValidation, body["type"])
}

func TestBenchmarkEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.reload(t)

	code, body := f.get(t, "/stats/benchmark?iterations=3&concurrency=2")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(100), body["records"])
	assert.Equal(t, float64(2), body["concurrency"])
	assert.Equal(t, true, body["parity_ok"])

	seq := body["sequential"].(map[string]interface{})
	assert.Equal(t, "sequential", seq["engine"])
	assert.Equal(t, float64(3), seq["iterations"])

	par := body["parallel"].(map[string]interface{})
	assert.Equal(t, "parallel", par["engine"])
}
