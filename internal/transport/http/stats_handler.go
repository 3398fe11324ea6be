package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"tickstats/internal/bench"
	apierrors "tickstats/internal/errors"
	"tickstats/internal/services"
)

// StatsHandler handles statistics HTTP requests with RFC 7807 compliance
type StatsHandler struct {
	service      *services.StatsService
	harness      *bench.Harness
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewStatsHandler creates a new statistics handler
func NewStatsHandler(service *services.StatsService, harness *bench.Harness, logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *StatsHandler {
	return &StatsHandler{
		service:      service,
		harness:      harness,
		logger:       logger.With(slog.String("component", "stats_handler")),
		errorHandler: errorHandler,
	}
}

// Routes returns the statistics routes
func (h *StatsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Use render for consistent JSON responses
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/basic", h.BasicStats)
	r.Get("/summary", h.Summary)
	r.Get("/prices", h.PriceStats)
	r.Get("/reload", h.Reload)
	r.Get("/benchmark", h.Benchmark)

	r.Route("/by_ticker/{ticker}", func(r chi.Router) {
		r.Use(h.TickerCtx)
		r.Get("/", h.TickerStats)
	})

	return r
}

// TickerCtx middleware validates the ticker parameter
func (h *StatsHandler) TickerCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ticker := chi.URLParam(r, "ticker")
		if ticker == "" {
			h.errorHandler.HandleError(w, r, apierrors.ErrValidation("ticker", "Ticker symbol is required"))
			return
		}
		if len(ticker) > 12 {
			h.errorHandler.HandleError(w, r, apierrors.ErrValidation("ticker", "Invalid ticker symbol format"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BasicStats handles GET /stats/basic
func (h *StatsHandler) BasicStats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.BasicStats(r.Context())
	if err != nil {
		h.handleComputeError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// Summary handles GET /stats/summary
func (h *StatsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Summary(r.Context())
	if err != nil {
		h.handleComputeError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// PriceStats handles GET /stats/prices
func (h *StatsHandler) PriceStats(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.PriceStats(r.Context())
	if err != nil {
		h.handleComputeError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// TickerStats handles GET /stats/by_ticker/{ticker}
func (h *StatsHandler) TickerStats(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")

	resp, err := h.service.TickerStats(r.Context(), ticker)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTickerNotFound):
			h.errorHandler.HandleError(w, r,
				apierrors.TickerNotFoundError(ticker, h.service.SampleTickers(10)))
		case errors.Is(err, services.ErrInvalidTicker):
			h.errorHandler.HandleError(w, r,
				apierrors.ErrValidation("ticker", "Invalid ticker symbol format"))
		default:
			h.handleComputeError(w, r, err)
		}
		return
	}
	render.JSON(w, r, resp)
}

// Reload handles GET /stats/reload. A reload already in flight yields
// 409 with success=false; a failed load keeps the reload response shape
// with success=false rather than a problem document.
func (h *StatsHandler) Reload(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "reload requested")

	resp, err := h.service.Reload(r.Context())
	if err != nil {
		if errors.Is(err, services.ErrReloadInProgress) {
			render.Status(r, http.StatusConflict)
			render.JSON(w, r, map[string]interface{}{
				"success": false,
				"message": "reload already in progress",
			})
			return
		}
		h.logger.ErrorContext(r.Context(), "reload failed",
			slog.String("error", err.Error()))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, map[string]interface{}{
			"success": false,
			"message": err.Error(),
		})
		return
	}
	render.JSON(w, r, resp)
}

// Benchmark handles GET /stats/benchmark?iterations=&concurrency=
func (h *StatsHandler) Benchmark(w http.ResponseWriter, r *http.Request) {
	opts := bench.Options{
		Iterations:  queryInt(r, "iterations"),
		Concurrency: queryInt(r, "concurrency"),
	}

	report, err := h.harness.Run(r.Context(), h.service.Snapshot(), opts)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, report)
}

func (h *StatsHandler) handleComputeError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "statistics request failed",
		slog.String("error", err.Error()))
	h.errorHandler.HandleError(w, r, apierrors.ErrComputationFailed)
}

func queryInt(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
