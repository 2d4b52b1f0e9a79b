package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Route label for requests that matched no route
const unmatchedRoute = "unmatched"

// HTTPObserver records request outcomes
type HTTPObserver interface {
	ObserveHTTP(route, method string, code int, elapsed time.Duration)
}

// RouterConfig wires optional pieces into the router
type RouterConfig struct {
	// Endpoint is the path segment for order intake, e.g. "bids"
	Endpoint       string
	AllowedOrigins []string
	RequestTimeout time.Duration
	Feed           http.Handler
	Metrics        http.Handler
	Observer       HTTPObserver
}

// NewRouter builds the HTTP routes:
//
//	POST /{endpoint}/set
//	GET  /{endpoint}/get
//	GET  /prices/market-index
//	GET  /prices/imbalance
//	GET  /ws/prices
//	GET  /healthz
//	GET  /metrics
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	endpoint := strings.Trim(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "bids"
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger, cfg.Observer))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	if cfg.Feed != nil {
		r.Method(http.MethodGet, "/ws/prices", cfg.Feed)
	}

	r.Group(func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}

		r.Post("/"+endpoint+"/set", h.SubmitOrders)
		r.Get("/"+endpoint+"/get", h.GetOrders)

		r.Get("/prices/market-index", h.GetMarketIndex)
		r.Get("/prices/imbalance", h.GetImbalancePrices)

		r.Get("/healthz", h.Health)
		if cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", cfg.Metrics)
		}
	})

	return r
}

func requestLogger(logger *zap.Logger, observer HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := unmatchedRoute
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			if observer != nil {
				observer.ObserveHTTP(route, r.Method, status, elapsed)
			}
			logger.Debug("HTTP request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed))
		})
	}
}
