package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"snapish/api/internal/auth"
	"snapish/api/internal/handle"
	"snapish/api/internal/logging"
	"snapish/api/internal/metrics"
)

type Options struct {
	CORSOrigins []string
	RateLimit   int // predict requests per window per client IP, 0 disables
	RateWindow  time.Duration
}

// NewRouter wires the public API. uploads serves stored images by name.
func NewRouter(h *handle.Handle, v auth.Verifier, uploads http.Handler, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         86400,
	}))
	r.Use(auth.Identify(v))

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Handle("/uploads/*", http.StripPrefix("/uploads", uploads))

	r.Route("/backend", func(r chi.Router) {
		r.With(rateLimit(opts)).Post("/predict", h.Predict)
		r.Get("/chat/{threadID}/{runID}", h.ChatResult)
		r.With(auth.RequireUser).Get("/get-detections", h.Detections)
	})

	r.Route("/catches", func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Get("/", h.ListCatches)
		r.Post("/", h.CreateCatch)
		r.Get("/{id}", h.GetCatch)
		r.Put("/{id}", h.UpdateCatch)
		r.Delete("/{id}", h.DeleteCatch)
	})
	return r
}

func rateLimit(opts Options) func(http.Handler) http.Handler {
	if opts.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := opts.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(opts.RateLimit, window,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
		}),
	)
}

// requestID tags the request context with an id for log correlation and
// echoes it back to the client.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithNewCorrelationID(ctx)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, middleware.RequestIDKey, id)))
	})
}
