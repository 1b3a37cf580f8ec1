package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/go-marketplace-checkout/internal/logging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Registrar is implemented by every handler group.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter builds the API router. Health and metrics sit outside the
// principal middleware; everything else sees the caller identity.
func NewRouter(log *zap.Logger, gatherer prometheus.Gatherer, handlers ...Registrar) *chi.Mux {
	log = logging.OrNop(log)
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Group(func(r chi.Router) {
		r.Use(Principals)
		for _, h := range handlers {
			h.Register(r)
		}
	})
	return r
}

// Handler wraps the router with the otelhttp server span.
func Handler(r http.Handler, service string) http.Handler {
	return otelhttp.NewHandler(r, service)
}

// requestLogger attaches a request-scoped logger and logs one line per request.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqLog := log.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				reqLog = reqLog.With(zap.String("trace_id", sc.TraceID().String()))
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(logging.WithLogger(r.Context(), reqLog)))
			reqLog.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
