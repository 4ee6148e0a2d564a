package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"

	"github.com/linnemanlabs/erwatch/internal/authmw"
	"github.com/linnemanlabs/erwatch/internal/notify/hub"
	"github.com/linnemanlabs/erwatch/internal/postgres"
	"github.com/linnemanlabs/erwatch/internal/slaapi"
)

const (
	eventsPath   = "/api/v1/events"
	eventsWSPath = "/api/v1/events/ws"
)

// apiDeps is everything the API listener's handler is built from.
type apiDeps struct {
	logger      log.Logger
	metrics     *metrics.ServerMetrics
	tracker     slaapi.TrackerService
	policies    slaapi.PolicyLister
	hub         *hub.Hub
	tokens      []string
	liveness    health.Probe
	readiness   health.Probe
	trustedHops int
	heartbeat   time.Duration
}

// buildHandler assembles the API router and its middleware stack.
func buildHandler(d apiDeps) http.Handler {
	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress JSON responses only; text/event-stream is left alone
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Label DB queries with the HTTP method and collect per-request DB stats.
	r.Use(queryStats)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(d.liveness))
	r.Get("/-/ready", health.ReadyzHandler(d.readiness))

	// register api routes
	apiOpts := []slaapi.Option{
		slaapi.WithEventStream(d.hub.SSEHandler(d.heartbeat)),
		slaapi.WithEventSocket(d.hub.WSHandler(d.heartbeat, nil)),
	}
	if len(d.tokens) > 0 {
		apiOpts = append(apiOpts, slaapi.WithMiddleware(authmw.BearerTokens(d.tokens...)))
	}
	slaapi.New(d.logger, d.tracker, d.policies, apiOpts...).RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(d.logger)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks or long-lived event streams
			switch r.URL.Path {
			case "/-/healthy", "/-/ready":
				return false
			}
			return !isStreamPath(r.URL.Path)
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation. Its writer can
	// neither flush nor hijack, so event streams go around it.
	h = unlessStream(d.metrics.Middleware)(h)

	// Client IP resolution and spoofing protection middleware
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: d.trustedHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	h = httpmw.Recover(d.logger, d.metrics.IncHttpPanic)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Lift server timeouts for event streams while the writer is still the server's own
	h = streamDeadlines(h)

	return h
}

func isStreamPath(p string) bool {
	return p == eventsPath || p == eventsWSPath
}

// unlessStream applies mw to every request except the event streams.
func unlessStream(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// streamDeadlines clears the server read and write deadlines on event
// stream requests. An expired read deadline cancels the request context
// and an expired write deadline fails the next frame, so a stream would
// otherwise end after the server timeouts. Inner wrappers hide the
// connection, so this has to sit outermost.
func streamDeadlines(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isStreamPath(r.URL.Path) {
			rc := http.NewResponseController(w)
			_ = rc.SetReadDeadline(time.Time{})
			_ = rc.SetWriteDeadline(time.Time{})
		}
		next.ServeHTTP(w, r)
	})
}

// queryStats labels DB queries with the request method and records the
// request's query count and time on its span.
func queryStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctx := postgres.WithQuerySource(req.Context(), req.Method)
		ctx, stats := postgres.WithQueryStats(ctx)
		next.ServeHTTP(w, req.WithContext(ctx))

		if n, total, errs := stats.Snapshot(); n > 0 {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("db.query_count", n),
				attribute.Float64("db.total_seconds", total.Seconds()),
				attribute.Int("db.error_count", errs),
			)
		}
	})
}
