package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/metrics"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/requestlog"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// exchange carries what the provider handler learned about a request back
// out to the observing middleware.
type exchange struct {
	provider resource.Provider
	start    time.Time
	rc       *protocol.RequestContext
	resp     *protocol.Response
}

type exchangeKey struct{}

func exchangeFrom(ctx context.Context) *exchange {
	ex, _ := ctx.Value(exchangeKey{}).(*exchange)
	return ex
}

func exchangeMiddleware(p resource.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ex := &exchange{provider: p, start: time.Now()}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), exchangeKey{}, ex)))
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter.
func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// RecoveryMiddleware turns a panic into a provider-shaped internal error.
func RecoveryMiddleware(log *slog.Logger, p resource.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := newStatusWriter(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("panic serving request",
					"provider", p,
					"method", r.Method,
					"path", r.URL.EscapedPath(),
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				if sw.written {
					return
				}
				rc := &protocol.RequestContext{Provider: p, Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.Query(), Header: r.Header}
				resp := apierror.Render(p, dispatch.DefaultWire(rc), "", fmt.Errorf("panic: %v", rec))
				for name, values := range resp.Header {
					sw.Header()[name] = values
				}
				sw.WriteHeader(resp.Status)
				_, _ = sw.Write(resp.Body)
			}()
			next.ServeHTTP(sw, r)
		})
	}
}

// LoggingMiddleware logs one line per provider request.
func LoggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			ex := exchangeFrom(r.Context())
			attrs := []any{
				"method", r.Method,
				"path", r.URL.EscapedPath(),
				"status", sw.statusCode,
			}
			if ex != nil {
				attrs = append(attrs, "provider", ex.provider, "duration", time.Since(ex.start))
				if ex.rc != nil {
					attrs = append(attrs,
						"request_id", ex.rc.RequestID,
						"service", ex.rc.Service,
						"operation", ex.rc.Operation)
				}
				if ex.resp != nil && ex.resp.ErrorCode != "" {
					attrs = append(attrs, "error_code", ex.resp.ErrorCode)
				}
			}
			level := slog.LevelInfo
			switch {
			case sw.statusCode >= 500:
				level = slog.LevelError
			case sw.statusCode >= 400:
				level = slog.LevelWarn
			}
			log.Log(r.Context(), level, "request", attrs...)
		})
	}
}

// MetricsMiddleware records request counts, durations and in-flight
// requests per operation.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := exchangeFrom(r.Context())
		if ex == nil {
			next.ServeHTTP(w, r)
			return
		}
		done := metrics.TrackInflight(string(ex.provider))
		defer done()

		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		var service, operation string
		if ex.rc != nil {
			service, operation = string(ex.rc.Service), ex.rc.Operation
		}
		metrics.ObserveRequest(string(ex.provider), service, operation, sw.statusCode, time.Since(ex.start))
	})
}

// RequestLogMiddleware records each exchange in store. A nil store
// disables capture.
func RequestLogMiddleware(store requestlog.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := newStatusWriter(w)
			next.ServeHTTP(sw, r)

			ex := exchangeFrom(r.Context())
			if ex == nil {
				return
			}
			entry := &requestlog.Entry{
				Timestamp:      ex.start,
				Provider:       string(ex.provider),
				Method:         r.Method,
				Path:           r.URL.EscapedPath(),
				QueryString:    r.URL.RawQuery,
				Headers:        r.Header.Clone(),
				RemoteAddr:     r.RemoteAddr,
				ResponseStatus: sw.statusCode,
				DurationMs:     int(time.Since(ex.start).Milliseconds()),
			}
			if ex.rc != nil {
				entry.RequestID = ex.rc.RequestID
				entry.Service = string(ex.rc.Service)
				entry.Operation = ex.rc.Operation
				entry.Body = requestlog.Truncate(ex.rc.Body)
				entry.BodySize = len(ex.rc.Body)
			}
			if ex.resp != nil {
				entry.ResponseBody = requestlog.Truncate(ex.resp.Body)
				entry.Error = ex.resp.ErrorCode
			}
			store.Log(entry)
		})
	}
}

// throttled renders a rate-limit rejection for the request's provider.
func (g *Gateway) throttled(w http.ResponseWriter, r *http.Request, retryAfter time.Duration) {
	ex := exchangeFrom(r.Context())
	p := resource.AWS
	if ex != nil {
		p = ex.provider
	}
	rc := g.newRequestContext(p, r)
	if ex != nil {
		ex.rc = rc
	}
	err := apierror.Newf(apierror.ClassThrottled, "Rate exceeded. Retry after %s.", retryAfter.Round(time.Millisecond))
	g.write(w, ex, rc, apierror.Render(p, dispatch.DefaultWire(rc), rc.RequestID, err))
}
