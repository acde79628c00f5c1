package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/logging"
	"github.com/cloudemu/cloudemu/pkg/ratelimit"
	"github.com/cloudemu/cloudemu/pkg/requestlog"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Default listener settings.
const (
	DefaultMaxBodyBytes    = 64 << 20
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Listener binds one provider to an address.
type Listener struct {
	Provider resource.Provider
	Addr     string
}

// Scope holds the identifiers stamped on requests of one provider: the
// AWS region and account, the Azure storage account, the GCP project.
type Scope struct {
	Region  string
	Account string
}

// Gateway owns the provider listeners.
type Gateway struct {
	dispatcher *dispatch.Dispatcher
	stores     *storage.Set
	requests   requestlog.Store
	limiter    *ratelimit.Limiter
	scopes     map[resource.Provider]Scope
	log        *slog.Logger
	started    time.Time

	maxBodyBytes    int64
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	mu      sync.Mutex
	servers map[resource.Provider]*http.Server
	addrs   map[resource.Provider]string
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithRequestLog sets the store that captures served requests.
func WithRequestLog(s requestlog.Store) Option {
	return func(g *Gateway) { g.requests = s }
}

// WithRateLimiter enables per-client rate limiting.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithStorage exposes the stores to the admin endpoints.
func WithStorage(s *storage.Set) Option {
	return func(g *Gateway) { g.stores = s }
}

// WithScope sets the region and account stamped on requests of p.
func WithScope(p resource.Provider, s Scope) Option {
	return func(g *Gateway) { g.scopes[p] = s }
}

// WithMaxBodyBytes bounds request bodies. Zero or less keeps the default.
func WithMaxBodyBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBodyBytes = n
		}
	}
}

// WithTimeouts sets the server read, write and shutdown timeouts. Zero
// values keep the defaults.
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(g *Gateway) {
		if read > 0 {
			g.readTimeout = read
		}
		if write > 0 {
			g.writeTimeout = write
		}
		if shutdown > 0 {
			g.shutdownTimeout = shutdown
		}
	}
}

// New creates a gateway in front of d.
func New(d *dispatch.Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		dispatcher:      d,
		scopes:          make(map[resource.Provider]Scope),
		log:             logging.Nop(),
		started:         time.Now(),
		maxBodyBytes:    DefaultMaxBodyBytes,
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		servers:         make(map[resource.Provider]*http.Server),
		addrs:           make(map[resource.Provider]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Handler returns the complete HTTP handler of provider p's listener.
func (g *Gateway) Handler(p resource.Provider) http.Handler {
	r := mux.NewRouter()
	// Object keys may contain "//", "." segments and escaped slashes.
	r.SkipClean(true)
	r.UseEncodedPath()

	g.registerAdmin(r, p)

	api := http.Handler(&providerHandler{gateway: g, provider: p})
	api = ratelimit.Middleware(g.limiter,
		ratelimit.WithReject(g.throttled),
		ratelimit.WithKey(func(req *http.Request) string {
			// Each listener draws from its own buckets.
			return string(p) + "|" + ratelimit.RemoteIP(req)
		}),
	)(api)
	api = RequestLogMiddleware(g.requests)(api)
	api = MetricsMiddleware(api)
	api = LoggingMiddleware(g.log)(api)
	api = exchangeMiddleware(p)(api)
	r.PathPrefix("/").Handler(api)

	return RecoveryMiddleware(g.log, p)(r)
}

// Serve binds every listener and serves until ctx is cancelled or a
// listener fails, then shuts all servers down gracefully.
func (g *Gateway) Serve(ctx context.Context, listeners []Listener) error {
	bound := make([]net.Listener, 0, len(listeners))
	for _, l := range listeners {
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			for _, b := range bound {
				_ = b.Close()
			}
			return fmt.Errorf("listen %s on %s: %w", l.Provider, l.Addr, err)
		}
		bound = append(bound, ln)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for i, l := range listeners {
		srv := &http.Server{
			Handler:           g.Handler(l.Provider),
			ReadTimeout:       g.readTimeout,
			ReadHeaderTimeout: g.readTimeout,
			WriteTimeout:      g.writeTimeout,
			ErrorLog:          slog.NewLogLogger(g.log.Handler(), slog.LevelWarn),
		}
		ln := bound[i]
		g.mu.Lock()
		g.servers[l.Provider] = srv
		g.addrs[l.Provider] = ln.Addr().String()
		g.mu.Unlock()

		g.log.Info("listening", "provider", l.Provider, "addr", ln.Addr().String())
		eg.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s listener: %w", l.Provider, err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		return g.shutdown()
	})

	return eg.Wait()
}

func (g *Gateway) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
	defer cancel()

	g.mu.Lock()
	servers := make(map[resource.Provider]*http.Server, len(g.servers))
	for p, s := range g.servers {
		servers[p] = s
	}
	g.mu.Unlock()

	var errs []error
	for p, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", p, err))
		}
	}
	g.log.Info("listeners stopped")
	return errors.Join(errs...)
}

// Addr returns the bound address of p's listener once Serve has started
// it, or "".
func (g *Gateway) Addr(p resource.Provider) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addrs[p]
}

// ListenAddr joins a host and port.
func ListenAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
