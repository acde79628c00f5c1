package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudemu/cloudemu/pkg/config"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/functions"
	"github.com/cloudemu/cloudemu/pkg/gateway"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/logging"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/ratelimit"
	"github.com/cloudemu/cloudemu/pkg/requestlog"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services/aws"
	"github.com/cloudemu/cloudemu/pkg/services/azure"
	"github.com/cloudemu/cloudemu/pkg/services/gcp"
	"github.com/cloudemu/cloudemu/pkg/storage"
	"github.com/cloudemu/cloudemu/pkg/storage/blobfs"
)

// ErrNoProviders is returned when the configuration enables no provider.
var ErrNoProviders = errors.New("engine: no provider enabled")

// Server wires storage, the handler registry, the dispatcher and the
// gateway for every enabled provider.
type Server struct {
	cfg       *config.Config
	log       *slog.Logger
	providers []resource.Provider

	stores   *storage.Set
	managers map[resource.Provider]*lifecycle.Manager
	registry *protocol.Registry
	gateway  *gateway.Gateway
	requests *requestlog.MemoryStore
	limiter  *ratelimit.Limiter
	aws      *aws.Services

	storeOpts []storage.Option

	mu        sync.Mutex
	running   bool
	startTime time.Time
	closeOnce sync.Once
	closeErr  error
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the operational logger for the server.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStorageOptions passes extra options to every store, such as a fake
// clock in tests.
func WithStorageOptions(opts ...storage.Option) ServerOption {
	return func(s *Server) { s.storeOpts = append(s.storeOpts, opts...) }
}

// NewServer opens storage under cfg.DataDir, repairs state left by a crash
// and builds the handler stack. Failing to open storage is the only fatal
// startup error. The caller must Close the server.
func NewServer(ctx context.Context, cfg *config.Config, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logging.Nop(),
		managers: make(map[resource.Provider]*lifecycle.Manager),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.providers = cfg.Providers.Enabled()
	if len(s.providers) == 0 {
		return nil, ErrNoProviders
	}

	if err := s.openStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.recover(ctx); err != nil {
		_ = s.stores.Close()
		return nil, err
	}
	if err := s.build(); err != nil {
		_ = s.stores.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) openStorage(ctx context.Context) error {
	mode, err := storage.ParseMode(s.cfg.Storage.Mode)
	if err != nil {
		return err
	}
	compression, err := blobfs.ParseCompression(s.cfg.Storage.Compression)
	if err != nil {
		return err
	}
	opts := append([]storage.Option{
		storage.WithLogger(logging.Component(s.log, "storage")),
		storage.WithLockTimeout(s.cfg.Storage.LockTimeout),
	}, s.storeOpts...)

	s.stores, err = storage.OpenSet(ctx, s.cfg.DataDir, mode, s.providers, storage.Config{
		Compression: compression,
		PoolSize:    s.cfg.Storage.PoolSize,
		LockTimeout: s.cfg.Storage.LockTimeout,
	}, opts...)
	if err != nil {
		return fmt.Errorf("open storage in %s: %w", s.cfg.DataDir, err)
	}
	s.log.Info("storage opened", "dir", s.cfg.DataDir, "mode", mode, "compression", compression)
	return nil
}

// recover reclaims orphaned blobs and repairs records stranded in
// transitional states. Each distinct store is processed once, so shared
// mode does not repeat the work per provider.
func (s *Server) recover(ctx context.Context) error {
	done := make(map[*storage.Store]bool)
	for _, p := range s.providers {
		store := s.stores.For(p)
		m := lifecycle.NewManager(store, lifecycle.WithLogger(logging.Component(s.log, "lifecycle")))
		s.managers[p] = m
		if done[store] {
			continue
		}
		done[store] = true

		if _, err := store.ReclaimOrphans(ctx); err != nil {
			return fmt.Errorf("reclaim orphans for %s: %w", p, err)
		}
		if _, err := m.Recover(ctx); err != nil {
			return fmt.Errorf("recover %s: %w", p, err)
		}
	}
	return nil
}

func (s *Server) build() error {
	b := protocol.NewRegistryBuilder()
	dopts := []dispatch.Option{dispatch.WithLogger(logging.Component(s.log, "dispatch"))}

	for _, p := range s.providers {
		log := logging.Component(s.log, string(p))
		var (
			err      error
			strategy dispatch.Strategy
		)
		switch p {
		case resource.AWS:
			rt := functions.New(
				functions.WithTimeout(s.cfg.Functions.Timeout),
				functions.WithLogger(logging.Component(s.log, "functions")),
			)
			s.aws = aws.New(aws.WithLogger(log), aws.WithRuntime(rt))
			err = s.aws.Register(b)
			strategy = aws.Strategy()
		case resource.Azure:
			err = azure.New(azure.WithLogger(log)).Register(b)
			strategy = azure.Strategy()
		case resource.GCP:
			err = gcp.New(gcp.WithLogger(log)).Register(b)
			strategy = gcp.Strategy()
		}
		if err != nil {
			return fmt.Errorf("register %s handlers: %w", p, err)
		}
		dopts = append(dopts,
			dispatch.WithStrategy(p, strategy),
			dispatch.WithManager(p, s.managers[p]),
		)
	}

	reg, err := b.Build()
	if err != nil {
		return err
	}
	s.registry = reg

	d, err := dispatch.New(reg, dopts...)
	if err != nil {
		return err
	}

	srv := s.cfg.Server
	gopts := []gateway.Option{
		gateway.WithLogger(logging.Component(s.log, "gateway")),
		gateway.WithStorage(s.stores),
		gateway.WithMaxBodyBytes(srv.MaxBodyBytes),
		gateway.WithTimeouts(srv.ReadTimeout, srv.WriteTimeout, srv.ShutdownTimeout),
		gateway.WithScope(resource.AWS, gateway.Scope{Region: s.cfg.AWS.Region, Account: s.cfg.AWS.AccountID}),
		gateway.WithScope(resource.Azure, gateway.Scope{Account: s.cfg.Azure.Account}),
		gateway.WithScope(resource.GCP, gateway.Scope{Account: s.cfg.GCP.Project}),
	}
	if srv.RequestLogSize > 0 {
		s.requests = requestlog.NewMemoryStore(srv.RequestLogSize)
		gopts = append(gopts, gateway.WithRequestLog(s.requests))
	}
	if srv.RateLimit.Enabled {
		s.limiter = ratelimit.New(ratelimit.Config{
			RPS:   srv.RateLimit.RPS,
			Burst: srv.RateLimit.Burst,
		})
		gopts = append(gopts, gateway.WithRateLimiter(s.limiter))
	}
	s.gateway = gateway.New(d, gopts...)

	s.log.Info("handlers registered", "providers", s.providers, "operations", reg.Count())
	return nil
}

// Run serves every enabled provider and runs the expiry reaper until ctx
// is cancelled or a listener fails. Listeners are shut down gracefully
// before Run returns.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	listeners := make([]gateway.Listener, 0, len(s.providers))
	for _, p := range s.providers {
		listeners = append(listeners, gateway.Listener{
			Provider: p,
			Addr:     gateway.ListenAddr(s.cfg.BindHost, s.cfg.Providers.For(p).Port),
		})
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.gateway.Serve(egCtx, listeners) })
	if interval := s.cfg.Storage.ReapInterval; interval > 0 {
		eg.Go(func() error {
			s.reapLoop(egCtx, interval)
			return nil
		})
	}
	s.log.Info("engine started", "providers", s.providers)

	err := eg.Wait()
	if s.aws != nil {
		wait, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout())
		if cerr := s.aws.Close(wait); cerr != nil {
			s.log.Warn("background executions did not stop", "error", cerr)
		}
		cancel()
	}
	s.log.Info("engine stopped")
	return err
}

func (s *Server) shutdownTimeout() time.Duration {
	if d := s.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return gateway.DefaultShutdownTimeout
}

func (s *Server) reapLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Reap(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("expiry pass failed", "error", err)
			}
		}
	}
}

// Reap runs one expiry pass over every store and returns the number of
// resources purged.
func (s *Server) Reap(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, st := range s.stores.Stores() {
		n, err := st.Expire(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Close releases the rate limiter and closes storage. It is safe to call
// more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.closeErr = s.stores.Close()
	})
	return s.closeErr
}

// Handler returns the HTTP handler of provider p, for serving it on a
// listener the caller owns.
func (s *Server) Handler(p resource.Provider) http.Handler {
	return s.gateway.Handler(p)
}

// Addr returns the bound address of p's listener while Run is serving.
func (s *Server) Addr(p resource.Provider) string {
	return s.gateway.Addr(p)
}

// Providers returns the enabled providers in canonical order.
func (s *Server) Providers() []resource.Provider {
	return s.providers
}

// Registry returns the handler registry.
func (s *Server) Registry() *protocol.Registry {
	return s.registry
}

// Manager returns the lifecycle manager of p, or nil when p is disabled.
func (s *Server) Manager(p resource.Provider) *lifecycle.Manager {
	return s.managers[p]
}

// RequestLog returns the captured-request store, or nil when capture is
// disabled.
func (s *Server) RequestLog() *requestlog.MemoryStore {
	return s.requests
}

// IsRunning reports whether Run is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Uptime returns how long Run has been serving, or zero.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}
