package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// Error is a simple error type for dispatcher errors.
type Error string

// Error implements the error interface.
func (e Error) Error() string { return string(e) }

// Sentinel errors returned by New.
const (
	ErrNoRegistry      = Error("dispatcher requires a registry")
	ErrNoStrategy      = Error("provider has no extraction strategy")
	ErrNoManager       = Error("provider has no lifecycle manager")
	ErrInvalidProvider = Error("provider is not valid")
)

// Strategy is a provider's extraction strategy plus the wire format used
// for errors when no operation could be named.
type Strategy struct {
	Extractor Extractor

	// Fallback picks the error wire for requests that did not resolve.
	// Nil means the provider's default wire.
	Fallback func(rc *protocol.RequestContext) protocol.Wire
}

// Dispatcher routes requests to registered handlers. It holds no mutable
// state and is safe for concurrent use.
type Dispatcher struct {
	registry   *protocol.Registry
	strategies map[resource.Provider]Strategy
	managers   map[resource.Provider]*lifecycle.Manager
	log        *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithStrategy sets the strategy for one provider.
func WithStrategy(p resource.Provider, s Strategy) Option {
	return func(d *Dispatcher) { d.strategies[p] = s }
}

// WithManager sets the lifecycle manager handlers of p receive.
func WithManager(p resource.Provider, m *lifecycle.Manager) Option {
	return func(d *Dispatcher) { d.managers[p] = m }
}

// New creates a Dispatcher. Every provider with a strategy must also have
// a manager.
func New(reg *protocol.Registry, opts ...Option) (*Dispatcher, error) {
	if reg == nil {
		return nil, ErrNoRegistry
	}
	d := &Dispatcher{
		registry:   reg,
		strategies: make(map[resource.Provider]Strategy),
		managers:   make(map[resource.Provider]*lifecycle.Manager),
		log:        slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	for p, s := range d.strategies {
		if !p.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProvider, p)
		}
		if s.Extractor == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoStrategy, p)
		}
		if d.managers[p] == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoManager, p)
		}
	}
	return d, nil
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *protocol.Registry { return d.registry }

// Manager returns the lifecycle manager of p, or nil.
func (d *Dispatcher) Manager(p resource.Provider) *lifecycle.Manager { return d.managers[p] }

// Dispatch extracts the operation, resolves its handler and runs it. It
// always returns a response; failures are rendered in the provider's
// error envelope. rc is completed with the resolved service, operation
// and wire.
func (d *Dispatcher) Dispatch(ctx context.Context, rc *protocol.RequestContext) *protocol.Response {
	strategy, ok := d.strategies[rc.Provider]
	if !ok {
		return d.fail(rc, fallbackWire(rc, strategy), &apierror.UnsupportedError{
			Reason: apierror.NoSignal, Method: rc.Method, Path: rc.Path,
		})
	}

	op, ok := strategy.Extractor.Extract(rc)
	if !ok {
		return d.fail(rc, fallbackWire(rc, strategy), &apierror.UnsupportedError{
			Reason: apierror.NoSignal, Method: rc.Method, Path: rc.Path,
		})
	}

	rc.Service = op.Service
	rc.Operation = op.Name
	rc.Wire = op.Wire
	if len(op.Params) > 0 {
		if rc.Params == nil {
			rc.Params = make(map[string]string, len(op.Params))
		}
		maps.Copy(rc.Params, op.Params)
	}

	h, ok := d.registry.Resolve(rc.Provider, op.Service, op.Name)
	if !ok {
		return d.fail(rc, op.Wire, &apierror.UnsupportedError{
			Reason: apierror.NoHandler, Method: rc.Method, Path: rc.Path, Operation: op.Name,
		})
	}

	// Storage operations must run to completion even if the client goes away.
	resp, err := h.Handle(context.WithoutCancel(ctx), rc, d.managers[rc.Provider])
	if err != nil {
		return d.fail(rc, op.Wire, err)
	}
	if resp == nil {
		resp = protocol.Empty(200)
	}
	return resp
}

func (d *Dispatcher) fail(rc *protocol.RequestContext, w protocol.Wire, err error) *protocol.Response {
	if rc.Wire == "" {
		rc.Wire = w
	}
	if apierror.Classify(err) == apierror.ClassInternal {
		d.log.Error("handler failed",
			"request_id", rc.RequestID,
			"provider", rc.Provider,
			"service", rc.Service,
			"operation", rc.Operation,
			"error", err)
	}
	return apierror.Render(rc.Provider, w, rc.RequestID, err)
}

func fallbackWire(rc *protocol.RequestContext, s Strategy) protocol.Wire {
	if s.Fallback != nil {
		if w := s.Fallback(rc); w != "" {
			return w
		}
	}
	return DefaultWire(rc)
}

// DefaultWire guesses the wire format of a request that did not resolve,
// so its error is still readable by the client that sent it.
func DefaultWire(rc *protocol.RequestContext) protocol.Wire {
	switch rc.Provider {
	case resource.AWS:
		switch {
		case rc.Header.Get(TargetHeader) != "":
			return protocol.WireJSON
		case rc.HasQuery("Action") || isForm(rc):
			return protocol.WireQuery
		}
		return protocol.WireRESTXML
	case resource.Azure:
		if rc.Path == "/blob" || strings.HasPrefix(rc.Path, "/blob/") {
			return protocol.WireRESTXML
		}
		return protocol.WireRESTJSON
	}
	return protocol.WireRESTJSON
}
