package protocol

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

// RegistryBuilder collects handlers at startup.
type RegistryBuilder struct {
	handlers map[OperationKey]Handler
	wires    map[OperationKey]Wire
	err      error
	built    bool
}

// NewRegistryBuilder creates an empty builder.
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{
		handlers: make(map[OperationKey]Handler),
		wires:    make(map[OperationKey]Wire),
	}
}

// Register binds h to (provider, service, operation).
// It returns an error if h is nil, the triple is incomplete, or a handler
// is already bound to it. The first such error is also reported by Build.
func (b *RegistryBuilder) Register(p resource.Provider, s resource.ServiceType, operation string, h Handler) error {
	return b.register(OperationKey{Provider: p, Service: s, Operation: operation}, "", h)
}

// RegisterWire is Register with the operation's wire format recorded for
// introspection.
func (b *RegistryBuilder) RegisterWire(p resource.Provider, s resource.ServiceType, operation string, w Wire, h Handler) error {
	return b.register(OperationKey{Provider: p, Service: s, Operation: operation}, w, h)
}

func (b *RegistryBuilder) register(key OperationKey, w Wire, h Handler) error {
	err := b.check(key, h)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return err
	}
	b.handlers[key] = h
	if w != "" {
		b.wires[key] = w
	}
	return nil
}

func (b *RegistryBuilder) check(key OperationKey, h Handler) error {
	switch {
	case b.built:
		return ErrRegistryBuilt
	case h == nil:
		return fmt.Errorf("%w: %s", ErrNilHandler, key)
	case !key.Provider.Valid() || !key.Service.Valid() || key.Operation == "":
		return fmt.Errorf("%w: %s", ErrIncompleteOperation, key)
	}
	if _, exists := b.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, key)
	}
	return nil
}

// Build freezes the collected handlers. The builder cannot be used
// afterwards.
func (b *RegistryBuilder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.built {
		return nil, ErrRegistryBuilt
	}
	b.built = true

	keys := make([]OperationKey, 0, len(b.handlers))
	for k := range b.handlers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, c OperationKey) int {
		return cmp.Or(
			cmp.Compare(a.Provider, c.Provider),
			cmp.Compare(a.Service, c.Service),
			cmp.Compare(a.Operation, c.Operation),
		)
	})

	return &Registry{handlers: b.handlers, wires: b.wires, keys: keys}, nil
}

// Registry is an immutable handler lookup table. It is safe for
// concurrent use without locking.
type Registry struct {
	handlers map[OperationKey]Handler
	wires    map[OperationKey]Wire
	keys     []OperationKey
}

// Resolve returns the handler for (provider, service, operation).
func (r *Registry) Resolve(p resource.Provider, s resource.ServiceType, operation string) (Handler, bool) {
	h, ok := r.handlers[OperationKey{Provider: p, Service: s, Operation: operation}]
	return h, ok
}

// Wire returns the recorded wire format for an operation, if any.
func (r *Registry) Wire(key OperationKey) (Wire, bool) {
	w, ok := r.wires[key]
	return w, ok
}

// Operations returns every registered operation in sorted order.
func (r *Registry) Operations() []OperationKey {
	return slices.Clone(r.keys)
}

// OperationsFor returns the registered operations of one provider.
func (r *Registry) OperationsFor(p resource.Provider) []OperationKey {
	var out []OperationKey
	for _, k := range r.keys {
		if k.Provider == p {
			out = append(out, k)
		}
	}
	return out
}

// Count returns the number of registered operations.
func (r *Registry) Count() int {
	return len(r.keys)
}
