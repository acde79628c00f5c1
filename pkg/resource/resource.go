// Package resource defines the provider-neutral data model shared by every
// emulated service: the resource key, lifecycle states, and blob metadata.
package resource

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Provider identifies an emulated cloud platform.
type Provider string

// Supported providers.
const (
	AWS   Provider = "aws"
	Azure Provider = "azure"
	GCP   Provider = "gcp"
)

// Providers returns every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{AWS, Azure, GCP}
}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	switch p {
	case AWS, Azure, GCP:
		return true
	}
	return false
}

// ParseProvider parses a provider name case-insensitively.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return p, nil
}

// ServiceType is a category of cloud primitive, independent of provider.
type ServiceType string

// Service types.
const (
	ObjectStorage ServiceType = "object-storage"
	KeyValue      ServiceType = "key-value"
	MessageQueue  ServiceType = "message-queue"
	PubSub        ServiceType = "pub-sub"
	Function      ServiceType = "function"
	Secret        ServiceType = "secret"
	KeyManagement ServiceType = "key-management"
	EventBus      ServiceType = "event-bus"
	Workflow      ServiceType = "workflow"
	Identity      ServiceType = "identity"
)

// ServiceTypes returns every service type in a stable order.
func ServiceTypes() []ServiceType {
	return []ServiceType{
		ObjectStorage, KeyValue, MessageQueue, PubSub, Function,
		Secret, KeyManagement, EventBus, Workflow, Identity,
	}
}

// Valid reports whether s is a known service type.
func (s ServiceType) Valid() bool {
	for _, t := range ServiceTypes() {
		if s == t {
			return true
		}
	}
	return false
}

// ParseServiceType parses a service type name.
func ParseServiceType(s string) (ServiceType, error) {
	t := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown service type %q", s)
	}
	return t, nil
}

// State is a lifecycle status.
type State string

// Lifecycle states.
const (
	StateCreating State = "Creating"
	StateActive   State = "Active"
	StateUpdating State = "Updating"
	StateDeleting State = "Deleting"
	StateDeleted  State = "Deleted"
)

// Transitional reports whether the state acts as a lock against
// conflicting operations.
func (s State) Transitional() bool {
	return s == StateCreating || s == StateUpdating || s == StateDeleting
}

// Key is the globally unique identity of a resource.
type Key struct {
	Provider Provider    `json:"provider"`
	Service  ServiceType `json:"serviceType"`
	ID       string      `json:"id"`
}

// NewKey builds a key.
func NewKey(p Provider, s ServiceType, id string) Key {
	return Key{Provider: p, Service: s, ID: id}
}

// String renders the key as provider/service/id.
func (k Key) String() string {
	return string(k.Provider) + "/" + string(k.Service) + "/" + k.ID
}

// Validate checks that every component of the key is set and known.
func (k Key) Validate() error {
	if !k.Provider.Valid() {
		return fmt.Errorf("invalid provider %q", k.Provider)
	}
	if !k.Service.Valid() {
		return fmt.Errorf("invalid service type %q", k.Service)
	}
	if k.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	return nil
}

// BlobInfo describes a stored blob. Path is relative to the blob root.
type BlobInfo struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Resource is the unit of emulated state.
type Resource struct {
	Key

	// Kind distinguishes resources within one service, e.g. bucket and object.
	Kind string `json:"kind,omitempty"`

	// Parent is the id of the owning resource in the same service.
	Parent string `json:"parent,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	State     State             `json:"state"`
	Blob      *BlobInfo         `json:"blob,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`

	// ExpiresAt is the TTL deadline. Zero means the resource never expires.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`

	// Content is a payload to write as the resource's blob. It is never
	// populated on reads; use the storage engine's ReadBlob for that.
	Content []byte `json:"-"`
}

// Clone returns a deep copy of r.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	if r.Blob != nil {
		b := *r.Blob
		c.Blob = &b
	}
	if r.Content != nil {
		c.Content = append([]byte(nil), r.Content...)
	}
	return &c
}

// Meta returns the metadata value for name, or "".
func (r *Resource) Meta(name string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[name]
}

// SetMeta sets a metadata value, allocating the map if needed.
func (r *Resource) SetMeta(name, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[name] = value
}

// Expired reports whether the resource's TTL has passed at now.
func (r *Resource) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
