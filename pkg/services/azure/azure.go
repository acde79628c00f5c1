// Package azure emulates Azure data plane APIs: Blob Storage, Cosmos DB,
// Key Vault secrets, Service Bus queues and Event Grid topics.
//
// Every service is addressed by path under a service prefix (/blob,
// /cosmos, /keyvault, /servicebus, /eventgrid), so Strategy is a chain of
// path route tables. Blob speaks XML; the others speak JSON.
package azure

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// apiVersion is reported in x-ms-version on storage responses.
const apiVersion = "2023-11-03"

// Services holds the dependencies shared by the Azure handlers.
type Services struct {
	log *slog.Logger
}

// Option configures Services.
type Option func(*Services)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Services) {
		if log != nil {
			s.log = log
		}
	}
}

// New creates the Azure services.
func New(opts ...Option) *Services {
	s := &Services{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds every Azure operation to b.
func (s *Services) Register(b *protocol.RegistryBuilder) error {
	return errors.Join(
		s.registerBlob(b),
		s.registerCosmos(b),
		s.registerKeyVault(b),
		s.registerServiceBus(b),
		s.registerEventGrid(b),
	)
}

// Strategy returns the Azure extraction chain.
func Strategy() dispatch.Strategy {
	return dispatch.Strategy{
		Extractor: dispatch.Chain{
			blobRoutes(),
			cosmosRoutes(),
			keyVaultRoutes(),
			serviceBusRoutes(),
			eventGridRoutes(),
		},
	}
}

// routeTable returns a constructor for the routes of one service.
func routeTable(s resource.ServiceType, w protocol.Wire) func(method, pattern, op string, query ...string) dispatch.Route {
	return func(method, pattern, op string, query ...string) dispatch.Route {
		return dispatch.Route{
			Method: method, Pattern: pattern, Query: query,
			Service: s, Operation: op, Wire: w,
		}
	}
}

// etag derives an Azure style etag from a modification time.
func etag(t time.Time) string {
	return fmt.Sprintf("\"0x%X\"", t.UnixNano())
}

// httpTime renders a timestamp in RFC 1123 form, as Azure headers and
// storage listings use.
func httpTime(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// isoTime renders a timestamp the way the JSON services do.
func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// reply encodes v as a JSON response.
func reply(status int, v any) (*protocol.Response, error) {
	if v == nil {
		return protocol.Empty(status), nil
	}
	return protocol.JSON(status, "", v)
}
