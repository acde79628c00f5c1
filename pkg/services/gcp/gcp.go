// Package gcp emulates Google Cloud data plane APIs: Cloud Storage,
// Firestore, Pub/Sub and Secret Manager, all over their JSON REST
// surfaces.
//
// Operations are named by verb, path prefix, the number of trailing
// segments and the ":verb" suffix Google uses for custom methods, so
// Strategy is a chain of dispatch.VerbPlusPathExtraction tables.
package gcp

import (
	"encoding/base64"
	"errors"
	"hash/crc32"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// DefaultProject is used when a request does not name a project.
const DefaultProject = "cloudemu-local"

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Services holds the dependencies shared by the GCP handlers.
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

// New creates the GCP services.
func New(opts ...Option) *Services {
	s := &Services{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds every GCP operation to b.
func (s *Services) Register(b *protocol.RegistryBuilder) error {
	return errors.Join(
		s.registerStorage(b),
		s.registerFirestore(b),
		s.registerPubSub(b),
		s.registerSecretManager(b),
	)
}

// Strategy returns the GCP extraction chain. Object downloads by
// /{bucket}/{object} match anything, so they are tried last.
func Strategy() dispatch.Strategy {
	return dispatch.Strategy{
		Extractor: dispatch.Chain{
			storageRules(),
			firestoreRules(),
			pubSubRules(),
			secretRules(),
			downloadRules(),
		},
	}
}

// ruleTable returns a constructor for the rules of one service.
func ruleTable(s resource.ServiceType) func(method, prefix, verb, op string, args ...string) dispatch.VerbRule {
	return func(method, prefix, verb, op string, args ...string) dispatch.VerbRule {
		return dispatch.VerbRule{
			Method: method, Prefix: prefix, Args: args, Verb: verb,
			Service: s, Operation: op, Wire: protocol.WireRESTJSON,
		}
	}
}

// project returns the project named in the path, or the scope default.
func project(rc *protocol.RequestContext) string {
	if p := rc.Param("project"); p != "" {
		return p
	}
	if rc.Account != "" {
		return rc.Account
	}
	return DefaultProject
}

// timestamp renders t the way Google JSON APIs do.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// crc32c returns the base64 big-endian CRC32C of b, as Cloud Storage
// reports it.
func crc32c(b []byte) string {
	sum := crc32.Checksum(b, castagnoli)
	return base64.StdEncoding.EncodeToString([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})
}

// reply encodes v as a JSON response.
func reply(status int, v any) (*protocol.Response, error) {
	return protocol.JSON(status, "application/json; charset=UTF-8", v)
}

// pageSize reads a pageSize style parameter, applying the default and the
// upper bound.
func pageSize(name, value string) (int, error) {
	if value == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, apierror.Validation("Invalid %s: %s", name, value)
	}
	if n == 0 {
		return defaultPageSize, nil
	}
	return min(n, maxPageSize), nil
}

// pageToken validates a page token, which is a storage cursor.
func pageToken(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if _, err := storage.DecodeCursor(value); err != nil {
		return "", apierror.Validation("Invalid page token.")
	}
	return value, nil
}

// notFound returns a NOT_FOUND error naming a resource the way Google APIs
// do.
func notFound(kind, name string) *apierror.Error {
	return apierror.New("notFound", http.StatusNotFound, "%s not found: %s", kind, name)
}
