// Package aws emulates Amazon Web Services APIs: S3, DynamoDB, SQS, SNS,
// Secrets Manager, KMS, EventBridge, Step Functions, Lambda and STS.
//
// Register adds the handlers to a registry; Strategy returns the
// extraction chain the dispatcher uses for the AWS listener. JSON
// protocol services are named by X-Amz-Target, query protocol services by
// Action, and Lambda and S3 by path. Lambda routes are tried before S3 so
// that /2015-03-31/functions is never taken for a bucket.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/functions"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
)

// X-Amz-Target prefixes.
const (
	targetDynamoDB      = "DynamoDB_20120810"
	targetSQS           = "AmazonSQS"
	targetSecrets       = "secretsmanager"
	targetKMS           = "TrentService"
	targetEvents        = "AWSEvents"
	targetStepFunctions = "AWSStepFunctions"
)

// Services holds the dependencies shared by the AWS handlers.
type Services struct {
	runtime *functions.Runtime
	log     *slog.Logger
	maxWait time.Duration

	// executions tracks running Step Functions executions so tests and
	// shutdown can wait for them.
	executions *tracker
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

// WithRuntime sets the function runtime used by Lambda and Step Functions.
func WithRuntime(rt *functions.Runtime) Option {
	return func(s *Services) {
		if rt != nil {
			s.runtime = rt
		}
	}
}

// WithMaxWait caps Step Functions Wait states and retry intervals.
func WithMaxWait(d time.Duration) Option {
	return func(s *Services) { s.maxWait = d }
}

// New creates the AWS services.
func New(opts ...Option) *Services {
	s := &Services{
		log:        slog.New(slog.DiscardHandler),
		maxWait:    5 * time.Second,
		executions: newTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runtime == nil {
		s.runtime = functions.New(functions.WithLogger(s.log))
	}
	return s
}

// Register adds every AWS operation to b.
func (s *Services) Register(b *protocol.RegistryBuilder) error {
	return errors.Join(
		s.registerS3(b),
		s.registerDynamoDB(b),
		s.registerSQS(b),
		s.registerSNS(b),
		s.registerSecrets(b),
		s.registerKMS(b),
		s.registerEvents(b),
		s.registerStepFunctions(b),
		s.registerLambda(b),
		s.registerSTS(b),
	)
}

// Wait blocks until background executions finish or ctx is done.
func (s *Services) Wait(ctx context.Context) error {
	return s.executions.wait(ctx)
}

// Close cancels background executions and waits for them to stop.
func (s *Services) Close(ctx context.Context) error {
	return s.executions.close(ctx)
}

// Strategy returns the AWS extraction chain.
func Strategy() dispatch.Strategy {
	return dispatch.Strategy{
		Extractor: dispatch.Chain{
			dispatch.HeaderBasedExtraction{Targets: map[string]dispatch.Target{
				targetDynamoDB:      {Service: resource.KeyValue},
				targetSQS:           {Service: resource.MessageQueue},
				targetSecrets:       {Service: resource.Secret},
				targetKMS:           {Service: resource.KeyManagement},
				targetEvents:        {Service: resource.EventBus},
				targetStepFunctions: {Service: resource.Workflow},
			}},
			dispatch.QueryActionExtraction{
				Scopes: map[string]resource.ServiceType{
					"sns": resource.PubSub,
					"sts": resource.Identity,
				},
				Actions: queryActions(),
			},
			lambdaRoutes(),
			s3Routes(),
		},
	}
}

func queryActions() map[string]resource.ServiceType {
	actions := map[string]resource.ServiceType{"GetCallerIdentity": resource.Identity}
	for _, a := range snsActions {
		actions[a] = resource.PubSub
	}
	return actions
}

// arn builds an ARN in the request's region and account.
func arn(rc *protocol.RequestContext, service, res string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, rc.Region, rc.Account, res)
}

// arnName returns the last ":" or "/" separated part of an ARN, or s
// itself when it is a bare name.
func arnName(s string) string {
	if !strings.HasPrefix(s, "arn:") {
		return s
	}
	if i := strings.LastIndexAny(s, ":/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// reply encodes v in the JSON protocol version the request used.
func reply(rc *protocol.RequestContext, v any) (*protocol.Response, error) {
	ct := rc.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/x-amz-json") {
		ct = "application/x-amz-json-1.1"
	}
	if v == nil {
		v = struct{}{}
	}
	return protocol.JSON(200, ct, v)
}

// epoch renders a timestamp the way the JSON protocols do.
func epoch(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000
}

// handler wraps a typed JSON operation. The request body is decoded into
// a new In before fn runs.
func handler[In any](fn func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *In) (any, error)) protocol.HandlerFunc {
	return func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
		in := new(In)
		if err := rc.DecodeJSON(in); err != nil {
			return nil, err
		}
		out, err := fn(ctx, rc, m, in)
		if err != nil {
			return nil, err
		}
		return reply(rc, out)
	}
}
