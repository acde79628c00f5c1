// Package functions runs JavaScript function handlers in an embedded
// goja runtime.
//
// Handlers are written in the Node.js style:
//
//	exports.handler = function (event, context) {
//	    return { statusCode: 200, body: event.name };
//	};
//
// A handler may return a Promise. Each invocation gets a fresh runtime,
// so no state survives between calls. There is no event loop: promises
// settle only through chained microtasks, and timers are not provided.
package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/cloudemu/cloudemu/pkg/metrics"
)

// Defaults.
const (
	DefaultTimeout = 3 * time.Second
	MaxSourceSize  = 1 << 20
)

// Error types reported in Result.FunctionError.
const (
	ErrorUnhandled = "Unhandled"
)

// ErrorSyntax is the errorType of a handler whose source does not compile.
const ErrorSyntax = "Runtime.UserCodeSyntaxError"

// ErrSourceTooLarge is returned for handler source over MaxSourceSize.
var ErrSourceTooLarge = errors.New("functions: source exceeds maximum size")

// Runtime invokes handlers.
type Runtime struct {
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTimeout sets the default invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the logger that receives handler console output.
func WithLogger(log *slog.Logger) Option {
	return func(r *Runtime) {
		if log != nil {
			r.log = log
		}
	}
}

// New returns a Runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{timeout: DefaultTimeout, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invocation describes one call.
type Invocation struct {
	FunctionName string
	RequestID    string

	// Source is the handler module. Handler is "file.export"; only the
	// export name is used.
	Source  string
	Handler string

	// Event is the JSON payload. Empty means null.
	Event []byte

	Env map[string]string

	// Timeout overrides the runtime default when positive.
	Timeout time.Duration
}

// Result is the outcome of an invocation. A handler that throws still
// yields a Result; FunctionError is set and Payload describes the error.
type Result struct {
	Payload       []byte
	FunctionError string
	Logs          []string
	Duration      time.Duration
}

type errorPayload struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// Invoke runs inv. The returned error reports problems with the
// invocation itself (bad source size); handler failures are in Result.
func (r *Runtime) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Source) > MaxSourceSize {
		return nil, ErrSourceTooLarge
	}
	timeout := r.timeout
	if inv.Timeout > 0 {
		timeout = inv.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	logs := &logBuffer{}
	payload, err := r.run(ctx, vm, inv, logs, start.Add(timeout))
	res := &Result{Payload: payload, Logs: logs.lines(), Duration: time.Since(start)}

	status := "success"
	if err != nil {
		res.FunctionError = ErrorUnhandled
		ep := errorPayload{ErrorType: "Error", ErrorMessage: err.Error()}
		var (
			ex *goja.Exception
			ie *goja.InterruptedError
			he *handlerError
		)
		switch {
		case errors.As(err, &ie):
			status = "timeout"
			ep = errorPayload{ErrorType: "TimeoutError", ErrorMessage: fmt.Sprintf("Task timed out after %.2f seconds", timeout.Seconds())}
		case errors.As(err, &ex):
			status = "error"
			ep = errorFromValue(ex.Value())
		case errors.As(err, &he):
			status = "error"
			ep = he.payload
		default:
			status = "error"
		}
		res.Payload, _ = json.Marshal(ep)
	}
	metrics.FunctionInvoked(status)

	for _, line := range res.Logs {
		r.log.Debug("function output", "function", inv.FunctionName, "request_id", inv.RequestID, "line", line)
	}
	return res, nil
}

func (r *Runtime) run(ctx context.Context, vm *goja.Runtime, inv Invocation, logs *logBuffer, deadline time.Time) ([]byte, error) {
	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		level := strings.ToUpper(name)
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			logs.add(level + "\t" + strings.Join(parts, " "))
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)

	env := make(map[string]any, len(inv.Env))
	for k, v := range inv.Env {
		env[k] = v
	}
	process := vm.NewObject()
	_ = process.Set("env", env)
	_ = vm.Set("process", process)

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	prog, err := goja.Compile(inv.FunctionName+".js", inv.Source, false)
	if err != nil {
		return nil, &handlerError{payload: errorPayload{ErrorType: ErrorSyntax, ErrorMessage: err.Error()}}
	}
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, err
	}

	fn, err := lookupHandler(vm, module, inv.Handler)
	if err != nil {
		return nil, err
	}

	event := goja.Null()
	if len(inv.Event) > 0 {
		if event, err = jsonParse(vm, inv.Event); err != nil {
			return nil, err
		}
	}

	lambdaCtx := vm.NewObject()
	_ = lambdaCtx.Set("functionName", inv.FunctionName)
	_ = lambdaCtx.Set("awsRequestId", inv.RequestID)
	_ = lambdaCtx.Set("getRemainingTimeInMillis", func() int64 {
		return max(time.Until(deadline).Milliseconds(), 0)
	})

	result, err := fn(goja.Undefined(), event, lambdaCtx)
	if err != nil {
		return nil, err
	}
	if p, ok := result.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			result = p.Result()
		case goja.PromiseStateRejected:
			return nil, rejection(p.Result())
		default:
			if ctx.Err() != nil {
				return nil, &goja.InterruptedError{}
			}
			return nil, errors.New("handler returned a promise that never settled")
		}
	}
	if result == nil || goja.IsUndefined(result) {
		return []byte("null"), nil
	}
	return jsonStringify(vm, result)
}

// lookupHandler finds the export named by handler ("index.handler").
func lookupHandler(vm *goja.Runtime, module *goja.Object, handler string) (goja.Callable, error) {
	name := handler
	if i := strings.LastIndex(handler, "."); i >= 0 {
		name = handler[i+1:]
	}
	if name == "" {
		name = "handler"
	}
	candidates := []goja.Value{vm.Get(name)}
	if exp := module.Get("exports"); exp != nil && !goja.IsUndefined(exp) && !goja.IsNull(exp) {
		obj := exp.ToObject(vm)
		candidates = append([]goja.Value{obj.Get(name)}, candidates...)
		if name == "handler" {
			candidates = append(candidates, exp)
		}
	}
	for _, c := range candidates {
		if fn, ok := goja.AssertFunction(c); ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("handler %q is not an exported function", handler)
}

func jsonParse(vm *goja.Runtime, data []byte) (goja.Value, error) {
	parse, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	return parse(goja.Undefined(), vm.ToValue(string(data)))
}

func jsonStringify(vm *goja.Runtime, v goja.Value) ([]byte, error) {
	stringify, _ := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(out) {
		return []byte("null"), nil
	}
	return []byte(out.String()), nil
}

// rejection converts a rejected promise value into an error.
func rejection(v goja.Value) error {
	return &handlerError{payload: errorFromValue(v)}
}

type handlerError struct{ payload errorPayload }

func (e *handlerError) Error() string { return e.payload.ErrorMessage }

func errorFromValue(v goja.Value) errorPayload {
	ep := errorPayload{ErrorType: "Error"}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		ep.ErrorMessage = "handler failed"
		return ep
	}
	if obj, ok := v.(*goja.Object); ok {
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
			ep.ErrorType = name.String()
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			ep.ErrorMessage = msg.String()
			return ep
		}
	}
	ep.ErrorMessage = v.String()
	return ep
}

type logBuffer struct {
	mu  sync.Mutex
	buf []string
}

func (b *logBuffer) add(line string) {
	b.mu.Lock()
	b.buf = append(b.buf, line)
	b.mu.Unlock()
}

func (b *logBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.buf...)
}
