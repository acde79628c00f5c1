package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cloudemu/cloudemu/pkg/metrics"
)

// Predefined error names.
const (
	ErrALL              = "States.ALL"
	ErrRuntime          = "States.Runtime"
	ErrTimeout          = "States.Timeout"
	ErrTaskFailed       = "States.TaskFailed"
	ErrNoChoiceMatched  = "States.NoChoiceMatched"
	ErrIntrinsicFailure = "States.IntrinsicFailure"
)

// Failure is a named execution error, as raised by a Fail state or a
// failed Task.
type Failure struct {
	Name  string
	Cause string
}

func (f *Failure) Error() string {
	if f.Cause == "" {
		return f.Name
	}
	return f.Name + ": " + f.Cause
}

// asFailure converts any error to a Failure. Context errors become
// States.Timeout; other errors become States.TaskFailed.
func asFailure(err error) *Failure {
	var f *Failure
	switch {
	case errors.As(err, &f):
		return f
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Name: ErrTimeout, Cause: "execution timed out"}
	}
	return &Failure{Name: ErrTaskFailed, Cause: err.Error()}
}

// TaskFunc runs a Task state's Resource with the effective input and
// returns its result. Returning a *Failure preserves its error name.
type TaskFunc func(ctx context.Context, resource string, input any) (any, error)

// Execution identifies a run and feeds the $$ context object.
type Execution struct {
	ID               string
	Name             string
	StateMachineID   string
	StateMachineName string
	StartTime        time.Time
	Input            any
}

// Interpreter runs state machine definitions.
type Interpreter struct {
	task    TaskFunc
	log     *slog.Logger
	maxWait time.Duration
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(in *Interpreter) {
		if log != nil {
			in.log = log
		}
	}
}

// WithMaxWait caps every Wait state and retry interval. Zero means no cap.
func WithMaxWait(d time.Duration) Option {
	return func(in *Interpreter) { in.maxWait = d }
}

// WithSleep replaces the function used to wait.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(in *Interpreter) {
		if fn != nil {
			in.sleep = fn
		}
	}
}

// WithClock sets the time source for Timestamp waits.
func WithClock(now func() time.Time) Option {
	return func(in *Interpreter) {
		if now != nil {
			in.now = now
		}
	}
}

// New creates an interpreter that runs Task states through task. A nil
// task fails every Task state.
func New(task TaskFunc, opts ...Option) *Interpreter {
	in := &Interpreter{
		task:  task,
		log:   slog.New(slog.DiscardHandler),
		sleep: sleepCtx,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes def against exec.Input and returns the final output. A
// failed execution returns a *Failure.
func (in *Interpreter) Run(ctx context.Context, def *Definition, exec Execution) (any, error) {
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	if exec.StartTime.IsZero() {
		exec.StartTime = in.now()
	}

	out, err := in.runMachine(ctx, def, exec, exec.Input, nil)
	status := "succeeded"
	if err != nil {
		f := asFailure(err)
		status = "failed"
		if f.Name == ErrTimeout {
			status = "timed_out"
		}
		in.log.Debug("execution failed", "execution", exec.ID, "error", f.Name, "cause", f.Cause)
		err = f
	}
	metrics.WorkflowExecuted(status)
	return out, err
}

// runMachine walks a definition from StartAt to a terminal state. item is
// the $$.Map.Item value inside Map iterations.
func (in *Interpreter) runMachine(ctx context.Context, def *Definition, exec Execution, input any, item map[string]any) (any, error) {
	name := def.StartAt
	data := input
	for {
		if err := ctx.Err(); err != nil {
			return nil, asFailure(err)
		}
		s := def.States[name]
		in.log.Debug("entering state", "execution", exec.ID, "state", name, "type", s.Type)

		cc := contextObject(exec, name, in.now(), item)
		out, next, err := in.step(ctx, s, exec, data, cc)
		if err != nil {
			return nil, err
		}
		if next == "" {
			return out, nil
		}
		name, data = next, out
	}
}

// step runs one state and returns its output and the next state name,
// which is empty when the machine ends.
func (in *Interpreter) step(ctx context.Context, s *State, exec Execution, raw any, cc map[string]any) (any, string, error) {
	switch s.Type {
	case TypeSucceed:
		out, err := in.filter(s, raw)
		return out, "", err
	case TypeFail:
		return nil, "", &Failure{Name: s.Error, Cause: s.Cause}
	}

	effective, err := inputPath(s.InputPath, raw)
	if err != nil {
		return nil, "", err
	}

	if s.Type == TypeChoice {
		next, err := choose(s, effective)
		if err != nil {
			return nil, "", err
		}
		out, err := outputPath(s.OutputPath, effective)
		return out, next, err
	}

	if s.Type == TypeWait {
		if err := in.wait(ctx, s, effective); err != nil {
			return nil, "", err
		}
		out, err := outputPath(s.OutputPath, effective)
		return out, s.Next, err
	}

	if s.Type == TypePass {
		params, err := template(s.Parameters, effective, cc)
		if err != nil {
			return nil, "", err
		}
		result := params
		if len(s.Result) > 0 {
			if result, err = Decode(s.Result); err != nil {
				return nil, "", err
			}
		}
		merged, err := resultPath(s.ResultPath, raw, result)
		if err != nil {
			return nil, "", err
		}
		out, err := outputPath(s.OutputPath, merged)
		return out, s.Next, err
	}

	// Task, Parallel and Map share Parameters, retries and catchers.
	params, err := template(s.Parameters, effective, cc)
	if err != nil {
		return nil, "", err
	}
	result, err := in.retry(ctx, s, func(ctx context.Context) (any, error) {
		return in.act(ctx, s, exec, params, cc)
	})
	if err != nil {
		return in.catch(s, raw, asFailure(err))
	}

	if result, err = template(s.ResultSelector, result, cc); err != nil {
		return nil, "", err
	}
	merged, err := resultPath(s.ResultPath, raw, result)
	if err != nil {
		return nil, "", err
	}
	out, err := outputPath(s.OutputPath, merged)
	return out, s.Next, err
}

func (in *Interpreter) filter(s *State, raw any) (any, error) {
	effective, err := inputPath(s.InputPath, raw)
	if err != nil {
		return nil, err
	}
	return outputPath(s.OutputPath, effective)
}

// act performs the work of a Task, Parallel or Map state.
func (in *Interpreter) act(ctx context.Context, s *State, exec Execution, input any, cc map[string]any) (any, error) {
	switch s.Type {
	case TypeTask:
		if in.task == nil {
			return nil, &Failure{Name: ErrTaskFailed, Cause: "no task runner is configured"}
		}
		if s.TimeoutSeconds > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(s.TimeoutSeconds)*time.Second)
			defer cancel()
		}
		out, err := in.task(ctx, s.Resource, input)
		if err != nil && ctx.Err() != nil {
			return nil, &Failure{Name: ErrTimeout, Cause: fmt.Sprintf("task %s timed out", s.Resource)}
		}
		return out, err
	case TypeParallel:
		return in.parallel(ctx, s, exec, input)
	case TypeMap:
		return in.mapItems(ctx, s, exec, input, cc)
	}
	return nil, &Failure{Name: ErrRuntime, Cause: "unsupported state type " + s.Type}
}

func (in *Interpreter) parallel(ctx context.Context, s *State, exec Execution, input any) (any, error) {
	out := make([]any, len(s.Branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, branch := range s.Branches {
		g.Go(func() error {
			r, err := in.runMachine(gctx, branch, exec, input, nil)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (in *Interpreter) mapItems(ctx context.Context, s *State, exec Execution, input any, cc map[string]any) (any, error) {
	itemsPath := s.ItemsPath
	if itemsPath == "" {
		itemsPath = "$"
	}
	v, err := lookup(input, itemsPath)
	if err != nil {
		return nil, err
	}
	items, ok := v.([]any)
	if !ok {
		return nil, &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("ItemsPath %q does not resolve to an array", itemsPath)}
	}

	proc := s.processor()
	out := make([]any, len(items))
	g, gctx := errgroup.WithContext(ctx)
	if s.MaxConcurrency > 0 {
		g.SetLimit(s.MaxConcurrency)
	}
	for i, item := range items {
		g.Go(func() error {
			mapItem := map[string]any{"Index": int64(i), "Value": item}
			itemInput := item
			if len(s.ItemSelector) > 0 {
				ic := withMapItem(cc, mapItem)
				r, err := template(s.ItemSelector, input, ic)
				if err != nil {
					return err
				}
				itemInput = r
			}
			r, err := in.runMachine(gctx, proc, exec, itemInput, mapItem)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (in *Interpreter) wait(ctx context.Context, s *State, input any) error {
	var d time.Duration
	switch {
	case s.Seconds != nil:
		d = seconds(*s.Seconds)
	case s.SecondsPath != "":
		v, err := lookup(input, s.SecondsPath)
		if err != nil {
			return err
		}
		n, ok := number(v)
		if !ok || n < 0 {
			return &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("SecondsPath %q must resolve to a non-negative number", s.SecondsPath)}
		}
		d = seconds(n)
	default:
		ts := s.Timestamp
		if s.TimestampPath != "" {
			v, err := lookup(input, s.TimestampPath)
			if err != nil {
				return err
			}
			str, ok := v.(string)
			if !ok {
				return &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("TimestampPath %q must resolve to a string", s.TimestampPath)}
			}
			ts = str
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return &Failure{Name: ErrRuntime, Cause: fmt.Sprintf("invalid timestamp %q", ts)}
		}
		d = t.Sub(in.now())
	}
	return in.pause(ctx, d)
}

func (in *Interpreter) pause(ctx context.Context, d time.Duration) error {
	if in.maxWait > 0 && d > in.maxWait {
		d = in.maxWait
	}
	if err := in.sleep(ctx, d); err != nil {
		return asFailure(err)
	}
	return nil
}

func seconds(n float64) time.Duration {
	return time.Duration(n * float64(time.Second))
}

// retry runs fn, applying the first retrier that matches each failure.
func (in *Interpreter) retry(ctx context.Context, s *State, fn func(context.Context) (any, error)) (any, error) {
	attempts := make([]int, len(s.Retry))
	for {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		f := asFailure(err)

		idx := slices.IndexFunc(s.Retry, func(r Retrier) bool { return matches(r.ErrorEquals, f.Name) })
		if idx < 0 {
			return nil, f
		}
		r := s.Retry[idx]
		maxAttempts, interval, backoff := 3, 1.0, 2.0
		if r.MaxAttempts != nil {
			maxAttempts = *r.MaxAttempts
		}
		if r.IntervalSeconds != nil {
			interval = *r.IntervalSeconds
		}
		if r.BackoffRate != nil {
			backoff = *r.BackoffRate
		}
		if attempts[idx] >= maxAttempts {
			return nil, f
		}

		delay := seconds(interval * math.Pow(backoff, float64(attempts[idx])))
		attempts[idx]++
		in.log.Debug("retrying state", "error", f.Name, "attempt", attempts[idx], "delay", delay)
		if err := in.pause(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// catch routes f to the first matching catcher, or returns it.
func (in *Interpreter) catch(s *State, raw any, f *Failure) (any, string, error) {
	for _, c := range s.Catch {
		if !matches(c.ErrorEquals, f.Name) {
			continue
		}
		out, err := resultPath(c.ResultPath, raw, map[string]any{"Error": f.Name, "Cause": f.Cause})
		if err != nil {
			return nil, "", err
		}
		return out, c.Next, nil
	}
	return nil, "", f
}

// matches reports whether name is listed in names. States.ALL matches
// everything except States.Runtime.
func matches(names []string, name string) bool {
	for _, n := range names {
		if n == name || (n == ErrALL && name != ErrRuntime) {
			return true
		}
	}
	return false
}

func contextObject(exec Execution, state string, entered time.Time, item map[string]any) map[string]any {
	cc := map[string]any{
		"Execution": map[string]any{
			"Id":        exec.ID,
			"Name":      exec.Name,
			"StartTime": exec.StartTime.UTC().Format(time.RFC3339Nano),
			"Input":     exec.Input,
		},
		"StateMachine": map[string]any{
			"Id":   exec.StateMachineID,
			"Name": exec.StateMachineName,
		},
		"State": map[string]any{
			"Name":        state,
			"EnteredTime": entered.UTC().Format(time.RFC3339Nano),
		},
	}
	if item != nil {
		cc["Map"] = map[string]any{"Item": item}
	}
	return cc
}

func withMapItem(cc, item map[string]any) map[string]any {
	out := make(map[string]any, len(cc)+1)
	for k, v := range cc {
		out[k] = v
	}
	out["Map"] = map[string]any{"Item": item}
	return out
}
