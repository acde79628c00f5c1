package aws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
	"github.com/cloudemu/cloudemu/pkg/workflow"
)

// Execution statuses.
const (
	execRunning   = "RUNNING"
	execSucceeded = "SUCCEEDED"
	execFailed    = "FAILED"
	execTimedOut  = "TIMED_OUT"
	execAborted   = "ABORTED"
)

// lambdaIntegration is the optimized integration resource for Lambda.
const lambdaIntegration = "arn:aws:states:::lambda:invoke"

var (
	stateMachineCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "StateMachineDoesNotExist", Status: http.StatusBadRequest, Message: "State Machine Does Not Exist"},
		AlreadyExists: apierror.Code{Name: "StateMachineAlreadyExists", Status: http.StatusBadRequest, Message: "State Machine Already Exists"},
	}
	executionCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "ExecutionDoesNotExist", Status: http.StatusBadRequest, Message: "Execution Does Not Exist"},
		AlreadyExists: apierror.Code{Name: "ExecutionAlreadyExists", Status: http.StatusBadRequest, Message: "Execution Already Exists"},
	}
)

func (s *Services) registerStepFunctions(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.Workflow, protocol.WireJSON, services.Ops{
		"CreateStateMachine":   handler(sfnCreateStateMachine),
		"DescribeStateMachine": handler(sfnDescribeStateMachine),
		"UpdateStateMachine":   handler(sfnUpdateStateMachine),
		"ListStateMachines":    handler(sfnListStateMachines),
		"DeleteStateMachine":   handler(s.sfnDeleteStateMachine),
		"StartExecution":       handler(s.sfnStartExecution),
		"DescribeExecution":    handler(sfnDescribeExecution),
		"ListExecutions":       handler(sfnListExecutions),
		"StopExecution":        handler(s.sfnStopExecution),
	})
}

func stateMachineKey(name string) resource.Key {
	return resource.NewKey(resource.AWS, resource.Workflow, name)
}

func executionKey(machine, name string) resource.Key {
	return stateMachineKey(machine + "/" + name)
}

// validName accepts state machine and execution names.
func validName(name string) error {
	if name == "" || len(name) > 80 || strings.ContainsAny(name, " \t\n<>{}[]?*\"#%\\^|~`$&,;:/") {
		return apierror.New("InvalidName", http.StatusBadRequest, "Invalid Name: '%s'", name)
	}
	return nil
}

// executionRef splits an execution ARN into state machine and execution
// names.
func executionRef(ref string) (machine, name string, err error) {
	parts := strings.Split(ref, ":")
	if len(parts) != 8 || parts[5] != "execution" {
		return "", "", apierror.New("InvalidArn", http.StatusBadRequest, "Invalid Arn: '%s'", ref)
	}
	return parts[6], parts[7], nil
}

func loadStateMachine(ctx context.Context, m *lifecycle.Manager, ref string) (*resource.Resource, error) {
	if err := services.Required("stateMachineArn", ref); err != nil {
		return nil, err
	}
	sm, err := m.Get(ctx, stateMachineKey(arnName(ref)))
	return sm, stateMachineCodes.Translate(err, ref)
}

func parseDefinition(src string) (*workflow.Definition, error) {
	def, err := workflow.Parse([]byte(src))
	if err != nil {
		return nil, apierror.New("InvalidDefinition", http.StatusBadRequest, "Invalid State Machine Definition: '%s'", err)
	}
	return def, nil
}

type createStateMachineInput struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	RoleArn    string `json:"roleArn"`
	Type       string `json:"type"`
}

func sfnCreateStateMachine(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *createStateMachineInput) (any, error) {
	if err := validName(in.Name); err != nil {
		return nil, err
	}
	if _, err := parseDefinition(in.Definition); err != nil {
		return nil, err
	}
	switch in.Type {
	case "":
		in.Type = "STANDARD"
	case "STANDARD", "EXPRESS":
	default:
		return nil, apierror.Validation("type must be STANDARD or EXPRESS.")
	}

	smArn := arn(rc, "states", "stateMachine:"+in.Name)
	sm, err := m.Create(ctx, &resource.Resource{
		Key:  stateMachineKey(in.Name),
		Kind: "stateMachine",
		Metadata: map[string]string{
			"arn":     smArn,
			"roleArn": in.RoleArn,
			"type":    in.Type,
		},
		Content: []byte(in.Definition),
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// Creating the same machine again is idempotent.
		existing, def, rerr := m.ReadBlob(ctx, stateMachineKey(in.Name))
		if rerr == nil && string(def) == in.Definition && existing.Meta("roleArn") == in.RoleArn {
			sm, err = existing, nil
		}
	}
	if err != nil {
		return nil, stateMachineCodes.Translate(err, smArn)
	}
	return map[string]any{"stateMachineArn": smArn, "creationDate": epoch(sm.CreatedAt)}, nil
}

type stateMachineInput struct {
	StateMachineArn string `json:"stateMachineArn"`
	Definition      string `json:"definition"`
	RoleArn         string `json:"roleArn"`
}

func sfnDescribeStateMachine(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *stateMachineInput) (any, error) {
	sm, err := loadStateMachine(ctx, m, in.StateMachineArn)
	if err != nil {
		return nil, err
	}
	_, def, err := m.ReadBlob(ctx, sm.Key)
	if err != nil {
		return nil, stateMachineCodes.Translate(err, in.StateMachineArn)
	}
	return map[string]any{
		"stateMachineArn": sm.Meta("arn"),
		"name":            sm.ID,
		"status":          "ACTIVE",
		"definition":      string(def),
		"roleArn":         sm.Meta("roleArn"),
		"type":            sm.Meta("type"),
		"creationDate":    epoch(sm.CreatedAt),
	}, nil
}

func sfnUpdateStateMachine(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *stateMachineInput) (any, error) {
	if in.Definition == "" && in.RoleArn == "" {
		return nil, apierror.New("MissingRequiredParameter", http.StatusBadRequest, "Either the definition or the roleArn must be specified.")
	}
	if in.Definition != "" {
		if _, err := parseDefinition(in.Definition); err != nil {
			return nil, err
		}
	}
	sm, err := loadStateMachine(ctx, m, in.StateMachineArn)
	if err != nil {
		return nil, err
	}
	_, err = m.Mutate(ctx, sm.Key, func(r *resource.Resource) error {
		if in.Definition != "" {
			r.Content = []byte(in.Definition)
		}
		if in.RoleArn != "" {
			r.SetMeta("roleArn", in.RoleArn)
		}
		return nil
	})
	if err != nil {
		return nil, stateMachineCodes.Translate(err, in.StateMachineArn)
	}
	return map[string]any{"updateDate": epoch(time.Now())}, nil
}

type pageInput struct {
	MaxResults int    `json:"maxResults"`
	NextToken  string `json:"nextToken"`
}

func (in pageInput) size() int {
	if in.MaxResults <= 0 || in.MaxResults > 1000 {
		return 100
	}
	return in.MaxResults
}

func sfnListStateMachines(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *pageInput) (any, error) {
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.AWS, Service: resource.Workflow, Kind: "stateMachine",
		Cursor: in.NextToken, PageSize: in.size(),
	})
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(page.Items))
	for _, sm := range page.Items {
		list = append(list, map[string]any{
			"stateMachineArn": sm.Meta("arn"),
			"name":            sm.ID,
			"type":            sm.Meta("type"),
			"creationDate":    epoch(sm.CreatedAt),
		})
	}
	out := map[string]any{"stateMachines": list}
	if page.NextCursor != "" {
		out["nextToken"] = page.NextCursor
	}
	return out, nil
}

// sfnDeleteStateMachine stops running executions and removes the machine
// with its execution history.
func (s *Services) sfnDeleteStateMachine(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *stateMachineInput) (any, error) {
	sm, err := loadStateMachine(ctx, m, in.StateMachineArn)
	if err != nil {
		return nil, err
	}
	_, err = m.Delete(ctx, sm.Key, func(*resource.Resource) error {
		execs, err := services.Collect(ctx, m, storage.Filter{
			Provider: resource.AWS, Service: resource.Workflow, Parent: sm.ID,
		})
		if err != nil {
			return err
		}
		for _, e := range execs {
			s.executions.stop(e.Key.String())
		}
		_, err = m.DeleteChildren(ctx, resource.AWS, resource.Workflow, sm.ID)
		return err
	})
	if err != nil {
		return nil, stateMachineCodes.Translate(err, in.StateMachineArn)
	}
	return nil, nil
}

type startExecutionInput struct {
	StateMachineArn string `json:"stateMachineArn"`
	Name            string `json:"name"`
	Input           string `json:"input"`
}

func (s *Services) sfnStartExecution(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *startExecutionInput) (any, error) {
	sm, def, err := m.ReadBlob(ctx, stateMachineKey(arnName(in.StateMachineArn)))
	if err != nil {
		return nil, stateMachineCodes.Translate(err, in.StateMachineArn)
	}
	definition, err := parseDefinition(string(def))
	if err != nil {
		return nil, err
	}
	if in.Name == "" {
		in.Name = id.UUID()
	}
	if err := validName(in.Name); err != nil {
		return nil, err
	}
	if in.Input == "" {
		in.Input = "{}"
	}
	input, err := workflow.Decode([]byte(in.Input))
	if err != nil {
		return nil, apierror.New("InvalidExecutionInput", http.StatusBadRequest, "Invalid State Machine Execution Input: '%s'", err)
	}

	execArn := arn(rc, "states", "execution:"+sm.ID+":"+in.Name)
	var exec *resource.Resource
	err = m.WithParent(ctx, sm.Key, func(*resource.Resource) error {
		var err error
		exec, err = m.Create(ctx, &resource.Resource{
			Key:    executionKey(sm.ID, in.Name),
			Kind:   "execution",
			Parent: sm.ID,
			Metadata: map[string]string{
				"arn":             execArn,
				"stateMachineArn": sm.Meta("arn"),
				"name":            in.Name,
				"status":          execRunning,
				"input":           in.Input,
			},
		})
		return err
	})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// A running execution started again with the same input is
		// returned as is.
		existing, gerr := m.Get(ctx, executionKey(sm.ID, in.Name))
		if gerr == nil && existing.Meta("status") == execRunning && existing.Meta("input") == in.Input {
			return map[string]any{"executionArn": execArn, "startDate": epoch(existing.CreatedAt)}, nil
		}
	}
	if err != nil {
		return nil, executionCodes.Translate(err, execArn)
	}

	run := workflow.Execution{
		ID:               execArn,
		Name:             in.Name,
		StateMachineID:   sm.Meta("arn"),
		StateMachineName: sm.ID,
		StartTime:        exec.CreatedAt,
		Input:            input,
	}
	s.executions.start(exec.Key.String(), func(ctx context.Context) {
		s.runExecution(ctx, m, exec.Key, definition, run)
	})
	return map[string]any{"executionArn": execArn, "startDate": epoch(exec.CreatedAt)}, nil
}

// runExecution interprets the machine and records the outcome. An
// execution that was stopped meanwhile keeps its ABORTED status.
func (s *Services) runExecution(ctx context.Context, m *lifecycle.Manager, key resource.Key, def *workflow.Definition, run workflow.Execution) {
	interp := workflow.New(s.task(m),
		workflow.WithLogger(s.log),
		workflow.WithMaxWait(s.maxWait),
	)
	out, err := interp.Run(ctx, def, run)

	status := execSucceeded
	var f *workflow.Failure
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.Canceled):
		status = execAborted
	case errors.As(err, &f) && f.Name == workflow.ErrTimeout:
		status = execTimedOut
	default:
		status = execFailed
	}

	_, uerr := m.Mutate(context.WithoutCancel(ctx), key, func(r *resource.Resource) error {
		if r.Meta("status") != execRunning {
			return nil
		}
		r.SetMeta("status", status)
		r.SetMeta("stopDate", strconv.FormatInt(time.Now().UnixMilli(), 10))
		switch {
		case err == nil:
			r.SetMeta("output", string(workflow.Encode(out)))
		case f != nil:
			r.SetMeta("error", f.Name)
			r.SetMeta("cause", f.Cause)
		default:
			r.SetMeta("error", workflow.ErrTaskFailed)
			r.SetMeta("cause", err.Error())
		}
		return nil
	})
	if uerr != nil && !errors.Is(uerr, storage.ErrNotFound) {
		s.log.Warn("recording execution result", "execution", run.ID, "error", uerr)
	}
	s.log.Debug("execution finished", "execution", run.ID, "status", status)
}

// task runs Task states. Lambda function ARNs and the lambda:invoke
// integration are supported.
func (s *Services) task(m *lifecycle.Manager) workflow.TaskFunc {
	return func(ctx context.Context, res string, input any) (any, error) {
		switch {
		case strings.HasPrefix(res, "arn:aws:lambda:"):
			return s.callFunction(ctx, m, res, input)
		case strings.HasPrefix(res, lambdaIntegration):
			params, _ := input.(map[string]any)
			name, _ := params["FunctionName"].(string)
			if name == "" {
				return nil, &workflow.Failure{Name: workflow.ErrRuntime, Cause: "lambda:invoke requires FunctionName"}
			}
			payload, ok := params["Payload"]
			if !ok {
				payload = map[string]any{}
			}
			out, err := s.callFunction(ctx, m, name, payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{"ExecutedVersion": "$LATEST", "Payload": out, "StatusCode": int64(200)}, nil
		}
		return nil, &workflow.Failure{Name: workflow.ErrTaskFailed, Cause: "unsupported task resource " + res}
	}
}

func (s *Services) callFunction(ctx context.Context, m *lifecycle.Manager, ref string, input any) (any, error) {
	res, err := s.invoke(ctx, m, ref, workflow.Encode(input))
	if err != nil {
		var ae *apierror.Error
		if errors.As(err, &ae) {
			return nil, &workflow.Failure{Name: "Lambda." + ae.Code, Cause: ae.Message}
		}
		return nil, err
	}
	if res.FunctionError != "" {
		var ep struct {
			ErrorType    string `json:"errorType"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(res.Payload, &ep)
		if ep.ErrorType == "" {
			ep.ErrorType = "Lambda.Unknown"
		}
		return nil, &workflow.Failure{Name: ep.ErrorType, Cause: ep.ErrorMessage}
	}
	return workflow.Decode(res.Payload)
}

type executionInput struct {
	ExecutionArn string `json:"executionArn"`
	Error        string `json:"error"`
	Cause        string `json:"cause"`
}

func loadExecution(ctx context.Context, m *lifecycle.Manager, ref string) (*resource.Resource, error) {
	machine, name, err := executionRef(ref)
	if err != nil {
		return nil, err
	}
	e, err := m.Get(ctx, executionKey(machine, name))
	return e, executionCodes.Translate(err, ref)
}

func executionSummary(e *resource.Resource) map[string]any {
	out := map[string]any{
		"executionArn":    e.Meta("arn"),
		"stateMachineArn": e.Meta("stateMachineArn"),
		"name":            e.Meta("name"),
		"status":          e.Meta("status"),
		"startDate":       epoch(e.CreatedAt),
	}
	if ms, err := strconv.ParseInt(e.Meta("stopDate"), 10, 64); err == nil {
		out["stopDate"] = float64(ms) / 1000
	}
	return out
}

func sfnDescribeExecution(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *executionInput) (any, error) {
	e, err := loadExecution(ctx, m, in.ExecutionArn)
	if err != nil {
		return nil, err
	}
	out := executionSummary(e)
	out["input"] = e.Meta("input")
	for _, name := range []string{"output", "error", "cause"} {
		if v := e.Meta(name); v != "" {
			out[name] = v
		}
	}
	return out, nil
}

type listExecutionsInput struct {
	StateMachineArn string `json:"stateMachineArn"`
	StatusFilter    string `json:"statusFilter"`
	pageInput
}

func sfnListExecutions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listExecutionsInput) (any, error) {
	sm, err := loadStateMachine(ctx, m, in.StateMachineArn)
	if err != nil {
		return nil, err
	}
	f := storage.Filter{
		Provider: resource.AWS, Service: resource.Workflow, Parent: sm.ID,
		Cursor: in.NextToken, PageSize: in.size(),
	}
	if in.StatusFilter != "" {
		f.Metadata = map[string]string{"status": in.StatusFilter}
	}
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(page.Items))
	for _, e := range page.Items {
		list = append(list, executionSummary(e))
	}
	out := map[string]any{"executions": list}
	if page.NextCursor != "" {
		out["nextToken"] = page.NextCursor
	}
	return out, nil
}

func (s *Services) sfnStopExecution(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *executionInput) (any, error) {
	e, err := loadExecution(ctx, m, in.ExecutionArn)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	_, err = m.Mutate(ctx, e.Key, func(r *resource.Resource) error {
		if r.Meta("status") != execRunning {
			return apierror.New("ExecutionNotRunning", http.StatusBadRequest, "Execution is not running: '%s'", in.ExecutionArn)
		}
		r.SetMeta("status", execAborted)
		r.SetMeta("stopDate", strconv.FormatInt(now.UnixMilli(), 10))
		if in.Error != "" {
			r.SetMeta("error", in.Error)
		}
		if in.Cause != "" {
			r.SetMeta("cause", in.Cause)
		}
		return nil
	})
	if err != nil {
		return nil, executionCodes.Translate(err, in.ExecutionArn)
	}
	s.executions.stop(e.Key.String())
	return map[string]any{"stopDate": epoch(now)}, nil
}
