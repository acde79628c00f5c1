package aws

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/functions"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const (
	lambdaPrefix     = "/2015-03-31/functions"
	lambdaMaxTimeout = 900
	lambdaMaxSource  = 50 << 20
)

var functionCodes = apierror.Codes{
	NotFound:      apierror.Code{Name: "ResourceNotFoundException", Status: http.StatusNotFound, Message: "Function not found"},
	AlreadyExists: apierror.Code{Name: "ResourceConflictException", Status: http.StatusConflict, Message: "Function already exist"},
}

func lambdaRoutes() *dispatch.PathBasedExtraction {
	route := func(method, pattern, op string) dispatch.Route {
		return dispatch.Route{
			Method: method, Pattern: pattern,
			Service: resource.Function, Operation: op, Wire: protocol.WireRESTJSON,
		}
	}
	return dispatch.NewPathBasedExtraction(
		route(http.MethodPost, lambdaPrefix, "CreateFunction"),
		route(http.MethodGet, lambdaPrefix, "ListFunctions"),
		route(http.MethodGet, lambdaPrefix+"/{name}", "GetFunction"),
		route(http.MethodDelete, lambdaPrefix+"/{name}", "DeleteFunction"),
		route(http.MethodGet, lambdaPrefix+"/{name}/configuration", "GetFunctionConfiguration"),
		route(http.MethodPut, lambdaPrefix+"/{name}/configuration", "UpdateFunctionConfiguration"),
		route(http.MethodPut, lambdaPrefix+"/{name}/code", "UpdateFunctionCode"),
		route(http.MethodPost, lambdaPrefix+"/{name}/invocations", "Invoke"),
	)
}

func (s *Services) registerLambda(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.Function, protocol.WireRESTJSON, services.Ops{
		"CreateFunction":              lambdaCreateFunction,
		"ListFunctions":               lambdaListFunctions,
		"GetFunction":                 lambdaGetFunction,
		"GetFunctionConfiguration":    lambdaGetFunctionConfiguration,
		"UpdateFunctionConfiguration": lambdaUpdateFunctionConfiguration,
		"UpdateFunctionCode":          lambdaUpdateFunctionCode,
		"DeleteFunction":              lambdaDeleteFunction,
		"Invoke":                      s.lambdaInvoke,
	})
}

func functionKey(name string) resource.Key {
	return resource.NewKey(resource.AWS, resource.Function, name)
}

type functionCode struct {
	ZipFile []byte
}

type functionConfig struct {
	FunctionName string
	Runtime      string
	Role         string
	Handler      string
	Description  string
	Timeout      int
	MemorySize   int
	Environment  *struct{ Variables map[string]string }
	Code         *functionCode
}

func (c *functionConfig) validate() error {
	if c.Runtime != "" && !strings.HasPrefix(c.Runtime, "nodejs") {
		return apierror.New("InvalidParameterValueException", http.StatusBadRequest, "The runtime parameter of %s is not supported. Only nodejs runtimes can be emulated.", c.Runtime)
	}
	if c.Timeout < 0 || c.Timeout > lambdaMaxTimeout {
		return apierror.New("InvalidParameterValueException", http.StatusBadRequest, "Timeout must be between 1 and %d seconds.", lambdaMaxTimeout)
	}
	return nil
}

// apply copies the set fields of c onto a function's metadata.
func (c *functionConfig) apply(r *resource.Resource) error {
	set := func(name, v string) {
		if v != "" {
			r.SetMeta(name, v)
		}
	}
	set("runtime", c.Runtime)
	set("role", c.Role)
	set("handler", c.Handler)
	set("description", c.Description)
	if c.Timeout > 0 {
		r.SetMeta("timeout", strconv.Itoa(c.Timeout))
	}
	if c.MemorySize > 0 {
		r.SetMeta("memorySize", strconv.Itoa(c.MemorySize))
	}
	if c.Environment != nil {
		env, err := json.Marshal(c.Environment.Variables)
		if err != nil {
			return err
		}
		r.SetMeta("env", string(env))
	}
	r.SetMeta("lastModified", time.Now().UTC().Format("2006-01-02T15:04:05.000-0700"))
	return nil
}

// setCode stores the handler module from a deployment package. A package
// that is not a zip archive is taken as the module source itself.
func setCode(r *resource.Resource, pkg []byte) error {
	if len(pkg) == 0 {
		return apierror.New("InvalidParameterValueException", http.StatusBadRequest, "Code.ZipFile is required.")
	}
	src, err := handlerSource(pkg, r.Meta("handler"))
	if err != nil {
		return err
	}
	sum := sha256.Sum256(pkg)
	r.SetMeta("codeSha256", base64.StdEncoding.EncodeToString(sum[:]))
	r.SetMeta("codeSize", strconv.Itoa(len(pkg)))
	r.SetMeta("revision", id.UUID())
	r.Content = src
	return nil
}

func handlerSource(pkg []byte, handler string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(pkg), int64(len(pkg)))
	if err != nil {
		return pkg, nil
	}
	module := handler
	if i := strings.LastIndexByte(handler, '.'); i >= 0 {
		module = handler[:i]
	}
	for _, ext := range []string{".js", ".mjs", ".cjs"} {
		for _, f := range zr.File {
			if path.Clean(f.Name) != module+ext {
				continue
			}
			rd, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rd.Close()
			return io.ReadAll(io.LimitReader(rd, lambdaMaxSource))
		}
	}
	return nil, apierror.New("InvalidParameterValueException", http.StatusBadRequest, "The deployment package does not contain the handler module %s.", module)
}

func functionConfiguration(f *resource.Resource) map[string]any {
	out := map[string]any{
		"FunctionName": f.ID,
		"FunctionArn":  f.Meta("arn"),
		"Runtime":      f.Meta("runtime"),
		"Role":         f.Meta("role"),
		"Handler":      f.Meta("handler"),
		"Description":  f.Meta("description"),
		"CodeSha256":   f.Meta("codeSha256"),
		"LastModified": f.Meta("lastModified"),
		"RevisionId":   f.Meta("revision"),
		"Version":      "$LATEST",
		"State":        "Active",
		"PackageType":  "Zip",
	}
	out["CodeSize"], _ = strconv.Atoi(f.Meta("codeSize"))
	out["Timeout"], _ = strconv.Atoi(f.Meta("timeout"))
	out["MemorySize"], _ = strconv.Atoi(f.Meta("memorySize"))
	if env := f.Meta("env"); env != "" {
		out["Environment"] = map[string]json.RawMessage{"Variables": json.RawMessage(env)}
	}
	return out
}

func lambdaCreateFunction(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	var in functionConfig
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := services.Required("FunctionName", in.FunctionName); err != nil {
		return nil, err
	}
	if err := services.Required("Handler", in.Handler); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Code == nil {
		in.Code = &functionCode{}
	}
	if in.Timeout == 0 {
		in.Timeout = 3
	}
	if in.MemorySize == 0 {
		in.MemorySize = 128
	}

	fn := &resource.Resource{
		Key:      functionKey(in.FunctionName),
		Kind:     "function",
		Metadata: map[string]string{"arn": arn(rc, "lambda", "function:"+in.FunctionName)},
	}
	if err := in.apply(fn); err != nil {
		return nil, err
	}
	if err := setCode(fn, in.Code.ZipFile); err != nil {
		return nil, err
	}
	created, err := m.Create(ctx, fn)
	if err != nil {
		return nil, functionCodes.Translate(err, in.FunctionName)
	}
	return protocol.JSON(http.StatusCreated, "", functionConfiguration(created))
}

func loadFunction(ctx context.Context, m *lifecycle.Manager, ref string) (*resource.Resource, error) {
	name := arnName(ref)
	f, err := m.Get(ctx, functionKey(name))
	return f, functionCodes.Translate(err, name)
}

func lambdaGetFunction(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	f, err := loadFunction(ctx, m, rc.Param("name"))
	if err != nil {
		return nil, err
	}
	return protocol.JSON(http.StatusOK, "", map[string]any{
		"Configuration": functionConfiguration(f),
		"Code":          map[string]string{"RepositoryType": "S3", "Location": ""},
	})
}

func lambdaGetFunctionConfiguration(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	f, err := loadFunction(ctx, m, rc.Param("name"))
	if err != nil {
		return nil, err
	}
	return protocol.JSON(http.StatusOK, "", functionConfiguration(f))
}

func lambdaUpdateFunctionConfiguration(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	var in functionConfig
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	name := arnName(rc.Param("name"))
	f, err := m.Mutate(ctx, functionKey(name), in.apply)
	if err != nil {
		return nil, functionCodes.Translate(err, name)
	}
	return protocol.JSON(http.StatusOK, "", functionConfiguration(f))
}

func lambdaUpdateFunctionCode(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	var in functionCode
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name := arnName(rc.Param("name"))
	f, err := m.Mutate(ctx, functionKey(name), func(r *resource.Resource) error {
		r.SetMeta("lastModified", time.Now().UTC().Format("2006-01-02T15:04:05.000-0700"))
		return setCode(r, in.ZipFile)
	})
	if err != nil {
		return nil, functionCodes.Translate(err, name)
	}
	return protocol.JSON(http.StatusOK, "", functionConfiguration(f))
}

func lambdaDeleteFunction(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := arnName(rc.Param("name"))
	if _, err := m.Delete(ctx, functionKey(name), nil); err != nil {
		return nil, functionCodes.Translate(err, name)
	}
	return protocol.Empty(http.StatusNoContent), nil
}

func lambdaListFunctions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	size, err := services.Int("MaxItems", rc.QueryValue("MaxItems"), 50)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > 10000 {
		return nil, apierror.Validation("MaxItems must be between 1 and 10000.")
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.AWS, Service: resource.Function, Kind: "function",
		Cursor: rc.QueryValue("Marker"), PageSize: size,
	})
	if err != nil {
		return nil, err
	}
	list := make([]map[string]any, 0, len(page.Items))
	for _, f := range page.Items {
		list = append(list, functionConfiguration(f))
	}
	out := map[string]any{"Functions": list}
	if page.NextCursor != "" {
		out["NextMarker"] = page.NextCursor
	}
	return protocol.JSON(http.StatusOK, "", out)
}

// invoke runs a stored function with payload.
func (s *Services) invoke(ctx context.Context, m *lifecycle.Manager, ref string, payload []byte) (*functions.Result, error) {
	f, source, err := m.ReadBlob(ctx, functionKey(arnName(ref)))
	if err != nil {
		return nil, functionCodes.Translate(err, arnName(ref))
	}
	var env map[string]string
	if raw := f.Meta("env"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, err
		}
	}
	timeout, _ := strconv.Atoi(f.Meta("timeout"))
	res, err := s.runtime.Invoke(ctx, functions.Invocation{
		FunctionName: f.ID,
		RequestID:    id.UUID(),
		Source:       string(source),
		Handler:      f.Meta("handler"),
		Event:        payload,
		Env:          env,
		Timeout:      time.Duration(timeout) * time.Second,
	})
	if errors.Is(err, functions.ErrSourceTooLarge) {
		return nil, apierror.New("CodeStorageExceededException", http.StatusBadRequest, "%s", err)
	}
	return res, err
}

func (s *Services) lambdaInvoke(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("name")
	if len(rc.Body) > 0 && !json.Valid(rc.Body) {
		return nil, apierror.New("InvalidRequestContentException", http.StatusBadRequest, "Could not parse request body into json")
	}

	switch rc.Header.Get("X-Amz-Invocation-Type") {
	case "DryRun":
		if _, err := loadFunction(ctx, m, name); err != nil {
			return nil, err
		}
		return protocol.Empty(http.StatusNoContent), nil
	case "Event":
		if _, err := loadFunction(ctx, m, name); err != nil {
			return nil, err
		}
		payload := bytes.Clone(rc.Body)
		s.executions.goAsync(func(ctx context.Context) {
			res, err := s.invoke(ctx, m, name, payload)
			switch {
			case err != nil:
				s.log.Warn("async invocation failed", "function", name, "error", err)
			case res.FunctionError != "":
				s.log.Info("async invocation returned an error", "function", name, "payload", string(res.Payload))
			}
		})
		return protocol.Empty(http.StatusAccepted), nil
	}

	res, err := s.invoke(ctx, m, name, rc.Body)
	if err != nil {
		return nil, err
	}
	resp := protocol.Raw(http.StatusOK, "application/json", res.Payload).
		SetHeader("X-Amz-Executed-Version", "$LATEST")
	if res.FunctionError != "" {
		resp.SetHeader("X-Amz-Function-Error", res.FunctionError)
	}
	if rc.Header.Get("X-Amz-Log-Type") == "Tail" {
		resp.SetHeader("X-Amz-Log-Result", logTail(res.Logs))
	}
	return resp, nil
}

// logTail returns the last 4 KB of logs, base64 encoded.
func logTail(lines []string) string {
	out := []byte(strings.Join(lines, "\n"))
	if len(out) > 4096 {
		out = out[len(out)-4096:]
	}
	return base64.StdEncoding.EncodeToString(out)
}
