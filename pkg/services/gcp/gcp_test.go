package gcp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/gateway"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	emu "github.com/cloudemu/cloudemu/pkg/services/gcp"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const project = emu.DefaultProject

type fixture struct {
	t       *testing.T
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	set, err := storage.OpenSet(ctx, t.TempDir(), storage.ModeIsolated, []resource.Provider{resource.GCP}, storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })

	b := protocol.NewRegistryBuilder()
	require.NoError(t, emu.New().Register(b))
	reg, err := b.Build()
	require.NoError(t, err)

	d, err := dispatch.New(reg,
		dispatch.WithStrategy(resource.GCP, emu.Strategy()),
		dispatch.WithManager(resource.GCP, lifecycle.NewManager(set.For(resource.GCP))),
	)
	require.NoError(t, err)

	g := gateway.New(d,
		gateway.WithStorage(set),
		gateway.WithScope(resource.GCP, gateway.Scope{Account: project}),
	)
	return &fixture{t: t, handler: g.Handler(resource.GCP)}
}

// do sends a request with an optional body and headers.
func (f *fixture) do(method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		r.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

// call sends a JSON request and decodes the response object.
func (f *fixture) call(method, path string, in any) (int, map[string]any) {
	f.t.Helper()
	body := ""
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(f.t, err)
		body = string(raw)
	}
	rec := f.do(method, path, body, nil)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

// errorStatus returns the canonical status name of a Google error body.
func errorStatus(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	s, _ := e["status"].(string)
	return s
}

// errorReason returns the first reason of a Google error body.
func errorReason(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	errs, _ := e["errors"].([]any)
	if len(errs) == 0 {
		return ""
	}
	first, _ := errs[0].(map[string]any)
	r, _ := first["reason"].(string)
	return r
}

func items(out map[string]any, field string) []any {
	v, _ := out[field].([]any)
	return v
}
