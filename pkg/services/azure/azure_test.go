package azure_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/gateway"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	emu "github.com/cloudemu/cloudemu/pkg/services/azure"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const account = "devstoreaccount1"

type fixture struct {
	t       *testing.T
	handler http.Handler
	manager *lifecycle.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	set, err := storage.OpenSet(ctx, t.TempDir(), storage.ModeIsolated, []resource.Provider{resource.Azure}, storage.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })

	b := protocol.NewRegistryBuilder()
	require.NoError(t, emu.New().Register(b))
	reg, err := b.Build()
	require.NoError(t, err)

	m := lifecycle.NewManager(set.For(resource.Azure))
	d, err := dispatch.New(reg,
		dispatch.WithStrategy(resource.Azure, emu.Strategy()),
		dispatch.WithManager(resource.Azure, m),
	)
	require.NoError(t, err)

	g := gateway.New(d,
		gateway.WithStorage(set),
		gateway.WithScope(resource.Azure, gateway.Scope{Account: account}),
	)
	return &fixture{t: t, handler: g.Handler(resource.Azure), manager: m}
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
func (f *fixture) call(method, path string, in any, header map[string]string) (int, map[string]any) {
	f.t.Helper()
	body := ""
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(f.t, err)
		body = string(raw)
	}
	rec := f.do(method, path, body, header)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

// errorCode returns the code of an Azure JSON error envelope.
func errorCode(out map[string]any) string {
	e, _ := out["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func xmlDoc(t *testing.T, body []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	return doc
}
