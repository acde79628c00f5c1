package aws

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
)

// queryEnvelope is an <Action>Response document of the query protocol.
// Handlers fill Result.
type queryEnvelope struct {
	doc    *etree.Document
	root   *etree.Element
	Result *etree.Element
}

func newQueryEnvelope(action, namespace string) *queryEnvelope {
	doc := protocol.NewXMLDocument()
	root := doc.CreateElement(action + "Response")
	root.CreateAttr("xmlns", namespace)
	return &queryEnvelope{doc: doc, root: root, Result: root.CreateElement(action + "Result")}
}

func (e *queryEnvelope) response(rc *protocol.RequestContext) (*protocol.Response, error) {
	e.root.CreateElement("ResponseMetadata").CreateElement("RequestId").SetText(rc.RequestID)
	resp, err := protocol.XML(http.StatusOK, e.doc)
	if err != nil {
		return nil, err
	}
	return resp.SetHeader("Content-Type", "text/xml"), nil
}

// queryHandler adapts a query protocol operation. fn receives the merged
// query and form parameters and fills the result element.
func queryHandler(namespace string, fn func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error) protocol.HandlerFunc {
	return func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
		form, err := rc.Form()
		if err != nil {
			return nil, err
		}
		env := newQueryEnvelope(rc.Operation, namespace)
		if err := fn(ctx, rc, m, form, env.Result); err != nil {
			return nil, err
		}
		return env.response(rc)
	}
}

// entries reads the "<prefix>.entry.N.key/value" maps of the query
// protocol. keyName and valueName are "key"/"value" for Attributes.
func entries(form url.Values, prefix, keyName, valueName string) map[string]string {
	out := map[string]string{}
	for i := 1; ; i++ {
		base := prefix + ".entry." + strconv.Itoa(i) + "."
		k := form.Get(base + keyName)
		if k == "" {
			return out
		}
		out[k] = form.Get(base + valueName)
	}
}
