package gateway

import (
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloudemu/cloudemu/pkg/httputil"
	"github.com/cloudemu/cloudemu/pkg/metrics"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/requestlog"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// AdminPrefix is the reserved path prefix of the admin endpoints.
const AdminPrefix = "/_cloudemu"

func (g *Gateway) registerAdmin(r *mux.Router, p resource.Provider) {
	a := &admin{gateway: g, provider: p}

	r.HandleFunc("/health", a.compatHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/_localstack/health", a.compatHealth).Methods(http.MethodGet, http.MethodHead)

	s := r.PathPrefix(AdminPrefix).Subrouter()
	s.HandleFunc("/health", a.health).Methods(http.MethodGet)
	s.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	s.HandleFunc("/operations", a.operations).Methods(http.MethodGet)
	s.HandleFunc("/resources", a.listResources).Methods(http.MethodGet)
	s.HandleFunc("/resources/{service}/{id:.+}", a.getResource).Methods(http.MethodGet)
	s.HandleFunc("/requests", a.listRequests).Methods(http.MethodGet)
	s.HandleFunc("/requests", a.clearRequests).Methods(http.MethodDelete)
	s.HandleFunc("/requests/{id}", a.getRequest).Methods(http.MethodGet)
	s.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteNotFound(w, "not_found", "unknown admin endpoint")
	})
}

type admin struct {
	gateway  *Gateway
	provider resource.Provider
}

// HealthReport is the body of /_cloudemu/health.
type HealthReport struct {
	Status      protocol.HealthState `json:"status"`
	Provider    resource.Provider    `json:"provider"`
	Listeners   map[string]string    `json:"listeners,omitempty"`
	StorageMode string               `json:"storageMode,omitempty"`
	Operations  int                  `json:"operations"`
	Services    []string             `json:"services"`
	Uptime      string               `json:"uptime"`
}

func (a *admin) services() []string {
	var out []string
	for _, op := range a.gateway.dispatcher.Registry().OperationsFor(a.provider) {
		if !slices.Contains(out, string(op.Service)) {
			out = append(out, string(op.Service))
		}
	}
	return out
}

func (a *admin) health(w http.ResponseWriter, _ *http.Request) {
	g := a.gateway
	report := HealthReport{
		Status:     protocol.HealthHealthy,
		Provider:   a.provider,
		Operations: len(g.dispatcher.Registry().OperationsFor(a.provider)),
		Services:   a.services(),
		Uptime:     time.Since(g.started).Round(time.Second).String(),
	}
	if g.stores != nil {
		report.StorageMode = string(g.stores.Mode())
	}
	g.mu.Lock()
	if len(g.addrs) > 0 {
		report.Listeners = make(map[string]string, len(g.addrs))
		for p, addr := range g.addrs {
			report.Listeners[string(p)] = addr
		}
	}
	g.mu.Unlock()
	httputil.WriteOK(w, report)
}

// compatHealth answers in the shape LocalStack-aware tooling polls for.
func (a *admin) compatHealth(w http.ResponseWriter, _ *http.Request) {
	services := make(map[string]string)
	for _, s := range a.services() {
		services[s] = "running"
	}
	httputil.WriteOK(w, map[string]any{
		"status":   "running",
		"services": services,
	})
}

func (a *admin) operations(w http.ResponseWriter, r *http.Request) {
	reg := a.gateway.dispatcher.Registry()
	ops := reg.OperationsFor(a.provider)
	if r.URL.Query().Get("provider") == "all" {
		ops = reg.Operations()
	}
	type op struct {
		protocol.OperationKey
		Wire protocol.Wire `json:"wire,omitempty"`
	}
	out := make([]op, 0, len(ops))
	for _, k := range ops {
		wire, _ := reg.Wire(k)
		out = append(out, op{OperationKey: k, Wire: wire})
	}
	httputil.WriteOK(w, map[string]any{"operations": out, "count": len(out)})
}

func (a *admin) targetProvider(r *http.Request) (resource.Provider, error) {
	if v := r.URL.Query().Get("provider"); v != "" {
		return resource.ParseProvider(v)
	}
	return a.provider, nil
}

func (a *admin) listResources(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p, err := a.targetProvider(r)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid_provider", err.Error())
		return
	}
	m := a.gateway.dispatcher.Manager(p)
	if m == nil {
		httputil.WriteNotFound(w, "provider_disabled", "provider "+string(p)+" is not enabled")
		return
	}

	f := storage.Filter{
		Provider: p,
		Kind:     q.Get("kind"),
		Parent:   q.Get("parent"),
		IDPrefix: q.Get("prefix"),
		Cursor:   q.Get("cursor"),
	}
	if s := q.Get("service"); s != "" {
		if f.Service, err = resource.ParseServiceType(s); err != nil {
			httputil.WriteBadRequest(w, "invalid_service", err.Error())
			return
		}
	}
	for _, s := range q["state"] {
		f.States = append(f.States, resource.State(s))
	}
	if s := q.Get("page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			httputil.WriteBadRequest(w, "invalid_page_size", "page_size must be a positive integer")
			return
		}
		f.PageSize = n
	}

	page, err := m.ListPage(r.Context(), f)
	if err != nil {
		httputil.WriteStorageError(w, err)
		return
	}
	httputil.WriteOK(w, page)
}

func (a *admin) getResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := a.targetProvider(r)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid_provider", err.Error())
		return
	}
	svc, err := resource.ParseServiceType(vars["service"])
	if err != nil {
		httputil.WriteBadRequest(w, "invalid_service", err.Error())
		return
	}
	m := a.gateway.dispatcher.Manager(p)
	if m == nil {
		httputil.WriteNotFound(w, "provider_disabled", "provider "+string(p)+" is not enabled")
		return
	}
	res, err := m.Engine().Retrieve(r.Context(), resource.NewKey(p, svc, unescape(vars["id"])))
	if err != nil {
		httputil.WriteStorageError(w, err)
		return
	}
	httputil.WriteOK(w, res)
}

func (a *admin) listRequests(w http.ResponseWriter, r *http.Request) {
	store := a.gateway.requests
	if store == nil {
		httputil.WriteServiceUnavailable(w, "request_log_disabled", "request logging is disabled")
		return
	}
	f, err := requestlog.ParseFilter(r.URL.Query())
	if err != nil {
		httputil.WriteBadRequest(w, "invalid_filter", err.Error())
		return
	}
	entries := store.List(f)
	httputil.WriteOK(w, map[string]any{"requests": entries, "count": len(entries), "total": store.Count()})
}

func (a *admin) getRequest(w http.ResponseWriter, r *http.Request) {
	store := a.gateway.requests
	if store == nil {
		httputil.WriteServiceUnavailable(w, "request_log_disabled", "request logging is disabled")
		return
	}
	entry := store.Get(mux.Vars(r)["id"])
	if entry == nil {
		httputil.WriteNotFound(w, "not_found", "request not found")
		return
	}
	httputil.WriteOK(w, entry)
}

func (a *admin) clearRequests(w http.ResponseWriter, _ *http.Request) {
	if a.gateway.requests != nil {
		a.gateway.requests.Clear()
	}
	httputil.WriteNoContent(w)
}

// unescape decodes a path variable; the router matches on escaped paths.
func unescape(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}
