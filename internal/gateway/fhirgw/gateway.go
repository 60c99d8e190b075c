// Package fhirgw is the FHIR Gateway: a generic CRUD/search surface over
// the FHIR Client Pool plus two extension-point registries (transform and
// aggregate) gateways wire up at startup. Grounded on the teacher's dynamic
// CapabilityStatement builder (internal/platform/fhir/capability.go) and
// its OperationRegistry (operation_registry.go), generalized here from
// describing a database-backed server's own resources to describing the
// pass-through operations this gateway performs against upstream sources.
package fhirgw

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/dotimplement/healthchain-gateway/internal/platform/fhirclient"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gatewayhost"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
	"github.com/dotimplement/healthchain-gateway/pkg/fhirmodel"
	"github.com/dotimplement/healthchain-gateway/pkg/pagination"
)

// TransformFunc produces a derived representation of one resource.
type TransformFunc func(ctx context.Context, id, source string) (json.RawMessage, error)

// AggregateFunc produces a Bundle spanning more than one read, e.g. a
// patient-everything sweep across several resource types.
type AggregateFunc func(ctx context.Context, params map[string]string, source string) (*fhirmodel.Bundle, error)

// Gateway implements gatewayhost.Gateway for plain FHIR REST traffic.
type Gateway struct {
	pool    *fhirclient.Pool
	baseURL string

	mu         sync.RWMutex
	transforms map[string]TransformFunc
	aggregates map[string]AggregateFunc
}

func New(pool *fhirclient.Pool, baseURL string) *Gateway {
	return &Gateway{
		pool:       pool,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		transforms: make(map[string]TransformFunc),
		aggregates: make(map[string]AggregateFunc),
	}
}

func (g *Gateway) Name() string { return "fhir" }

// Introspect reports the upstream sources this gateway pools connections to
// and the resource types with a registered transform or aggregate handler.
// A fhirgw is active whenever it has at least one pooled source — plain
// CRUD/search works even with no transforms or aggregates registered.
func (g *Gateway) Introspect() gatewayhost.Introspection {
	sources := g.pool.GetPoolStatus().Sources

	g.mu.RLock()
	hooks := make([]string, 0, len(g.transforms)+len(g.aggregates))
	seen := make(map[string]bool, len(hooks))
	for rt := range g.transforms {
		if !seen[rt] {
			hooks = append(hooks, rt)
			seen[rt] = true
		}
	}
	for rt := range g.aggregates {
		if !seen[rt] {
			hooks = append(hooks, rt)
			seen[rt] = true
		}
	}
	g.mu.RUnlock()
	sort.Strings(hooks)

	return gatewayhost.Introspection{
		Active:         len(sources) > 0,
		Sources:        sources,
		HooksOrMethods: hooks,
	}
}

// RegisterTransform installs the transform handler for resourceType,
// reachable at GET /transform/{resourceType}/{id}.
func (g *Gateway) RegisterTransform(resourceType string, fn TransformFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transforms[resourceType] = fn
}

// RegisterAggregate installs the aggregate handler for resourceType,
// reachable at GET /aggregate/{resourceType}.
func (g *Gateway) RegisterAggregate(resourceType string, fn AggregateFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aggregates[resourceType] = fn
}

func (g *Gateway) RegisterRoutes(group *echo.Group) {
	group.GET("/metadata", g.handleMetadata)
	group.GET("/status", g.handleStatus)
	group.GET("/transform/:type/:id", g.handleTransform)
	group.GET("/aggregate/:type", g.handleAggregate)

	group.GET("/:type/:id", g.handleRead)
	group.POST("/:type", g.handleCreate)
	group.PUT("/:type/:id", g.handleUpdate)
	group.DELETE("/:type/:id", g.handleDelete)
	group.GET("/:type", g.handleSearch)
}

func sourceParam(c echo.Context) string { return c.QueryParam("source") }

func (g *Gateway) handleRead(c echo.Context) error {
	body, err := g.pool.Read(c.Request().Context(), c.Param("type"), c.Param("id"), sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (g *Gateway) handleCreate(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return gwerrors.Respond(c, gwerrors.Wrap(gwerrors.InvalidArgument, "failed to read request body", err))
	}
	body, err := g.pool.Create(c.Request().Context(), c.Param("type"), raw, sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	return c.JSONBlob(http.StatusCreated, body)
}

func (g *Gateway) handleUpdate(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return gwerrors.Respond(c, gwerrors.Wrap(gwerrors.InvalidArgument, "failed to read request body", err))
	}
	body, err := g.pool.Update(c.Request().Context(), c.Param("type"), raw, sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (g *Gateway) handleDelete(c echo.Context) error {
	ok, err := g.pool.Delete(c.Request().Context(), c.Param("type"), c.Param("id"), sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (g *Gateway) handleSearch(c echo.Context) error {
	params := pagination.FromContext(c)
	query := make(map[string]string, len(c.QueryParams())+2)
	for k, vs := range c.QueryParams() {
		if k == "source" || k == "_count" || k == "_offset" {
			continue
		}
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	query["_count"] = strconv.Itoa(params.Limit)
	query["_offset"] = strconv.Itoa(params.Offset)

	body, err := g.pool.Search(c.Request().Context(), c.Param("type"), query, sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

func (g *Gateway) handleTransform(c echo.Context) error {
	resourceType := c.Param("type")
	g.mu.RLock()
	fn, ok := g.transforms[resourceType]
	g.mu.RUnlock()
	if !ok {
		return gwerrors.Respond(c, gwerrors.New(gwerrors.NotRegistered,
			"no transform registered for resource type "+resourceType))
	}
	out, err := fn(c.Request().Context(), c.Param("id"), sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	return c.JSONBlob(http.StatusOK, out)
}

func (g *Gateway) handleAggregate(c echo.Context) error {
	resourceType := c.Param("type")
	g.mu.RLock()
	fn, ok := g.aggregates[resourceType]
	g.mu.RUnlock()
	if !ok {
		return gwerrors.Respond(c, gwerrors.New(gwerrors.NotRegistered,
			"no aggregate registered for resource type "+resourceType))
	}

	query := make(map[string]string, len(c.QueryParams()))
	for k, vs := range c.QueryParams() {
		if k == "source" {
			continue
		}
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}

	bundle, err := fn(c.Request().Context(), query, sourceParam(c))
	if err != nil {
		return gwerrors.Respond(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// CapabilityStatement is the minimal subset of FHIR's metadata resource the
// gateway publishes: which resource types carry a transform or aggregate
// extension, not a full conformance statement for any one upstream source
// (each upstream has its own, unrelated to the gateway's own surface).
type CapabilityStatement struct {
	ResourceType string                `json:"resourceType"`
	Status       string                `json:"status"`
	Kind         string                `json:"kind"`
	FHIRVersion  string                `json:"fhirVersion"`
	Rest         []CapabilityRestEntry `json:"rest"`
}

type CapabilityRestEntry struct {
	Mode      string                  `json:"mode"`
	Resources []CapabilityResourceDef `json:"resource"`
}

type CapabilityResourceDef struct {
	Type         string   `json:"type"`
	Interactions []string `json:"interaction"`
	Operations   []string `json:"operation,omitempty"`
}

func (g *Gateway) handleMetadata(c echo.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	types := make(map[string]*CapabilityResourceDef)
	ensure := func(rt string) *CapabilityResourceDef {
		if def, ok := types[rt]; ok {
			return def
		}
		def := &CapabilityResourceDef{Type: rt, Interactions: []string{"read", "create", "update", "delete", "search-type"}}
		types[rt] = def
		return def
	}
	for rt := range g.transforms {
		ensure(rt).Operations = append(ensure(rt).Operations, "transform")
	}
	for rt := range g.aggregates {
		ensure(rt).Operations = append(ensure(rt).Operations, "aggregate")
	}

	resources := make([]CapabilityResourceDef, 0, len(types))
	for _, def := range types {
		resources = append(resources, *def)
	}

	return c.JSON(http.StatusOK, CapabilityStatement{
		ResourceType: "CapabilityStatement",
		Status:       "active",
		Kind:         "instance",
		FHIRVersion:  "4.0.1",
		Rest:         []CapabilityRestEntry{{Mode: "client", Resources: resources}},
	})
}

// StatusResponse reports the FHIR gateway's view of the underlying pool.
type StatusResponse struct {
	Pool fhirclient.PoolStatus `json:"pool"`
}

func (g *Gateway) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{Pool: g.pool.GetPoolStatus()})
}

func readBody(c echo.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(c.Request().Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
