// Package cdshooks implements the CDS Hooks 1.x service: discovery plus
// hook invocation dispatch, each registered service backed by a handler
// function that returns decision-support cards. Grounded on the teacher's
// CDSHooksHandler (internal/platform/fhir/cdshooks.go), trimmed to the 1.x
// surface (no feedback endpoint, no systemActions) and rewired to emit onto
// the shared event bus instead of returning bare Echo responses.
package cdshooks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gatewayhost"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

const maxSummaryLength = 140

// Indicator is a CDS Hooks card urgency level.
type Indicator string

const (
	IndicatorInfo     Indicator = "info"
	IndicatorWarning  Indicator = "warning"
	IndicatorCritical Indicator = "critical"
)

// Service describes a hook a client can discover and invoke.
type Service struct {
	ID          string            `json:"id"`
	Hook        string            `json:"hook"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	Prefetch    map[string]string `json:"prefetch,omitempty"`
}

// HookRequest is the payload POSTed to invoke a registered service.
type HookRequest struct {
	Hook         string                 `json:"hook"`
	HookInstance string                 `json:"hookInstance"`
	FHIRServer   string                 `json:"fhirServer,omitempty"`
	Context      map[string]interface{} `json:"context"`
	Prefetch     map[string]interface{} `json:"prefetch,omitempty"`
}

// Coding is a code/system/display triple used in suggestion actions.
type Coding struct {
	Code    string `json:"code"`
	System  string `json:"system,omitempty"`
	Display string `json:"display,omitempty"`
}

type Action struct {
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Resource    interface{} `json:"resource,omitempty"`
}

type Suggestion struct {
	Label   string   `json:"label"`
	Actions []Action `json:"actions,omitempty"`
}

type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
	Type  string `json:"type"`
}

// Card is a single recommendation surfaced to the calling EHR.
type Card struct {
	Summary     string       `json:"summary"`
	Detail      string       `json:"detail,omitempty"`
	Indicator   Indicator    `json:"indicator"`
	Source      CardSource   `json:"source"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
	Links       []Link       `json:"links,omitempty"`
}

type CardSource struct {
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Response is the body returned from a hook invocation.
type Response struct {
	Cards []Card `json:"cards"`
}

// HandlerFunc executes one registered service against a request's context
// and prefetch bundle.
type HandlerFunc func(ctx context.Context, req HookRequest) (*Response, error)

type registration struct {
	service Service
	handler HandlerFunc
}

// Gateway implements gatewayhost.Gateway for CDS Hooks traffic.
type Gateway struct {
	bus *bus.Dispatcher

	mu    sync.RWMutex
	svcs  map[string]*registration
	order []string
}

func New(dispatcher *bus.Dispatcher) *Gateway {
	return &Gateway{bus: dispatcher, svcs: make(map[string]*registration)}
}

func (g *Gateway) Name() string { return "cds-hooks" }

// Introspect reports the registered hook ids in registration order. A
// cds-hooks gateway talks to whatever FHIRServer a caller names per-request
// (the CDS Hooks spec's fhirServer field), not a pooled source of its own,
// so Sources is always empty.
func (g *Gateway) Introspect() gatewayhost.Introspection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	hooks := make([]string, len(g.order))
	copy(hooks, g.order)
	return gatewayhost.Introspection{
		Active:         len(hooks) > 0,
		HooksOrMethods: hooks,
	}
}

// RegisterService installs a service under svc.ID. Re-registering the same
// ID replaces the prior handler — the gateway is free to hot-swap rules.
func (g *Gateway) RegisterService(svc Service, handler HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.svcs[svc.ID]; !exists {
		g.order = append(g.order, svc.ID)
	}
	g.svcs[svc.ID] = &registration{service: svc, handler: handler}
}

func (g *Gateway) RegisterRoutes(group *echo.Group) {
	group.GET("/cds-services", g.handleDiscovery)
	group.POST("/cds-services/:id", g.handleInvoke)
}

func (g *Gateway) handleDiscovery(c echo.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	services := make([]Service, 0, len(g.order))
	for _, id := range g.order {
		services = append(services, g.svcs[id].service)
	}
	return c.JSON(http.StatusOK, map[string][]Service{"services": services})
}

func (g *Gateway) handleInvoke(c echo.Context) error {
	id := c.Param("id")

	g.mu.RLock()
	reg, ok := g.svcs[id]
	g.mu.RUnlock()
	if !ok {
		return gwerrors.Respond(c, gwerrors.New(gwerrors.NotRegistered, fmt.Sprintf("cds service %q is not registered", id)))
	}

	var req HookRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return gwerrors.Respond(c, gwerrors.Wrap(gwerrors.InvalidArgument, "malformed hook request body", err))
	}
	if req.Hook != reg.service.Hook {
		return gwerrors.Respond(c, gwerrors.New(gwerrors.InvalidArgument,
			fmt.Sprintf("hook mismatch: request hook %q does not match service hook %q", req.Hook, reg.service.Hook)))
	}
	if req.HookInstance == "" {
		return gwerrors.Respond(c, gwerrors.New(gwerrors.InvalidArgument, "hookInstance is required"))
	}

	resp, err := reg.handler(c.Request().Context(), req)
	if err != nil {
		g.emit(reg.service.Hook, id, err)
		return gwerrors.Respond(c, gwerrors.Wrap(gwerrors.Internal, "hook handler failed", err))
	}

	for i := range resp.Cards {
		if len(resp.Cards[i].Summary) > maxSummaryLength {
			resp.Cards[i].Summary = resp.Cards[i].Summary[:maxSummaryLength]
		}
	}

	g.emit(reg.service.Hook, id, nil)
	return c.JSON(http.StatusOK, resp)
}

func (g *Gateway) emit(hook, serviceID string, err error) {
	if g.bus == nil {
		return
	}
	topic := "cds." + strings.ReplaceAll(hook, "-", ".")
	if err != nil {
		g.bus.Emit(topic+".error", serviceID, map[string]interface{}{
			"hook": hook, "service": serviceID, "error": err.Error(),
		})
		return
	}
	g.bus.Emit(topic, serviceID, map[string]interface{}{"hook": hook, "service": serviceID})
}
