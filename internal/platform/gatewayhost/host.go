// Package gatewayhost is the host application: the single Echo instance
// every protocol gateway mounts onto, plus the registry a gateway uses to
// look up its siblings. Grounded on the teacher's plugin.Registry
// (internal/platform/plugin/host.go), generalized from a fixed
// RegisterRoutes(api, fhir)/Migrate(pool) contract tied to one database to
// a name-keyed registry of independent protocol gateways with no shared
// persistence layer.
package gatewayhost

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/fhirclient"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

// Gateway is a protocol gateway mountable onto the host: it owns a name
// (used for DI lookup and duplicate detection), registers its routes under
// the group the host hands it, and reports what it's serving for
// GET /gateway/status.
type Gateway interface {
	Name() string
	RegisterRoutes(group *echo.Group)
	Introspect() Introspection
}

// Introspection is what a gateway reports about itself for introspection:
// whether it has anything registered to actually serve, which upstream FHIR
// sources it talks to (empty for gateways with no source of their own),
// and the named hooks, methods, or operations it exposes.
type Introspection struct {
	Active         bool
	Sources        []string
	HooksOrMethods []string
}

// Host owns the Echo instance, the gateway registry, and the shared
// FHIR Client Pool and event dispatcher every gateway is built against.
type Host struct {
	Echo   *echo.Echo
	Pool   *fhirclient.Pool
	Bus    *bus.Dispatcher
	logger zerolog.Logger

	mu           sync.RWMutex
	gateways     map[string]Gateway
	order        []string
	serviceNames []string

	shutdownGrace time.Duration
	version       string
}

// New builds a Host with its default routes already registered.
func New(e *echo.Echo, pool *fhirclient.Pool, dispatcher *bus.Dispatcher, logger zerolog.Logger, shutdownGrace time.Duration, version string) *Host {
	h := &Host{
		Echo:          e,
		Pool:          pool,
		Bus:           dispatcher,
		logger:        logger,
		gateways:      make(map[string]Gateway),
		shutdownGrace: shutdownGrace,
		version:       version,
	}
	h.registerDefaultRoutes()
	return h
}

// rootResponse is the body returned by GET /.
type rootResponse struct {
	Service  string   `json:"service"`
	Version  string   `json:"version"`
	Gateways []string `json:"gateways"`
	Services []string `json:"services"`
}

func (h *Host) registerDefaultRoutes() {
	h.Echo.GET("/", func(c echo.Context) error {
		h.mu.RLock()
		gateways := make([]string, len(h.order))
		copy(gateways, h.order)
		services := make([]string, len(h.serviceNames))
		copy(services, h.serviceNames)
		h.mu.RUnlock()

		return c.JSON(http.StatusOK, rootResponse{
			Service:  "healthchain-gateway",
			Version:  h.version,
			Gateways: gateways,
			Services: services,
		})
	})
	h.Echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
	h.Echo.GET("/gateway/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, h.Status())
	})
}

// RegisterGateway mounts g's routes under basePath, applying any
// gateway-specific middleware ahead of its routes, and makes it reachable
// via GetGateway. A name collision is a DuplicateNameError.
func (h *Host) RegisterGateway(g Gateway, basePath string, mw ...echo.MiddlewareFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := g.Name()
	if _, exists := h.gateways[name]; exists {
		return gwerrors.New(gwerrors.DuplicateName, fmt.Sprintf("gateway %q is already registered", name))
	}

	group := h.Echo.Group(basePath, mw...)
	g.RegisterRoutes(group)
	h.gateways[name] = g
	h.order = append(h.order, name)
	return nil
}

// RegisterService mounts an arbitrary route group at basePath without
// entering it into the gateway DI registry — for ancillary HTTP surfaces
// (e.g. a static WSDL document) that other gateways never need to look up.
// name is recorded for GET /'s service list.
func (h *Host) RegisterService(name, basePath string, register func(*echo.Group)) {
	group := h.Echo.Group(basePath)
	register(group)

	h.mu.Lock()
	h.serviceNames = append(h.serviceNames, name)
	h.mu.Unlock()
}

// GetGateway looks up a previously registered gateway by name.
func (h *Host) GetGateway(name string) (Gateway, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.gateways[name]
	if !ok {
		return nil, gwerrors.New(gwerrors.NotRegistered, fmt.Sprintf("gateway %q is not registered", name))
	}
	return g, nil
}

// GetAllGateways returns every registered gateway in registration order.
func (h *Host) GetAllGateways() []Gateway {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Gateway, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.gateways[name])
	}
	return out
}

// GatewayStatus is one gateway's entry in the GET /gateway/status body.
type GatewayStatus struct {
	Name           string   `json:"name"`
	Active         bool     `json:"active"`
	Sources        []string `json:"sources"`
	HooksOrMethods []string `json:"hooksOrMethods"`
}

// StatusSnapshot is the body returned by GET /gateway/status.
type StatusSnapshot struct {
	Gateways               []GatewayStatus       `json:"gateways"`
	Pool                   fhirclient.PoolStatus `json:"pool"`
	EventDispatcherEnabled bool                  `json:"eventDispatcherEnabled"`
}

// Status returns a snapshot of every registered gateway's introspection,
// the shared connection pool's current utilization, and whether the
// asynchronous event dispatcher is wired up.
func (h *Host) Status() StatusSnapshot {
	h.mu.RLock()
	names := make([]string, len(h.order))
	copy(names, h.order)
	gateways := make(map[string]Gateway, len(h.gateways))
	for k, v := range h.gateways {
		gateways[k] = v
	}
	h.mu.RUnlock()

	snap := StatusSnapshot{
		Gateways:               make([]GatewayStatus, 0, len(names)),
		EventDispatcherEnabled: h.Bus != nil,
	}
	for _, name := range names {
		g := gateways[name]
		intro := g.Introspect()
		snap.Gateways = append(snap.Gateways, GatewayStatus{
			Name:           name,
			Active:         intro.Active,
			Sources:        intro.Sources,
			HooksOrMethods: intro.HooksOrMethods,
		})
	}
	if h.Pool != nil {
		snap.Pool = h.Pool.GetPoolStatus()
	}
	return snap
}

// Shutdown stops accepting new connections, drains in-flight requests for
// up to the configured grace period, closes pooled upstream connections,
// and cancels any outstanding asynchronous event-bus subscribers.
func (h *Host) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownGrace)
	defer cancel()

	err := h.Echo.Shutdown(shutdownCtx)
	if h.Pool != nil {
		h.Pool.Shutdown()
	}
	if h.Bus != nil {
		h.Bus.Shutdown()
	}
	return err
}
