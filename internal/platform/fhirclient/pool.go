// Package fhirclient implements the FHIR Client Pool: multiplexed CRUD
// against one or more named remote FHIR servers, each with its own OAuth2
// authentication and a bounded, shared connection pool. Grounded on the
// outbound-OAuth2 patterns in auth.go and the connection-cap discipline the
// teacher enforces for its database pool, generalized here to per-source
// HTTP transports under one process-wide semaphore.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

// Config holds pool-wide connection limits.
type Config struct {
	MaxConnections            int
	MaxKeepaliveConnections   int
	KeepaliveExpiry           time.Duration
	AcquireTimeout            time.Duration
	RequestTimeout            time.Duration
}

// DefaultConfig returns sane pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnections:          100,
		MaxKeepaliveConnections: 20,
		KeepaliveExpiry:         5 * time.Second,
		AcquireTimeout:          10 * time.Second,
		RequestTimeout:          30 * time.Second,
	}
}

type source struct {
	desc       *SourceDescriptor
	tokens     *tokenManager
	httpClient *http.Client
}

// Pool is the FHIR Client Pool. It is safe for concurrent use; all upstream
// access must go through its exported methods (direct connection
// manipulation is forbidden by contract).
type Pool struct {
	cfg Config
	bus *bus.Dispatcher

	mu      sync.RWMutex
	sources map[string]*source
	order   []string // registration order, for the single-source-implied case

	sem chan struct{} // pool-wide connection semaphore, size cfg.MaxConnections
}

// New constructs an empty Pool. dispatcher may be nil, in which case no
// events are emitted (used by isolated unit tests of CRUD behaviour).
func New(cfg Config, dispatcher *bus.Dispatcher) *Pool {
	return &Pool{
		cfg:     cfg,
		bus:     dispatcher,
		sources: make(map[string]*source),
		sem:     make(chan struct{}, cfg.MaxConnections),
	}
}

// AddSource registers a new FHIR source from a fhir:// connection string.
// Fails before any network I/O on a malformed string or duplicate name.
func (p *Pool) AddSource(name, connectionString string) error {
	desc, err := ParseConnectionString(name, connectionString)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.sources[name]; exists {
		return gwerrors.New(gwerrors.InvalidArgument, fmt.Sprintf("source %q already registered", name))
	}

	transport := &http.Transport{
		MaxConnsPerHost:     0, // pool-wide cap enforced by the semaphore, not per-host
		MaxIdleConnsPerHost: p.cfg.MaxKeepaliveConnections,
		IdleConnTimeout:     p.cfg.KeepaliveExpiry,
	}
	src := &source{
		desc:       desc,
		tokens:     newTokenManager(desc),
		httpClient: &http.Client{Transport: transport, Timeout: p.cfg.RequestTimeout},
	}
	p.sources[name] = src
	p.order = append(p.order, name)
	return nil
}

// resolveSource returns the named source, or the single registered source
// when name is empty and exactly one source exists.
func (p *Pool) resolveSource(name string) (*source, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if name == "" {
		if len(p.order) == 1 {
			return p.sources[p.order[0]], nil
		}
		return nil, gwerrors.New(gwerrors.InvalidArgument, "source name is required when more than one source is registered")
	}
	src, ok := p.sources[name]
	if !ok {
		return nil, gwerrors.New(gwerrors.NotRegistered, fmt.Sprintf("source %q is not registered", name))
	}
	return src, nil
}

// PoolStatus is the snapshot returned by GetPoolStatus.
type PoolStatus struct {
	Sources                    []string `json:"sources"`
	TotalConnections           int      `json:"total_connections"`
	KeepaliveConnectionsPerSrc int      `json:"keepalive_connections_per_source"`
	InUse                      int      `json:"in_use"`
}

// GetPoolStatus returns a snapshot of the pool's current utilization.
func (p *Pool) GetPoolStatus() PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.order))
	copy(names, p.order)
	return PoolStatus{
		Sources:                    names,
		TotalConnections:           p.cfg.MaxConnections,
		KeepaliveConnectionsPerSrc: p.cfg.MaxKeepaliveConnections,
		InUse:                      len(p.sem),
	}
}

// acquire blocks until a pool slot is available or ctx/AcquireTimeout
// elapses, per the bounded-connection-reuse contract.
func (p *Pool) acquire(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, nil
	case <-ctx.Done():
		return nil, gwerrors.New(gwerrors.RequestTimeout, "connection pool exhausted: no slot freed within acquire timeout")
	}
}

func (p *Pool) emit(op, resourceType, source string, err error) {
	if p.bus == nil {
		return
	}
	rtLower := strings.ToLower(resourceType)
	if err != nil {
		p.bus.Emit("fhir."+op+".error", source, map[string]interface{}{
			"operation": op, "resource_type": resourceType, "source": source, "error": err.Error(),
		})
		return
	}
	p.bus.EmitOperation("fhir."+op, busOpContext(op, resourceType, source))
	if rtLower != "" {
		p.bus.EmitOperation("fhir."+rtLower+"."+op, busOpContext(op, resourceType, source))
	}
}

func busOpContext(op, resourceType, source string) bus.CreatorContext {
	return bus.CreatorContext{Operation: op, ResourceType: resourceType, Source: source}
}

// Read performs GET {base}/{type}/{id}.
func (p *Pool) Read(ctx context.Context, resourceType, id, sourceName string) (json.RawMessage, error) {
	src, err := p.resolveSource(sourceName)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/%s/%s", resourceType, id)
	body, status, err := p.do(ctx, src, http.MethodGet, path, nil)
	if err != nil {
		p.emit("read", resourceType, src.desc.Name, err)
		return nil, err
	}
	if status == http.StatusNotFound {
		nfErr := gwerrors.New(gwerrors.NotFound, fmt.Sprintf("%s/%s not found", resourceType, id))
		p.emit("read", resourceType, src.desc.Name, nfErr)
		return nil, nfErr
	}
	if !json.Valid(body) {
		badErr := gwerrors.New(gwerrors.InvalidResponse, "upstream returned non-JSON response body")
		p.emit("read", resourceType, src.desc.Name, badErr)
		return nil, badErr
	}
	p.emit("read", resourceType, src.desc.Name, nil)
	return body, nil
}

// Create performs POST {base}/{type}. The server-assigned id is copied into
// the returned resource body.
func (p *Pool) Create(ctx context.Context, resourceType string, resource json.RawMessage, sourceName string) (json.RawMessage, error) {
	src, err := p.resolveSource(sourceName)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/%s", resourceType)
	body, _, err := p.do(ctx, src, http.MethodPost, path, resource)
	if err != nil {
		p.emit("create", resourceType, src.desc.Name, err)
		return nil, err
	}
	if !json.Valid(body) {
		badErr := gwerrors.New(gwerrors.InvalidResponse, "upstream returned non-JSON response body")
		p.emit("create", resourceType, src.desc.Name, badErr)
		return nil, badErr
	}
	p.emit("create", resourceType, src.desc.Name, nil)
	return body, nil
}

// Update performs PUT {base}/{type}/{id}. The id field must be present in
// the resource body.
func (p *Pool) Update(ctx context.Context, resourceType string, resource json.RawMessage, sourceName string) (json.RawMessage, error) {
	src, err := p.resolveSource(sourceName)
	if err != nil {
		return nil, err
	}
	id := extractID(resource)
	if id == "" {
		argErr := gwerrors.New(gwerrors.InvalidArgument, "resource must carry an id to be updated")
		p.emit("update", resourceType, src.desc.Name, argErr)
		return nil, argErr
	}
	path := fmt.Sprintf("/%s/%s", resourceType, id)
	body, _, err := p.do(ctx, src, http.MethodPut, path, resource)
	if err != nil {
		p.emit("update", resourceType, src.desc.Name, err)
		return nil, err
	}
	if !json.Valid(body) {
		badErr := gwerrors.New(gwerrors.InvalidResponse, "upstream returned non-JSON response body")
		p.emit("update", resourceType, src.desc.Name, badErr)
		return nil, badErr
	}
	p.emit("update", resourceType, src.desc.Name, nil)
	return body, nil
}

// Delete performs DELETE {base}/{type}/{id}. A 404 returns false with no
// error; other non-success statuses surface as an error.
func (p *Pool) Delete(ctx context.Context, resourceType, id, sourceName string) (bool, error) {
	src, err := p.resolveSource(sourceName)
	if err != nil {
		return false, err
	}
	path := fmt.Sprintf("/%s/%s", resourceType, id)
	_, status, err := p.do(ctx, src, http.MethodDelete, path, nil)
	if err != nil {
		p.emit("delete", resourceType, src.desc.Name, err)
		return false, err
	}
	if status == http.StatusNotFound {
		p.emit("delete", resourceType, src.desc.Name, nil)
		return false, nil
	}
	p.emit("delete", resourceType, src.desc.Name, nil)
	return true, nil
}

// Search performs GET {base}/{type}?params, returning the raw Bundle body
// with entry order preserved.
func (p *Pool) Search(ctx context.Context, resourceType string, params map[string]string, sourceName string) (json.RawMessage, error) {
	src, err := p.resolveSource(sourceName)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/%s%s", resourceType, encodeQuery(params))
	body, _, err := p.do(ctx, src, http.MethodGet, path, nil)
	if err != nil {
		p.emit("search", resourceType, src.desc.Name, err)
		return nil, err
	}
	if !json.Valid(body) {
		badErr := gwerrors.New(gwerrors.InvalidResponse, "upstream returned non-JSON response body")
		p.emit("search", resourceType, src.desc.Name, badErr)
		return nil, badErr
	}
	p.emit("search", resourceType, src.desc.Name, nil)
	return body, nil
}

func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('?')
	first := true
	for k, v := range params {
		if !first {
			b.WriteByte('&')
		}
		first = false
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

func extractID(resource json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resource, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// do executes one authenticated, retried HTTP request and returns the raw
// response body and status code. It implements the retry/backoff table and
// the forced-refresh-on-401 rule.
func (p *Pool) do(ctx context.Context, src *source, method, path string, payload json.RawMessage) (json.RawMessage, int, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	retrier := newRetrier()
	var refreshedOnce bool

	for {
		token, err := src.tokens.Token(ctx)
		if err != nil {
			return nil, 0, err
		}

		req, err := http.NewRequestWithContext(ctx, method, src.desc.BaseURL+path, bodyReader(payload))
		if err != nil {
			return nil, 0, gwerrors.Wrap(gwerrors.InvalidArgument, "failed to build request", err)
		}
		req.Header.Set("Content-Type", "application/fhir+json")
		req.Header.Set("Accept", "application/fhir+json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := src.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, gwerrors.Wrap(gwerrors.Cancelled, "request cancelled", ctx.Err())
			}
			if retrier.shouldRetryConnectError() {
				retrier.wait(ctx)
				continue
			}
			return nil, 0, gwerrors.Wrap(gwerrors.Upstream, "connection to upstream failed", err)
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, 0, gwerrors.Wrap(gwerrors.InvalidResponse, "failed to read upstream response", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			if refreshedOnce {
				return nil, resp.StatusCode, gwerrors.New(gwerrors.AuthenticationFailed, "upstream rejected refreshed token")
			}
			refreshedOnce = true
			if _, err := src.tokens.ForceRefresh(ctx); err != nil {
				return nil, 0, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			if retrier.shouldRetryStatus() {
				retrier.waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
				continue
			}
			return nil, resp.StatusCode, gwerrors.New(gwerrors.Upstream, fmt.Sprintf("upstream returned status %d", resp.StatusCode))

		case resp.StatusCode == http.StatusNotFound:
			return body, resp.StatusCode, nil

		case resp.StatusCode >= 400:
			return nil, resp.StatusCode, gwerrors.New(gwerrors.InvalidArgument, fmt.Sprintf("upstream returned status %d", resp.StatusCode))

		default:
			return body, resp.StatusCode, nil
		}
	}
}

func bodyReader(payload json.RawMessage) io.Reader {
	if payload == nil {
		return nil
	}
	return bytes.NewReader(payload)
}

// Shutdown closes idle connections held by every source's transport.
func (p *Pool) Shutdown() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, src := range p.sources {
		src.httpClient.CloseIdleConnections()
	}
}
