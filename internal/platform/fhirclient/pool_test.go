package fhirclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotimplement/healthchain-gateway/internal/platform/bus"
	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
	"github.com/rs/zerolog"
)

// newTestPool wires a Pool with a single "test" source pointed at srv, with
// authentication disabled so CRUD tests don't need a live token endpoint.
func newTestPool(t *testing.T, srv *httptest.Server) *Pool {
	t.Helper()
	p := New(Config{
		MaxConnections:          4,
		MaxKeepaliveConnections: 2,
		KeepaliveExpiry:         time.Second,
		AcquireTimeout:          2 * time.Second,
		RequestTimeout:          2 * time.Second,
	}, bus.New(zerolog.Nop()))

	desc := &SourceDescriptor{Name: "test", BaseURL: srv.URL, AuthMode: AuthNone}
	p.mu.Lock()
	p.sources["test"] = &source{
		desc:       desc,
		tokens:     newTokenManager(desc),
		httpClient: srv.Client(),
	}
	p.order = append(p.order, "test")
	p.mu.Unlock()
	return p
}

func TestPool_Read_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Patient/123" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"123"}`))
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	body, err := p.Read(context.Background(), "Patient", "123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fhirmodelResourceType(body) != "Patient" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestPool_Read_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	_, err := p.Read(context.Background(), "Patient", "missing", "")
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.NotFound {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestPool_Create_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"resourceType":"Patient","id":"new-1"}`))
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	body, err := p.Create(context.Background(), "Patient", json.RawMessage(`{"resourceType":"Patient"}`), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out struct{ ID string `json:"id"` }
	json.Unmarshal(body, &out)
	if out.ID != "new-1" {
		t.Errorf("expected server-assigned id copied through, got %q", out.ID)
	}
}

func TestPool_Update_RequiresID(t *testing.T) {
	p := newTestPool(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	_, err := p.Update(context.Background(), "Patient", json.RawMessage(`{"resourceType":"Patient"}`), "")
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgumentError, got %v", err)
	}
}

func TestPool_Delete_NotFoundReturnsFalse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	ok, err := p.Delete(context.Background(), "Patient", "123", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected false for a 404 delete")
	}
}

func TestPool_Delete_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	ok, err := p.Delete(context.Background(), "Patient", "123", "")
	if err != nil || !ok {
		t.Fatalf("expected true/nil, got %v %v", ok, err)
	}
}

func TestPool_Search_PreservesBundleBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.RawQuery, "name=smith") {
			t.Errorf("expected query forwarded, got %q", r.URL.RawQuery)
		}
		w.Write([]byte(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient","id":"1"}}]}`))
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	body, err := p.Search(context.Background(), "Patient", map[string]string{"name": "smith"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fhirmodelResourceType(body) != "Bundle" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestPool_RetriesOn503ThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"resourceType":"Patient","id":"1"}`))
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	_, err := p.Read(context.Background(), "Patient", "1", "")
	if err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected exactly one retry, got %d attempts", attempts)
	}
}

func TestPool_SurfacesOtherClientErrorsImmediately(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := newTestPool(t, srv)
	_, err := p.Read(context.Background(), "Patient", "1", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected no retries on a plain 4xx, got %d attempts", attempts)
	}
}

func TestPool_PoolExhaustionTimesOut(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte(`{"resourceType":"Patient","id":"1"}`))
	}))
	defer func() { close(block); srv.Close() }()

	p := New(Config{
		MaxConnections:          1,
		MaxKeepaliveConnections: 1,
		KeepaliveExpiry:         time.Second,
		AcquireTimeout:          50 * time.Millisecond,
		RequestTimeout:          time.Second,
	}, nil)
	desc := &SourceDescriptor{Name: "test", BaseURL: srv.URL, AuthMode: AuthNone}
	p.sources["test"] = &source{desc: desc, tokens: newTokenManager(desc), httpClient: srv.Client()}
	p.order = append(p.order, "test")

	go p.Read(context.Background(), "Patient", "1", "")
	time.Sleep(10 * time.Millisecond) // let the first request take the only slot

	_, err := p.Read(context.Background(), "Patient", "2", "")
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.RequestTimeout {
		t.Fatalf("expected RequestTimeout from pool exhaustion, got %v", err)
	}
}

func TestPool_GetPoolStatus(t *testing.T) {
	p := newTestPool(t, httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	status := p.GetPoolStatus()
	if len(status.Sources) != 1 || status.Sources[0] != "test" {
		t.Errorf("unexpected sources in status: %v", status.Sources)
	}
	if status.TotalConnections != 4 {
		t.Errorf("expected total connections 4, got %d", status.TotalConnections)
	}
}

func TestPool_AddSource_RejectsDuplicate(t *testing.T) {
	p := New(DefaultConfig(), nil)
	conn := "fhir://example.org/r4?client_id=a&client_secret=b&token_url=https://example.org/token"
	if err := p.AddSource("dup", conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := p.AddSource("dup", conn)
	gerr, ok := err.(*gwerrors.Error)
	if !ok || gerr.Kind != gwerrors.InvalidArgument {
		t.Fatalf("expected InvalidArgumentError on duplicate source, got %v", err)
	}
}

func fhirmodelResourceType(body json.RawMessage) string {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	json.Unmarshal(body, &probe)
	return probe.ResourceType
}
