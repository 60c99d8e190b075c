package fhirclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	calls int32
	ttl   time.Duration
	delay time.Duration
}

func (f *fakeFetcher) Do(ctx context.Context, _ tokenRequest) (*tokenResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	n := atomic.LoadInt32(&f.calls)
	return &tokenResult{AccessToken: "tok-" + string(rune('0'+n)), ExpiresIn: f.ttl}, nil
}

func TestTokenManager_CachesUntilExpiry(t *testing.T) {
	fetcher := &fakeFetcher{ttl: time.Hour}
	mgr := &tokenManager{desc: &SourceDescriptor{Name: "src"}, httpClient: fetcher}

	tok1, err := mgr.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tok2, err := mgr.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("expected cached token to be reused, got %q then %q", tok1, tok2)
	}
	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("expected exactly one fetch, got %d", fetcher.calls)
	}
}

func TestTokenManager_RefreshesAfterSkewWindow(t *testing.T) {
	fetcher := &fakeFetcher{ttl: tokenSkew / 2}
	mgr := &tokenManager{desc: &SourceDescriptor{Name: "src"}, httpClient: fetcher}

	if _, err := mgr.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mgr.Token(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&fetcher.calls) != 2 {
		t.Errorf("expected a second fetch once inside the skew window, got %d", fetcher.calls)
	}
}

func TestTokenManager_ForceRefresh(t *testing.T) {
	fetcher := &fakeFetcher{ttl: time.Hour}
	mgr := &tokenManager{desc: &SourceDescriptor{Name: "src"}, httpClient: fetcher}

	tok1, _ := mgr.Token(context.Background())
	tok2, err := mgr.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok1 == tok2 {
		t.Error("expected ForceRefresh to produce a new token")
	}
	if atomic.LoadInt32(&fetcher.calls) != 2 {
		t.Errorf("expected exactly two fetches, got %d", fetcher.calls)
	}
}

func TestTokenManager_ConcurrentCallersShareOneFetch(t *testing.T) {
	fetcher := &fakeFetcher{ttl: time.Hour, delay: 20 * time.Millisecond}
	mgr := &tokenManager{desc: &SourceDescriptor{Name: "src"}, httpClient: fetcher}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mgr.Token(context.Background())
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Errorf("expected singleflight to collapse concurrent fetches to 1, got %d", fetcher.calls)
	}
}

func TestCachedToken_Valid(t *testing.T) {
	now := time.Now()
	var nilTok *cachedToken
	if nilTok.valid(now) {
		t.Error("nil token must never be valid")
	}
	fresh := &cachedToken{Expiry: now.Add(time.Hour)}
	if !fresh.valid(now) {
		t.Error("token well within expiry should be valid")
	}
	stale := &cachedToken{Expiry: now.Add(tokenSkew / 2)}
	if stale.valid(now) {
		t.Error("token inside the skew window should not be valid")
	}
}
