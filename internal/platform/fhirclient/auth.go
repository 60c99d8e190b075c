package fhirclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

// tokenSkew is the safety margin subtracted from a token's expiry; the pool
// never serves a token once now >= expiry - tokenSkew.
const tokenSkew = 30 * time.Second

// jwtAssertionLifetime bounds how long a signed client assertion is valid.
const jwtAssertionLifetime = 5 * time.Minute

// cachedToken is the access token held for one source.
type cachedToken struct {
	AccessToken string
	Expiry      time.Time
}

func (t *cachedToken) valid(now time.Time) bool {
	return t != nil && now.Add(tokenSkew).Before(t.Expiry)
}

// tokenManager caches and refreshes the access token for a single source.
// Concurrent callers needing a fresh token share a single in-flight fetch
// via group, grounded on the client-credentials/JWT-assertion construction
// the host's own inbound SMART Backend Services handler performs, but
// inverted here: the gateway is the OAuth2 *client* building the assertion.
type tokenManager struct {
	desc       *SourceDescriptor
	httpClient httpDoer

	mu    sync.RWMutex
	token *cachedToken
	group singleflight.Group
}

type httpDoer interface {
	Do(ctx context.Context, req tokenRequest) (*tokenResult, error)
}

// tokenRequest and tokenResult decouple tokenManager from the transport
// detail of how a token is actually fetched (client-credentials grant via
// golang.org/x/oauth2, or a hand-built JWT-bearer assertion grant).
type tokenRequest struct{}

type tokenResult struct {
	AccessToken string
	ExpiresIn   time.Duration
}

func newTokenManager(desc *SourceDescriptor) *tokenManager {
	return &tokenManager{desc: desc, httpClient: newGrantFetcher(desc)}
}

// Token returns a valid access token, fetching or refreshing exactly once
// across all concurrent callers for this source if the cached one is stale
// or absent.
func (m *tokenManager) Token(ctx context.Context) (string, error) {
	now := time.Now()

	m.mu.RLock()
	tok := m.token
	m.mu.RUnlock()
	if tok.valid(now) {
		return tok.AccessToken, nil
	}

	v, err, _ := m.group.Do(m.desc.Name, func() (interface{}, error) {
		// Re-check under the singleflight key in case another goroutine
		// already refreshed while we were waiting to enter Do.
		m.mu.RLock()
		tok := m.token
		m.mu.RUnlock()
		if tok.valid(time.Now()) {
			return tok.AccessToken, nil
		}

		res, err := m.httpClient.Do(ctx, tokenRequest{})
		if err != nil {
			return "", gwerrors.Wrap(gwerrors.AuthenticationFailed, "token fetch failed for source "+m.desc.Name, err)
		}

		newTok := &cachedToken{AccessToken: res.AccessToken, Expiry: time.Now().Add(res.ExpiresIn)}
		m.mu.Lock()
		m.token = newTok
		m.mu.Unlock()
		return newTok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ForceRefresh discards the cached token and fetches a new one, used after a
// single 401 response from the source per the forced-refresh-and-retry rule.
func (m *tokenManager) ForceRefresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	m.token = nil
	m.mu.Unlock()
	return m.Token(ctx)
}

// grantFetcher performs the actual OAuth2 grant for a source, dispatching
// on its configured AuthMode.
type grantFetcher struct {
	desc *SourceDescriptor
}

func newGrantFetcher(desc *SourceDescriptor) *grantFetcher {
	return &grantFetcher{desc: desc}
}

func (f *grantFetcher) Do(ctx context.Context, _ tokenRequest) (*tokenResult, error) {
	switch f.desc.AuthMode {
	case AuthClientCredentials:
		return f.clientCredentials(ctx)
	case AuthJWTAssertion:
		return f.jwtAssertion(ctx)
	default:
		return &tokenResult{AccessToken: "", ExpiresIn: 24 * time.Hour}, nil
	}
}

// clientCredentials performs a standard OAuth2 client-credentials grant
// using golang.org/x/oauth2/clientcredentials, the idiomatic way the
// examples perform outbound OAuth2 client flows.
func (f *grantFetcher) clientCredentials(ctx context.Context) (*tokenResult, error) {
	cfg := &clientcredentials.Config{
		ClientID:     f.desc.ClientID,
		ClientSecret: f.desc.ClientSecret,
		TokenURL:     f.desc.TokenURL,
		Scopes:       []string{f.desc.Scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, err
	}
	return tokenFromOAuth2(tok), nil
}

// jwtAssertion builds and signs a JWT client assertion per SMART Backend
// Services §5, then exchanges it for an access token using the
// client_credentials grant with client_assertion_type=jwt-bearer.
func (f *grantFetcher) jwtAssertion(ctx context.Context) (*tokenResult, error) {
	key, err := loadPrivateKey(f.desc.ClientSecretPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	aud := f.desc.Audience
	if aud == "" {
		aud = f.desc.TokenURL
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": f.desc.ClientID,
		"sub": f.desc.ClientID,
		"aud": aud,
		"jti": randomJTI(),
		"iat": now.Unix(),
		"exp": now.Add(jwtAssertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	assertion, err := token.SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("sign assertion: %w", err)
	}

	cfg := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: f.desc.TokenURL}}
	tok, err := cfg.Exchange(ctx, "",
		oauth2.SetAuthURLParam("grant_type", "client_credentials"),
		oauth2.SetAuthURLParam("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"),
		oauth2.SetAuthURLParam("client_assertion", assertion),
		oauth2.SetAuthURLParam("scope", f.desc.Scope),
	)
	if err != nil {
		return nil, err
	}
	return tokenFromOAuth2(tok), nil
}

func tokenFromOAuth2(tok *oauth2.Token) *tokenResult {
	expiresIn := time.Hour
	if !tok.Expiry.IsZero() {
		if d := time.Until(tok.Expiry); d > 0 {
			expiresIn = d
		}
	}
	return &tokenResult{AccessToken: tok.AccessToken, ExpiresIn: expiresIn}
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return key, nil
}

func randomJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
