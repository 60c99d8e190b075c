package fhirclient

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/dotimplement/healthchain-gateway/internal/platform/gwerrors"
)

// AuthMode selects how the pool authenticates outbound requests to a source.
type AuthMode string

const (
	AuthClientCredentials AuthMode = "client-credentials"
	AuthJWTAssertion      AuthMode = "jwt-assertion"
	AuthNone              AuthMode = "none"
)

// SourceDescriptor is the immutable configuration for one registered FHIR
// source, parsed from a connection string of the form:
//
//	fhir://<host>[:port]/<base-path>?client_id=...&token_url=...
//
// required query params: client_id, token_url, plus client_secret or
// client_secret_path (use_jwt_assertion requires client_secret_path)
// optional: scope, audience, use_jwt_assertion
type SourceDescriptor struct {
	Name              string
	BaseURL           string
	AuthMode          AuthMode
	ClientID          string
	ClientSecret      string
	ClientSecretPath  string // PEM private key path, for jwt-assertion
	TokenURL          string
	Audience          string
	Scope             string
}

const defaultScope = "system/*.read system/*.write"

// ParseConnectionString parses the fhir:// connection-string grammar into a
// SourceDescriptor for the given source name. It fails fast — before any
// network I/O — when client_id or token_url are missing.
func ParseConnectionString(name, raw string) (*SourceDescriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.InvalidArgument, "malformed connection string", err)
	}
	if u.Scheme != "fhir" {
		return nil, gwerrors.New(gwerrors.InvalidArgument, fmt.Sprintf("connection string scheme must be \"fhir\", got %q", u.Scheme))
	}

	q := u.Query()
	clientID := q.Get("client_id")
	tokenURL := q.Get("token_url")
	useJWT := q.Get("use_jwt_assertion") == "true" || q.Get("use_jwt_assertion") == "1"

	if clientID == "" {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "connection string is missing required field client_id")
	}
	if tokenURL == "" {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "connection string is missing required field token_url")
	}

	host := u.Host
	path := strings.TrimSuffix(u.Path, "/")
	baseURL := fmt.Sprintf("https://%s%s", host, path)
	if schemeHint := q.Get("scheme"); schemeHint != "" {
		baseURL = fmt.Sprintf("%s://%s%s", schemeHint, host, path)
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = defaultScope
	}

	mode := AuthClientCredentials
	if useJWT {
		mode = AuthJWTAssertion
	}

	desc := &SourceDescriptor{
		Name:             name,
		BaseURL:          baseURL,
		AuthMode:         mode,
		ClientID:         clientID,
		ClientSecret:     q.Get("client_secret"),
		ClientSecretPath: q.Get("client_secret_path"),
		TokenURL:         tokenURL,
		Audience:         q.Get("audience"),
		Scope:            scope,
	}

	if mode == AuthJWTAssertion && desc.ClientSecretPath == "" {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "use_jwt_assertion=true requires client_secret_path (PEM private key)")
	}
	if mode == AuthClientCredentials && desc.ClientSecret == "" && desc.ClientSecretPath == "" {
		return nil, gwerrors.New(gwerrors.InvalidArgument, "client-credentials auth requires client_secret or client_secret_path")
	}

	return desc, nil
}
