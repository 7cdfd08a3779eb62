package mcp

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

// AuthType selects how credentials are attached to HTTP requests.
type AuthType string

const (
	AuthBearer AuthType = "bearer"
	AuthAPIKey AuthType = "apikey"
	AuthOAuth  AuthType = "oauth"
)

// defaultAPIKeyHeader is used for apikey auth when no header is named.
const defaultAPIKeyHeader = "X-API-Key"

// Auth describes credentials for the http and sse transports. The token
// is resolved on every request, so rotating the environment variable or
// the TokenFunc result takes effect without reconnecting.
type Auth struct {
	Type AuthType
	// Token is a literal credential.
	Token string
	// TokenEnv names an environment variable holding the credential.
	// It wins over Token when set and non-empty.
	TokenEnv string
	// HeaderName is the header used for apikey auth.
	HeaderName string
	// TokenFunc supplies the credential for oauth. It wins over both
	// TokenEnv and Token.
	TokenFunc func() (string, error)
}

func (a *Auth) token() (string, error) {
	if a.TokenFunc != nil {
		return a.TokenFunc()
	}
	if a.TokenEnv != "" {
		if v := os.Getenv(a.TokenEnv); v != "" {
			return v, nil
		}
	}
	return a.Token, nil
}

// apply sets the credential header on req. A nil Auth is a no-op.
func (a *Auth) apply(req *http.Request) error {
	if a == nil || a.Type == "" {
		return nil
	}
	tok, err := a.token()
	if err != nil {
		return fmt.Errorf("resolve %s token: %w", a.Type, err)
	}
	if tok == "" {
		return fmt.Errorf("%s auth configured but no token available", a.Type)
	}

	switch a.Type {
	case AuthBearer, AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+tok)
	case AuthAPIKey:
		header := strings.TrimSpace(a.HeaderName)
		if header == "" {
			header = defaultAPIKeyHeader
		}
		req.Header.Set(header, tok)
	default:
		return fmt.Errorf("unsupported auth type %q", a.Type)
	}
	return nil
}

// applyHeaders copies static headers onto req, then attaches auth so
// configured headers cannot silently replace the credential.
func applyHeaders(req *http.Request, headers map[string]string, auth *Auth) error {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return auth.apply(req)
}
