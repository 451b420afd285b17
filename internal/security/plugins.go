package security

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
)

// TokenAuth holds the shared bearer token probes carry. An empty path
// disables authentication.
type TokenAuth struct {
	path  string
	mu    sync.RWMutex
	token string
}

func NewTokenAuth(path string) *TokenAuth {
	return &TokenAuth{path: path}
}

func (a *TokenAuth) Name() string { return "auth" }

func (a *TokenAuth) Init(context.Context) error {
	if a.path == "" {
		return nil
	}
	data, err := os.ReadFile(a.path)
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file %s is empty", a.path)
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return nil
}

func (a *TokenAuth) Fini() error {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
	return nil
}

// Token returns the loaded token, or "" when authentication is disabled.
func (a *TokenAuth) Token() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.token
}

// Authorize checks the request's bearer token. Every request is accepted
// when authentication is disabled.
func (a *TokenAuth) Authorize(r *http.Request) bool {
	want := a.Token()
	if want == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// TLS loads the CA bundle used to verify agents when they are probed over
// HTTPS. An empty path keeps the system roots.
type TLS struct {
	caFile string
	mu     sync.RWMutex
	config *tls.Config
}

func NewTLS(caFile string) *TLS {
	return &TLS{caFile: caFile}
}

func (t *TLS) Name() string { return "tls" }

func (t *TLS) Init(context.Context) error {
	if t.caFile == "" {
		return nil
	}
	pem, err := os.ReadFile(t.caFile)
	if err != nil {
		return fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return errors.New("no certificates found in CA bundle")
	}
	t.mu.Lock()
	t.config = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	t.mu.Unlock()
	return nil
}

func (t *TLS) Fini() error {
	t.mu.Lock()
	t.config = nil
	t.mu.Unlock()
	return nil
}

// Config returns the client TLS config, or nil to use the defaults.
func (t *TLS) Config() *tls.Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.config
}
