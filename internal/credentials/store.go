// Package credentials resolves per-platform secrets from an external
// credential store and repackages them for handler use: bearer tokens for
// API calls, cookie files for the extractor.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"galion/internal/fault"
)

// Secret is what the credential store hands back for one platform.
type Secret struct {
	Token    string `json:"token"`
	Cookies  string `json:"cookies"`
	Username string `json:"username"`
}

// Empty reports whether the secret carries nothing usable.
func (s *Secret) Empty() bool {
	return s == nil || (s.Token == "" && s.Cookies == "")
}

// retryLogger adapts retryablehttp's leveled logging onto slog. Info and
// debug stay quiet; retries are routine.
type retryLogger struct {
	logger *slog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}
func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}
func (l *retryLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {}

// Store caches lookups against the configured credential endpoint. A Store
// with no endpoint answers every lookup with nil, nil: credentials are
// simply not configured.
type Store struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Secret
}

func NewStore(endpoint string, logger *slog.Logger) *Store {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 15 * time.Second
	rc.Logger = &retryLogger{logger: logger}
	return &Store{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   rc.StandardClient(),
		logger:   logger,
		cache:    make(map[string]*Secret),
	}
}

// Lookup fetches the secret for a platform. A 404 from the store means no
// credential is provisioned and is not an error; the nil result is cached.
func (s *Store) Lookup(ctx context.Context, platformID string) (*Secret, error) {
	if s.endpoint == "" {
		return nil, nil
	}

	s.mu.RLock()
	cached, ok := s.cache[platformID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint+"/secrets/"+url.PathEscape(platformID), nil)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkPermanent, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		s.store(platformID, nil)
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fault.New(fault.AuthRequired, "credential store rejected access for %s (%d)", platformID, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fault.New(fault.FromStatus(resp.StatusCode), "credential store returned %d for %s", resp.StatusCode, platformID)
	}

	var secret Secret
	if err := json.NewDecoder(resp.Body).Decode(&secret); err != nil {
		return nil, fault.New(fault.NetworkPermanent, "decode credential for %s: %v", platformID, err)
	}
	s.store(platformID, &secret)
	return &secret, nil
}

// Invalidate drops the cached secret so the next Lookup hits the store
// again, for example after a 401 from the platform.
func (s *Store) Invalidate(platformID string) {
	s.mu.Lock()
	delete(s.cache, platformID)
	s.mu.Unlock()
}

func (s *Store) store(platformID string, secret *Secret) {
	s.mu.Lock()
	s.cache[platformID] = secret
	s.mu.Unlock()
}

// ParseCookieString parses a raw cookie string ("a=b; c=d") into a slice of
// http.Cookie.
func ParseCookieString(raw string) []*http.Cookie {
	header := http.Header{}
	header.Add("Cookie", raw)
	req := http.Request{Header: header}
	return req.Cookies()
}

// WriteCookieFile renders the raw cookie string in the Netscape format the
// extractor consumes and writes it under dir with owner-only permissions.
func WriteCookieFile(dir, platformID, domain, rawCookies string) (string, error) {
	cookies := ParseCookieString(rawCookies)
	if len(cookies) == 0 {
		return "", fmt.Errorf("no parseable cookies for %s", platformID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("# Netscape HTTP Cookie File\n")
	expiry := time.Now().Add(24 * time.Hour).Unix()
	for _, c := range cookies {
		// domain, include-subdomains, path, secure, expiry, name, value
		fmt.Fprintf(&b, ".%s\tTRUE\t/\tTRUE\t%d\t%s\t%s\n", domain, expiry, c.Name, c.Value)
	}

	path := filepath.Join(dir, platformID+"_cookies.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return "", err
	}
	return path, nil
}
