package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"galion/internal/fault"
	"galion/internal/logger"
)

func TestLookupReturnsSecret(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/secrets/civitai" {
			t.Errorf("Expected path /secrets/civitai, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"tok-123","cookies":"sid=abc","username":"alice"}`))
	}))
	defer srv.Close()

	store := NewStore(srv.URL, logger.Discard())
	secret, err := store.Lookup(context.Background(), "civitai")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if secret.Token != "tok-123" {
		t.Errorf("Expected token tok-123, got %s", secret.Token)
	}
	if secret.Username != "alice" {
		t.Errorf("Expected username alice, got %s", secret.Username)
	}
	if secret.Empty() {
		t.Error("Expected secret to be non-empty")
	}

	// Second lookup is served from cache.
	if _, err := store.Lookup(context.Background(), "civitai"); err != nil {
		t.Fatalf("Expected no error on cached lookup, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 request to the store, got %d", hits.Load())
	}
}

func TestLookupNotFoundIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := NewStore(srv.URL, logger.Discard())
	secret, err := store.Lookup(context.Background(), "reddit")
	if err != nil {
		t.Fatalf("Expected no error for missing credential, got %v", err)
	}
	if secret != nil {
		t.Errorf("Expected nil secret, got %+v", secret)
	}
	if !secret.Empty() {
		t.Error("Expected nil secret to report empty")
	}
}

func TestLookupUnauthorizedIsAuthFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	store := NewStore(srv.URL, logger.Discard())
	_, err := store.Lookup(context.Background(), "instagram")
	if err == nil {
		t.Fatal("Expected error for forbidden store access")
	}
	if fault.KindOf(err) != fault.AuthRequired {
		t.Errorf("Expected AuthRequired fault, got %v", fault.KindOf(err))
	}
}

func TestLookupWithoutEndpoint(t *testing.T) {
	store := NewStore("", logger.Discard())
	secret, err := store.Lookup(context.Background(), "youtube")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if secret != nil {
		t.Errorf("Expected nil secret without an endpoint, got %+v", secret)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"token":"t"}`))
	}))
	defer srv.Close()

	store := NewStore(srv.URL, logger.Discard())
	ctx := context.Background()
	if _, err := store.Lookup(ctx, "github"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	store.Invalidate("github")
	if _, err := store.Lookup(ctx, "github"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected 2 requests after invalidation, got %d", hits.Load())
	}
}

func TestParseCookieString(t *testing.T) {
	cookies := ParseCookieString("sessionid=abc123; csrftoken=xyz; ds_user_id=42")
	if len(cookies) != 3 {
		t.Fatalf("Expected 3 cookies, got %d", len(cookies))
	}
	if cookies[0].Name != "sessionid" || cookies[0].Value != "abc123" {
		t.Errorf("Expected sessionid=abc123, got %s=%s", cookies[0].Name, cookies[0].Value)
	}
}

func TestParseCookieStringEmpty(t *testing.T) {
	if got := ParseCookieString(""); len(got) != 0 {
		t.Errorf("Expected no cookies, got %d", len(got))
	}
}

func TestWriteCookieFile(t *testing.T) {
	dir := t.TempDir()
	path, err := WriteCookieFile(dir, "instagram", "instagram.com", "sessionid=abc; csrftoken=xyz")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected cookie file to exist, got %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "# Netscape HTTP Cookie File\n") {
		t.Error("Expected Netscape header line")
	}
	if !strings.Contains(text, ".instagram.com\tTRUE\t/\tTRUE\t") {
		t.Error("Expected tab-separated domain fields")
	}
	if !strings.Contains(text, "\tsessionid\tabc\n") {
		t.Errorf("Expected sessionid row, got:\n%s", text)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected stat to succeed, got %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestWriteCookieFileRejectsGarbage(t *testing.T) {
	if _, err := WriteCookieFile(t.TempDir(), "x", "x.com", ""); err == nil {
		t.Error("Expected error for empty cookie string")
	}
}

func TestLookupTransientOnConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	// Plain client so the test does not sit through retry backoff.
	store := &Store{
		endpoint: srv.URL,
		client:   &http.Client{},
		logger:   logger.Discard(),
		cache:    make(map[string]*Secret),
	}
	_, err := store.Lookup(context.Background(), "tiktok")
	if err == nil {
		t.Fatal("Expected error for unreachable store")
	}
	if fault.KindOf(err) != fault.NetworkTransient {
		t.Errorf("Expected NetworkTransient fault, got %v", fault.KindOf(err))
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Error("Expected a fault.Error in the chain")
	}
}
