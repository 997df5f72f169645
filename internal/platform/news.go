package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/filesystem"
)

// newsDomains is the outlet whitelist. Subdomains of a listed domain match
// too (edition.cnn.com, www.theguardian.com).
var newsDomains = map[string]bool{
	"nytimes.com": true, "washingtonpost.com": true, "theguardian.com": true,
	"bbc.com": true, "bbc.co.uk": true, "cnn.com": true, "reuters.com": true,
	"apnews.com": true, "bloomberg.com": true, "wsj.com": true, "ft.com": true,
	"economist.com": true, "aljazeera.com": true, "npr.org": true,
	"cnbc.com": true, "forbes.com": true, "theatlantic.com": true,
	"newyorker.com": true, "wired.com": true, "arstechnica.com": true,
	"theverge.com": true, "techcrunch.com": true, "engadget.com": true,
	"vice.com": true, "axios.com": true, "politico.com": true,
	"thehill.com": true, "time.com": true, "usatoday.com": true,
	"latimes.com": true, "nbcnews.com": true, "abcnews.go.com": true,
	"cbsnews.com": true, "foxnews.com": true, "dw.com": true,
	"france24.com": true, "spiegel.de": true, "lemonde.fr": true,
}

func newsWhitelisted(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	if newsDomains[host] {
		return true
	}
	for i := strings.Index(host, "."); i >= 0; i = strings.Index(host, ".") {
		host = host[i+1:]
		if newsDomains[host] {
			return true
		}
	}
	return false
}

type newsHandler struct {
	deps *Deps
}

// NewNews converts whitelisted outlet articles to Markdown files with a
// title/source/date header.
func NewNews(deps *Deps) Handler {
	return &newsHandler{deps: deps}
}

func (h *newsHandler) Descriptor() Descriptor {
	return Descriptor{
		ID:           "news",
		DisplayName:  "News Article",
		Category:     "news",
		Priority:     20,
		URLKinds:     []string{"article"},
		RateLimitRPM: 60,
	}
}

func (h *newsHandler) Classify(rawURL string) (*Match, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	if !newsWhitelisted(u.Hostname()) {
		return nil, false
	}
	// An article lives below the front page.
	if strings.Trim(u.Path, "/") == "" {
		return nil, false
	}
	return &Match{
		PlatformID:  "news",
		DisplayName: "News Article",
		Kind:        "article",
		Metadata:    map[string]string{"domain": u.Hostname()},
	}, true
}

func (h *newsHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	start := time.Now()
	if _, ok := h.Classify(rawURL); !ok {
		return failure(fault.New(fault.UnsupportedURL, "news does not accept %s", rawURL))
	}
	if _, err := h.deps.gate(ctx, "news", opts); err != nil {
		return failure(err)
	}

	doc, err := h.fetchHTML(ctx, rawURL)
	if err != nil {
		return failure(err)
	}

	title := pageTitle(doc)
	if title == "" {
		title = "article"
	}
	date := publishedAt(doc)
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	body := renderMarkdown(contentRoot(doc))
	content := fmt.Sprintf("---\ntitle: %s\nsource: %s\ndate: %s\n---\n\n%s", title, rawURL, date, body)

	dest := filepath.Join(h.deps.Root, "news", filesystem.SanitizeFilename(title)+".md")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return failure(fault.Wrap(fault.IOFailure, err))
	}
	if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
		return failure(fault.Wrap(fault.IOFailure, err))
	}

	size := int64(len(content))
	sum := sha256.Sum256([]byte(content))
	if sink != nil {
		sink(engine.Progress{Percent: 100, Downloaded: size, Total: size, Status: "completed"})
	}
	return &Result{
		Success:  true,
		Path:     dest,
		Size:     size,
		SHA256:   hex.EncodeToString(sum[:]),
		Duration: time.Since(start).Seconds(),
		Extra: map[string]any{
			"platform": "news",
			"url_kind": "article",
			"title":    title,
		},
	}
}

func (h *newsHandler) fetchHTML(ctx context.Context, rawURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkPermanent, err)
	}
	req.Header.Set("User-Agent", engine.GenericUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := h.deps.api.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.FromErr(err), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fault.New(fault.FromStatus(resp.StatusCode), "%s: %s", rawURL, fault.Describe(resp.StatusCode))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fault.New(fault.NetworkPermanent, "parse article html: %v", err)
	}
	return doc, nil
}

func (h *newsHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	match, ok := h.Classify(rawURL)
	if !ok {
		return nil, fault.New(fault.UnsupportedURL, "news does not accept %s", rawURL)
	}
	doc, err := h.fetchHTML(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"platform":  "news",
		"url_kind":  "article",
		"title":     pageTitle(doc),
		"published": publishedAt(doc),
		"domain":    match.Metadata["domain"],
	}, nil
}

func (h *newsHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	return &CredentialStatus{Valid: false, Error: "news does not take credentials"}, nil
}
