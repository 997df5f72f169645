package platform

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/filesystem"
)

// hfEntry is one row of the Hub tree API. For LFS-tracked files the lfs block
// carries the real size and the SHA-256 oid.
type hfEntry struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	Oid  string `json:"oid"`
	Lfs  *hfLFS `json:"lfs"`
}

type hfLFS struct {
	Oid         string `json:"oid"`
	Size        int64  `json:"size"`
	PointerSize int64  `json:"pointerSize"`
}

// hfRef is the parsed identity of a repo URL.
type hfRef struct {
	kind  string // model or dataset
	owner string
	repo  string
	ref   string
}

// hfReserved lists first path segments that are site chrome, not owners.
var hfReserved = map[string]bool{
	"models": true, "spaces": true, "api": true, "blog": true, "docs": true,
	"join": true, "login": true, "settings": true, "tasks": true,
	"collections": true, "pricing": true, "posts": true, "papers": true,
}

type huggingfaceHandler struct {
	deps    *Deps
	apiBase string
}

// NewHuggingFace resolves model and dataset repos through the Hub tree API
// and fetches a single file, preferring the LFS oid as the expected digest.
func NewHuggingFace(deps *Deps) Handler {
	return &huggingfaceHandler{deps: deps, apiBase: "https://huggingface.co"}
}

func (h *huggingfaceHandler) Descriptor() Descriptor {
	return Descriptor{
		ID:           "huggingface",
		DisplayName:  "Hugging Face",
		Category:     "ai",
		Priority:     50,
		URLKinds:     []string{"model", "dataset"},
		RateLimitRPM: 60,
	}
}

func (h *huggingfaceHandler) parse(rawURL string) (*hfRef, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, false
	}
	host := strings.TrimPrefix(u.Hostname(), "www.")
	if host != "huggingface.co" && host != "hf.co" {
		return nil, false
	}

	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 2 || segs[0] == "" {
		return nil, false
	}

	ref := &hfRef{kind: "model", ref: "main"}
	if segs[0] == "datasets" {
		if len(segs) < 3 {
			return nil, false
		}
		ref.kind = "dataset"
		segs = segs[1:]
	} else if hfReserved[segs[0]] {
		return nil, false
	}

	ref.owner, ref.repo = segs[0], segs[1]
	if len(segs) >= 4 && segs[2] == "tree" {
		ref.ref = segs[3]
	}
	return ref, true
}

func (h *huggingfaceHandler) Classify(rawURL string) (*Match, bool) {
	ref, ok := h.parse(rawURL)
	if !ok {
		return nil, false
	}
	return &Match{
		PlatformID:  "huggingface",
		DisplayName: "Hugging Face",
		Kind:        ref.kind,
		Metadata: map[string]string{
			"owner": ref.owner,
			"repo":  ref.repo,
			"ref":   ref.ref,
		},
	}, true
}

// treeURL and resolveURL follow the Hub conventions: datasets carry a
// "datasets/" segment in both the API and resolve paths, models do not.
func (h *huggingfaceHandler) treeURL(ref *hfRef) string {
	if ref.kind == "dataset" {
		return fmt.Sprintf("%s/api/datasets/%s/%s/tree/%s", h.apiBase, ref.owner, ref.repo, ref.ref)
	}
	return fmt.Sprintf("%s/api/models/%s/%s/tree/%s", h.apiBase, ref.owner, ref.repo, ref.ref)
}

func (h *huggingfaceHandler) resolveURL(ref *hfRef, filePath string) string {
	if ref.kind == "dataset" {
		return fmt.Sprintf("%s/datasets/%s/%s/resolve/%s/%s", h.apiBase, ref.owner, ref.repo, ref.ref, filePath)
	}
	return fmt.Sprintf("%s/%s/%s/resolve/%s/%s", h.apiBase, ref.owner, ref.repo, ref.ref, filePath)
}

func (h *huggingfaceHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	ref, ok := h.parse(rawURL)
	if !ok {
		return failure(fault.New(fault.UnsupportedURL, "huggingface does not accept %s", rawURL))
	}
	if v := opts.Get("ref"); v != "" {
		ref.ref = v
	}
	secret, err := h.deps.gate(ctx, "huggingface", opts)
	if err != nil {
		return failure(err)
	}
	token := bearer(secret)

	var entries []hfEntry
	if err := h.deps.fetchJSON(ctx, h.treeURL(ref), token, &entries); err != nil {
		return failure(err)
	}

	entry, err := pickHFEntry(entries, opts.Get("file"))
	if err != nil {
		return failure(err)
	}

	expected := ""
	if entry.Lfs != nil {
		expected = entry.Lfs.Oid
	}
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	dest := filepath.Join(h.deps.Root, "huggingface",
		filesystem.SanitizeFilename(ref.owner+"_"+ref.repo),
		filesystem.SanitizeFilename(path.Base(entry.Path)))
	res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
		URL:            h.resolveURL(ref, entry.Path),
		Dest:           dest,
		Sink:           sink,
		ExpectedSHA256: expected,
		Headers:        headers,
	})
	if err != nil {
		return failure(err)
	}
	return fromFetch(res, map[string]any{
		"platform": "huggingface",
		"url_kind": ref.kind,
		"owner":    ref.owner,
		"repo":     ref.repo,
		"file":     entry.Path,
	})
}

// pickHFEntry returns the requested file, or the largest one when the caller
// did not name one. LFS sizes override the pointer-file size.
func pickHFEntry(entries []hfEntry, want string) (*hfEntry, error) {
	var best *hfEntry
	var bestSize int64 = -1
	for i := range entries {
		e := &entries[i]
		if e.Type != "file" {
			continue
		}
		if want != "" {
			if e.Path == want || path.Base(e.Path) == want {
				return e, nil
			}
			continue
		}
		size := e.Size
		if e.Lfs != nil && e.Lfs.Size > 0 {
			size = e.Lfs.Size
		}
		if size > bestSize {
			best, bestSize = e, size
		}
	}
	if want != "" {
		return nil, fault.New(fault.NetworkPermanent, "file %q not found in repo tree", want)
	}
	if best == nil {
		return nil, fault.New(fault.NetworkPermanent, "repo tree has no files")
	}
	return best, nil
}

func (h *huggingfaceHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	ref, ok := h.parse(rawURL)
	if !ok {
		return nil, fault.New(fault.UnsupportedURL, "huggingface does not accept %s", rawURL)
	}
	kindSeg := "models"
	if ref.kind == "dataset" {
		kindSeg = "datasets"
	}
	var doc map[string]any
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/api/%s/%s/%s", h.apiBase, kindSeg, ref.owner, ref.repo), "", &doc); err != nil {
		return nil, err
	}
	doc["platform"] = "huggingface"
	doc["url_kind"] = ref.kind
	return doc, nil
}

func (h *huggingfaceHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	if secret.Empty() {
		return &CredentialStatus{Valid: false, Error: "access token required"}, nil
	}
	var who struct {
		Name string `json:"name"`
	}
	err := h.deps.fetchJSON(ctx, h.apiBase+"/api/whoami-v2", secret.Token, &who)
	if err != nil {
		if fault.KindOf(err) == fault.AuthRequired {
			return &CredentialStatus{Valid: false, Error: "token rejected"}, nil
		}
		return nil, err
	}
	return &CredentialStatus{Valid: true, Username: who.Name}, nil
}
