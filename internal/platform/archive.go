package platform

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/filesystem"
)

var (
	archiveItemRe    = regexp.MustCompile(`^https?://(?:www\.)?archive\.org/details/(?P<id>[^/?#]+)`)
	archiveWaybackRe = regexp.MustCompile(`^https?://web\.archive\.org/web/(?P<timestamp>\d+)(?:[a-z_]+)?/(?P<target>.+)`)
	archiveTodayRe   = regexp.MustCompile(`^https?://archive\.(?:today|ph|is|li|md|vn)/(?P<code>\S+)`)
)

// archiveFile is one entry of the item metadata manifest. Sizes arrive as
// strings.
type archiveFile struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Format string `json:"format"`
	Size   string `json:"size"`
}

type archiveHandler struct {
	deps    *Deps
	apiBase string
}

// NewArchive resolves archive.org items through the metadata API and fetches
// the largest non-metadata file; wayback and archive.today snapshots are
// fetched as pages.
func NewArchive(deps *Deps) Handler {
	return &archiveHandler{deps: deps, apiBase: "https://archive.org"}
}

func (h *archiveHandler) Descriptor() Descriptor {
	return Descriptor{
		ID:           "archive",
		DisplayName:  "Internet Archive",
		Category:     "archive",
		Priority:     15,
		URLKinds:     []string{"item", "snapshot", "snapshot_today"},
		RateLimitRPM: 30,
	}
}

func (h *archiveHandler) Classify(rawURL string) (*Match, bool) {
	for _, p := range []urlPattern{
		{"item", archiveItemRe},
		{"snapshot", archiveWaybackRe},
		{"snapshot_today", archiveTodayRe},
	} {
		if meta, ok := matchMeta(p.re, rawURL); ok {
			return &Match{PlatformID: "archive", DisplayName: "Internet Archive", Kind: p.kind, Metadata: meta}, true
		}
	}
	return nil, false
}

func (h *archiveHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	match, ok := h.Classify(rawURL)
	if !ok {
		return failure(fault.New(fault.UnsupportedURL, "archive does not accept %s", rawURL))
	}
	if _, err := h.deps.gate(ctx, "archive", opts); err != nil {
		return failure(err)
	}
	extra := map[string]any{"platform": "archive", "url_kind": match.Kind}

	switch match.Kind {
	case "item":
		itemID := match.Metadata["id"]
		file, err := h.primaryFile(ctx, itemID)
		if err != nil {
			return failure(err)
		}
		res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
			URL:  fmt.Sprintf("%s/download/%s/%s", h.apiBase, itemID, escapeSegments(file.Name)),
			Dest: filepath.Join(h.deps.Root, "archive", filesystem.SanitizeFilename(itemID), filesystem.SanitizeFilename(file.Name)),
			Sink: sink,
		})
		if err != nil {
			return failure(err)
		}
		extra["item"] = itemID
		extra["file"] = file.Name
		return fromFetch(res, extra)

	case "snapshot":
		name := "wayback_" + match.Metadata["timestamp"] + "_" +
			filesystem.SanitizeFilename(hostOf(match.Metadata["target"])) + ".html"
		res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
			URL:  rawURL,
			Dest: filepath.Join(h.deps.Root, "archive", name),
			Sink: sink,
		})
		if err != nil {
			return failure(err)
		}
		return fromFetch(res, extra)

	default: // snapshot_today
		name := "today_" + filesystem.SanitizeFilename(match.Metadata["code"]) + ".html"
		res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
			URL:  rawURL,
			Dest: filepath.Join(h.deps.Root, "archive", name),
			Sink: sink,
		})
		if err != nil {
			return failure(err)
		}
		return fromFetch(res, extra)
	}
}

// primaryFile picks the largest file that is item content rather than
// archive bookkeeping.
func (h *archiveHandler) primaryFile(ctx context.Context, itemID string) (*archiveFile, error) {
	var doc struct {
		Files []archiveFile `json:"files"`
	}
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/metadata/%s", h.apiBase, itemID), "", &doc); err != nil {
		return nil, err
	}

	var best *archiveFile
	var bestSize int64 = -1
	for i := range doc.Files {
		f := &doc.Files[i]
		if isArchiveMetadata(f) {
			continue
		}
		size, _ := strconv.ParseInt(f.Size, 10, 64)
		if size > bestSize {
			best, bestSize = f, size
		}
	}
	if best == nil {
		return nil, fault.New(fault.NetworkPermanent, "item %s has no downloadable files", itemID)
	}
	return best, nil
}

func isArchiveMetadata(f *archiveFile) bool {
	if f.Format == "Metadata" || f.Source == "metadata" {
		return true
	}
	for _, suffix := range []string{"_meta.xml", "_files.xml", "_reviews.xml", "_meta.sqlite"} {
		if strings.HasSuffix(f.Name, suffix) {
			return true
		}
	}
	return false
}

// escapeSegments escapes each path segment of an item file name, which may
// itself contain slashes.
func escapeSegments(name string) string {
	segs := strings.Split(name, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func hostOf(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "snapshot"
	}
	return u.Hostname()
}

func (h *archiveHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	match, ok := h.Classify(rawURL)
	if !ok {
		return nil, fault.New(fault.UnsupportedURL, "archive does not accept %s", rawURL)
	}
	if match.Kind != "item" {
		return map[string]any{"platform": "archive", "url_kind": match.Kind}, nil
	}
	var doc map[string]any
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/metadata/%s", h.apiBase, match.Metadata["id"]), "", &doc); err != nil {
		return nil, err
	}
	doc["platform"] = "archive"
	doc["url_kind"] = match.Kind
	return doc, nil
}

func (h *archiveHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	return &CredentialStatus{Valid: false, Error: "archive does not take credentials"}, nil
}
