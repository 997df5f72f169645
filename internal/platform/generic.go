package platform

import (
	"context"
	"net/url"
	"path"
	"path/filepath"
	"time"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/filesystem"
)

type genericHandler struct {
	deps *Deps
}

// NewGeneric is the catch-all: it accepts every http(s) URL, so detection is
// total. URLs naming a concrete file are fetched by the engine into a
// category directory; everything else is treated as a stream page and handed
// to the extractor.
func NewGeneric(deps *Deps) Handler {
	return &genericHandler{deps: deps}
}

func (h *genericHandler) Descriptor() Descriptor {
	return Descriptor{
		ID:          "generic",
		DisplayName: "Generic",
		Category:    "general",
		Priority:    100,
		Capabilities: Capabilities{
			SupportsQuality: true,
		},
		URLKinds:     []string{"direct", "stream"},
		RateLimitRPM: 120,
	}
}

func (h *genericHandler) Classify(rawURL string) (*Match, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, false
	}
	base := path.Base(u.Path)
	if filesystem.KnownExtension(base) {
		return &Match{
			PlatformID:  "generic",
			DisplayName: "Generic",
			Kind:        "direct",
			Metadata: map[string]string{
				"filename": base,
				"category": filesystem.CategoryFor(base),
			},
		}, true
	}
	return &Match{PlatformID: "generic", DisplayName: "Generic", Kind: "stream"}, true
}

func (h *genericHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	match, ok := h.Classify(rawURL)
	if !ok {
		return failure(fault.New(fault.UnsupportedURL, "generic accepts only http(s) urls, got %s", rawURL))
	}
	secret, err := h.deps.gate(ctx, "generic", opts)
	if err != nil {
		return failure(err)
	}

	if match.Kind == "direct" {
		name := filesystem.SanitizeFilename(match.Metadata["filename"])
		headers := map[string]string{}
		if tok := bearer(secret); tok != "" {
			headers["Authorization"] = "Bearer " + tok
		}
		res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
			URL:            rawURL,
			Dest:           filepath.Join(h.deps.Root, "generic", match.Metadata["category"], name),
			Sink:           sink,
			ExpectedSHA256: opts.Get("sha256"),
			Headers:        headers,
		})
		if err != nil {
			return failure(err)
		}
		return fromFetch(res, map[string]any{
			"platform": "generic",
			"url_kind": match.Kind,
			"category": match.Metadata["category"],
		})
	}

	// Stream pages go through the extractor, same as the media platforms.
	start := time.Now()
	out, err := h.deps.Extractor.Run(ctx, rawURL, extractorRunOptions(h.deps.Root, opts), func(percent float64) {
		if sink != nil {
			sink(engine.Progress{Percent: percent, Status: "downloading"})
		}
	})
	if err != nil {
		return failure(err)
	}
	size := statSize(out.Path)
	if sink != nil {
		sink(engine.Progress{Percent: 100, Downloaded: size, Total: size, Status: "completed"})
	}
	return &Result{
		Success:  true,
		Path:     out.Path,
		Size:     size,
		Duration: time.Since(start).Seconds(),
		Extra:    map[string]any{"platform": "generic", "url_kind": match.Kind},
	}
}

func (h *genericHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	match, ok := h.Classify(rawURL)
	if !ok {
		return nil, fault.New(fault.UnsupportedURL, "generic accepts only http(s) urls, got %s", rawURL)
	}
	if err := h.deps.RateGate.Acquire(ctx, "generic"); err != nil {
		return nil, fault.Wrap(fault.NetworkTransient, err)
	}
	if match.Kind == "stream" {
		return h.deps.Extractor.Info(ctx, rawURL)
	}
	probe, err := h.deps.Engine.Probe(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"platform":      "generic",
		"url_kind":      match.Kind,
		"filename":      probe.Filename,
		"size":          probe.Size,
		"content_type":  probe.ContentType,
		"accept_ranges": probe.AcceptRanges,
	}, nil
}

func (h *genericHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	return &CredentialStatus{Valid: false, Error: "generic does not take credentials"}, nil
}
