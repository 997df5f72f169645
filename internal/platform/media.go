package platform

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/extractor"
	"galion/internal/fault"
)

// urlPattern binds a URL kind to its recognizer. Named capture groups become
// Match metadata.
type urlPattern struct {
	kind string
	re   *regexp.Regexp
}

func matchMeta(re *regexp.Regexp, rawURL string) (map[string]string, bool) {
	m := re.FindStringSubmatch(rawURL)
	if m == nil {
		return nil, false
	}
	meta := make(map[string]string)
	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" || m[i] == "" {
			continue
		}
		meta[name] = m[i]
	}
	return meta, true
}

// mediaHandler is the shared shape of the extractor-delegating platforms.
// Each platform contributes a descriptor, URL patterns, and a cookie domain;
// the download path is identical: classify, gate, assemble extractor options,
// run, stat the artifact.
type mediaHandler struct {
	deps          *Deps
	desc          Descriptor
	subdir        string
	cookieDomain  string
	patterns      []urlPattern
	playlistKinds map[string]bool
}

func (h *mediaHandler) Descriptor() Descriptor { return h.desc }

func (h *mediaHandler) Classify(rawURL string) (*Match, bool) {
	for _, p := range h.patterns {
		if meta, ok := matchMeta(p.re, rawURL); ok {
			return &Match{
				PlatformID:  h.desc.ID,
				DisplayName: h.desc.DisplayName,
				Kind:        p.kind,
				Metadata:    meta,
			}, true
		}
	}
	return nil, false
}

func (h *mediaHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	start := time.Now()

	match, ok := h.Classify(rawURL)
	if !ok {
		return failure(fault.New(fault.UnsupportedURL, "%s does not accept %s", h.desc.ID, rawURL))
	}

	secret, err := h.deps.gate(ctx, h.desc.ID, opts)
	if err != nil {
		return failure(err)
	}

	run := extractor.RunOptions{
		Quality:        opts.Get("quality"),
		Subtitles:      opts.Bool("subtitles"),
		Playlist:       h.playlistKinds[match.Kind],
		OutputTemplate: filepath.Join(h.deps.Root, h.subdir, "%(title)s.%(ext)s"),
	}
	if secret != nil && secret.Cookies != "" {
		cookieFile, err := credentials.WriteCookieFile(
			filepath.Join(h.deps.Root, ".cookies"), h.desc.ID, h.cookieDomain, secret.Cookies)
		if err != nil {
			h.deps.Logger.Warn("Cookie file not written, continuing without",
				"platform", h.desc.ID, "error", err)
		} else {
			run.CookieFile = cookieFile
		}
	}
	if tok := bearer(secret); tok != "" {
		run.Headers = map[string]string{"Authorization": "Bearer " + tok}
	}

	out, err := h.deps.Extractor.Run(ctx, rawURL, run, func(percent float64) {
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
		Extra: map[string]any{
			"platform": h.desc.ID,
			"url_kind": match.Kind,
		},
	}
}

func (h *mediaHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	if err := h.deps.RateGate.Acquire(ctx, h.desc.ID); err != nil {
		return nil, fault.Wrap(fault.NetworkTransient, err)
	}
	return h.deps.Extractor.Info(ctx, rawURL)
}

// ValidateCredential checks cookie shape. Media platforms authenticate with
// browser cookies; a live end-to-end check would cost a full extractor run.
func (h *mediaHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	if secret.Empty() || secret.Cookies == "" {
		return &CredentialStatus{Valid: false, Error: "cookie credential required"}, nil
	}
	if len(credentials.ParseCookieString(secret.Cookies)) == 0 {
		return &CredentialStatus{Valid: false, Error: "cookie string did not parse"}, nil
	}
	return &CredentialStatus{Valid: true, Username: secret.Username}, nil
}

// extractorRunOptions assembles the options for a generic stream page.
func extractorRunOptions(root string, opts Options) extractor.RunOptions {
	return extractor.RunOptions{
		Quality:        opts.Get("quality"),
		Subtitles:      opts.Bool("subtitles"),
		OutputTemplate: filepath.Join(root, "generic", "%(title)s.%(ext)s"),
	}
}

func statSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
