package platform

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"regexp"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/filesystem"
)

var (
	githubRawRe      = regexp.MustCompile(`^https?://raw\.githubusercontent\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/`)
	githubAssetRe    = regexp.MustCompile(`^https?://github\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/releases/download/`)
	githubReleaseRe  = regexp.MustCompile(`^https?://github\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/releases/tag/(?P<tag>[^/?#]+)`)
	githubLatestRe   = regexp.MustCompile(`^https?://github\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/releases(?:/latest)?/?$`)
	githubRepoRe     = regexp.MustCompile(`^https?://github\.com/(?P<owner>[\w.-]+)/(?P<repo>[\w.-]+)/?$`)
)

// ghRelease mirrors the fields of the releases API the handler reads.
type ghRelease struct {
	TagName    string    `json:"tag_name"`
	Name       string    `json:"name"`
	ZipballURL string    `json:"zipball_url"`
	Assets     []ghAsset `json:"assets"`
}

type ghAsset struct {
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type githubHandler struct {
	deps         *Deps
	apiBase      string
	codeloadBase string
}

// NewGitHub downloads release assets (the largest one is the primary), bare
// repos as codeload zipballs, and raw file URLs directly.
func NewGitHub(deps *Deps) Handler {
	return &githubHandler{
		deps:         deps,
		apiBase:      "https://api.github.com",
		codeloadBase: "https://codeload.github.com",
	}
}

func (h *githubHandler) Descriptor() Descriptor {
	return Descriptor{
		ID:           "github",
		DisplayName:  "GitHub",
		Category:     "development",
		Priority:     50,
		URLKinds:     []string{"release", "latest_release", "repo", "raw"},
		RateLimitRPM: 60,
	}
}

func (h *githubHandler) Classify(rawURL string) (*Match, bool) {
	for _, p := range []urlPattern{
		{"raw", githubRawRe},
		{"raw", githubAssetRe},
		{"release", githubReleaseRe},
		{"latest_release", githubLatestRe},
		{"repo", githubRepoRe},
	} {
		if meta, ok := matchMeta(p.re, rawURL); ok {
			return &Match{PlatformID: "github", DisplayName: "GitHub", Kind: p.kind, Metadata: meta}, true
		}
	}
	return nil, false
}

func (h *githubHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	match, ok := h.Classify(rawURL)
	if !ok {
		return failure(fault.New(fault.UnsupportedURL, "github does not accept %s", rawURL))
	}
	secret, err := h.deps.gate(ctx, "github", opts)
	if err != nil {
		return failure(err)
	}
	token := bearer(secret)
	headers := map[string]string{}
	if token != "" {
		headers["Authorization"] = "Bearer " + token
	}

	owner, repo := match.Metadata["owner"], match.Metadata["repo"]
	repoDir := filesystem.SanitizeFilename(owner + "_" + repo)
	extra := map[string]any{"platform": "github", "url_kind": match.Kind, "owner": owner, "repo": repo}

	var fetchURL, dest string
	switch match.Kind {
	case "raw":
		fetchURL = rawURL
		dest = filepath.Join(h.deps.Root, "github", repoDir, filesystem.SanitizeFilename(path.Base(rawURL)))
	case "release", "latest_release":
		rel, err := h.release(ctx, owner, repo, match.Metadata["tag"], token)
		if err != nil {
			return failure(err)
		}
		extra["tag"] = rel.TagName
		if asset := primaryAsset(rel); asset != nil {
			fetchURL = asset.BrowserDownloadURL
			dest = filepath.Join(h.deps.Root, "github", repoDir, filesystem.SanitizeFilename(asset.Name))
		} else {
			// Source-only release.
			fetchURL = rel.ZipballURL
			dest = filepath.Join(h.deps.Root, "github", repoDir,
				filesystem.SanitizeFilename(repo+"-"+rel.TagName+".zip"))
		}
	case "repo":
		branch, err := h.defaultBranch(ctx, owner, repo, token)
		if err != nil {
			return failure(err)
		}
		fetchURL = fmt.Sprintf("%s/%s/%s/zip/refs/heads/%s", h.codeloadBase, owner, repo, branch)
		dest = filepath.Join(h.deps.Root, "github", filesystem.SanitizeFilename(owner+"_"+repo+".zip"))
		extra["branch"] = branch
	}

	res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
		URL:     fetchURL,
		Dest:    dest,
		Sink:    sink,
		Headers: headers,
	})
	if err != nil {
		return failure(err)
	}
	return fromFetch(res, extra)
}

func (h *githubHandler) release(ctx context.Context, owner, repo, tag, token string) (*ghRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", h.apiBase, owner, repo)
	if tag != "" {
		url = fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", h.apiBase, owner, repo, tag)
	}
	var rel ghRelease
	if err := h.deps.fetchJSON(ctx, url, token, &rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

func (h *githubHandler) defaultBranch(ctx context.Context, owner, repo, token string) (string, error) {
	var doc struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/repos/%s/%s", h.apiBase, owner, repo), token, &doc); err != nil {
		return "", err
	}
	if doc.DefaultBranch == "" {
		return "main", nil
	}
	return doc.DefaultBranch, nil
}

// primaryAsset is the largest attachment.
func primaryAsset(rel *ghRelease) *ghAsset {
	var best *ghAsset
	for i := range rel.Assets {
		if best == nil || rel.Assets[i].Size > best.Size {
			best = &rel.Assets[i]
		}
	}
	return best
}

func (h *githubHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	match, ok := h.Classify(rawURL)
	if !ok {
		return nil, fault.New(fault.UnsupportedURL, "github does not accept %s", rawURL)
	}
	var doc map[string]any
	owner, repo := match.Metadata["owner"], match.Metadata["repo"]
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/repos/%s/%s", h.apiBase, owner, repo), "", &doc); err != nil {
		return nil, err
	}
	doc["platform"] = "github"
	doc["url_kind"] = match.Kind
	return doc, nil
}

func (h *githubHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	if secret.Empty() {
		return &CredentialStatus{Valid: false, Error: "token required"}, nil
	}
	var user struct {
		Login string `json:"login"`
	}
	err := h.deps.fetchJSON(ctx, h.apiBase+"/user", secret.Token, &user)
	if err != nil {
		if fault.KindOf(err) == fault.AuthRequired {
			return &CredentialStatus{Valid: false, Error: "token rejected"}, nil
		}
		return nil, err
	}
	return &CredentialStatus{Valid: true, Username: user.Login}, nil
}
