package platform

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/fault"
	"galion/internal/filesystem"
)

var (
	civitaiModelRe    = regexp.MustCompile(`^https?://(?:www\.)?civitai\.com/models/(?P<model_id>\d+)`)
	civitaiDownloadRe = regexp.MustCompile(`^https?://(?:www\.)?civitai\.com/api/download/models/(?P<version_id>\d+)`)
)

// civitaiModel is the slice of the models API response the handler consumes.
type civitaiModel struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	ModelVersions []struct {
		ID    int           `json:"id"`
		Name  string        `json:"name"`
		Files []civitaiFile `json:"files"`
	} `json:"modelVersions"`
}

type civitaiFile struct {
	Name        string  `json:"name"`
	SizeKB      float64 `json:"sizeKB"`
	Type        string  `json:"type"`
	Primary     bool    `json:"primary"`
	DownloadURL string  `json:"downloadUrl"`
	Hashes      struct {
		SHA256 string `json:"SHA256"`
	} `json:"hashes"`
}

type civitaiHandler struct {
	deps    *Deps
	apiBase string
}

// NewCivitAI resolves model pages through the CivitAI REST API and fetches
// the primary file with its published SHA-256 as the expected digest.
func NewCivitAI(deps *Deps) Handler {
	return &civitaiHandler{deps: deps, apiBase: "https://civitai.com/api/v1"}
}

func (h *civitaiHandler) Descriptor() Descriptor {
	return Descriptor{
		ID:           "civitai",
		DisplayName:  "CivitAI",
		Category:     "ai",
		Priority:     50,
		URLKinds:     []string{"model", "direct_download"},
		RateLimitRPM: 60,
	}
}

func (h *civitaiHandler) Classify(rawURL string) (*Match, bool) {
	if meta, ok := matchMeta(civitaiModelRe, rawURL); ok {
		if u, err := url.Parse(rawURL); err == nil {
			if v := u.Query().Get("modelVersionId"); v != "" {
				meta["version_id"] = v
			}
		}
		return &Match{PlatformID: "civitai", DisplayName: "CivitAI", Kind: "model", Metadata: meta}, true
	}
	if meta, ok := matchMeta(civitaiDownloadRe, rawURL); ok {
		return &Match{PlatformID: "civitai", DisplayName: "CivitAI", Kind: "direct_download", Metadata: meta}, true
	}
	return nil, false
}

func (h *civitaiHandler) Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result {
	match, ok := h.Classify(rawURL)
	if !ok {
		return failure(fault.New(fault.UnsupportedURL, "civitai does not accept %s", rawURL))
	}
	secret, err := h.deps.gate(ctx, "civitai", opts)
	if err != nil {
		return failure(err)
	}
	headers := map[string]string{}
	if tok := bearer(secret); tok != "" {
		headers["Authorization"] = "Bearer " + tok
	}

	if match.Kind == "direct_download" {
		res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
			URL:     rawURL,
			Dest:    filepath.Join(h.deps.Root, "civitai", "Model", filesystem.SanitizeFilename(filepath.Base(rawURL))),
			Sink:    sink,
			Headers: headers,
		})
		if err != nil {
			return failure(err)
		}
		return fromFetch(res, map[string]any{"platform": "civitai", "url_kind": match.Kind})
	}

	model, version, file, err := h.resolve(ctx, match.Metadata["model_id"], match.Metadata["version_id"], bearer(secret))
	if err != nil {
		return failure(err)
	}

	dest := filepath.Join(h.deps.Root, "civitai",
		filesystem.SanitizeFilename(model.Type),
		filesystem.SanitizeFilename(file.Name))
	res, err := h.deps.Engine.Fetch(ctx, engine.FetchRequest{
		URL:            file.DownloadURL,
		Dest:           dest,
		Sink:           sink,
		ExpectedSHA256: file.Hashes.SHA256,
		Headers:        headers,
	})
	if err != nil {
		return failure(err)
	}
	return fromFetch(res, map[string]any{
		"platform":   "civitai",
		"url_kind":   match.Kind,
		"model_id":   match.Metadata["model_id"],
		"model_name": model.Name,
		"model_type": model.Type,
		"version_id": strconv.Itoa(version),
	})
}

// resolve picks the requested (or first) version and its primary file.
func (h *civitaiHandler) resolve(ctx context.Context, modelID, versionID, token string) (*civitaiModel, int, *civitaiFile, error) {
	var model civitaiModel
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/models/%s", h.apiBase, modelID), token, &model); err != nil {
		return nil, 0, nil, err
	}
	if len(model.ModelVersions) == 0 {
		return nil, 0, nil, fault.New(fault.NetworkPermanent, "civitai model %s has no versions", modelID)
	}

	version := model.ModelVersions[0]
	if versionID != "" {
		want, _ := strconv.Atoi(versionID)
		found := false
		for _, v := range model.ModelVersions {
			if v.ID == want {
				version = v
				found = true
				break
			}
		}
		if !found {
			return nil, 0, nil, fault.New(fault.NetworkPermanent, "civitai model %s has no version %s", modelID, versionID)
		}
	}
	if len(version.Files) == 0 {
		return nil, 0, nil, fault.New(fault.NetworkPermanent, "civitai model %s version %d has no files", modelID, version.ID)
	}

	file := version.Files[0]
	for _, f := range version.Files {
		if f.Primary {
			file = f
			break
		}
	}
	return &model, version.ID, &file, nil
}

func (h *civitaiHandler) Info(ctx context.Context, rawURL string) (map[string]any, error) {
	match, ok := h.Classify(rawURL)
	if !ok {
		return nil, fault.New(fault.UnsupportedURL, "civitai does not accept %s", rawURL)
	}
	if match.Kind != "model" {
		return map[string]any{"platform": "civitai", "url_kind": match.Kind}, nil
	}
	var doc map[string]any
	if err := h.deps.fetchJSON(ctx, fmt.Sprintf("%s/models/%s", h.apiBase, match.Metadata["model_id"]), "", &doc); err != nil {
		return nil, err
	}
	doc["platform"] = "civitai"
	doc["url_kind"] = match.Kind
	return doc, nil
}

// ValidateCredential probes the models endpoint with the key; CivitAI has no
// dedicated whoami route.
func (h *civitaiHandler) ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error) {
	if secret.Empty() {
		return &CredentialStatus{Valid: false, Error: "api key required"}, nil
	}
	var doc map[string]any
	err := h.deps.fetchJSON(ctx, h.apiBase+"/models?limit=1", secret.Token, &doc)
	if err != nil {
		if fault.KindOf(err) == fault.AuthRequired {
			return &CredentialStatus{Valid: false, Error: "api key rejected"}, nil
		}
		return nil, err
	}
	return &CredentialStatus{Valid: true, Username: secret.Username}, nil
}
