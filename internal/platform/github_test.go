package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"galion/internal/credentials"
)

func TestGitHubClassify(t *testing.T) {
	h := NewGitHub(newTestDeps(t))
	cases := []struct {
		url  string
		kind string
	}{
		{"https://github.com/owner/repo/releases/tag/v2.0.0", "release"},
		{"https://github.com/owner/repo/releases/latest", "latest_release"},
		{"https://github.com/owner/repo/releases", "latest_release"},
		{"https://github.com/owner/repo", "repo"},
		{"https://github.com/owner/repo/", "repo"},
		{"https://raw.githubusercontent.com/owner/repo/main/go.mod", "raw"},
		{"https://github.com/owner/repo/releases/download/v1.0/tool.tar.gz", "raw"},
	}
	for _, tc := range cases {
		m, ok := h.Classify(tc.url)
		if !ok {
			t.Errorf("Expected %s to classify", tc.url)
			continue
		}
		if m.Kind != tc.kind {
			t.Errorf("Expected kind %s for %s, got %s", tc.kind, tc.url, m.Kind)
		}
		if m.Metadata["owner"] != "owner" || m.Metadata["repo"] != "repo" {
			t.Errorf("Expected owner/repo metadata for %s, got %v", tc.url, m.Metadata)
		}
	}

	if _, ok := h.Classify("https://github.com/owner/repo/issues/42"); ok {
		t.Error("Expected issue url not to classify")
	}
}

func TestPrimaryAssetIsLargest(t *testing.T) {
	rel := &ghRelease{Assets: []ghAsset{
		{Name: "checksums.txt", Size: 120},
		{Name: "tool_linux_amd64.tar.gz", Size: 5 << 20},
		{Name: "tool_darwin_arm64.tar.gz", Size: 4 << 20},
	}}
	got := primaryAsset(rel)
	if got == nil || got.Name != "tool_linux_amd64.tar.gz" {
		t.Errorf("Expected largest asset, got %+v", got)
	}
	if primaryAsset(&ghRelease{}) != nil {
		t.Error("Expected nil for a release without assets")
	}
}

func TestGitHubDownloadReleaseAsset(t *testing.T) {
	deps := newTestDeps(t)
	payload := []byte("binary-release-contents")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/repos/owner/repo/releases/tags/v1.0.0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"tag_name": "v1.0.0",
			"zipball_url": "%s/zipball/v1.0.0",
			"assets": [
				{"name": "checksums.txt", "size": 100, "browser_download_url": "%s/dl/checksums.txt"},
				{"name": "tool.tar.gz", "size": 5000, "browser_download_url": "%s/dl/tool.tar.gz"}
			]
		}`, srv.URL, srv.URL, srv.URL)
	})
	serveBytes(mux, "/dl/tool.tar.gz", "tool.tar.gz", payload)

	h := NewGitHub(deps).(*githubHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://github.com/owner/repo/releases/tag/v1.0.0", nil, nil)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	wantSuffix := filepath.Join("github", "owner_repo", "tool.tar.gz")
	if !strings.HasSuffix(res.Path, wantSuffix) {
		t.Errorf("Expected path ending %s, got %s", wantSuffix, res.Path)
	}
	if res.Extra["tag"] != "v1.0.0" {
		t.Errorf("Expected tag v1.0.0, got %v", res.Extra["tag"])
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), res.Size)
	}
}

func TestGitHubDownloadSourceOnlyReleaseFallsBackToZipball(t *testing.T) {
	deps := newTestDeps(t)
	payload := []byte("zipball-bytes")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/repos/owner/repo/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"tag_name": "v0.3.0", "zipball_url": "%s/zipball/v0.3.0", "assets": []}`, srv.URL)
	})
	serveBytes(mux, "/zipball/v0.3.0", "repo-v0.3.0.zip", payload)

	h := NewGitHub(deps).(*githubHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://github.com/owner/repo/releases/latest", nil, nil)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if !strings.HasSuffix(res.Path, "repo-v0.3.0.zip") {
		t.Errorf("Expected zipball dest, got %s", res.Path)
	}
}

func TestGitHubDownloadRepoZip(t *testing.T) {
	deps := newTestDeps(t)
	payload := []byte("codeload-zip-bytes")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/repos/owner/repo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"default_branch": "develop"}`)
	})
	serveBytes(mux, "/owner/repo/zip/refs/heads/develop", "repo.zip", payload)

	h := NewGitHub(deps).(*githubHandler)
	h.apiBase = srv.URL
	h.codeloadBase = srv.URL

	res := h.Download(context.Background(), "https://github.com/owner/repo", nil, nil)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Extra["branch"] != "develop" {
		t.Errorf("Expected branch develop, got %v", res.Extra["branch"])
	}
	if !strings.HasSuffix(res.Path, "owner_repo.zip") {
		t.Errorf("Expected owner_repo.zip dest, got %s", res.Path)
	}
}

func TestGitHubValidateCredential(t *testing.T) {
	deps := newTestDeps(t)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ghp_good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"login": "octocat"}`)
	})

	h := NewGitHub(deps).(*githubHandler)
	h.apiBase = srv.URL
	ctx := context.Background()

	status, err := h.ValidateCredential(ctx, &credentials.Secret{Token: "ghp_good"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !status.Valid || status.Username != "octocat" {
		t.Errorf("Expected valid octocat, got %+v", status)
	}

	status, err = h.ValidateCredential(ctx, &credentials.Secret{Token: "ghp_bad"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if status.Valid {
		t.Errorf("Expected invalid token, got %+v", status)
	}
}
