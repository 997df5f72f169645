package platform

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"galion/internal/credentials"
	"galion/internal/fault"
)

func serveBytes(mux *http.ServeMux, route, name string, payload []byte) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, name, time.Unix(1700000000, 0), bytes.NewReader(payload))
	})
}

func TestCivitaiClassify(t *testing.T) {
	h := NewCivitAI(newTestDeps(t))

	m, ok := h.Classify("https://civitai.com/models/123?modelVersionId=456")
	if !ok {
		t.Fatal("Expected model url to classify")
	}
	if m.Kind != "model" || m.Metadata["model_id"] != "123" || m.Metadata["version_id"] != "456" {
		t.Errorf("Expected model 123/456, got %s %v", m.Kind, m.Metadata)
	}

	m, ok = h.Classify("https://civitai.com/models/789")
	if !ok || m.Metadata["version_id"] != "" {
		t.Errorf("Expected no version_id without query param, got %v", m.Metadata)
	}

	m, ok = h.Classify("https://civitai.com/api/download/models/456")
	if !ok || m.Kind != "direct_download" || m.Metadata["version_id"] != "456" {
		t.Errorf("Expected direct_download 456, got %v %v", m, ok)
	}

	if _, ok := h.Classify("https://civitai.com/images/42"); ok {
		t.Error("Expected image page not to classify")
	}
}

func TestCivitaiDownloadResolvesVersionAndDigest(t *testing.T) {
	deps := newTestDeps(t)
	payload := []byte("model-weights-payload")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/models/123", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"name": "Test Model",
			"type": "LORA",
			"modelVersions": [
				{"id": 111, "name": "newer", "files": [
					{"name": "newer.safetensors", "sizeKB": 10, "downloadUrl": "%s/files/newer.safetensors", "hashes": {"SHA256": "dead"}}
				]},
				{"id": 456, "name": "wanted", "files": [
					{"name": "notes.txt", "sizeKB": 1, "downloadUrl": "%s/files/notes.txt", "hashes": {}},
					{"name": "model.safetensors", "sizeKB": 21, "primary": true, "downloadUrl": "%s/files/model.safetensors", "hashes": {"SHA256": "%s"}}
				]}
			]
		}`, srv.URL, srv.URL, srv.URL, strings.ToUpper(digest))
	})
	serveBytes(mux, "/files/model.safetensors", "model.safetensors", payload)

	h := NewCivitAI(deps).(*civitaiHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://civitai.com/models/123?modelVersionId=456", nil, nil)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.SHA256 != digest {
		t.Errorf("Expected digest %s, got %s", digest, res.SHA256)
	}
	wantSuffix := filepath.Join("civitai", "LORA", "model.safetensors")
	if !strings.HasSuffix(res.Path, wantSuffix) {
		t.Errorf("Expected path ending %s, got %s", wantSuffix, res.Path)
	}
	if res.Extra["version_id"] != "456" {
		t.Errorf("Expected version_id 456, got %v", res.Extra["version_id"])
	}
	if res.Extra["model_type"] != "LORA" {
		t.Errorf("Expected model_type LORA, got %v", res.Extra["model_type"])
	}
}

func TestCivitaiDownloadFirstVersionByDefault(t *testing.T) {
	deps := newTestDeps(t)
	payload := []byte("first-version-bytes")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/models/77", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"name": "M", "type": "Checkpoint",
			"modelVersions": [
				{"id": 5, "files": [{"name": "ckpt.safetensors", "primary": true, "downloadUrl": "%s/files/ckpt.safetensors", "hashes": {}}]}
			]
		}`, srv.URL)
	})
	serveBytes(mux, "/files/ckpt.safetensors", "ckpt.safetensors", payload)

	h := NewCivitAI(deps).(*civitaiHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://civitai.com/models/77", nil, nil)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	if res.Extra["version_id"] != "5" {
		t.Errorf("Expected version_id 5, got %v", res.Extra["version_id"])
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), res.Size)
	}
}

func TestCivitaiDownloadUnknownVersionFails(t *testing.T) {
	deps := newTestDeps(t)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/models/77", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name": "M", "type": "Checkpoint", "modelVersions": [{"id": 5, "files": [{"name": "f", "downloadUrl": "x"}]}]}`)
	})

	h := NewCivitAI(deps).(*civitaiHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://civitai.com/models/77?modelVersionId=999", nil, nil)
	if res.Success {
		t.Fatal("Expected failure for unknown version")
	}
	if res.ErrorKind() != fault.NetworkPermanent {
		t.Errorf("Expected network-permanent, got %s", res.ErrorKind())
	}
}

func TestCivitaiValidateCredential(t *testing.T) {
	deps := newTestDeps(t)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"items": []}`)
	})

	h := NewCivitAI(deps).(*civitaiHandler)
	h.apiBase = srv.URL
	ctx := context.Background()

	status, err := h.ValidateCredential(ctx, &credentials.Secret{Token: "good-key"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !status.Valid {
		t.Errorf("Expected valid key, got %+v", status)
	}

	status, err = h.ValidateCredential(ctx, &credentials.Secret{Token: "bad-key"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if status.Valid || status.Error == "" {
		t.Errorf("Expected rejection with message, got %+v", status)
	}

	status, err = h.ValidateCredential(ctx, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if status.Valid {
		t.Error("Expected empty secret to be invalid")
	}
}
