package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestArchiveClassify(t *testing.T) {
	h := NewArchive(newTestDeps(t))

	m, ok := h.Classify("https://archive.org/details/nasa-apollo-11-footage")
	if !ok || m.Kind != "item" || m.Metadata["id"] != "nasa-apollo-11-footage" {
		t.Errorf("Expected item match, got %v %v", m, ok)
	}

	m, ok = h.Classify("https://web.archive.org/web/20230615000000/https://example.org/page")
	if !ok || m.Kind != "snapshot" {
		t.Fatalf("Expected snapshot match, got %v %v", m, ok)
	}
	if m.Metadata["timestamp"] != "20230615000000" {
		t.Errorf("Expected timestamp metadata, got %v", m.Metadata)
	}

	m, ok = h.Classify("https://web.archive.org/web/20230615000000if_/https://example.org/page")
	if !ok || m.Kind != "snapshot" {
		t.Errorf("Expected if_ snapshot variant to match, got %v %v", m, ok)
	}

	m, ok = h.Classify("https://archive.ph/AbCdE")
	if !ok || m.Kind != "snapshot_today" || m.Metadata["code"] != "AbCdE" {
		t.Errorf("Expected archive.today match, got %v %v", m, ok)
	}

	if _, ok := h.Classify("https://archive.org/about/"); ok {
		t.Error("Expected non-details archive.org page not to classify")
	}
}

func TestIsArchiveMetadata(t *testing.T) {
	cases := []struct {
		file archiveFile
		want bool
	}{
		{archiveFile{Name: "item_meta.xml", Format: "Metadata"}, true},
		{archiveFile{Name: "item_files.xml", Source: "metadata"}, true},
		{archiveFile{Name: "something_reviews.xml"}, true},
		{archiveFile{Name: "movie.mp4", Format: "MPEG4", Source: "original"}, false},
		{archiveFile{Name: "cover.jpg", Format: "JPEG"}, false},
	}
	for _, tc := range cases {
		if got := isArchiveMetadata(&tc.file); got != tc.want {
			t.Errorf("Expected %v for %s, got %v", tc.want, tc.file.Name, got)
		}
	}
}

func TestEscapeSegments(t *testing.T) {
	got := escapeSegments("disc 1/track 01.flac")
	if got != "disc%201/track%2001.flac" {
		t.Errorf("Expected escaped segments, got %s", got)
	}
}

func TestArchiveDownloadPicksLargestFile(t *testing.T) {
	deps := newTestDeps(t)
	payload := []byte("primary-item-content-bytes")

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/metadata/test-item", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"files": [
				{"name": "test-item_meta.xml", "source": "metadata", "format": "Metadata", "size": "900000"},
				{"name": "movie.mp4", "source": "original", "format": "MPEG4", "size": "26"},
				{"name": "thumb.jpg", "source": "derivative", "format": "JPEG", "size": "10"}
			]
		}`)
	})
	serveBytes(mux, "/download/test-item/movie.mp4", "movie.mp4", payload)

	h := NewArchive(deps).(*archiveHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://archive.org/details/test-item", nil, nil)
	if !res.Success {
		t.Fatalf("Expected success, got %v", res.Err)
	}
	wantSuffix := filepath.Join("archive", "test-item", "movie.mp4")
	if !strings.HasSuffix(res.Path, wantSuffix) {
		t.Errorf("Expected path ending %s, got %s", wantSuffix, res.Path)
	}
	if res.Extra["file"] != "movie.mp4" {
		t.Errorf("Expected metadata file to be skipped despite larger size, got %v", res.Extra["file"])
	}
	if res.Size != int64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), res.Size)
	}
}

func TestArchiveDownloadEmptyItemFails(t *testing.T) {
	deps := newTestDeps(t)
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/metadata/empty-item", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"files": [{"name": "empty-item_meta.xml", "format": "Metadata", "size": "5"}]}`)
	})

	h := NewArchive(deps).(*archiveHandler)
	h.apiBase = srv.URL

	res := h.Download(context.Background(), "https://archive.org/details/empty-item", nil, nil)
	if res.Success {
		t.Fatal("Expected failure for an item with only metadata files")
	}
}

func TestHostOf(t *testing.T) {
	if got := hostOf("https://example.org/page"); got != "example.org" {
		t.Errorf("Expected example.org, got %s", got)
	}
	if got := hostOf("example.org/page"); got != "example.org" {
		t.Errorf("Expected scheme-less host to parse, got %s", got)
	}
	if got := hostOf("://"); got != "snapshot" {
		t.Errorf("Expected fallback for junk, got %s", got)
	}
}
