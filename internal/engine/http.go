package engine

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"galion/internal/fault"
)

// Probe gathers remote metadata with a HEAD request, following redirects.
// Servers that reject HEAD get a one-byte ranged GET instead. Unknown sizes
// come back as zero; the filename falls back to the URL path.
func (e *Engine) Probe(ctx context.Context, rawURL string, headers map[string]string) (*ProbeResult, error) {
	req, err := e.newRequest(ctx, http.MethodHead, rawURL, headers)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkPermanent, err)
	}

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.FromErr(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		return e.probeRange(ctx, rawURL, headers)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.New(fault.FromStatus(resp.StatusCode), "probe %s: %s", rawURL, fault.Describe(resp.StatusCode))
	}

	pr := &ProbeResult{
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		Filename:     filenameFrom(resp, rawURL),
	}
	if resp.ContentLength > 0 {
		pr.Size = resp.ContentLength
	}
	return pr, nil
}

// probeRange asks for the first byte only. A 206 answer proves range support
// and carries the total size in Content-Range.
func (e *Engine) probeRange(ctx context.Context, rawURL string, headers map[string]string) (*ProbeResult, error) {
	req, err := e.newRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return nil, fault.Wrap(fault.NetworkPermanent, err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.FromErr(err), err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.New(fault.FromStatus(resp.StatusCode), "probe %s: %s", rawURL, fault.Describe(resp.StatusCode))
	}

	pr := &ProbeResult{
		ContentType:  resp.Header.Get("Content-Type"),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Filename:     filenameFrom(resp, rawURL),
	}
	if resp.StatusCode == http.StatusPartialContent {
		pr.AcceptRanges = true
		pr.Size = parseContentRangeTotal(resp.Header.Get("Content-Range"))
	} else if resp.ContentLength > 0 {
		pr.Size = resp.ContentLength
	}
	return pr, nil
}

func (e *Engine) newRequest(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", GenericUserAgent)
	req.Header.Set("Accept", "*/*")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// parseContentRangeTotal extracts the total from "bytes 0-0/12345".
func parseContentRangeTotal(v string) int64 {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return 0
	}
	total, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return total
}

func filenameFrom(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "." && base != "/" && base != "" {
			if unescaped, uerr := url.PathUnescape(base); uerr == nil {
				return unescaped
			}
			return base
		}
	}
	return "download"
}
