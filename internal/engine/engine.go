// Package engine implements the byte-transfer core: a shared connection-pooled
// HTTP client with range-resume, chunked writes, a rolling SHA-256 digest, and
// throttled progress snapshots.
package engine

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"galion/internal/filesystem"
	"galion/internal/network"
)

const (
	// ChunkSize is the fixed read unit for the fetch loop.
	ChunkSize = 1 * 1024 * 1024

	// snapshotInterval caps how often a progress snapshot reaches the sink.
	snapshotInterval = 500 * time.Millisecond

	GenericUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36"
)

// Progress is one throttled snapshot of a running transfer.
type Progress struct {
	Percent    float64 `json:"percent"`
	Downloaded int64   `json:"downloaded"`
	Total      int64   `json:"total"`
	Speed      float64 `json:"speed"`
	ETA        float64 `json:"eta"`
	Status     string  `json:"status"`
}

// ProgressFunc receives snapshots. It must be cheap; the fetch loop calls it
// inline.
type ProgressFunc func(Progress)

// Result describes a finished transfer.
type Result struct {
	Path     string
	Size     int64
	SHA256   string
	Duration time.Duration
	Resumed  bool
}

// FetchRequest carries everything one transfer needs.
type FetchRequest struct {
	URL            string
	Dest           string
	Sink           ProgressFunc
	ExpectedSHA256 string
	Headers        map[string]string
}

// ProbeResult is the remote metadata gathered before a transfer.
type ProbeResult struct {
	Size         int64
	ContentType  string
	AcceptRanges bool
	Filename     string
	ETag         string
	LastModified string
}

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	Timeout    time.Duration     // total budget per fetch, default 300s
	ChunkBytes int               // read unit, default 1 MiB
	Throttle   *network.Throttle // global byte-rate cap, nil means unlimited
}

// Engine is safe for concurrent use; all workers share one instance so the
// connection pool is shared too.
type Engine struct {
	logger    *slog.Logger
	allocator *filesystem.Allocator

	timeout   time.Duration
	chunkSize int
	throttle  *network.Throttle

	clientOnce sync.Once
	httpClient *http.Client

	bufferPool *sync.Pool
}

func New(logger *slog.Logger, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = ChunkSize
	}
	e := &Engine{
		logger:    logger,
		allocator: filesystem.NewAllocator(),
		timeout:   opts.Timeout,
		chunkSize: opts.ChunkBytes,
		throttle:  opts.Throttle,
	}
	e.bufferPool = &sync.Pool{
		New: func() interface{} {
			b := make([]byte, e.chunkSize)
			return &b
		},
	}
	return e
}

// client builds the shared HTTP client on first use.
func (e *Engine) client() *http.Client {
	e.clientOnce.Do(func() {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
			DisableCompression:    true, // raw bytes, sizes must match Content-Length
		}
		e.httpClient = &http.Client{
			Transport: transport,
			Timeout:   0, // request contexts carry the deadline
		}
	})
	return e.httpClient
}
