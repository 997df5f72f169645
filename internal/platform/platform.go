// Package platform routes URLs to per-platform download strategies. Every
// handler implements the same contract: classify a URL, download it, describe
// it without downloading, and validate a credential. Failures never cross the
// Download boundary as errors; they ride inside the Result so the worker can
// translate them into queue transitions.
package platform

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"galion/internal/credentials"
	"galion/internal/engine"
	"galion/internal/extractor"
	"galion/internal/fault"
	"galion/internal/network"
)

// Capabilities advertises what a handler can do; the API exposes it so
// clients know which options apply.
type Capabilities struct {
	RequiresCredential bool `json:"requires_credential"`
	SupportsQuality    bool `json:"supports_quality"`
	SupportsSubtitles  bool `json:"supports_subtitles"`
	SupportsPlaylists  bool `json:"supports_playlists"`
	SupportsChannels   bool `json:"supports_channels"`
}

// Descriptor identifies a handler. Priority orders detection; lower values
// are consulted first and generic sits at the end with the highest value.
// RateLimitRPM is the budget the handler advertises for its API traffic;
// operator configuration overrides it.
type Descriptor struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Category     string       `json:"category"`
	Priority     int          `json:"priority"`
	Capabilities Capabilities `json:"capabilities"`
	URLKinds     []string     `json:"url_kinds"`
	RateLimitRPM int          `json:"rate_limit_rpm"`
}

// Match is a successful classification.
type Match struct {
	PlatformID  string            `json:"platform_id"`
	DisplayName string            `json:"display_name"`
	Kind        string            `json:"kind"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CredentialStatus reports the outcome of a credential check.
type CredentialStatus struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Options carries the free-form job options; keys are handler-defined
// ("quality", "subtitles", "credential", "file", ...).
type Options map[string]string

func (o Options) Get(key string) string {
	if o == nil {
		return ""
	}
	return o[key]
}

func (o Options) Bool(key string) bool {
	v, err := strconv.ParseBool(o.Get(key))
	return err == nil && v
}

// Result is the value every Download returns. On success Path, Size, SHA256,
// Duration and Resumed describe the artifact; on failure Err carries the
// classified cause.
type Result struct {
	Success  bool
	Path     string
	Size     int64
	SHA256   string
	Duration float64
	Resumed  bool
	Err      error
	Extra    map[string]any
}

// ErrorKind classifies the failure for the worker's retry decision.
func (r *Result) ErrorKind() fault.Kind {
	if r == nil || r.Err == nil {
		return ""
	}
	return fault.KindOf(r.Err)
}

// Map renders the result as the job-record payload.
func (r *Result) Map() map[string]any {
	m := map[string]any{"success": r.Success}
	if r.Path != "" {
		m["file_path"] = r.Path
	}
	if r.Size > 0 {
		m["size"] = r.Size
	}
	if r.SHA256 != "" {
		m["checksum"] = r.SHA256
	}
	if r.Duration > 0 {
		m["duration_seconds"] = r.Duration
	}
	if r.Resumed {
		m["resumed"] = true
	}
	if r.Err != nil {
		m["error"] = r.Err.Error()
		m["error_type"] = string(fault.KindOf(r.Err))
	}
	for k, v := range r.Extra {
		m[k] = v
	}
	return m
}

// failure wraps a classified error into a Result.
func failure(err error) *Result {
	return &Result{Success: false, Err: err}
}

// fromFetch converts an engine result.
func fromFetch(res *engine.Result, extra map[string]any) *Result {
	return &Result{
		Success:  true,
		Path:     res.Path,
		Size:     res.Size,
		SHA256:   res.SHA256,
		Duration: res.Duration.Seconds(),
		Resumed:  res.Resumed,
		Extra:    extra,
	}
}

// Handler is the per-platform strategy.
type Handler interface {
	Descriptor() Descriptor
	Classify(rawURL string) (*Match, bool)
	Download(ctx context.Context, rawURL string, opts Options, sink engine.ProgressFunc) *Result
	Info(ctx context.Context, rawURL string) (map[string]any, error)
	ValidateCredential(ctx context.Context, secret *credentials.Secret) (*CredentialStatus, error)
}

// Deps bundles the shared services handlers draw on.
type Deps struct {
	Engine      *engine.Engine
	Extractor   *extractor.Runner
	RateGate    *network.RateGate
	Credentials *credentials.Store
	Logger      *slog.Logger
	Root        string

	api *http.Client
}

// NewDeps wires the shared services and the retryable API client the direct
// handlers use for metadata lookups.
func NewDeps(eng *engine.Engine, runner *extractor.Runner, gate *network.RateGate, creds *credentials.Store, root string, logger *slog.Logger) *Deps {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = &apiLogger{logger: logger}
	return &Deps{
		Engine:      eng,
		Extractor:   runner,
		RateGate:    gate,
		Credentials: creds,
		Logger:      logger,
		Root:        root,
		api:         rc.StandardClient(),
	}
}

// apiLogger routes retryablehttp's chatter to slog, keeping retries quiet.
type apiLogger struct {
	logger *slog.Logger
}

func (l *apiLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}
func (l *apiLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}
func (l *apiLogger) Info(msg string, keysAndValues ...interface{})  {}
func (l *apiLogger) Debug(msg string, keysAndValues ...interface{}) {}

// gate runs the shared Download prologue: block on the platform's rate
// budget, then resolve a credential. An explicit "credential" option beats
// the store; a store outage degrades to anonymous access with a warning
// rather than failing the job.
func (d *Deps) gate(ctx context.Context, platformID string, opts Options) (*credentials.Secret, error) {
	if d.RateGate != nil {
		if err := d.RateGate.Acquire(ctx, platformID); err != nil {
			return nil, fault.Wrap(fault.NetworkTransient, err)
		}
	}
	if tok := opts.Get("credential"); tok != "" {
		return &credentials.Secret{Token: tok}, nil
	}
	if d.Credentials == nil {
		return nil, nil
	}
	secret, err := d.Credentials.Lookup(ctx, platformID)
	if err != nil {
		d.Logger.Warn("Credential lookup failed, continuing anonymously",
			"platform", platformID, "error", err)
		return nil, nil
	}
	return secret, nil
}

// fetchJSON GETs an API document into out. Non-200 statuses classify through
// the shared taxonomy.
func (d *Deps) fetchJSON(ctx context.Context, rawURL, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fault.Wrap(fault.NetworkPermanent, err)
	}
	req.Header.Set("User-Agent", engine.GenericUserAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := d.api.Do(req)
	if err != nil {
		return fault.Wrap(fault.FromErr(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.New(fault.FromStatus(resp.StatusCode), "%s: %s", rawURL, fault.Describe(resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fault.New(fault.NetworkPermanent, "decode %s: %v", rawURL, err)
	}
	return nil
}

// bearer extracts the token from a secret, empty when none.
func bearer(secret *credentials.Secret) string {
	if secret == nil {
		return ""
	}
	return secret.Token
}
