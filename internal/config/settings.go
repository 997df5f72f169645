// Package config loads service configuration from an INI file with
// environment overrides.
//
// Config file location:
//   - default: /etc/galion/galion.conf, then ~/.config/galion/galion.conf
//   - override with --config or GALION_CONFIG
//
// INI format:
//
//	[server]
//	listen = :8333
//	api_key =
//
//	[queue]
//	backend = redis
//	redis_addr = localhost:6379
//	redis_db = 0
//	max_retries = 3
//	job_retention_seconds = 604800
//	completed_log_cap = 1000
//
//	[workers]
//	count = 5
//
//	[downloads]
//	root = downloads
//	chunk_bytes = 1048576
//	timeout_seconds = 300
//	rate_bytes_per_sec = 0
//
//	[ratelimit]
//	default_rpm = 60
//	youtube = 30
//	civitai = 20
//
//	[schedule]
//	enabled = false
//	start_hour = 0
//	stop_hour = 0
//
//	[credentials]
//	endpoint =
//
//	[extractor]
//	path = yt-dlp
//
//	[mirror]
//	dsn = galion.db
//
//	[logging]
//	level = info
//	file =
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/ini.v1"
)

// Settings is the single configuration record consumed by the service.
type Settings struct {
	Server      ServerConfig
	Queue       QueueConfig
	Workers     WorkerConfig
	Downloads   DownloadConfig
	RateLimit   RateLimitConfig
	Schedule    ScheduleConfig
	Credentials CredentialConfig
	Extractor   ExtractorConfig
	Mirror      MirrorConfig
	Logging     LoggingConfig
}

// ServerConfig covers the REST/WebSocket surface.
type ServerConfig struct {
	Listen string `ini:"listen"`
	APIKey string `ini:"api_key"`
}

// QueueConfig covers the queue store and retry policy.
type QueueConfig struct {
	// Backend selects the store: "redis" (production) or "memory"
	// (single-node dev runs and tests).
	Backend             string `ini:"backend"`
	RedisAddr           string `ini:"redis_addr"`
	RedisDB             int    `ini:"redis_db"`
	MaxRetries          int    `ini:"max_retries"`
	JobRetentionSeconds int    `ini:"job_retention_seconds"`
	CompletedLogCap     int    `ini:"completed_log_cap"`
}

type WorkerConfig struct {
	Count int `ini:"count"`
}

type DownloadConfig struct {
	Root           string `ini:"root"`
	ChunkBytes     int    `ini:"chunk_bytes"`
	TimeoutSeconds int    `ini:"timeout_seconds"`
	// RateBytesPerSec caps aggregate download throughput. 0 disables the cap.
	RateBytesPerSec int `ini:"rate_bytes_per_sec"`
}

// RateLimitConfig holds the default requests-per-minute budget and
// per-platform overrides keyed by platform id.
type RateLimitConfig struct {
	DefaultRPM int
	PerPlatform map[string]int
}

// ScheduleConfig defines a daily transfer window: the queue resumes at
// StartHour and pauses at StopHour. Both are local-time hours 0-23.
type ScheduleConfig struct {
	Enabled   bool `ini:"enabled"`
	StartHour int  `ini:"start_hour"`
	StopHour  int  `ini:"stop_hour"`
}

type CredentialConfig struct {
	Endpoint string `ini:"endpoint"`
}

type ExtractorConfig struct {
	Path string `ini:"path"`
}

type MirrorConfig struct {
	DSN string `ini:"dsn"`
}

type LoggingConfig struct {
	Level string `ini:"level"`
	File  string `ini:"file"`
}

var (
	ErrInvalidWorkerCount = errors.New("workers.count must be at least 1")
	ErrInvalidChunkSize   = errors.New("downloads.chunk_bytes must be at least 4096")
	ErrInvalidMaxRetries  = errors.New("queue.max_retries must be non-negative")
	ErrInvalidSchedule    = errors.New("schedule hours must be 0-23 and distinct")
)

// Defaults returns a Settings populated with the compiled defaults.
func Defaults() *Settings {
	return &Settings{
		Server: ServerConfig{Listen: ":8333"},
		Queue: QueueConfig{
			Backend:             "redis",
			RedisAddr:           "localhost:6379",
			MaxRetries:          3,
			JobRetentionSeconds: 7 * 86400,
			CompletedLogCap:     1000,
		},
		Workers:   WorkerConfig{Count: 5},
		Downloads: DownloadConfig{Root: "downloads", ChunkBytes: 1 << 20, TimeoutSeconds: 300},
		RateLimit: RateLimitConfig{
			DefaultRPM:  60,
			PerPlatform: map[string]int{},
		},
		Credentials: CredentialConfig{},
		Extractor:   ExtractorConfig{Path: "yt-dlp"},
		Mirror:      MirrorConfig{DSN: "galion.db"},
		Logging:     LoggingConfig{Level: "info"},
	}
}

// DefaultPath returns the first existing candidate config path, or the
// user-level path when none exists yet.
func DefaultPath() string {
	if env := os.Getenv("GALION_CONFIG"); env != "" {
		return env
	}
	system := filepath.Join("/etc", "galion", "galion.conf")
	if _, err := os.Stat(system); err == nil {
		return system
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return system
	}
	return filepath.Join(home, ".config", "galion", "galion.conf")
}

// Load reads the INI file at path, merges it over the defaults, then applies
// environment overrides. A missing file is not an error: defaults apply.
func Load(path string) (*Settings, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		f, err := ini.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		if err := cfg.fromINI(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadReader parses settings from in-memory INI source. Used by tests.
func LoadReader(source []byte) (*Settings, error) {
	cfg := Defaults()
	f, err := ini.Load(source)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.fromINI(f); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Settings) fromINI(f *ini.File) error {
	if err := f.Section("server").MapTo(&s.Server); err != nil {
		return err
	}
	if err := f.Section("queue").MapTo(&s.Queue); err != nil {
		return err
	}
	if err := f.Section("workers").MapTo(&s.Workers); err != nil {
		return err
	}
	if err := f.Section("downloads").MapTo(&s.Downloads); err != nil {
		return err
	}
	if err := f.Section("schedule").MapTo(&s.Schedule); err != nil {
		return err
	}
	if err := f.Section("credentials").MapTo(&s.Credentials); err != nil {
		return err
	}
	if err := f.Section("extractor").MapTo(&s.Extractor); err != nil {
		return err
	}
	if err := f.Section("mirror").MapTo(&s.Mirror); err != nil {
		return err
	}
	if err := f.Section("logging").MapTo(&s.Logging); err != nil {
		return err
	}

	// [ratelimit] carries default_rpm plus free-form platform overrides.
	rl := f.Section("ratelimit")
	for _, key := range rl.Keys() {
		if key.Name() == "default_rpm" {
			s.RateLimit.DefaultRPM = key.MustInt(s.RateLimit.DefaultRPM)
			continue
		}
		if v, err := key.Int(); err == nil && v > 0 {
			s.RateLimit.PerPlatform[key.Name()] = v
		}
	}
	return nil
}

// applyEnv lets GALION_* variables override file values. Only operationally
// relevant knobs are exposed this way.
func (s *Settings) applyEnv() {
	if v := os.Getenv("GALION_LISTEN"); v != "" {
		s.Server.Listen = v
	}
	if v := os.Getenv("GALION_API_KEY"); v != "" {
		s.Server.APIKey = v
	}
	if v := os.Getenv("GALION_REDIS_ADDR"); v != "" {
		s.Queue.RedisAddr = v
	}
	if v := os.Getenv("GALION_QUEUE_BACKEND"); v != "" {
		s.Queue.Backend = v
	}
	if v := os.Getenv("GALION_DOWNLOADS_ROOT"); v != "" {
		s.Downloads.Root = v
	}
	if v := os.Getenv("GALION_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Workers.Count = n
		}
	}
	if v := os.Getenv("GALION_EXTRACTOR_PATH"); v != "" {
		s.Extractor.Path = v
	}
	if v := os.Getenv("GALION_CREDENTIAL_ENDPOINT"); v != "" {
		s.Credentials.Endpoint = v
	}
	if v := os.Getenv("GALION_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
}

func (s *Settings) Validate() error {
	if s.Workers.Count < 1 {
		return ErrInvalidWorkerCount
	}
	if s.Downloads.ChunkBytes < 4096 {
		return ErrInvalidChunkSize
	}
	if s.Queue.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if s.Schedule.Enabled {
		if s.Schedule.StartHour < 0 || s.Schedule.StartHour > 23 ||
			s.Schedule.StopHour < 0 || s.Schedule.StopHour > 23 ||
			s.Schedule.StartHour == s.Schedule.StopHour {
			return ErrInvalidSchedule
		}
	}
	return nil
}

// DownloadTimeout returns the per-fetch total timeout.
func (s *Settings) DownloadTimeout() time.Duration {
	return time.Duration(s.Downloads.TimeoutSeconds) * time.Second
}

// JobRetention returns the record/fingerprint TTL.
func (s *Settings) JobRetention() time.Duration {
	return time.Duration(s.Queue.JobRetentionSeconds) * time.Second
}

// RPMFor returns the requests-per-minute budget for a platform.
func (s *Settings) RPMFor(platformID string) int {
	if v, ok := s.RateLimit.PerPlatform[platformID]; ok {
		return v
	}
	return s.RateLimit.DefaultRPM
}
