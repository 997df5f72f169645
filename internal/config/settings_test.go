package config

import (
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Workers.Count != 5 {
		t.Errorf("Expected default worker count 5, got %d", cfg.Workers.Count)
	}
	if cfg.Downloads.ChunkBytes != 1<<20 {
		t.Errorf("Expected default chunk 1MiB, got %d", cfg.Downloads.ChunkBytes)
	}
	if cfg.Downloads.TimeoutSeconds != 300 {
		t.Errorf("Expected default timeout 300s, got %d", cfg.Downloads.TimeoutSeconds)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Queue.JobRetentionSeconds != 7*86400 {
		t.Errorf("Expected 7 day retention, got %d", cfg.Queue.JobRetentionSeconds)
	}
	if cfg.Queue.CompletedLogCap != 1000 {
		t.Errorf("Expected completed log cap 1000, got %d", cfg.Queue.CompletedLogCap)
	}
}

func TestLoadReaderOverrides(t *testing.T) {
	src := []byte(`
[server]
listen = :9000

[queue]
backend = memory
max_retries = 5

[workers]
count = 12

[downloads]
root = /srv/galion
chunk_bytes = 65536

[ratelimit]
default_rpm = 120
youtube = 30
civitai = 15

[extractor]
path = /usr/local/bin/yt-dlp
`)
	cfg, err := LoadReader(src)
	if err != nil {
		t.Fatalf("LoadReader failed: %v", err)
	}
	if cfg.Server.Listen != ":9000" {
		t.Errorf("Expected listen :9000, got %s", cfg.Server.Listen)
	}
	if cfg.Queue.Backend != "memory" {
		t.Errorf("Expected memory backend, got %s", cfg.Queue.Backend)
	}
	if cfg.Queue.MaxRetries != 5 {
		t.Errorf("Expected max retries 5, got %d", cfg.Queue.MaxRetries)
	}
	if cfg.Workers.Count != 12 {
		t.Errorf("Expected 12 workers, got %d", cfg.Workers.Count)
	}
	if cfg.Downloads.Root != "/srv/galion" {
		t.Errorf("Expected downloads root /srv/galion, got %s", cfg.Downloads.Root)
	}
	if cfg.RateLimit.DefaultRPM != 120 {
		t.Errorf("Expected default rpm 120, got %d", cfg.RateLimit.DefaultRPM)
	}
	if got := cfg.RPMFor("youtube"); got != 30 {
		t.Errorf("Expected youtube rpm 30, got %d", got)
	}
	if got := cfg.RPMFor("github"); got != 120 {
		t.Errorf("Expected fallback rpm 120 for github, got %d", got)
	}
	if cfg.Extractor.Path != "/usr/local/bin/yt-dlp" {
		t.Errorf("Expected extractor path override, got %s", cfg.Extractor.Path)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GALION_WORKER_COUNT", "3")
	t.Setenv("GALION_REDIS_ADDR", "redis.internal:6380")

	cfg, err := LoadReader([]byte("[workers]\ncount = 9\n"))
	if err != nil {
		t.Fatalf("LoadReader failed: %v", err)
	}
	if cfg.Workers.Count != 3 {
		t.Errorf("Expected env to win with 3 workers, got %d", cfg.Workers.Count)
	}
	if cfg.Queue.RedisAddr != "redis.internal:6380" {
		t.Errorf("Expected env redis addr, got %s", cfg.Queue.RedisAddr)
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Workers.Count = 0
	if err := cfg.Validate(); err != ErrInvalidWorkerCount {
		t.Errorf("Expected ErrInvalidWorkerCount, got %v", err)
	}

	cfg = Defaults()
	cfg.Downloads.ChunkBytes = 16
	if err := cfg.Validate(); err != ErrInvalidChunkSize {
		t.Errorf("Expected ErrInvalidChunkSize, got %v", err)
	}
}
