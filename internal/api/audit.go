package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AccessLogEntry is one line of the JSONL audit trail.
type AccessLogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	SourceIP  string    `json:"source_ip"`
	UserAgent string    `json:"user_agent"`
	Action    string    `json:"action"` // e.g. "POST /v1/jobs"
	Status    int       `json:"status"`
	Details   string    `json:"details"`
}

// AuditLogger appends mutating API calls to a JSONL file and echoes them to
// the service log. A logger constructed with an empty path only echoes.
type AuditLogger struct {
	mu      sync.Mutex
	logFile *os.File
	logPath string
	logger  *slog.Logger
}

func NewAuditLogger(path string, logger *slog.Logger) *AuditLogger {
	a := &AuditLogger{logPath: path, logger: logger}
	if path == "" {
		return a
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Error("Failed to create audit log directory", "path", path, "error", err)
		return a
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Error("Failed to open audit log", "path", path, "error", err)
		return a
	}
	a.logFile = f
	return a
}

func (a *AuditLogger) Log(sourceIP, userAgent, action string, status int, details string) {
	entry := AccessLogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		SourceIP:  sourceIP,
		UserAgent: userAgent,
		Action:    action,
		Status:    status,
		Details:   details,
	}

	a.mu.Lock()
	if a.logFile != nil {
		if line, err := json.Marshal(entry); err == nil {
			a.logFile.Write(append(line, '\n'))
		}
	}
	a.mu.Unlock()

	level := slog.LevelInfo
	if status >= 400 {
		level = slog.LevelWarn
	}
	a.logger.Log(context.Background(), level, "Audit",
		"action", action, "status", status, "ip", sourceIP)
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.logFile == nil {
		return nil
	}
	err := a.logFile.Close()
	a.logFile = nil
	return err
}

// Recent parses the newest entries back out of the file, newest first.
func (a *AuditLogger) Recent(limit int) []AccessLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.logPath == "" {
		return nil
	}
	content, err := os.ReadFile(a.logPath)
	if err != nil {
		return nil
	}

	lines := strings.Split(string(content), "\n")
	var entries []AccessLogEntry
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry AccessLogEntry
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}
