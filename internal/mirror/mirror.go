// Package mirror maintains a denormalised sqlite view of job state for
// reporting and post-mortem queries. Data flows one way: queue transition
// events in, rows out. Queue and worker decisions never read the mirror.
package mirror

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"galion/internal/queue"
)

// JobRecord is one row per job, rewritten on every status transition.
type JobRecord struct {
	ID          string  `gorm:"primaryKey" json:"id"`
	URL         string  `json:"url"`
	URLHash     string  `gorm:"index" json:"url_hash"`
	PlatformID  string  `gorm:"index" json:"platform_id"`
	Tenant      string  `gorm:"index" json:"tenant"`
	Status      string  `gorm:"index" json:"status"`
	Priority    int     `json:"priority"`
	RetryCount  int     `json:"retry_count"`
	MaxRetries  int     `json:"max_retries"`
	Progress    float64 `json:"progress"`
	FilePath    string  `json:"file_path"`
	Size        int64   `json:"size"`
	Checksum    string  `json:"checksum"`
	Error       string  `json:"error"`
	LastError   string  `json:"last_error"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   string  `json:"started_at"`
	CompletedAt string  `json:"completed_at"`
	FailedAt    string  `json:"failed_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// TableName specifies the table name for JobRecord.
func (JobRecord) TableName() string {
	return "jobs"
}

// Mirror owns the sqlite handle. Safe for concurrent Consume calls.
type Mirror struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the sqlite database at dsn (a file path, or ":memory:")
// and migrates the schema.
func Open(dsn string, logger *slog.Logger) (*Mirror, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}

	// WAL keeps event-sink writes from blocking readers.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate mirror database: %w", err)
	}
	return &Mirror{db: db, logger: logger}, nil
}

// Close releases the underlying connection.
func (m *Mirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Consume applies one queue transition as an upsert. It is installed via
// Manager.SetEventSink and must not block or fail the caller, so sqlite
// errors are logged and swallowed.
func (m *Mirror) Consume(ev queue.Event) {
	rec := recordFrom(ev)
	err := m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		m.logger.Warn("Mirror upsert failed",
			"job_id", rec.ID, "event", string(ev.Type), "error", err)
	}
}

// Recent returns the newest rows, most recently updated first.
func (m *Mirror) Recent(limit int) ([]JobRecord, error) {
	var rows []JobRecord
	query := m.db.Order("updated_at desc, id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	return rows, err
}

// ByStatus returns rows in the given lifecycle state, newest first.
func (m *Mirror) ByStatus(status string, limit int) ([]JobRecord, error) {
	var rows []JobRecord
	query := m.db.Where("status = ?", status).Order("updated_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&rows).Error
	return rows, err
}

// CountByStatus aggregates row counts per lifecycle state.
func (m *Mirror) CountByStatus() (map[string]int64, error) {
	type bucket struct {
		Status string
		N      int64
	}
	var buckets []bucket
	err := m.db.Model(&JobRecord{}).
		Select("status, COUNT(*) as n").
		Group("status").
		Find(&buckets).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(buckets))
	for _, b := range buckets {
		out[b.Status] = b.N
	}
	return out, nil
}

func recordFrom(ev queue.Event) JobRecord {
	job := ev.Job
	rec := JobRecord{
		ID:          job.ID,
		URL:         job.URL,
		URLHash:     job.URLHash,
		PlatformID:  job.PlatformID,
		Tenant:      job.Tenant,
		Status:      string(job.Status),
		Priority:    job.Priority,
		RetryCount:  job.RetryCount,
		MaxRetries:  job.MaxRetries,
		Progress:    job.Progress,
		Error:       job.Error,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		FailedAt:    job.FailedAt,
		UpdatedAt:   ev.At.UTC().Format(time.RFC3339),
	}
	if job.Result != nil {
		rec.FilePath, _ = job.Result["file_path"].(string)
		rec.Checksum, _ = job.Result["checksum"].(string)
		rec.Size = asInt64(job.Result["size"])
	}
	return rec
}

// asInt64 tolerates the numeric types a Result map picks up after a JSON
// round trip.
func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
