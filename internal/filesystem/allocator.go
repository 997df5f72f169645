// Package filesystem covers destination-path hygiene and disk accounting for
// the download root.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"
)

// Allocator handles destination directories and disk space checks.
type Allocator struct {
	// HeadroomBytes is kept free beyond the payload so the volume never
	// fills completely. 100 MiB unless configured otherwise.
	HeadroomBytes int64
}

func NewAllocator() *Allocator {
	return &Allocator{HeadroomBytes: 100 * 1024 * 1024}
}

// Reserve prepares path for a payload of the given size: the parent directory
// is created and free space is checked against size plus headroom. Size 0
// (unknown length) only verifies the directory exists. The file itself is not
// touched; resumed transfers rely on its size reflecting the bytes written so
// far.
func (a *Allocator) Reserve(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	if size <= 0 {
		return nil
	}
	return a.checkDiskSpace(path, size)
}

func (a *Allocator) checkDiskSpace(path string, required int64) error {
	usage, err := disk.Usage(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("check disk space: %w", err)
	}
	if int64(usage.Free) < required+a.HeadroomBytes {
		return fmt.Errorf("disk full: required %d bytes, available %d bytes", required, usage.Free)
	}
	return nil
}

// UsageInfo summarises the volume holding the download root.
type UsageInfo struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

// Usage reports disk usage for the volume containing path.
func Usage(path string) (*UsageInfo, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	const gb = 1024 * 1024 * 1024
	return &UsageInfo{
		UsedGB:  float64(u.Used) / gb,
		FreeGB:  float64(u.Free) / gb,
		TotalGB: float64(u.Total) / gb,
		Percent: u.UsedPercent,
	}, nil
}
