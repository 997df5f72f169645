package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"galion/internal/config"
	"galion/internal/queue"
)

// Schedule drives the daily transfer window: the queue resumes at the
// configured start hour and pauses at the stop hour. Operators can still
// pause and resume through the API between ticks; the next tick wins.
type Schedule struct {
	logger  *slog.Logger
	manager *queue.Manager
	cron    *cron.Cron

	mu         sync.Mutex
	startEntry cron.EntryID
	stopEntry  cron.EntryID
	cfg        config.ScheduleConfig
}

func NewSchedule(manager *queue.Manager, logger *slog.Logger) *Schedule {
	return &Schedule{logger: logger, manager: manager, cron: cron.New()}
}

// Apply installs the window's cron entries and immediately enforces whichever
// state the current wall-clock time falls in. A disabled config clears the
// entries and leaves the queue as it is.
func (s *Schedule) Apply(cfg config.ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.startEntry != 0 {
		s.cron.Remove(s.startEntry)
		s.startEntry = 0
	}
	if s.stopEntry != 0 {
		s.cron.Remove(s.stopEntry)
		s.stopEntry = 0
	}
	s.cfg = cfg
	if !cfg.Enabled {
		return
	}

	if id, err := s.cron.AddFunc(specFromHour(cfg.StartHour), func() {
		s.logger.Info("Transfer window opened, resuming queue", "hour", cfg.StartHour)
		s.manager.Resume()
	}); err == nil {
		s.startEntry = id
	} else {
		s.logger.Error("Failed to schedule window start", "error", err)
	}

	if id, err := s.cron.AddFunc(specFromHour(cfg.StopHour), func() {
		s.logger.Info("Transfer window closed, pausing queue", "hour", cfg.StopHour)
		s.manager.Pause()
	}); err == nil {
		s.stopEntry = id
	} else {
		s.logger.Error("Failed to schedule window stop", "error", err)
	}

	if inWindow(time.Now(), cfg.StartHour, cfg.StopHour) {
		s.manager.Resume()
	} else {
		s.logger.Info("Outside transfer window, queue starts paused",
			"start_hour", cfg.StartHour, "stop_hour", cfg.StopHour)
		s.manager.Pause()
	}
}

func (s *Schedule) Start() { s.cron.Start() }

// Stop halts the cron loop and waits for a running callback to finish.
func (s *Schedule) Stop() {
	<-s.cron.Stop().Done()
}

// Entries reports how many cron entries are installed.
func (s *Schedule) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	if s.startEntry != 0 {
		n++
	}
	if s.stopEntry != 0 {
		n++
	}
	return n
}

// inWindow reports whether t falls inside the daily run window. A window
// whose start hour is past its stop hour wraps midnight.
func inWindow(t time.Time, startHour, stopHour int) bool {
	h := t.Hour()
	if startHour < stopHour {
		return h >= startHour && h < stopHour
	}
	return h >= startHour || h < stopHour
}

func specFromHour(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}
