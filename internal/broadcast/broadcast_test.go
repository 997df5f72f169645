package broadcast

import (
	"sync"
	"testing"

	"galion/internal/engine"
	"galion/internal/logger"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("Expected an event, channel was closed")
		}
		return ev
	default:
		t.Fatal("Expected an event, channel was empty")
	}
	return Event{}
}

func TestSubscribeReceivesProgress(t *testing.T) {
	b := New(logger.Discard())
	ch, cancel := b.Subscribe("", 4)
	defer cancel()

	b.OnProgress("job-1", engine.Progress{
		Percent:    42.5,
		Downloaded: 1024,
		Total:      2048,
		Speed:      512,
		ETA:        2,
		Status:     "downloading",
	})

	ev := recvEvent(t, ch)
	if ev.Type != "progress" {
		t.Errorf("Expected type progress, got %q", ev.Type)
	}
	if ev.JobID != "job-1" {
		t.Errorf("Expected job-1, got %q", ev.JobID)
	}
	if ev.Percent != 42.5 {
		t.Errorf("Expected percent 42.5, got %v", ev.Percent)
	}
	if ev.Downloaded != 1024 || ev.Total != 2048 {
		t.Errorf("Expected 1024/2048 bytes, got %d/%d", ev.Downloaded, ev.Total)
	}
	if ev.At.IsZero() {
		t.Error("Expected a timestamp on the event")
	}
}

func TestSubscribeJobFilter(t *testing.T) {
	b := New(logger.Discard())
	filtered, cancelFiltered := b.Subscribe("job-a", 4)
	defer cancelFiltered()
	all, cancelAll := b.Subscribe("", 4)
	defer cancelAll()

	b.OnProgress("job-a", engine.Progress{Percent: 10})
	b.OnProgress("job-b", engine.Progress{Percent: 20})

	ev := recvEvent(t, filtered)
	if ev.JobID != "job-a" {
		t.Errorf("Expected filtered subscriber to see job-a, got %q", ev.JobID)
	}
	select {
	case extra := <-filtered:
		t.Errorf("Expected no second event on filtered channel, got job %q", extra.JobID)
	default:
	}

	first := recvEvent(t, all)
	second := recvEvent(t, all)
	if first.JobID != "job-a" || second.JobID != "job-b" {
		t.Errorf("Expected unfiltered subscriber to see both jobs, got %q, %q", first.JobID, second.JobID)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New(logger.Discard())
	ch, cancel := b.Subscribe("", 1)
	defer cancel()

	b.OnProgress("job-1", engine.Progress{Percent: 1})
	b.OnProgress("job-1", engine.Progress{Percent: 2})
	b.OnProgress("job-1", engine.Progress{Percent: 3})

	if got := b.Dropped(); got != 2 {
		t.Errorf("Expected 2 dropped events, got %d", got)
	}
	ev := recvEvent(t, ch)
	if ev.Percent != 1 {
		t.Errorf("Expected the first event to survive, got percent %v", ev.Percent)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New(logger.Discard())
	ch, cancel := b.Subscribe("", 4)

	if got := b.Subscribers(); got != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", got)
	}
	cancel()
	cancel() // second call must be a no-op

	if got := b.Subscribers(); got != 0 {
		t.Errorf("Expected 0 subscribers after cancel, got %d", got)
	}
	if _, ok := <-ch; ok {
		t.Error("Expected the channel to be closed after cancel")
	}

	// Publishing after cancel must not panic or block.
	b.OnProgress("job-1", engine.Progress{Percent: 50})
}

func TestTerminalEvents(t *testing.T) {
	b := New(logger.Discard())
	ch, cancel := b.Subscribe("job-9", 4)
	defer cancel()

	b.JobCompleted("job-9", "/data/file.bin", 4096)
	ev := recvEvent(t, ch)
	if ev.Type != "completed" {
		t.Errorf("Expected type completed, got %q", ev.Type)
	}
	if ev.Percent != 100 {
		t.Errorf("Expected percent 100, got %v", ev.Percent)
	}
	if ev.Path != "/data/file.bin" {
		t.Errorf("Expected path /data/file.bin, got %q", ev.Path)
	}
	if ev.Total != 4096 {
		t.Errorf("Expected total 4096, got %d", ev.Total)
	}

	b.JobFailed("job-9", "network-transient", "connection reset")
	ev = recvEvent(t, ch)
	if ev.Type != "error" {
		t.Errorf("Expected type error, got %q", ev.Type)
	}
	if ev.ErrorType != "network-transient" {
		t.Errorf("Expected error_type network-transient, got %q", ev.ErrorType)
	}
	if ev.Message != "connection reset" {
		t.Errorf("Expected message to carry the failure text, got %q", ev.Message)
	}
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	b := New(logger.Discard())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		_, cancel := b.Subscribe("", 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.OnProgress("job-1", engine.Progress{Percent: float64(j)})
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()

	if got := b.Subscribers(); got != 0 {
		t.Errorf("Expected all subscribers cancelled, got %d", got)
	}
}
