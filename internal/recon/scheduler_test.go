package recon

import (
	"testing"
	"time"
)

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 3, RunMinute: 30})
	now := time.Date(2026, time.March, 10, 1, 0, 0, 0, time.UTC)

	next := s.nextRun(now)
	want := time.Date(2026, time.March, 10, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %s got %s", want, next)
	}

	// Past today's slot the run rolls over to tomorrow.
	next = s.nextRun(want.Add(time.Minute))
	if !next.Equal(want.Add(24 * time.Hour)) {
		t.Fatalf("expected next day slot got %s", next)
	}
}

func TestSchedulerClampsConfig(t *testing.T) {
	s := NewScheduler(SchedulerConfig{RunHour: 99, RunMinute: -5})
	if s.runHour != 0 || s.runMinute != 0 {
		t.Fatalf("expected out-of-range schedule clamped to midnight, got %d:%d", s.runHour, s.runMinute)
	}
}
