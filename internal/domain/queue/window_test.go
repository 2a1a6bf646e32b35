package queue

import (
	"testing"
	"time"
)

func testQueue(day time.Time) *DailyQueue {
	return &DailyQueue{
		Day:              day,
		Active:           true,
		OnlineStartTime:  "07:00",
		OnlineEndTime:    "09:00",
		MaxOnlineEntries: 2,
	}
}

func TestPolicy_CanJoin(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	at := func(h, m, s int) time.Time { return time.Date(2026, 3, 2, h, m, s, 0, time.UTC) }
	opened := at(6, 50, 0)
	p := NewPolicy(time.UTC)

	tests := []struct {
		name      string
		mutate    func(q *DailyQueue)
		online    int
		now       time.Time
		want      string
		retryable bool
	}{
		{"allowed inside window", nil, 0, at(8, 0, 0), "", false},
		{"allowed at start boundary", nil, 0, at(7, 0, 0), "", false},
		{"allowed at end boundary", nil, 1, at(9, 0, 0), "", false},
		{"inactive queue", func(q *DailyQueue) { q.Active = false }, 0, at(8, 0, 0), ReasonQueueInactive, false},
		{"reception opened", func(q *DailyQueue) { q.OpenedAt = &opened }, 0, at(8, 0, 0), ReasonReceptionOpened, false},
		{"before start", nil, 0, at(6, 59, 59), ReasonBeforeStartTime, true},
		{"after end", nil, 0, at(9, 0, 1), ReasonAfterEndTime, false},
		{"limit reached", nil, 2, at(8, 0, 0), ReasonLimitReached, false},
		{"queue day in future", nil, 0, at(8, 0, 0).AddDate(0, 0, -1), ReasonBeforeStartTime, true},
		{"queue day in past", nil, 0, at(8, 0, 0).AddDate(0, 0, 1), ReasonAfterEndTime, false},
		{"malformed window", func(q *DailyQueue) { q.OnlineEndTime = "nine" }, 0, at(8, 0, 0), ReasonQueueInactive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := testQueue(day)
			if tt.mutate != nil {
				tt.mutate(q)
			}
			d := p.CanJoin(q, tt.online, tt.now)
			if tt.want == "" {
				if !d.Allowed {
					t.Fatalf("expected allowed, got %+v", d)
				}
				return
			}
			if d.Allowed {
				t.Fatalf("expected %s, got allowed", tt.want)
			}
			if d.Reason != tt.want {
				t.Errorf("expected reason %s, got %s", tt.want, d.Reason)
			}
			if d.Retryable != tt.retryable {
				t.Errorf("expected retryable=%v, got %v", tt.retryable, d.Retryable)
			}
		})
	}
}

func TestPolicy_CanJoin_NilQueue(t *testing.T) {
	d := NewPolicy(nil).CanJoin(nil, 0, time.Now())
	if d.Allowed || d.Reason != ReasonQueueInactive {
		t.Errorf("expected queue_inactive, got %+v", d)
	}
}

func TestPolicy_CanJoin_UsesClinicTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	p := NewPolicy(loc)
	q := testQueue(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	// 03:30 UTC is 08:30 local.
	if d := p.CanJoin(q, 0, time.Date(2026, 3, 2, 3, 30, 0, 0, time.UTC)); !d.Allowed {
		t.Errorf("expected allowed at 08:30 local, got %+v", d)
	}
	// 20:00 UTC on Mar 1 is 01:00 local on Mar 2.
	if d := p.CanJoin(q, 0, time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)); d.Reason != ReasonBeforeStartTime {
		t.Errorf("expected before_start_time at 01:00 local, got %+v", d)
	}
}

func TestParseClock(t *testing.T) {
	d, err := ParseClock("07:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 7*time.Hour+30*time.Minute {
		t.Errorf("expected 7h30m, got %s", d)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("expected error for 25:00")
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := map[string]string{
		"+998 (90) 123-45-67": "+998901234567",
		" 90 123 45 67 ":      "901234567",
		"8+800":               "8800",
	}
	for in, want := range tests {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewOpaqueToken(t *testing.T) {
	a, err := NewOpaqueToken()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := NewOpaqueToken()
	if a == b {
		t.Error("expected distinct tokens")
	}
	if len(a) != 43 {
		t.Errorf("expected 43 chars, got %d", len(a))
	}
}
