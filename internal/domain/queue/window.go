package queue

import (
	"fmt"
	"time"
)

// Reasons a join attempt can be refused.
const (
	ReasonQueueInactive   = "queue_inactive"
	ReasonReceptionOpened = "closed_reception_opened"
	ReasonBeforeStartTime = "before_start_time"
	ReasonAfterEndTime    = "after_end_time"
	ReasonLimitReached    = "limit_reached"
)

// Decision is the outcome of an admission window check.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Retryable bool   `json:"retryable"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string, retryable bool) Decision {
	return Decision{Reason: reason, Retryable: retryable}
}

// Policy decides whether online self-registration is currently accepted for a
// queue. It has no side effects; callers that allocate must evaluate it while
// holding the queue lock.
type Policy struct {
	Location *time.Location
}

func NewPolicy(loc *time.Location) Policy {
	if loc == nil {
		loc = time.UTC
	}
	return Policy{Location: loc}
}

// CanJoin evaluates, in order: the queue is active, the desk has not opened
// reception, now falls inside [OnlineStartTime, OnlineEndTime] on the queue's
// day, and fewer than MaxOnlineEntries online entries are active.
func (p Policy) CanJoin(q *DailyQueue, onlineActive int, now time.Time) Decision {
	if q == nil || !q.Active {
		return deny(ReasonQueueInactive, false)
	}
	if q.OpenedAt != nil {
		return deny(ReasonReceptionOpened, false)
	}

	today := DayOf(now, p.Location)
	switch {
	case today.Before(q.Day):
		return deny(ReasonBeforeStartTime, true)
	case today.After(q.Day):
		return deny(ReasonAfterEndTime, false)
	}

	start, err := ParseClock(q.OnlineStartTime)
	if err != nil {
		return deny(ReasonQueueInactive, false)
	}
	end, err := ParseClock(q.OnlineEndTime)
	if err != nil {
		return deny(ReasonQueueInactive, false)
	}
	local := now.In(p.Location)
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second
	if sinceMidnight < start {
		return deny(ReasonBeforeStartTime, true)
	}
	if sinceMidnight > end {
		return deny(ReasonAfterEndTime, false)
	}

	if onlineActive >= q.MaxOnlineEntries {
		return deny(ReasonLimitReached, false)
	}
	return allow()
}

// ParseClock parses an HH:MM wall-clock time into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q, expected HH:MM", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
