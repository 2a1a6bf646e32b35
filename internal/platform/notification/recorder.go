package notification

import (
	"context"
	"errors"
	"sync"
)

// RecordingNotifier is a test double that keeps every message it receives.
type RecordingNotifier struct {
	mu         sync.Mutex
	messages   []Message
	ShouldFail bool
}

func (r *RecordingNotifier) Notify(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if r.ShouldFail {
		return errors.New("notifier unavailable")
	}
	return nil
}

// Messages returns a copy of the recorded messages.
func (r *RecordingNotifier) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
