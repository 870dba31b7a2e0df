package alerts

import (
	"context"
	"sync"
)

// Alerter delivers operator-visible messages. Delivery failures are returned
// so callers can log them; they never change trading decisions.
type Alerter interface {
	Send(ctx context.Context, message string) error
}

type Nop struct{}

func (Nop) Send(context.Context, string) error { return nil }

func OrNop(a Alerter) Alerter {
	if a == nil {
		return Nop{}
	}
	return a
}

// Recorder keeps every message in memory. Used by dry runs and tests.
type Recorder struct {
	mu       sync.Mutex
	messages []string
}

func (r *Recorder) Send(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
