package sessions

import (
	"context"
	"fmt"
	"time"
)

// StatusGetter is the part of Manager a Poller needs.
type StatusGetter interface {
	GetStatus(ctx context.Context, sessionID string) (*SessionView, error)
}

// Poller waits for a session to reach a terminal status by calling GetStatus
// at a fixed interval, at most MaxAttempts times.
type Poller struct {
	Sessions    StatusGetter
	Interval    time.Duration
	MaxAttempts int
	// OnPoll, if set, is called with every view observed.
	OnPoll func(*SessionView)
}

// Wait polls until the session is terminal. When the attempt budget runs out
// it returns the last view with ErrPollingTimeout; the session is not changed.
// Cancelling ctx stops waiting with ctx's error.
func (p *Poller) Wait(ctx context.Context, sessionID string) (*SessionView, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	var last *SessionView
	for attempt := 1; ; attempt++ {
		v, err := p.Sessions.GetStatus(ctx, sessionID)
		if err != nil {
			return last, err
		}
		last = v
		if p.OnPoll != nil {
			p.OnPoll(v)
		}
		if v.Status.Terminal() {
			return v, nil
		}
		if attempt >= attempts {
			break
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}

	return last, fmt.Errorf("%w: session %s still %s after %d attempts",
		ErrPollingTimeout, sessionID, last.Status, attempts)
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return 5 * time.Second
	}
	return p.Interval
}
