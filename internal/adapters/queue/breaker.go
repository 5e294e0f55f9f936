package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/stagecoach/internal/ports"
)

var ErrBreakerOpen = errors.New("queue submissions suspended after repeated failures")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker stops calling Submit on a backend that keeps failing, so a broken
// qsub or API server is not hit on every launcher tick. After cooldown one
// trial submission is let through; its result closes or reopens the breaker.
type Breaker struct {
	inner     ports.QueueBackend
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	state       BreakerState
	consecutive int
	openedAt    time.Time
	trial       bool
}

var _ ports.QueueBackend = (*Breaker)(nil)

func NewBreaker(inner ports.QueueBackend, threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{
		inner:     inner,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.With("component", "queue", "module", "breaker"),
		now:       time.Now,
	}
}

func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Submit(ctx context.Context, cmd ports.WorkerCommand, spec ports.ResourceSpec) (ports.JobHandle, error) {
	if !b.allow() {
		return ports.JobHandle{}, ErrBreakerOpen
	}
	handle, err := b.inner.Submit(ctx, cmd, spec)
	switch {
	case err == nil:
		b.onSuccess()
	case ctx.Err() != nil:
		b.release()
	default:
		b.onFailure()
	}
	return handle, err
}

func (b *Breaker) Poll(ctx context.Context, handle ports.JobHandle) (ports.JobState, error) {
	return b.inner.Poll(ctx, handle)
}

func (b *Breaker) Cancel(ctx context.Context, handle ports.JobHandle) error {
	return b.inner.Cancel(ctx, handle)
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.setState(BreakerHalfOpen)
	}

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return false
	}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.trial = false
	b.setState(BreakerClosed)
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	b.trial = false
	if b.state == BreakerHalfOpen || b.consecutive >= b.threshold {
		b.openedAt = b.now()
		b.setState(BreakerOpen)
	}
}

// release gives back a trial slot whose submission was cancelled.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

func (b *Breaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	b.logger.Warn("submission breaker state change",
		"backend", b.inner.Name(),
		"from", b.state.String(),
		"to", next.String(),
		"consecutive_failures", b.consecutive)
	b.state = next
}
