package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/stagecoach/internal/domain"
	"github.com/eleven-am/stagecoach/internal/ports"
	"golang.org/x/time/rate"
)

// RateLimited throttles Submit so a large executor count does not flood the
// cluster manager. Poll and Cancel pass straight through.
type RateLimited struct {
	inner   ports.QueueBackend
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ ports.QueueBackend = (*RateLimited)(nil)

func NewRateLimited(inner ports.QueueBackend, perSecond float64, burst int, logger *slog.Logger) *RateLimited {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "queue", "module", "rate-limiter"),
	}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) Submit(ctx context.Context, cmd ports.WorkerCommand, spec ports.ResourceSpec) (ports.JobHandle, error) {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return ports.JobHandle{}, fmt.Errorf("submission throttled: %w", err)
	}
	if waited := time.Since(start); waited > 100*time.Millisecond {
		r.logger.Debug("submission delayed by rate limit", "waited", waited)
	}
	return r.inner.Submit(ctx, cmd, spec)
}

func (r *RateLimited) Poll(ctx context.Context, handle ports.JobHandle) (ports.JobState, error) {
	return r.inner.Poll(ctx, handle)
}

func (r *RateLimited) Cancel(ctx context.Context, handle ports.JobHandle) error {
	return r.inner.Cancel(ctx, handle)
}

// New builds the backend named by cfg.Queue.Type, guarded by a submission
// breaker and throttled by the configured submit rate.
func New(cfg *domain.Config, logger *slog.Logger) (ports.QueueBackend, error) {
	logDir := cfg.Executor.LogDir

	var backend ports.QueueBackend
	switch cfg.Queue.Type {
	case domain.QueueLocal, "":
		backend = NewLocal(logDir, logger)
	case domain.QueueSGE:
		backend = NewSGE(cfg.Queue, logDir, logger)
	case domain.QueueKubernetes:
		k, err := NewKubernetes(cfg.Queue.Kubernetes, cfg.RunID, logger)
		if err != nil {
			return nil, err
		}
		backend = k
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownQueueType, cfg.Queue.Type)
	}

	if cfg.Queue.BreakerThreshold > 0 {
		backend = NewBreaker(backend, cfg.Queue.BreakerThreshold, cfg.Queue.BreakerCooldown, logger)
	}
	if cfg.Queue.SubmitRate > 0 {
		backend = NewRateLimited(backend, cfg.Queue.SubmitRate, cfg.Queue.SubmitBurst, logger)
	}
	return backend, nil
}
