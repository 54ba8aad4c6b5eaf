package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halovital/halovital-core/core/proclock"
)

// Sender delivers one operation to its remote target. A nil error means the
// target acknowledged the operation.
type Sender interface {
	Send(ctx context.Context, op PendingOperation) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, op PendingOperation) error

func (f SenderFunc) Send(ctx context.Context, op PendingOperation) error { return f(ctx, op) }

// ProcessorConfig tunes the drain loop.
type ProcessorConfig struct {
	// HolderID identifies this processor in the processing lock. Defaults to
	// a generated id per processor instance.
	HolderID string `yaml:"holder_id"`
	// PollInterval between drain cycles.
	PollInterval time.Duration `yaml:"poll_interval"`
	// BatchSize caps operations taken per cycle.
	BatchSize int `yaml:"batch_size"`
	// StaleThreshold for the processing lock lease.
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// SendRate limits deliveries per second; zero means unlimited.
	SendRate float64 `yaml:"send_rate"`
	// FailedRetention is how long failed operations are kept before the
	// periodic purge removes them.
	FailedRetention time.Duration `yaml:"failed_retention"`
}

func (c *ProcessorConfig) applyDefaults() {
	if c.HolderID == "" {
		c.HolderID = "processor-" + uuid.NewString()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = proclock.DefaultStaleThreshold
	}
	if c.FailedRetention <= 0 {
		c.FailedRetention = 7 * 24 * time.Hour
	}
}

// Processor drains the outbox: acquire the processing lock, take eligible
// operations in selection order, deliver each through the Sender, and record
// the outcome through the coordinator-backed queue.
type Processor struct {
	queue   *Queue
	lock    *proclock.Lock
	sender  Sender
	logger  *zap.Logger
	limiter *rate.Limiter
	cfg     ProcessorConfig
}

// NewProcessor wires a Processor.
func NewProcessor(queue *Queue, lock *proclock.Lock, sender Sender, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	cfg.applyDefaults()
	var limiter *rate.Limiter
	if cfg.SendRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}
	return &Processor{
		queue:   queue,
		lock:    lock,
		sender:  sender,
		logger:  logger,
		limiter: limiter,
		cfg:     cfg,
	}
}

// Run polls until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	p.logger.Info("Outbox processor started",
		zap.String("holder_id", p.cfg.HolderID),
		zap.Duration("poll_interval", p.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopping", zap.String("holder_id", p.cfg.HolderID))
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Drain cycle failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce runs a single drain cycle and returns the number of operations
// acknowledged. Lock contention is not an error: it returns (0, nil) and the
// next poll tries again.
func (p *Processor) DrainOnce(ctx context.Context) (int, error) {
	holder, err := p.lock.TryAcquire(ctx, p.cfg.HolderID, p.cfg.StaleThreshold)
	if err != nil {
		return 0, fmt.Errorf("failed to acquire processing lock: %w", err)
	}
	if holder == "" {
		p.logger.Debug("Processing lock held elsewhere, skipping drain")
		return 0, nil
	}
	defer func() {
		if err := p.lock.Release(ctx, p.cfg.HolderID); err != nil {
			p.logger.Error("Failed to release processing lock", zap.Error(err))
		}
	}()

	ops, err := p.queue.NextEligible(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	acked := 0
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return acked, err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return acked, err
			}
		}
		ok, err := p.deliver(ctx, op)
		if err != nil {
			return acked, err
		}
		if ok {
			acked++
		}
	}

	// Periodic failed-store purge rides along with the drain cycle.
	if _, err := p.queue.Failed().Purge(ctx, time.Now().Add(-p.cfg.FailedRetention)); err != nil {
		p.logger.Error("Failed-operations purge failed", zap.Error(err))
	}
	return acked, nil
}

// deliver pushes one operation through the state machine: mark sent, send,
// then acknowledge on success or record the failure for retry/failed-store
// handling. Returns true when the operation was acknowledged.
func (p *Processor) deliver(ctx context.Context, op PendingOperation) (bool, error) {
	if err := p.queue.MarkSent(ctx, op.OpID); err != nil {
		return false, err
	}
	if sendErr := p.sender.Send(ctx, op); sendErr != nil {
		p.logger.Warn("Delivery attempt failed",
			zap.String("op_id", op.OpID),
			zap.String("op_type", op.OpType),
			zap.Int("attempts", op.Attempts+1),
			zap.Error(sendErr))
		return false, p.queue.RecordFailure(ctx, op.OpID, sendErr)
	}
	if err := p.queue.Acknowledge(ctx, op.OpID); err != nil {
		return false, err
	}
	return true, nil
}
