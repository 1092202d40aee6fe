package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stewardhq/steward/internal/logging"
	"github.com/stewardhq/steward/internal/store"
)

const defaultSweepInterval = 5 * time.Second

// ApprovalExpirer expires pending approvals past their deadline.
// Satisfied by the approval gate.
type ApprovalExpirer interface {
	Expire(ctx context.Context, now time.Time) ([]*store.Approval, error)
}

// ExpiredApprovalHandler applies the run's timeout policy after an
// approval expired. Satisfied by the orchestrator.
type ExpiredApprovalHandler interface {
	HandleExpiredApproval(ctx context.Context, a *store.Approval) error
}

// Sweeper periodically expires overdue approvals and hands each one to
// the orchestrator for timeout handling.
type Sweeper struct {
	gate     ApprovalExpirer
	handler  ExpiredApprovalHandler
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper. interval <= 0 uses the 5s default.
func NewSweeper(gate ApprovalExpirer, handler ExpiredApprovalHandler, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{gate: gate, handler: handler, interval: interval, logger: logger, now: time.Now}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(sweepCtx)
	s.logger.Info("approval sweeper started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep pass: expire overdue approvals, then let the
// orchestrator resolve each affected run.
func (s *Sweeper) Tick(ctx context.Context) {
	expired, err := s.gate.Expire(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("approval sweep failed", slog.Any("error", err))
		return
	}
	for _, a := range expired {
		actx := logging.WithRunID(ctx, a.RunID)
		if err := s.handler.HandleExpiredApproval(actx, a); err != nil {
			logging.LogWith(actx, s.logger).ErrorContext(actx, "failed to time out run after approval expiry",
				slog.String("approval_id", a.ID), slog.Any("error", err))
		}
	}
	if len(expired) > 0 {
		s.logger.Info("expired overdue approvals", slog.Int("count", len(expired)))
	}
}

// Stop gracefully shuts down the sweeper.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("approval sweeper stopped")
	return nil
}
