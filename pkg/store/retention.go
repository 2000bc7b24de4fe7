package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/drover-io/drover/pkg/config"
)

// RetentionService periodically prunes terminal tasks past the retention
// window. Deletions are batched so a large backlog never blocks mutators
// for long.
type RetentionService struct {
	cfg      config.RetentionConfig
	store    *Store
	snapshot *Snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetentionService builds the sweep service. snapshot may be nil.
func NewRetentionService(cfg config.RetentionConfig, store *Store, snapshot *Snapshot) *RetentionService {
	return &RetentionService{cfg: cfg, store: store, snapshot: snapshot}
}

// Start launches the background sweep loop.
func (s *RetentionService) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started",
		"retention_hours", s.cfg.RetentionHours,
		"interval", s.cfg.SweepInterval,
		"batch_size", s.cfg.BatchSize)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *RetentionService) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *RetentionService) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(time.Now())

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep deletes one batch of expired terminal tasks and returns how many
// were removed.
func (s *RetentionService) Sweep(now time.Time) int {
	cutoff := now.Add(-time.Duration(s.cfg.RetentionHours) * time.Hour)
	ids := s.store.TerminalBefore(cutoff, s.cfg.BatchSize)
	for _, id := range ids {
		s.store.Delete(id)
		if s.snapshot != nil {
			s.snapshot.Delete(id)
		}
	}
	if len(ids) > 0 {
		slog.Info("Pruned expired tasks", "count", len(ids))
	}
	return len(ids)
}
