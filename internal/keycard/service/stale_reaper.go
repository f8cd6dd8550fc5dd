package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// InterruptedMessage is the error recorded on issues the reaper fails.
const InterruptedMessage = "interrupted: run ended before the card was confirmed"

// StaleIssueReaper fails card issues left queued or in_progress by a run
// that died (process crash, bridge killed mid-write).  Failing them makes
// them eligible for RetryFailed.
//
// A MaxAge of 0 disables reaping entirely.
type StaleIssueReaper struct {
	ledger   store.Ledger
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// ReaperConfig holds the parameters for NewStaleIssueReaper.
type ReaperConfig struct {
	// MaxAge is how long an issue may sit queued or in_progress.
	MaxAge time.Duration

	// Interval is how often the reaper runs.  Defaults to one minute.
	Interval time.Duration

	Now func() time.Time
}

// NewStaleIssueReaper creates a reaper but does not start it.
func NewStaleIssueReaper(l store.Ledger, cfg ReaperConfig, logger *zap.Logger) *StaleIssueReaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaleIssueReaper{
		ledger:   l,
		maxAge:   cfg.MaxAge,
		interval: interval,
		now:      now,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats on the interval until ctx
// is cancelled or Stop is called.  Start after Stop, or a second Start,
// does nothing.
func (r *StaleIssueReaper) Start(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	if r.maxAge <= 0 {
		r.logger.Info("stale issue reaper disabled (max_age=0)")
		close(r.done)
		return
	}

	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)

	r.logger.Info("stale issue reaper started",
		zap.Duration("max_age", r.maxAge), zap.Duration("interval", r.interval))
}

// Stop signals the reaper to exit and waits for it to finish.
func (r *StaleIssueReaper) Stop() {
	r.lifecycle.Lock()
	if !r.stopped {
		r.stopped = true
		switch {
		case r.cancel != nil:
			r.cancel()
		case !r.started:
			close(r.done)
		}
	}
	r.lifecycle.Unlock()
	<-r.done
}

func (r *StaleIssueReaper) loop(ctx context.Context) {
	defer close(r.done)

	r.Sweep(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every stale issue once and returns how many it marked.
func (r *StaleIssueReaper) Sweep(ctx context.Context) int {
	now := r.now()
	cutoff := now.Add(-r.maxAge)

	stale, err := r.ledger.ListStale(ctx, cutoff)
	if err != nil {
		r.logger.Error("stale issue scan failed", zap.Error(err))
		return 0
	}

	marked := 0
	for _, iss := range stale {
		err := r.ledger.UpdateCardIssueStatus(ctx, iss.ID, store.StatusUpdate{
			Status:       types.IssueFailed,
			ErrorMessage: InterruptedMessage,
			At:           now,
		})
		if err != nil {
			// A concurrent run may have finished it; that is fine.
			r.logger.Warn("stale issue not marked",
				zap.String("issue_id", iss.ID), zap.Error(err))
			continue
		}
		marked++
	}
	if marked > 0 {
		r.logger.Info("stale card issues failed",
			zap.Int("count", marked), zap.Time("cutoff", cutoff))
	}
	return marked
}
