package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/payload"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var (
	ErrInvalidHotelID   = errors.New("hotel_id is required")
	ErrInvalidBookingID = errors.New("booking_id is required")
	ErrInvalidBooking   = errors.New("invalid booking")
	ErrReaderBusy       = errors.New("card reader is busy with another run")
	ErrRunCancelled     = errors.New("card programming run cancelled")
	ErrNothingToRetry   = errors.New("booking has no failed card issues")
)

// ControllerConfig tunes pacing and timeouts.  Zero delays disable pacing;
// zero timeouts disable the corresponding limit.
type ControllerConfig struct {
	Facility string
	Timezone string

	// WaitingDelay is the pause after a card enters waiting, giving the
	// operator time to place it on the reader.
	WaitingDelay time.Duration
	// BetweenCardsDelay separates consecutive cards.
	BetweenCardsDelay time.Duration

	CardTimeout time.Duration
	RunTimeout  time.Duration

	Now func() time.Time
}

// Controller drives card-programming runs across the ledger and the agent.
type Controller struct {
	ledger store.Ledger
	agent  Agent
	locks  *ReaderLocks
	cfg    ControllerConfig
	logger *zap.Logger
}

func NewController(ledger store.Ledger, agent Agent, locks *ReaderLocks, cfg ControllerConfig, logger *zap.Logger) *Controller {
	if locks == nil {
		locks = NewReaderLocks()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{ledger: ledger, agent: agent, locks: locks, cfg: cfg, logger: logger}
}

// RunSequence programs all five cards for a booking, in order, continuing
// past individual card failures.  Cards whose ledger issue is already done
// are skipped, so re-invoking after an interruption resumes the run.
//
// The returned error is non-nil only when the run could not start
// (validation, reader busy, agent unavailable) or was cancelled; per-card
// failures are reported through the outcome.
func (c *Controller) RunSequence(ctx context.Context, req types.RunRequest) (types.SequenceOutcome, error) {
	hotelID := strings.TrimSpace(req.HotelID)
	if hotelID == "" {
		return types.SequenceOutcome{}, ErrInvalidHotelID
	}
	if err := payload.ValidateBooking(req.Booking); err != nil {
		return types.SequenceOutcome{}, fmt.Errorf("%w: %v", ErrInvalidBooking, err)
	}

	release, err := c.begin(ctx, hotelID)
	if err != nil {
		return types.SequenceOutcome{}, err
	}
	defer release()

	ctx, cancel := c.withRunTimeout(ctx)
	defer cancel()

	opts := payload.Options{Facility: c.cfg.Facility, Timezone: c.cfg.Timezone, Now: c.cfg.Now}
	r := c.newRun(hotelID, req.RoomID, req.Booking.ID)

	c.logger.Info("card sequence started",
		zap.String("hotel_id", hotelID), zap.String("booking_id", req.Booking.ID))

	return r.drive(ctx, types.AllCardTypes(), func(ctx context.Context, ct types.CardType) cardJob {
		job := cardJob{cardType: ct}

		existing, err := c.ledger.FindCardIssue(ctx, req.Booking.ID, ct)
		switch {
		case err == nil:
			if existing.Status == types.IssueDone {
				job.done = &existing
				return job
			}
			job.existing = &existing
		case errors.Is(err, store.ErrIssueNotFound):
		default:
			job.lookupErr = err
		}

		job.payload, job.payloadErr = payload.Build(ct, req.Booking, opts)
		return job
	})
}

// RetryFailed re-encodes only the booking's failed cards.  Each failed
// issue is moved back to pending (retry_count+1), queued, and then run
// through the same per-card step as RunSequence using its stored payload.
func (c *Controller) RetryFailed(ctx context.Context, req types.RetryRequest) (types.SequenceOutcome, error) {
	hotelID := strings.TrimSpace(req.HotelID)
	bookingID := strings.TrimSpace(req.BookingID)
	if hotelID == "" {
		return types.SequenceOutcome{}, ErrInvalidHotelID
	}
	if bookingID == "" {
		return types.SequenceOutcome{}, ErrInvalidBookingID
	}

	release, err := c.begin(ctx, hotelID)
	if err != nil {
		return types.SequenceOutcome{}, err
	}
	defer release()

	// Listed under the reader lock: a run that finished just before us may
	// already have fixed some of these cards.
	failed, err := c.ledger.GetCardIssues(ctx, hotelID, store.IssueFilter{
		BookingID: bookingID,
		Status:    types.IssueFailed,
	})
	if err != nil {
		return types.SequenceOutcome{}, fmt.Errorf("list failed issues: %w", err)
	}
	if len(failed) == 0 {
		return types.SequenceOutcome{}, ErrNothingToRetry
	}
	sort.SliceStable(failed, func(i, j int) bool { return failed[i].CardType.Index() < failed[j].CardType.Index() })

	ctx, cancel := c.withRunTimeout(ctx)
	defer cancel()

	r := c.newRun(hotelID, failed[0].RoomID, bookingID)

	// Requeue everything up front so the ledger shows the whole retry batch
	// as waiting its turn.
	jobs := make(map[types.CardType]cardJob, len(failed))
	cardTypes := make([]types.CardType, 0, len(failed))
	for _, iss := range failed {
		cardTypes = append(cardTypes, iss.CardType)
		jobs[iss.CardType] = c.requeue(ctx, r.logger, iss)
	}

	c.logger.Info("card retry started",
		zap.String("hotel_id", hotelID), zap.String("booking_id", bookingID), zap.Int("cards", len(cardTypes)))

	return r.drive(ctx, cardTypes, func(_ context.Context, ct types.CardType) cardJob {
		return jobs[ct]
	})
}

// RetryIssue moves one failed issue back to pending without encoding it.
func (c *Controller) RetryIssue(ctx context.Context, id string) (types.CardIssue, error) {
	return c.ledger.RequeueFailed(ctx, strings.TrimSpace(id))
}

// requeue moves a failed issue to pending and then queued, and returns the
// job that retries it.  An issue that is no longer failed is re-read: done
// becomes a skip, pending is reused.  A failed queued write leaves the
// issue pending, which the per-card step moves straight to in_progress.
func (c *Controller) requeue(ctx context.Context, log *zap.Logger, iss types.CardIssue) cardJob {
	job := cardJob{cardType: iss.CardType}

	requeued, err := c.ledger.RequeueFailed(ctx, iss.ID)
	if errors.Is(err, store.ErrNotRetryable) {
		fresh, getErr := c.ledger.GetCardIssue(ctx, iss.ID)
		switch {
		case getErr != nil:
			job.lookupErr = getErr
		case fresh.Status == types.IssueDone:
			job.done = &fresh
		default:
			job.existing = &fresh
			job.payload = fresh.Payload
		}
		return job
	}
	if err != nil {
		job.lookupErr = err
		return job
	}

	job.existing = &requeued
	job.payload = requeued.Payload
	if err := c.ledger.UpdateCardIssueStatus(ctx, requeued.ID, store.StatusUpdate{
		Status: types.IssueQueued,
		At:     c.cfg.Now(),
	}); err != nil {
		log.Warn("card issue left pending", zap.String("issue_id", requeued.ID), zap.Error(err))
		return job
	}
	requeued.Status = types.IssueQueued
	return job
}

// begin claims the reader and checks the agent.  No ledger writes happen
// before it succeeds.
func (c *Controller) begin(ctx context.Context, hotelID string) (func(), error) {
	release, ok := c.locks.TryAcquire(hotelID)
	if !ok {
		return nil, ErrReaderBusy
	}

	avail := c.agent.CheckAvailability(ctx)
	if !avail.Available {
		release()
		c.logger.Warn("card bridge unavailable", zap.String("hotel_id", hotelID), zap.String("detail", avail.Detail))
		if avail.Detail != "" {
			return nil, fmt.Errorf("%w: %s", types.ErrAgentUnavailable, avail.Detail)
		}
		return nil, types.ErrAgentUnavailable
	}
	if !avail.ReaderConnected {
		release()
		c.logger.Warn("card reader not connected", zap.String("hotel_id", hotelID))
		return nil, types.ErrReaderNotConnected
	}
	return release, nil
}

func (c *Controller) withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}
