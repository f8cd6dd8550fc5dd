package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/sequence"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// cardJob is everything the per-card step needs for one card type.
type cardJob struct {
	cardType types.CardType

	// done is set when the ledger already holds a finished issue.
	done *types.CardIssue
	// existing is an issue to reuse instead of creating a new one.
	existing *types.CardIssue

	payload    types.Payload
	payloadErr error
	lookupErr  error
}

// run is the mutable bookkeeping for one controller run.  It is owned by
// a single goroutine.
type run struct {
	c         *Controller
	hotelID   string
	roomID    string
	bookingID string
	logger    *zap.Logger

	state    sequence.State
	issues   []types.CardIssue
	warnings []string
}

func (c *Controller) newRun(hotelID, roomID, bookingID string) *run {
	return &run{
		c:         c,
		hotelID:   hotelID,
		roomID:    roomID,
		bookingID: bookingID,
		logger:    c.logger.With(zap.String("hotel_id", hotelID), zap.String("booking_id", bookingID)),
		state:     sequence.Idle{},
	}
}

// drive walks cardTypes strictly in order, one card at a time.  A failed
// card never stops the loop.
func (r *run) drive(ctx context.Context, cardTypes []types.CardType, prepare func(context.Context, types.CardType) cardJob) (types.SequenceOutcome, error) {
	r.apply(sequence.Start{Cards: cardTypes})

	for {
		cur, running := sequence.Current(r.state)
		if !running {
			break
		}
		if ctx.Err() != nil {
			r.apply(sequence.Cancel{})
			break
		}

		job := prepare(ctx, cur.CardType)
		if job.done != nil {
			r.logger.Debug("card already programmed, skipping", zap.String("card_type", string(cur.CardType)))
			uid, at := "", time.Time{}
			if job.done.Result != nil {
				uid, at = job.done.Result.CardUID, job.done.Result.Timestamp
			}
			r.issues = append(r.issues, *job.done)
			r.apply(sequence.Skipped{IssueID: job.done.ID, CardUID: uid, At: at})
			continue
		}

		r.step(ctx, job)

		if _, more := sequence.Current(r.state); more {
			_ = sleep(ctx, r.c.cfg.BetweenCardsDelay)
		}
	}

	return r.outcome(ctx)
}

// step programs one card.  Every failure is recorded on the card and in
// the ledger; nothing is returned.
func (r *run) step(ctx context.Context, job cardJob) {
	ct := job.cardType
	log := r.logger.With(zap.String("card_type", string(ct)))

	r.apply(sequence.Waiting{})
	log.Debug("card waiting")
	if err := sleep(ctx, r.c.cfg.WaitingDelay); err != nil {
		// Cancelled while the operator was placing the card.
		return
	}
	r.apply(sequence.Programming{})

	if job.lookupErr != nil {
		r.ledgerFailure(log, ct, "", fmt.Errorf("look up card issue: %w", job.lookupErr), false)
		return
	}
	if job.payloadErr != nil {
		log.Warn("card payload invalid", zap.Error(job.payloadErr))
		r.apply(sequence.Failed{Err: fmt.Sprintf("build payload: %v", job.payloadErr)})
		return
	}

	iss, err := r.prepareIssue(ctx, job)
	if err != nil {
		r.ledgerFailure(log, ct, "", err, false)
		return
	}
	log = log.With(zap.String("issue_id", iss.ID))
	r.apply(sequence.Bound{IssueID: iss.ID})

	result, encErr := r.encode(ctx, iss, job.payload)
	now := r.c.cfg.Now()
	// The card may already be written; record it even if the run is
	// being cancelled.
	ctx = context.WithoutCancel(ctx)

	if encErr == nil {
		at := result.Timestamp
		if at.IsZero() {
			at = now
			result.Timestamp = now
		}
		if err := r.c.ledger.UpdateCardIssueStatus(ctx, iss.ID, store.StatusUpdate{
			Status: types.IssueDone,
			Result: result,
			At:     now,
		}); err != nil {
			r.ledgerFailure(log, ct, iss.ID, err, true)
		}
		log.Info("card programmed", zap.String("card_uid", result.CardUID))
		r.apply(sequence.Succeeded{CardUID: result.CardUID, At: at})
		r.recordIssue(ctx, iss, types.IssueDone, result, "", now)
		return
	}

	msg := encErr.Error()
	log.Warn("card programming failed", zap.Error(encErr))
	if err := r.c.ledger.UpdateCardIssueStatus(ctx, iss.ID, store.StatusUpdate{
		Status:       types.IssueFailed,
		ErrorMessage: msg,
		At:           now,
	}); err != nil {
		r.ledgerFailure(log, ct, iss.ID, err, true)
	}
	r.apply(sequence.Failed{Err: msg})
	r.recordIssue(ctx, iss, types.IssueFailed, nil, msg, now)
}

// prepareIssue creates the issue in_progress, or moves an existing one
// there.  A failed issue found during a run is requeued first so the retry
// is counted.
func (r *run) prepareIssue(ctx context.Context, job cardJob) (types.CardIssue, error) {
	if job.existing == nil {
		iss, err := r.c.ledger.CreateCardIssue(ctx, store.NewCardIssue{
			HotelID:   r.hotelID,
			RoomID:    r.roomID,
			BookingID: r.bookingID,
			CardType:  job.cardType,
			Payload:   job.payload,
			Status:    types.IssueInProgress,
		})
		if err != nil {
			return types.CardIssue{}, fmt.Errorf("create card issue: %w", err)
		}
		return iss, nil
	}

	iss := *job.existing
	if iss.Status == types.IssueFailed {
		requeued, err := r.c.ledger.RequeueFailed(ctx, iss.ID)
		if err != nil {
			return types.CardIssue{}, fmt.Errorf("requeue card issue: %w", err)
		}
		iss = requeued
	}
	now := r.c.cfg.Now()
	if err := r.c.ledger.UpdateCardIssueStatus(ctx, iss.ID, store.StatusUpdate{
		Status: types.IssueInProgress,
		At:     now,
	}); err != nil {
		return types.CardIssue{}, fmt.Errorf("mark card issue in progress: %w", err)
	}
	iss.Status = types.IssueInProgress
	iss.UpdatedAt = now
	return iss, nil
}

// encode calls the agent and folds every failure shape into one error
// wrapping a taxonomy sentinel.
func (r *run) encode(ctx context.Context, iss types.CardIssue, p types.Payload) (*types.CardResult, error) {
	encCtx := ctx
	if r.c.cfg.CardTimeout > 0 {
		var cancel context.CancelFunc
		encCtx, cancel = context.WithTimeout(ctx, r.c.cfg.CardTimeout)
		defer cancel()
	}

	resp, err := r.c.agent.Encode(encCtx, EncodeRequest{
		IssueID:  iss.ID,
		CardType: iss.CardType,
		Payload:  p,
		HotelID:  r.hotelID,
		RoomID:   r.roomID,
	})
	if err != nil {
		if isTaxonomy(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrEncodeFailure, err)
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		return nil, fmt.Errorf("%w: %s", types.ErrorForCode(resp.Code), msg)
	}
	if resp.Result == nil || resp.Result.CardUID == "" {
		return nil, fmt.Errorf("%w: agent returned no card uid", types.ErrEncodeFailure)
	}
	res := *resp.Result
	return &res, nil
}

func isTaxonomy(err error) bool {
	return errors.Is(err, types.ErrEncodeFailure) ||
		errors.Is(err, types.ErrCardDetectionTimeout) ||
		errors.Is(err, types.ErrReaderNotConnected) ||
		errors.Is(err, types.ErrAgentUnavailable)
}

// ledgerFailure records a lost audit write.  When the card may already
// have been encoded (afterEncode) the card keeps its encode result and only
// a warning is raised; otherwise the card fails without being encoded.
func (r *run) ledgerFailure(log *zap.Logger, ct types.CardType, issueID string, err error, afterEncode bool) {
	wrapped := fmt.Errorf("%w: %v", types.ErrLedgerWrite, err)
	log.Error("card issue ledger write failed",
		zap.String("issue_id", issueID), zap.Bool("after_encode", afterEncode), zap.Error(err))

	if afterEncode {
		r.warnings = append(r.warnings,
			fmt.Sprintf("%s: card may have been written but not recorded: %v", ct, err))
		return
	}
	r.warnings = append(r.warnings, fmt.Sprintf("%s: card not encoded: %v", ct, err))
	r.apply(sequence.Failed{Err: wrapped.Error()})
}

// recordIssue keeps the freshest view of iss for the outcome.
func (r *run) recordIssue(ctx context.Context, iss types.CardIssue, status types.IssueStatus, res *types.CardResult, msg string, at time.Time) {
	if fresh, err := r.c.ledger.GetCardIssue(ctx, iss.ID); err == nil {
		r.issues = append(r.issues, fresh)
		return
	}
	iss.Status = status
	iss.Result = res
	iss.ErrorMessage = msg
	iss.UpdatedAt = at
	r.issues = append(r.issues, iss)
}

func (r *run) apply(e sequence.Event) {
	next, err := sequence.Apply(r.state, e)
	if err != nil {
		// The driver only emits legal events; reaching this is a bug.
		panic(fmt.Sprintf("card sequence: %v", err))
	}
	r.state = next
}

func (r *run) outcome(ctx context.Context) (types.SequenceOutcome, error) {
	done, _ := r.state.(sequence.Completed)

	out := types.SequenceOutcome{
		RunSummary:     done.Summary,
		BookingID:      r.bookingID,
		Cards:          done.Cards,
		Issues:         r.issues,
		LedgerWarnings: r.warnings,
		Cancelled:      done.Cancelled,
	}

	r.logger.Info("card run finished",
		zap.String("outcome", string(out.Kind)),
		zap.Int("succeeded", out.Succeeded),
		zap.Int("total", out.Total),
		zap.Bool("cancelled", out.Cancelled),
		zap.Int("ledger_warnings", len(out.LedgerWarnings)))

	if done.Cancelled {
		return out, fmt.Errorf("%w: %v", ErrRunCancelled, context.Cause(ctx))
	}
	return out, nil
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
