package store

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var (
	ErrIssueNotFound     = errors.New("card issue not found")
	ErrIssueExists       = errors.New("card issue already exists for booking and card type")
	ErrInvalidTransition = errors.New("invalid card issue status transition")
	ErrNotRetryable      = errors.New("only failed card issues can be retried")
)

// NewCardIssue is the input to CreateCardIssue.  Status defaults to
// pending; callers may create directly in in_progress.
type NewCardIssue struct {
	HotelID   string
	RoomID    string
	BookingID string
	CardType  types.CardType
	Payload   types.Payload
	Status    types.IssueStatus
}

// StatusUpdate moves an issue to a new status.  Result is only kept for
// done and ErrorMessage only for failed.
type StatusUpdate struct {
	Status       types.IssueStatus
	Result       *types.CardResult
	ErrorMessage string
	At           time.Time
}

// IssueFilter narrows GetCardIssues.  Zero fields match everything.
type IssueFilter struct {
	Status    types.IssueStatus
	BookingID string
}

// Ledger is the durable record of card issues.  At most one issue exists
// per (booking_id, card_type); retries move that issue back to pending
// instead of creating another.
type Ledger interface {
	CreateCardIssue(ctx context.Context, in NewCardIssue) (types.CardIssue, error)
	UpdateCardIssueStatus(ctx context.Context, id string, upd StatusUpdate) error
	GetCardIssues(ctx context.Context, hotelID string, f IssueFilter) ([]types.CardIssue, error)
	GetCardIssue(ctx context.Context, id string) (types.CardIssue, error)
	FindCardIssue(ctx context.Context, bookingID string, ct types.CardType) (types.CardIssue, error)

	// RequeueFailed moves a failed issue to pending and increments its
	// retry count.  Any other status returns ErrNotRetryable.
	RequeueFailed(ctx context.Context, id string) (types.CardIssue, error)

	// ListStale returns queued or in_progress issues last updated before
	// the cutoff.
	ListStale(ctx context.Context, before time.Time) ([]types.CardIssue, error)
}

// ApplyUpdate validates upd against the current issue and returns the
// updated copy.  Both store implementations share it so their transition
// rules cannot drift.
func ApplyUpdate(cur types.CardIssue, upd StatusUpdate) (types.CardIssue, error) {
	if !upd.Status.Valid() {
		return cur, ErrInvalidTransition
	}
	if upd.Status == types.IssuePending || !types.CanTransition(cur.Status, upd.Status) {
		// pending is only reachable through RequeueFailed.
		return cur, ErrInvalidTransition
	}

	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()

	next := cur
	next.Status = upd.Status
	next.UpdatedAt = at

	switch upd.Status {
	case types.IssueDone:
		next.Result = upd.Result
		next.ErrorMessage = ""
	case types.IssueFailed:
		next.Result = nil
		next.ErrorMessage = upd.ErrorMessage
	default:
		next.Result = nil
		next.ErrorMessage = ""
	}

	if upd.Status.IsTerminal() && next.CompletedAt == nil {
		next.CompletedAt = &at
	}
	return next, nil
}

// Requeue applies the retry transition.
func Requeue(cur types.CardIssue, at time.Time) (types.CardIssue, error) {
	if cur.Status != types.IssueFailed {
		return cur, ErrNotRetryable
	}
	next := cur
	next.Status = types.IssuePending
	next.RetryCount++
	next.ErrorMessage = ""
	next.UpdatedAt = at.UTC()
	// CompletedAt is kept: it records the first terminal transition.
	return next, nil
}
