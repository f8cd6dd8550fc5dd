package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

type issueKey struct {
	bookingID string
	cardType  types.CardType
}

// Ledger is an in-memory card issue ledger.  It is intended for use in
// tests and dev environments.
type Ledger struct {
	mu     sync.RWMutex
	issues map[string]types.CardIssue
	byKey  map[issueKey]string
	order  []string
	now    func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		issues: make(map[string]types.CardIssue),
		byKey:  make(map[issueKey]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) CreateCardIssue(_ context.Context, in store.NewCardIssue) (types.CardIssue, error) {
	status := in.Status
	if status == "" {
		status = types.IssuePending
	}
	if status != types.IssuePending && status != types.IssueInProgress {
		return types.CardIssue{}, store.ErrInvalidTransition
	}

	key := issueKey{bookingID: strings.TrimSpace(in.BookingID), cardType: in.CardType}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byKey[key]; ok {
		return types.CardIssue{}, store.ErrIssueExists
	}

	now := l.now()
	iss := types.CardIssue{
		ID:        uuid.NewString(),
		HotelID:   strings.TrimSpace(in.HotelID),
		BookingID: key.bookingID,
		RoomID:    strings.TrimSpace(in.RoomID),
		CardType:  in.CardType,
		Payload:   in.Payload,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.issues[iss.ID] = iss
	l.byKey[key] = iss.ID
	l.order = append(l.order, iss.ID)
	return iss, nil
}

func (l *Ledger) UpdateCardIssueStatus(_ context.Context, id string, upd store.StatusUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.issues[id]
	if !ok {
		return store.ErrIssueNotFound
	}
	if upd.At.IsZero() {
		upd.At = l.now()
	}
	next, err := store.ApplyUpdate(cur, upd)
	if err != nil {
		return err
	}
	l.issues[id] = next
	return nil
}

func (l *Ledger) GetCardIssues(_ context.Context, hotelID string, f store.IssueFilter) ([]types.CardIssue, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.CardIssue
	for _, id := range l.order {
		iss := l.issues[id]
		if hotelID != "" && iss.HotelID != hotelID {
			continue
		}
		if f.Status != "" && iss.Status != f.Status {
			continue
		}
		if f.BookingID != "" && iss.BookingID != f.BookingID {
			continue
		}
		out = append(out, iss)
	}
	// Newest first, matching the sqlite store.
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (l *Ledger) GetCardIssue(_ context.Context, id string) (types.CardIssue, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	iss, ok := l.issues[id]
	if !ok {
		return types.CardIssue{}, store.ErrIssueNotFound
	}
	return iss, nil
}

func (l *Ledger) FindCardIssue(_ context.Context, bookingID string, ct types.CardType) (types.CardIssue, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	id, ok := l.byKey[issueKey{bookingID: strings.TrimSpace(bookingID), cardType: ct}]
	if !ok {
		return types.CardIssue{}, store.ErrIssueNotFound
	}
	return l.issues[id], nil
}

func (l *Ledger) RequeueFailed(_ context.Context, id string) (types.CardIssue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.issues[id]
	if !ok {
		return types.CardIssue{}, store.ErrIssueNotFound
	}
	next, err := store.Requeue(cur, l.now())
	if err != nil {
		return cur, err
	}
	l.issues[id] = next
	return next, nil
}

func (l *Ledger) ListStale(_ context.Context, before time.Time) ([]types.CardIssue, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.CardIssue
	for _, id := range l.order {
		iss := l.issues[id]
		if iss.Status != types.IssueQueued && iss.Status != types.IssueInProgress {
			continue
		}
		if iss.UpdatedAt.Before(before) {
			out = append(out, iss)
		}
	}
	return out, nil
}

// Issues returns every issue in creation order.  Test-only helper.
func (l *Ledger) Issues() []types.CardIssue {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.CardIssue, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.issues[id])
	}
	return out
}

// SetClock overrides the ledger's time source.  Test-only helper.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
