package types

import "fmt"

// CardType identifies one step of the lock-programming sequence.
type CardType string

const (
	CardAuthorization1 CardType = "authorization_1"
	CardInstallation   CardType = "installation"
	CardAuthorization2 CardType = "authorization_2"
	CardClock          CardType = "clock"
	CardRoom           CardType = "room"
)

// cardOrder is the physical programming order required by the lock system.
// It must never be reordered.
var cardOrder = [...]CardType{
	CardAuthorization1,
	CardInstallation,
	CardAuthorization2,
	CardClock,
	CardRoom,
}

// AllCardTypes returns the card types in programming order.  The returned
// slice is a fresh copy.
func AllCardTypes() []CardType {
	out := make([]CardType, len(cardOrder))
	copy(out, cardOrder[:])
	return out
}

// Index returns the position of t in the programming order, or -1.
func (t CardType) Index() int {
	for i, c := range cardOrder {
		if c == t {
			return i
		}
	}
	return -1
}

func (t CardType) Valid() bool { return t.Index() >= 0 }

// ParseCardType validates a wire value.
func ParseCardType(s string) (CardType, error) {
	t := CardType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown card type %q", s)
	}
	return t, nil
}

// IssueStatus is the durable status of a CardIssue in the ledger.
type IssueStatus string

const (
	IssuePending    IssueStatus = "pending"
	IssueQueued     IssueStatus = "queued"
	IssueInProgress IssueStatus = "in_progress"
	IssueDone       IssueStatus = "done"
	IssueFailed     IssueStatus = "failed"
)

func (s IssueStatus) Valid() bool {
	switch s {
	case IssuePending, IssueQueued, IssueInProgress, IssueDone, IssueFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s ends an issue's lifecycle.  Failed issues
// are terminal until explicitly requeued.
func (s IssueStatus) IsTerminal() bool {
	return s == IssueDone || s == IssueFailed
}

// CanTransition reports whether the ledger accepts a status change from
// one value to another.  failed -> pending is only reachable through a
// retry, which callers enforce separately.
func CanTransition(from, to IssueStatus) bool {
	switch from {
	case IssuePending:
		return to == IssueQueued || to == IssueInProgress || to == IssueDone || to == IssueFailed
	case IssueQueued:
		return to == IssueInProgress || to == IssueFailed
	case IssueInProgress:
		// Re-encoding the same issue after a UI retry overwrites in place.
		return to == IssueInProgress || to == IssueDone || to == IssueFailed
	case IssueFailed:
		return to == IssuePending
	}
	return false
}

// CardStatus is the session-local progress state used while a run is
// active.  waiting and programming are sub-phases of IssueInProgress and
// are never persisted.
type CardStatus string

const (
	CardPending     CardStatus = "pending"
	CardWaiting     CardStatus = "waiting"
	CardProgramming CardStatus = "programming"
	CardSuccess     CardStatus = "success"
	CardError       CardStatus = "error"
)
