// Package sequence models one card-programming run as an explicit state
// machine.  Apply is pure: it never mutates its input and performs no I/O,
// so the controller and the bridge drive the same transitions.
package sequence

import (
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var (
	ErrNotRunning     = errors.New("sequence is not running")
	ErrAlreadyStarted = errors.New("sequence already started")
	ErrNoCards        = errors.New("sequence has no cards")
	ErrBadTransition  = errors.New("invalid card transition")
)

// State is one of Idle, Running or Completed.
type State interface{ isState() }

type Idle struct{}

type Running struct {
	Index int
	Cards []types.CardState
}

type Completed struct {
	Cards     []types.CardState
	Summary   types.RunSummary
	Cancelled bool
}

func (Idle) isState()      {}
func (Running) isState()   {}
func (Completed) isState() {}

// Event drives a transition.
type Event interface{ isEvent() }

// Start begins a run over the given card types, in the order given.
type Start struct{ Cards []types.CardType }

// Waiting marks the current card as waiting for the operator.
type Waiting struct{}

// Programming marks the current card as being encoded.
type Programming struct{}

// Bound attaches the ledger issue id to the current card.
type Bound struct{ IssueID string }

// Succeeded records an encoded card and advances.
type Succeeded struct {
	CardUID string
	At      time.Time
}

// Failed records a per-card failure and advances.  The run continues.
type Failed struct{ Err string }

// Skipped records a card that the ledger already shows as done.
type Skipped struct {
	IssueID string
	CardUID string
	At      time.Time
}

// Cancel stops the run before the current card.
type Cancel struct{}

func (Start) isEvent()       {}
func (Waiting) isEvent()     {}
func (Programming) isEvent() {}
func (Bound) isEvent()       {}
func (Succeeded) isEvent()   {}
func (Failed) isEvent()      {}
func (Skipped) isEvent()     {}
func (Cancel) isEvent()      {}

// Apply returns the state that follows s after e.
func Apply(s State, e Event) (State, error) {
	switch st := s.(type) {
	case Idle:
		start, ok := e.(Start)
		if !ok {
			return s, fmt.Errorf("%w: %T in idle", ErrNotRunning, e)
		}
		if len(start.Cards) == 0 {
			return s, ErrNoCards
		}
		cards := make([]types.CardState, len(start.Cards))
		for i, ct := range start.Cards {
			cards[i] = types.CardState{CardType: ct, Status: types.CardPending}
		}
		return Running{Index: 0, Cards: cards}, nil

	case Running:
		return applyRunning(st, e)

	case Completed:
		if _, ok := e.(Start); ok {
			return s, ErrAlreadyStarted
		}
		return s, fmt.Errorf("%w: %T after completion", ErrNotRunning, e)
	}
	return s, fmt.Errorf("unknown state %T", s)
}

func applyRunning(st Running, e Event) (State, error) {
	cards := append([]types.CardState(nil), st.Cards...)
	cur := &cards[st.Index]

	switch ev := e.(type) {
	case Start:
		return st, ErrAlreadyStarted

	case Waiting:
		if cur.Status != types.CardPending {
			return st, badTransition(cur, types.CardWaiting)
		}
		cur.Status = types.CardWaiting

	case Programming:
		if cur.Status != types.CardWaiting {
			return st, badTransition(cur, types.CardProgramming)
		}
		cur.Status = types.CardProgramming

	case Bound:
		if cur.Status != types.CardWaiting && cur.Status != types.CardProgramming {
			return st, fmt.Errorf("%w: bind issue on %s card", ErrBadTransition, cur.Status)
		}
		cur.IssueID = ev.IssueID
		return Running{Index: st.Index, Cards: cards}, nil

	case Succeeded:
		if cur.Status != types.CardProgramming {
			return st, badTransition(cur, types.CardSuccess)
		}
		at := ev.At.UTC()
		cur.Status = types.CardSuccess
		cur.CardUID = ev.CardUID
		cur.ProgrammedAt = &at
		cur.Error = ""
		return advance(st.Index, cards), nil

	case Failed:
		if cur.Status == types.CardSuccess || cur.Status == types.CardError {
			return st, badTransition(cur, types.CardError)
		}
		cur.Status = types.CardError
		cur.Error = ev.Err
		return advance(st.Index, cards), nil

	case Skipped:
		if cur.Status != types.CardPending {
			return st, badTransition(cur, types.CardSuccess)
		}
		cur.Status = types.CardSuccess
		cur.IssueID = ev.IssueID
		cur.CardUID = ev.CardUID
		if !ev.At.IsZero() {
			at := ev.At.UTC()
			cur.ProgrammedAt = &at
		}
		return advance(st.Index, cards), nil

	case Cancel:
		// A card cut off mid-step never reached the agent.
		if cur.Status == types.CardWaiting || cur.Status == types.CardProgramming {
			cur.Status = types.CardPending
		}
		return Completed{Cards: cards, Summary: Classify(cards), Cancelled: true}, nil

	default:
		return st, fmt.Errorf("unknown event %T", e)
	}

	return Running{Index: st.Index, Cards: cards}, nil
}

// advance moves past the current card, whatever its result.
func advance(index int, cards []types.CardState) State {
	next := index + 1
	if next >= len(cards) {
		return Completed{Cards: cards, Summary: Classify(cards)}
	}
	return Running{Index: next, Cards: cards}
}

func badTransition(cur *types.CardState, to types.CardStatus) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrBadTransition, cur.CardType, cur.Status, to)
}

// Current returns the card the run is positioned on.
func Current(s State) (types.CardState, bool) {
	r, ok := s.(Running)
	if !ok {
		return types.CardState{}, false
	}
	return r.Cards[r.Index], true
}

// Cards returns a copy of the card states held by s.
func Cards(s State) []types.CardState {
	switch st := s.(type) {
	case Running:
		return append([]types.CardState(nil), st.Cards...)
	case Completed:
		return append([]types.CardState(nil), st.Cards...)
	}
	return nil
}
