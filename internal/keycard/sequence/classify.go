package sequence

import (
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// Classify aggregates card states into a run verdict:
//
//	every card success        -> full_success
//	at least one success      -> partial_success
//	no success (or no cards)  -> total_failure
//
// Cards still pending, waiting or programming count as not attempted.
func Classify(cards []types.CardState) types.RunSummary {
	sum := types.RunSummary{Total: len(cards)}

	for _, c := range cards {
		switch c.Status {
		case types.CardSuccess:
			sum.Succeeded++
		case types.CardError:
			sum.FailedTypes = append(sum.FailedTypes, c.CardType)
		default:
			sum.NotAttempted = append(sum.NotAttempted, c.CardType)
		}
	}

	switch {
	case sum.Total > 0 && sum.Succeeded == sum.Total:
		sum.Kind = types.OutcomeFullSuccess
	case sum.Succeeded > 0:
		sum.Kind = types.OutcomePartialSuccess
	default:
		sum.Kind = types.OutcomeTotalFailure
	}
	sum.Message = message(sum)
	return sum
}

func message(sum types.RunSummary) string {
	switch sum.Kind {
	case types.OutcomeFullSuccess:
		return fmt.Sprintf("all %d cards programmed successfully", sum.Total)
	case types.OutcomePartialSuccess:
		msg := fmt.Sprintf("%d of %d cards programmed", sum.Succeeded, sum.Total)
		if len(sum.FailedTypes) > 0 {
			msg += "; retry required for: " + joinTypes(sum.FailedTypes)
		}
		if len(sum.NotAttempted) > 0 {
			msg += "; not attempted: " + joinTypes(sum.NotAttempted)
		}
		return msg
	}
	if sum.Total == 0 {
		return "no cards to program"
	}
	msg := "card programming failed: no cards were programmed"
	if len(sum.NotAttempted) > 0 {
		msg += "; not attempted: " + joinTypes(sum.NotAttempted)
	}
	return msg
}

func joinTypes(ts []types.CardType) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}
