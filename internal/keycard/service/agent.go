package service

import (
	"context"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// EncodeRequest asks the agent to write one card.
type EncodeRequest struct {
	IssueID  string
	CardType types.CardType
	Payload  types.Payload
	HotelID  string
	RoomID   string
}

// EncodeResponse mirrors the agent's ok/result/error contract.  Code is
// one of the types.Code* values when OK is false.
type EncodeResponse struct {
	OK     bool
	Result *types.CardResult
	Error  string
	Code   string
}

// Agent is the reader bridge as the controller sees it.
type Agent interface {
	// CheckAvailability never fails: an unreachable bridge is reported as
	// Available=false.
	CheckAvailability(ctx context.Context) types.Availability

	// Encode writes one card.  A non-nil error means the call itself failed
	// (transport, timeout); a false OK means the bridge reported a failure.
	Encode(ctx context.Context, req EncodeRequest) (EncodeResponse, error)
}
