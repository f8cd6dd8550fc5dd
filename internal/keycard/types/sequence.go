package types

// OutcomeKind classifies a finished programming run.
type OutcomeKind string

const (
	OutcomeFullSuccess    OutcomeKind = "full_success"
	OutcomePartialSuccess OutcomeKind = "partial_success"
	OutcomeTotalFailure   OutcomeKind = "total_failure"
)

// RunSummary is the aggregate verdict over a set of card states.
type RunSummary struct {
	Kind         OutcomeKind `json:"outcome"`
	Message      string      `json:"message"`
	Succeeded    int         `json:"succeeded"`
	Total        int         `json:"total"`
	FailedTypes  []CardType  `json:"failed_types,omitempty"`
	NotAttempted []CardType  `json:"not_attempted,omitempty"`
}

// SequenceOutcome is returned by a controller run or retry.
type SequenceOutcome struct {
	RunSummary
	BookingID string      `json:"booking_id"`
	Cards     []CardState `json:"cards"`
	Issues    []CardIssue `json:"issues"`

	// LedgerWarnings lists cards whose audit record could not be written.
	// A card listed here may have been encoded without being recorded.
	LedgerWarnings []string `json:"ledger_warnings,omitempty"`
	Cancelled      bool     `json:"cancelled,omitempty"`
}

// RunRequest starts a full five-card sequence.
type RunRequest struct {
	HotelID string  `json:"hotel_id"`
	RoomID  string  `json:"room_id,omitempty"`
	Booking Booking `json:"booking"`
}

// RetryRequest re-encodes only the failed cards of a booking.
type RetryRequest struct {
	HotelID   string `json:"hotel_id"`
	BookingID string `json:"booking_id"`
}

// Availability is the agent health as seen by the controller.
type Availability struct {
	Available       bool   `json:"available"`
	ReaderConnected bool   `json:"reader_connected"`
	Detail          string `json:"detail,omitempty"`
}
