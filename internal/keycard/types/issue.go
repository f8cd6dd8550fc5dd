package types

import "time"

// Payload is the opaque data written to a card.  The controller passes it
// through to the agent untouched.
type Payload map[string]any

// Booking is the subset of a reservation the card pipeline reads.  Dates
// are calendar dates in YYYY-MM-DD form.
type Booking struct {
	ID           string `json:"id"`
	GuestID      string `json:"guest_id,omitempty"`
	RoomNumber   string `json:"room_number"`
	CheckInDate  string `json:"check_in_date"`
	CheckOutDate string `json:"check_out_date"`
}

// CardResult is what a successful encode reports back.
type CardResult struct {
	CardUID   string    `json:"cardUID"`
	Timestamp time.Time `json:"timestamp"`
}

// CardIssue is the durable ledger record for one card type of one booking.
type CardIssue struct {
	ID           string      `json:"id"`
	HotelID      string      `json:"hotel_id"`
	BookingID    string      `json:"booking_id"`
	RoomID       string      `json:"room_id,omitempty"`
	CardType     CardType    `json:"card_type"`
	Payload      Payload     `json:"payload"`
	Status       IssueStatus `json:"status"`
	Result       *CardResult `json:"result,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// CardState mirrors one CardIssue during an active run.
type CardState struct {
	CardType     CardType   `json:"card_type"`
	Status       CardStatus `json:"status"`
	IssueID      string     `json:"issue_id,omitempty"`
	CardUID      string     `json:"card_uid,omitempty"`
	ProgrammedAt *time.Time `json:"programmed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}
