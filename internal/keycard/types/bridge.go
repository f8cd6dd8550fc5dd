package types

import "time"

// Wire types for the reader bridge HTTP surface.  Field names follow the
// bridge's camelCase contract.

type BridgeHealthResponse struct {
	Status          string    `json:"status"`
	ReaderConnected bool      `json:"readerConnected"`
	Timestamp       time.Time `json:"timestamp"`
}

type ReaderStatusResponse struct {
	Connected bool   `json:"connected"`
	Reader    string `json:"reader,omitempty"`
}

type ReconnectResponse struct {
	Success   bool   `json:"success"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

type DetectedCard struct {
	UID      string    `json:"uid"`
	Detected time.Time `json:"detected"`
}

type DetectResponse struct {
	Success bool          `json:"success"`
	Card    *DetectedCard `json:"card,omitempty"`
	Error   string        `json:"error,omitempty"`
	Code    string        `json:"code,omitempty"`
}

// BookingData is the booking shape the bridge accepts when it has to build
// a payload itself.
type BookingData struct {
	BookingID    string `json:"bookingId"`
	GuestID      string `json:"guestId,omitempty"`
	RoomNumber   string `json:"roomNumber"`
	CheckInDate  string `json:"checkInDate"`
	CheckOutDate string `json:"checkOutDate"`
}

func (b BookingData) Booking() Booking {
	return Booking{
		ID:           b.BookingID,
		GuestID:      b.GuestID,
		RoomNumber:   b.RoomNumber,
		CheckInDate:  b.CheckInDate,
		CheckOutDate: b.CheckOutDate,
	}
}

func BookingDataFrom(b Booking) BookingData {
	return BookingData{
		BookingID:    b.ID,
		GuestID:      b.GuestID,
		RoomNumber:   b.RoomNumber,
		CheckInDate:  b.CheckInDate,
		CheckOutDate: b.CheckOutDate,
	}
}

// ProgramRequest asks the bridge to encode one card.  When Payload is set
// it is written as-is; otherwise the bridge derives it from BookingData.
type ProgramRequest struct {
	CardType    CardType     `json:"cardType"`
	BookingData *BookingData `json:"bookingData,omitempty"`
	IssueID     string       `json:"issueId,omitempty"`
	HotelID     string       `json:"hotelId,omitempty"`
	RoomID      string       `json:"roomId,omitempty"`
	Payload     Payload      `json:"payload,omitempty"`
}

type ProgramResponse struct {
	Success bool        `json:"success"`
	Result  *CardResult `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

type ProgramSequenceRequest struct {
	BookingData BookingData `json:"bookingData"`
}

type ProgramSequenceResult struct {
	CardType CardType    `json:"cardType"`
	Success  bool        `json:"success"`
	Result   *CardResult `json:"result,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type ProgramSequenceResponse struct {
	Success        bool                    `json:"success"`
	Outcome        OutcomeKind             `json:"outcome"`
	Results        []ProgramSequenceResult `json:"results"`
	CompletedCards int                     `json:"completedCards"`
	TotalCards     int                     `json:"totalCards"`
}

type Device struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Vendor string `json:"vendor,omitempty"`
}

type DevicesResponse struct {
	Devices []Device `json:"devices"`
}

// ErrorResponse is the bridge's generic failure body.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}
