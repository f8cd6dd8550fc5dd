// Package payload derives the data written to each card type from a
// booking.
package payload

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

const dateLayout = "2006-01-02"

var (
	ErrMissingRoomNumber = errors.New("booking room number is required")
	ErrMissingBookingID  = errors.New("booking id is required")
	ErrInvalidStay       = errors.New("check-out must be after check-in")
)

// Options carries the hotel-level values that are not part of a booking.
type Options struct {
	Facility string
	Timezone string

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Build returns the payload for one card type.
func Build(ct types.CardType, b types.Booking, opts Options) (types.Payload, error) {
	ts := opts.now().Format(time.RFC3339)

	switch ct {
	case types.CardAuthorization1, types.CardAuthorization2:
		return types.Payload{
			"type":      "authorization",
			"timestamp": ts,
			"facility":  opts.Facility,
		}, nil

	case types.CardInstallation:
		room := strings.TrimSpace(b.RoomNumber)
		if room == "" {
			return nil, ErrMissingRoomNumber
		}
		return types.Payload{
			"type":       "installation",
			"roomNumber": room,
			"timestamp":  ts,
		}, nil

	case types.CardClock:
		tz := opts.Timezone
		if tz == "" {
			tz = "UTC"
		}
		return types.Payload{
			"type":      "clock",
			"timestamp": ts,
			"timezone":  tz,
		}, nil

	case types.CardRoom:
		room := strings.TrimSpace(b.RoomNumber)
		if room == "" {
			return nil, ErrMissingRoomNumber
		}
		if strings.TrimSpace(b.ID) == "" {
			return nil, ErrMissingBookingID
		}
		nights, err := Nights(b.CheckInDate, b.CheckOutDate)
		if err != nil {
			return nil, err
		}
		return types.Payload{
			"type":       "room_access",
			"roomNumber": room,
			"guestId":    b.GuestID,
			"startDate":  b.CheckInDate,
			"endDate":    b.CheckOutDate,
			"nights":     nights,
			"bookingId":  b.ID,
		}, nil
	}

	return nil, fmt.Errorf("build payload: unknown card type %q", ct)
}

// Nights counts the stay length in whole calendar days.  Any time-of-day
// component on the inputs is dropped before the difference is taken.
func Nights(checkIn, checkOut string) (int, error) {
	in, err := parseDay(checkIn)
	if err != nil {
		return 0, fmt.Errorf("check-in: %w", err)
	}
	out, err := parseDay(checkOut)
	if err != nil {
		return 0, fmt.Errorf("check-out: %w", err)
	}
	if !out.After(in) {
		return 0, ErrInvalidStay
	}
	return int(math.Ceil(out.Sub(in).Hours() / 24)), nil
}

// ValidateBooking checks everything any card type will need.
func ValidateBooking(b types.Booking) error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrMissingBookingID
	}
	if strings.TrimSpace(b.RoomNumber) == "" {
		return ErrMissingRoomNumber
	}
	_, err := Nights(b.CheckInDate, b.CheckOutDate)
	return err
}

func parseDay(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("date is required")
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	// Keep the calendar date as written, regardless of offset.
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}
