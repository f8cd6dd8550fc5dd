package payload_test

import (
	"errors"
	"testing"
	"time"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/payload"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var fixedNow = time.Date(2025, 3, 1, 14, 30, 0, 0, time.UTC)

func testBooking() types.Booking {
	return types.Booking{
		ID:           "bk-100",
		GuestID:      "guest-7",
		RoomNumber:   "204",
		CheckInDate:  "2025-03-01",
		CheckOutDate: "2025-03-04",
	}
}

func testOptions() payload.Options {
	return payload.Options{
		Facility: "hotel-main",
		Timezone: "Europe/Oslo",
		Now:      func() time.Time { return fixedNow },
	}
}

func TestNights_ThreeNightStay(t *testing.T) {
	n, err := payload.Nights("2025-03-01", "2025-03-04")
	if err != nil {
		t.Fatalf("Nights: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 nights, got %d", n)
	}
}

func TestNights_IgnoresTimeOfDay(t *testing.T) {
	n, err := payload.Nights("2025-03-01T23:00:00+02:00", "2025-03-02T01:00:00+02:00")
	if err != nil {
		t.Fatalf("Nights: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 night, got %d", n)
	}
}

func TestNights_AcrossMonthBoundary(t *testing.T) {
	n, err := payload.Nights("2024-02-27", "2024-03-02")
	if err != nil {
		t.Fatalf("Nights: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 nights over leap day, got %d", n)
	}
}

func TestNights_CheckoutNotAfterCheckin(t *testing.T) {
	_, err := payload.Nights("2025-03-04", "2025-03-04")
	if !errors.Is(err, payload.ErrInvalidStay) {
		t.Fatalf("expected ErrInvalidStay, got %v", err)
	}
}

func TestNights_BadDate(t *testing.T) {
	if _, err := payload.Nights("03/01/2025", "2025-03-04"); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestBuild_Authorization(t *testing.T) {
	for _, ct := range []types.CardType{types.CardAuthorization1, types.CardAuthorization2} {
		p, err := payload.Build(ct, testBooking(), testOptions())
		if err != nil {
			t.Fatalf("%s: %v", ct, err)
		}
		if p["type"] != "authorization" {
			t.Errorf("%s: expected type=authorization, got %v", ct, p["type"])
		}
		if p["facility"] != "hotel-main" {
			t.Errorf("%s: expected facility=hotel-main, got %v", ct, p["facility"])
		}
		if p["timestamp"] != "2025-03-01T14:30:00Z" {
			t.Errorf("%s: unexpected timestamp %v", ct, p["timestamp"])
		}
	}
}

func TestBuild_Installation(t *testing.T) {
	p, err := payload.Build(types.CardInstallation, testBooking(), testOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p["type"] != "installation" || p["roomNumber"] != "204" {
		t.Errorf("unexpected installation payload: %v", p)
	}
}

func TestBuild_ClockDefaultsTimezone(t *testing.T) {
	opts := testOptions()
	opts.Timezone = ""
	p, err := payload.Build(types.CardClock, testBooking(), opts)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p["timezone"] != "UTC" {
		t.Errorf("expected timezone=UTC, got %v", p["timezone"])
	}
}

func TestBuild_Room(t *testing.T) {
	p, err := payload.Build(types.CardRoom, testBooking(), testOptions())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := types.Payload{
		"type":       "room_access",
		"roomNumber": "204",
		"guestId":    "guest-7",
		"startDate":  "2025-03-01",
		"endDate":    "2025-03-04",
		"nights":     3,
		"bookingId":  "bk-100",
	}
	for k, v := range want {
		if p[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, p[k])
		}
	}
	if len(p) != len(want) {
		t.Errorf("expected %d fields, got %d", len(want), len(p))
	}
}

func TestBuild_RoomRequiresRoomNumber(t *testing.T) {
	b := testBooking()
	b.RoomNumber = "  "
	if _, err := payload.Build(types.CardRoom, b, testOptions()); !errors.Is(err, payload.ErrMissingRoomNumber) {
		t.Fatalf("expected ErrMissingRoomNumber, got %v", err)
	}
}

func TestBuild_UnknownType(t *testing.T) {
	if _, err := payload.Build("master", testBooking(), testOptions()); err == nil {
		t.Fatal("expected error for unknown card type")
	}
}

func TestValidateBooking(t *testing.T) {
	if err := payload.ValidateBooking(testBooking()); err != nil {
		t.Fatalf("valid booking rejected: %v", err)
	}
	b := testBooking()
	b.ID = ""
	if err := payload.ValidateBooking(b); !errors.Is(err, payload.ErrMissingBookingID) {
		t.Errorf("expected ErrMissingBookingID, got %v", err)
	}
}
