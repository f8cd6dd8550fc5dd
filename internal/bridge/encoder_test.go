package bridge_test

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/hotelkeys/internal/bridge"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var fixedNow = time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC)

func testBookingData() *types.BookingData {
	return &types.BookingData{
		BookingID:    "bk-100",
		GuestID:      "guest-7",
		RoomNumber:   "101",
		CheckInDate:  "2025-03-01",
		CheckOutDate: "2025-03-04",
	}
}

type rig struct {
	sim     *bridge.SimulatedReader
	driver  *bridge.SimulatedDriver
	conn    *bridge.ConnectionManager
	encoder *bridge.Encoder
}

func newRig(t *testing.T) *rig {
	t.Helper()
	sim := bridge.NewSimulatedReader(bridge.SimConfig{Name: "sim0", AutoPresent: true})
	return newRigWith(t, sim, bridge.NewSimulatedDriver(sim))
}

func newRigWith(t *testing.T, sim *bridge.SimulatedReader, d bridge.Driver) *rig {
	t.Helper()
	conn := bridge.NewConnectionManager(d, "", nil)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	enc := bridge.NewEncoder(conn, bridge.EncoderConfig{
		DetectTimeout: 50 * time.Millisecond,
		Facility:      "Test Hotel",
		Timezone:      "UTC",
		Now:           func() time.Time { return fixedNow },
	}, nil)

	r := &rig{sim: sim, conn: conn, encoder: enc}
	if sd, ok := d.(*bridge.SimulatedDriver); ok {
		r.driver = sd
	}
	return r
}

// readCard reassembles the JSON payload stored on a simulated card.
func readCard(t *testing.T, sim *bridge.SimulatedReader, uid string) map[string]any {
	t.Helper()
	var buf []byte
	for addr := 4; addr < 64; addr++ {
		if addr%4 == 3 {
			continue
		}
		b := sim.Block(uid, addr)
		if len(b) == 0 {
			break
		}
		buf = append(buf, b...)
	}
	buf = bytes.TrimRight(buf, "\x00")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf, &m))
	return m
}

// ── Program ──────────────────────────────────────────────────────────────────

func TestProgram_BuildsPayloadFromBooking(t *testing.T) {
	r := newRig(t)

	res, err := r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType:    types.CardRoom,
		BookingData: testBookingData(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CardUID)
	assert.Equal(t, fixedNow, res.Timestamp)

	card := readCard(t, r.sim, res.CardUID)
	assert.Equal(t, "room_access", card["type"])
	assert.Equal(t, "101", card["roomNumber"])
	assert.EqualValues(t, 3, card["nights"])
}

func TestProgram_WritesProvidedPayload(t *testing.T) {
	r := newRig(t)

	res, err := r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType: types.CardClock,
		Payload:  types.Payload{"type": "clock", "timezone": "Europe/Rome"},
	})
	require.NoError(t, err)

	card := readCard(t, r.sim, res.CardUID)
	assert.Equal(t, "Europe/Rome", card["timezone"])
}

func TestProgram_BadRequests(t *testing.T) {
	r := newRig(t)

	_, err := r.encoder.Program(context.Background(), types.ProgramRequest{CardType: types.CardRoom})
	require.ErrorIs(t, err, bridge.ErrBadRequest)

	_, err = r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType: "master", BookingData: testBookingData(),
	})
	require.ErrorIs(t, err, bridge.ErrBadRequest)

	bad := testBookingData()
	bad.RoomNumber = ""
	_, err = r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType: types.CardInstallation, BookingData: bad,
	})
	require.ErrorIs(t, err, bridge.ErrBadRequest)
}

func TestProgram_ReaderBusy(t *testing.T) {
	r := newRig(t)

	_, release, err := r.conn.Acquire()
	require.NoError(t, err)
	defer release()

	_, err = r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType: types.CardClock, BookingData: testBookingData(),
	})
	require.ErrorIs(t, err, bridge.ErrReaderBusy)
}

func TestProgram_UnpluggedReaderDropsHandle(t *testing.T) {
	r := newRig(t)
	r.driver.SetPlugged(false)

	_, err := r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType: types.CardClock, BookingData: testBookingData(),
	})
	require.Error(t, err)
	assert.False(t, r.conn.Connected(), "closed handle is dropped")

	_, err = r.encoder.Program(context.Background(), types.ProgramRequest{
		CardType: types.CardClock, BookingData: testBookingData(),
	})
	require.ErrorIs(t, err, types.ErrReaderNotConnected)
}

// ── Sequence ─────────────────────────────────────────────────────────────────

func TestProgramSequence_AllSucceed(t *testing.T) {
	r := newRig(t)

	resp, err := r.encoder.ProgramSequence(context.Background(), testBookingData().Booking())
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, types.OutcomeFullSuccess, resp.Outcome)
	assert.Equal(t, 5, resp.CompletedCards)
	assert.Equal(t, 5, resp.TotalCards)
	require.Len(t, resp.Results, 5)

	seen := map[string]bool{}
	for i, res := range resp.Results {
		assert.Equal(t, types.AllCardTypes()[i], res.CardType)
		require.True(t, res.Success)
		assert.False(t, seen[res.Result.CardUID], "card UIDs must be distinct")
		seen[res.Result.CardUID] = true
	}
}

// verifyFailReader corrupts read-back for the nth detected card.
type verifyFailReader struct {
	bridge.Reader
	failOn int

	mu      sync.Mutex
	detects int
	bad     string
}

func (r *verifyFailReader) Detect(ctx context.Context) (string, error) {
	uid, err := r.Reader.Detect(ctx)
	if err != nil {
		return uid, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detects++
	if r.detects == r.failOn {
		r.bad = uid
	}
	return uid, nil
}

func (r *verifyFailReader) Read(ctx context.Context, uid string, block int) ([]byte, error) {
	b, err := r.Reader.Read(ctx, uid, block)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && uid == r.bad {
		b[0] ^= 0xFF
	}
	return b, err
}

type wrapDriver struct {
	*bridge.SimulatedDriver
	wrap func(bridge.Reader) bridge.Reader
}

func (d wrapDriver) Open(ctx context.Context, name string) (bridge.Reader, error) {
	r, err := d.SimulatedDriver.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return d.wrap(r), nil
}

func TestProgramSequence_ClockVerifyMismatch_RoomStillProgrammed(t *testing.T) {
	sim := bridge.NewSimulatedReader(bridge.SimConfig{AutoPresent: true})
	d := wrapDriver{
		SimulatedDriver: bridge.NewSimulatedDriver(sim),
		wrap:            func(r bridge.Reader) bridge.Reader { return &verifyFailReader{Reader: r, failOn: 4} },
	}
	r := newRigWith(t, sim, d)

	resp, err := r.encoder.ProgramSequence(context.Background(), testBookingData().Booking())
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, types.OutcomePartialSuccess, resp.Outcome)
	assert.Equal(t, 4, resp.CompletedCards)

	clock := resp.Results[3]
	assert.Equal(t, types.CardClock, clock.CardType)
	assert.False(t, clock.Success)
	assert.Contains(t, clock.Error, "verify mismatch")

	room := resp.Results[4]
	assert.Equal(t, types.CardRoom, room.CardType)
	assert.True(t, room.Success)
}

func TestProgramSequence_AllDetectionTimeouts(t *testing.T) {
	sim := bridge.NewSimulatedReader(bridge.SimConfig{})
	r := newRigWith(t, sim, bridge.NewSimulatedDriver(sim))

	resp, err := r.encoder.ProgramSequence(context.Background(), testBookingData().Booking())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, types.OutcomeTotalFailure, resp.Outcome)
	assert.Zero(t, resp.CompletedCards)
	require.Len(t, resp.Results, 5, "every card is attempted")
}

func TestProgramSequence_InvalidBooking(t *testing.T) {
	r := newRig(t)
	b := testBookingData().Booking()
	b.CheckOutDate = b.CheckInDate

	_, err := r.encoder.ProgramSequence(context.Background(), b)
	require.ErrorIs(t, err, bridge.ErrBadRequest)
}

func TestDetect_ReportsUID(t *testing.T) {
	r := newRig(t)
	card, err := r.encoder.Detect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, card.UID)
	assert.Equal(t, fixedNow, card.Detected)
}
