// Package bridge is the reader-side service: it owns the physical card
// encoder and exposes it over HTTP to the controller.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// BlockSize is the MIFARE Classic block length in bytes.
const BlockSize = 16

var (
	ErrReaderClosed = errors.New("reader handle closed")
	ErrAuthFailed   = errors.New("sector authentication failed")
	ErrUnknownCard  = errors.New("card not on reader")
	ErrNoDevice     = errors.New("no card reader device found")
)

// Reader is one open handle to a card encoder.
type Reader interface {
	Name() string

	// Detect blocks until a card is presented or ctx is done, and returns
	// the card UID.
	Detect(ctx context.Context) (string, error)

	// Authenticate unlocks the sector holding block for the given card.
	Authenticate(ctx context.Context, uid string, block int) error

	Write(ctx context.Context, uid string, block int, data []byte) error
	Read(ctx context.Context, uid string, block int) ([]byte, error)

	Close() error
}

// Driver finds and opens readers.
type Driver interface {
	Devices(ctx context.Context) ([]types.Device, error)
	Open(ctx context.Context, name string) (Reader, error)
}

// ── Simulated hardware ───────────────────────────────────────────────────────

// SimulatedReader is an in-memory encoder.  With AutoPresent every Detect
// sees a fresh blank card; otherwise cards arrive through Present.
type SimulatedReader struct {
	name        string
	latency     time.Duration
	autoPresent bool

	mu       sync.Mutex
	present  string
	cards    map[string]map[int][]byte
	nextUID  uint32
	corrupt  int
	authFail int
	closed   bool
	arrive   chan struct{}
}

// SimConfig configures NewSimulatedReader.
type SimConfig struct {
	Name        string
	Latency     time.Duration
	AutoPresent bool
}

func NewSimulatedReader(cfg SimConfig) *SimulatedReader {
	name := cfg.Name
	if name == "" {
		name = "simulated"
	}
	return &SimulatedReader{
		name:        name,
		latency:     cfg.Latency,
		autoPresent: cfg.AutoPresent,
		cards:       make(map[string]map[int][]byte),
		nextUID:     0x04A10000,
		arrive:      make(chan struct{}, 1),
	}
}

func (r *SimulatedReader) Name() string { return r.name }

// Present places a card with the given UID on the reader.
func (r *SimulatedReader) Present(uid string) {
	r.mu.Lock()
	r.present = uid
	if _, ok := r.cards[uid]; !ok {
		r.cards[uid] = make(map[int][]byte)
	}
	r.mu.Unlock()

	select {
	case r.arrive <- struct{}{}:
	default:
	}
}

// Remove takes the current card off the reader.
func (r *SimulatedReader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.present = ""
}

// CorruptWrites makes the next n block writes store flipped bits, so the
// read-back verify fails.
func (r *SimulatedReader) CorruptWrites(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.corrupt = n
}

// FailAuth makes the next n sector authentications fail.
func (r *SimulatedReader) FailAuth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.authFail = n
}

// Block returns the stored contents of one block, for inspection.
func (r *SimulatedReader) Block(uid string, block int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.cards[uid][block]...)
}

func (r *SimulatedReader) Detect(ctx context.Context) (string, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return "", ErrReaderClosed
		}
		uid := r.present
		if uid == "" && r.autoPresent {
			r.nextUID++
			uid = fmt.Sprintf("%08X", r.nextUID)
			r.cards[uid] = make(map[int][]byte)
		}
		r.mu.Unlock()

		if uid != "" {
			if err := r.wait(ctx); err != nil {
				return "", err
			}
			return uid, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.arrive:
		}
	}
}

func (r *SimulatedReader) Authenticate(ctx context.Context, uid string, _ int) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCard(uid); err != nil {
		return err
	}
	if r.authFail > 0 {
		r.authFail--
		return ErrAuthFailed
	}
	return nil
}

func (r *SimulatedReader) Write(ctx context.Context, uid string, block int, data []byte) error {
	if len(data) != BlockSize {
		return fmt.Errorf("block %d: want %d bytes, got %d", block, BlockSize, len(data))
	}
	if err := r.wait(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCard(uid); err != nil {
		return err
	}

	stored := append([]byte(nil), data...)
	if r.corrupt > 0 {
		r.corrupt--
		stored[0] ^= 0xFF
	}
	r.cards[uid][block] = stored
	return nil
}

func (r *SimulatedReader) Read(ctx context.Context, uid string, block int) ([]byte, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCard(uid); err != nil {
		return nil, err
	}
	data, ok := r.cards[uid][block]
	if !ok {
		return make([]byte, BlockSize), nil
	}
	return append([]byte(nil), data...), nil
}

func (r *SimulatedReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// reopen clears the closed flag so the driver can hand the same
// simulated hardware out again.
func (r *SimulatedReader) reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = false
}

// checkCard must be called with mu held.
func (r *SimulatedReader) checkCard(uid string) error {
	if r.closed {
		return ErrReaderClosed
	}
	if _, ok := r.cards[uid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCard, uid)
	}
	if !r.autoPresent && r.present != uid {
		return fmt.Errorf("%w: %s", ErrUnknownCard, uid)
	}
	return nil
}

func (r *SimulatedReader) wait(ctx context.Context) error {
	if r.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SimulatedDriver exposes one SimulatedReader as a pluggable device.
type SimulatedDriver struct {
	reader *SimulatedReader

	mu      sync.Mutex
	plugged bool
}

func NewSimulatedDriver(r *SimulatedReader) *SimulatedDriver {
	return &SimulatedDriver{reader: r, plugged: true}
}

// SetPlugged simulates the USB device being attached or removed.  Pulling
// the plug closes any open handle.
func (d *SimulatedDriver) SetPlugged(plugged bool) {
	d.mu.Lock()
	d.plugged = plugged
	d.mu.Unlock()
	if !plugged {
		_ = d.reader.Close()
	}
}

func (d *SimulatedDriver) Devices(context.Context) ([]types.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.plugged {
		return nil, nil
	}
	return []types.Device{{Name: d.reader.Name(), Path: "sim://" + d.reader.Name(), Vendor: "simulated"}}, nil
}

func (d *SimulatedDriver) Open(_ context.Context, name string) (Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.plugged || (name != "" && name != d.reader.Name()) {
		return nil, ErrNoDevice
	}
	d.reader.reopen()
	return d.reader, nil
}
