package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// DefaultDetectTimeout bounds how long a session waits for a card.
const DefaultDetectTimeout = 5 * time.Second

// MIFARE Classic 1K layout: 16 sectors of 4 blocks.  Sector 0 holds the
// manufacturer block and the last block of every sector is its trailer,
// so neither carries data.
const (
	blocksPerSector = 4
	totalBlocks     = 64
	firstDataBlock  = blocksPerSector
)

// SessionState is the per-card hardware state.  Sessions are not persisted.
type SessionState string

const (
	SessionIdle             SessionState = "idle"
	SessionDetecting        SessionState = "detecting"
	SessionDetected         SessionState = "detected"
	SessionWriting          SessionState = "writing"
	SessionWritten          SessionState = "written"
	SessionWriteFailed      SessionState = "write_failed"
	SessionDetectionTimeout SessionState = "detection_timeout"
)

var (
	ErrVerifyMismatch  = fmt.Errorf("%w: verify mismatch", types.ErrEncodeFailure)
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds card capacity", types.ErrEncodeFailure)
	ErrSessionState    = errors.New("invalid session state")
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:      {SessionDetecting},
	SessionDetecting: {SessionDetected, SessionDetectionTimeout, SessionWriteFailed},
	SessionDetected:  {SessionWriting},
	SessionWriting:   {SessionWritten, SessionWriteFailed},
}

// Session walks one physical card through detect, write and verify.
type Session struct {
	reader        Reader
	detectTimeout time.Duration

	state   SessionState
	uid     string
	history []SessionState
}

func NewSession(r Reader, detectTimeout time.Duration) *Session {
	if detectTimeout <= 0 {
		detectTimeout = DefaultDetectTimeout
	}
	return &Session{
		reader:        r,
		detectTimeout: detectTimeout,
		state:         SessionIdle,
		history:       []SessionState{SessionIdle},
	}
}

func (s *Session) State() SessionState { return s.state }
func (s *Session) UID() string         { return s.uid }

// History lists every state the session has been in, in order.
func (s *Session) History() []SessionState {
	return append([]SessionState(nil), s.history...)
}

func (s *Session) to(next SessionState) error {
	for _, ok := range sessionTransitions[s.state] {
		if ok == next {
			s.state = next
			s.history = append(s.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrSessionState, s.state, next)
}

// Detect waits up to the detection timeout for a card.  Running out of
// time is reported as types.ErrCardDetectionTimeout, distinct from the
// caller cancelling.
func (s *Session) Detect(ctx context.Context) (string, error) {
	if err := s.to(SessionDetecting); err != nil {
		return "", err
	}

	dctx, cancel := context.WithTimeout(ctx, s.detectTimeout)
	defer cancel()

	uid, err := s.reader.Detect(dctx)
	switch {
	case err == nil:
		s.uid = uid
		_ = s.to(SessionDetected)
		return uid, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		_ = s.to(SessionDetectionTimeout)
		return "", fmt.Errorf("%w after %s", types.ErrCardDetectionTimeout, s.detectTimeout)
	default:
		_ = s.to(SessionWriteFailed)
		return "", fmt.Errorf("detect: %w", err)
	}
}

// Write stores data on the detected card: authenticate each sector, write
// its blocks, then read every block back and compare.
func (s *Session) Write(ctx context.Context, data []byte) error {
	blocks, err := splitBlocks(data)
	if err != nil {
		return err
	}
	if err := s.to(SessionWriting); err != nil {
		return err
	}

	if err := s.write(ctx, blocks); err != nil {
		_ = s.to(SessionWriteFailed)
		return err
	}
	_ = s.to(SessionWritten)
	return nil
}

func (s *Session) write(ctx context.Context, blocks [][]byte) error {
	addrs := dataBlocks(len(blocks))

	sector := -1
	for i, b := range blocks {
		addr := addrs[i]
		if addr/blocksPerSector != sector {
			sector = addr / blocksPerSector
			if err := s.reader.Authenticate(ctx, s.uid, addr); err != nil {
				return fmt.Errorf("%w: sector %d: %v", types.ErrEncodeFailure, sector, err)
			}
		}
		if err := s.reader.Write(ctx, s.uid, addr, b); err != nil {
			return fmt.Errorf("%w: block %d: %v", types.ErrEncodeFailure, addr, err)
		}
	}

	for i, want := range blocks {
		got, err := s.reader.Read(ctx, s.uid, addrs[i])
		if err != nil {
			return fmt.Errorf("%w: read back block %d: %v", types.ErrEncodeFailure, addrs[i], err)
		}
		if !bytes.Equal(got, want) {
			return fmt.Errorf("%w at block %d", ErrVerifyMismatch, addrs[i])
		}
	}
	return nil
}

// dataCapacity is the usable byte count of a 1K card.
func dataCapacity() int { return len(dataBlocks(totalBlocks)) * BlockSize }

// dataBlocks returns the first n writable block addresses.
func dataBlocks(n int) []int {
	out := make([]int, 0, n)
	for addr := firstDataBlock; addr < totalBlocks && len(out) < n; addr++ {
		if addr%blocksPerSector == blocksPerSector-1 {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// splitBlocks zero-pads data into whole blocks.
func splitBlocks(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", types.ErrEncodeFailure)
	}
	if len(data) > dataCapacity() {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrPayloadTooLarge, len(data), dataCapacity())
	}
	n := (len(data) + BlockSize - 1) / BlockSize
	out := make([][]byte, n)
	for i := range out {
		b := make([]byte, BlockSize)
		copy(b, data[i*BlockSize:])
		out[i] = b
	}
	return out, nil
}
