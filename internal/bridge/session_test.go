package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ── Block layout ─────────────────────────────────────────────────────────────

func TestDataBlocks_SkipsTrailers(t *testing.T) {
	if diff := cmp.Diff([]int{4, 5, 6, 8, 9, 10, 12}, dataBlocks(7)); diff != "" {
		t.Fatalf("data blocks (-want +got):\n%s", diff)
	}
	assert.Equal(t, 720, dataCapacity())
}

func TestSplitBlocks_PadsLastBlock(t *testing.T) {
	blocks, err := splitBlocks([]byte("0123456789abcdefXYZ"))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, []byte("0123456789abcdef"), blocks[0])
	assert.Equal(t, append([]byte("XYZ"), make([]byte, 13)...), blocks[1])
}

// ── Session ──────────────────────────────────────────────────────────────────

func TestSession_DetectWriteVerify(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{AutoPresent: true})
	s := NewSession(sim, time.Second)

	uid, err := s.Detect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, uid)
	assert.Equal(t, SessionDetected, s.State())

	data := []byte(`{"type":"clock","timezone":"UTC"}`)
	require.NoError(t, s.Write(context.Background(), data))
	assert.Equal(t, SessionWritten, s.State())

	want := []SessionState{SessionIdle, SessionDetecting, SessionDetected, SessionWriting, SessionWritten}
	if diff := cmp.Diff(want, s.History()); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}

	assert.Equal(t, data[:BlockSize], sim.Block(uid, 4))
}

func TestSession_DetectionTimeout(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{})
	s := NewSession(sim, 20*time.Millisecond)

	_, err := s.Detect(context.Background())
	require.ErrorIs(t, err, types.ErrCardDetectionTimeout)
	assert.Equal(t, SessionDetectionTimeout, s.State())
}

func TestSession_CallerCancelIsNotTimeout(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{})
	s := NewSession(sim, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Detect(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrCardDetectionTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, SessionWriteFailed, s.State())
}

func TestSession_PresentedCardIsDetected(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{})
	s := NewSession(sim, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sim.Present("04AABBCC")
	}()

	uid, err := s.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "04AABBCC", uid)
}

func TestSession_VerifyMismatch(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{AutoPresent: true})
	sim.CorruptWrites(1)
	s := NewSession(sim, time.Second)

	_, err := s.Detect(context.Background())
	require.NoError(t, err)

	err = s.Write(context.Background(), []byte(`{"type":"room_access"}`))
	require.ErrorIs(t, err, ErrVerifyMismatch)
	require.ErrorIs(t, err, types.ErrEncodeFailure)
	assert.Contains(t, err.Error(), "verify mismatch")
	assert.Equal(t, SessionWriteFailed, s.State())
}

func TestSession_AuthFailure(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{AutoPresent: true})
	sim.FailAuth(1)
	s := NewSession(sim, time.Second)

	_, err := s.Detect(context.Background())
	require.NoError(t, err)

	err = s.Write(context.Background(), []byte("data"))
	require.ErrorIs(t, err, types.ErrEncodeFailure)
	assert.Contains(t, err.Error(), "sector 1")
	assert.Equal(t, SessionWriteFailed, s.State())
}

func TestSession_PayloadTooLarge(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{AutoPresent: true})
	s := NewSession(sim, time.Second)
	_, err := s.Detect(context.Background())
	require.NoError(t, err)

	err = s.Write(context.Background(), make([]byte, 721))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Equal(t, SessionDetected, s.State(), "nothing was written")
}

func TestSession_WriteBeforeDetect(t *testing.T) {
	s := NewSession(NewSimulatedReader(SimConfig{AutoPresent: true}), time.Second)
	err := s.Write(context.Background(), []byte("data"))
	require.ErrorIs(t, err, ErrSessionState)
	assert.Equal(t, SessionIdle, s.State())
}

func TestSession_CardRemovedMidWrite(t *testing.T) {
	sim := NewSimulatedReader(SimConfig{})
	sim.Present("04AABBCC")
	s := NewSession(sim, time.Second)

	_, err := s.Detect(context.Background())
	require.NoError(t, err)
	sim.Remove()

	err = s.Write(context.Background(), []byte("data"))
	require.ErrorIs(t, err, types.ErrEncodeFailure)
	assert.Equal(t, SessionWriteFailed, s.State())
}
