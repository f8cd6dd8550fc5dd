package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/service"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store/memory"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// ── Reader locks ─────────────────────────────────────────────────────────────

func TestReaderLocks_OneHolderPerKey(t *testing.T) {
	locks := service.NewReaderLocks()

	release, ok := locks.TryAcquire("hotel-1")
	require.True(t, ok)

	_, ok = locks.TryAcquire("hotel-1")
	assert.False(t, ok, "second acquire on the same reader must fail")

	other, ok := locks.TryAcquire("hotel-2")
	require.True(t, ok, "different readers are independent")
	other()

	release()
	release() // second call is a no-op

	again, ok := locks.TryAcquire("hotel-1")
	require.True(t, ok)
	again()
}

// ── Agent monitor ────────────────────────────────────────────────────────────

func TestAgentMonitor_DisabledProbesLive(t *testing.T) {
	agent := newFakeAgent()
	m := service.NewAgentMonitor(agent, service.MonitorConfig{}, nil)
	m.Start(context.Background())
	defer m.Stop()

	assert.True(t, m.Current(context.Background()).Available)
	agent.setAvailability(types.Availability{Available: false, Detail: "down"})
	got := m.Current(context.Background())
	assert.False(t, got.Available)
	assert.Equal(t, "down", got.Detail)
	assert.Equal(t, 2, agent.healthChecks())
}

func TestAgentMonitor_CachesBetweenPolls(t *testing.T) {
	agent := newFakeAgent()
	m := service.NewAgentMonitor(agent, service.MonitorConfig{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool { return !m.LastChecked().IsZero() }, time.Second, 5*time.Millisecond)

	agent.setAvailability(types.Availability{Available: false})
	assert.True(t, m.Current(ctx).Available, "cached value until the next poll")
	assert.Equal(t, 1, agent.healthChecks())
}

func TestAgentMonitor_StopIsIdempotent(t *testing.T) {
	m := service.NewAgentMonitor(newFakeAgent(), service.MonitorConfig{Interval: time.Hour}, nil)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}

func TestAgentMonitor_StopWithoutStart(t *testing.T) {
	m := service.NewAgentMonitor(newFakeAgent(), service.MonitorConfig{Interval: time.Hour}, nil)
	m.Stop()
}

func TestAgentMonitor_StartAfterStopDoesNothing(t *testing.T) {
	agent := newFakeAgent()
	m := service.NewAgentMonitor(agent, service.MonitorConfig{Interval: time.Millisecond}, nil)
	m.Stop()

	require.NotPanics(t, func() {
		m.Start(context.Background())
		m.Stop()
	})
	assert.Zero(t, agent.healthChecks(), "no polling after Stop")
	assert.True(t, m.LastChecked().IsZero())
}

func TestAgentMonitor_SecondStartIgnored(t *testing.T) {
	m := service.NewAgentMonitor(newFakeAgent(), service.MonitorConfig{}, nil)
	require.NotPanics(t, func() {
		m.Start(context.Background())
		m.Start(context.Background())
	})
	m.Stop()
}

// ── Stale issue reaper ───────────────────────────────────────────────────────

func TestStaleIssueReaper_FailsOnlyStaleIssues(t *testing.T) {
	ledger := memory.NewLedger()
	ctx := context.Background()

	ledger.SetClock(func() time.Time { return fixedNow.Add(-2 * time.Hour) })
	old, err := ledger.CreateCardIssue(ctx, store.NewCardIssue{
		HotelID: "hotel-1", BookingID: "bk-1", CardType: types.CardClock, Status: types.IssueInProgress,
	})
	require.NoError(t, err)

	ledger.SetClock(func() time.Time { return fixedNow.Add(-time.Minute) })
	fresh, err := ledger.CreateCardIssue(ctx, store.NewCardIssue{
		HotelID: "hotel-1", BookingID: "bk-2", CardType: types.CardClock, Status: types.IssueInProgress,
	})
	require.NoError(t, err)

	r := service.NewStaleIssueReaper(ledger, service.ReaperConfig{
		MaxAge: 30 * time.Minute,
		Now:    func() time.Time { return fixedNow },
	}, nil)

	assert.Equal(t, 1, r.Sweep(ctx))

	got, err := ledger.GetCardIssue(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueFailed, got.Status)
	assert.Equal(t, service.InterruptedMessage, got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	got, err = ledger.GetCardIssue(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueInProgress, got.Status)

	// Already failed; nothing more to do.
	assert.Zero(t, r.Sweep(ctx))
}

func TestStaleIssueReaper_ReapedIssueIsRetryable(t *testing.T) {
	ledger := memory.NewLedger()
	ctx := context.Background()

	ledger.SetClock(func() time.Time { return fixedNow.Add(-time.Hour) })
	_, err := ledger.CreateCardIssue(ctx, store.NewCardIssue{
		HotelID: "hotel-1", RoomID: "room-101", BookingID: "bk-100", CardType: types.CardRoom,
		Payload: map[string]any{"type": "room_access"}, Status: types.IssueInProgress,
	})
	require.NoError(t, err)

	r := service.NewStaleIssueReaper(ledger, service.ReaperConfig{
		MaxAge: time.Minute,
		Now:    func() time.Time { return fixedNow },
	}, nil)
	require.Equal(t, 1, r.Sweep(ctx))

	agent := newFakeAgent()
	c := newController(ledger, agent)
	out, err := c.RetryFailed(ctx, types.RetryRequest{HotelID: "hotel-1", BookingID: "bk-100"})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFullSuccess, out.Kind)
	assert.Equal(t, []types.CardType{types.CardRoom}, agent.encodedTypes())
}

func TestStaleIssueReaper_DisabledWhenMaxAgeZero(t *testing.T) {
	r := service.NewStaleIssueReaper(memory.NewLedger(), service.ReaperConfig{}, nil)
	r.Start(context.Background())
	r.Stop()
}

func TestStaleIssueReaper_StopIsIdempotent(t *testing.T) {
	r := service.NewStaleIssueReaper(memory.NewLedger(), service.ReaperConfig{
		MaxAge:   time.Minute,
		Interval: time.Hour,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()
	r.Stop()
	r.Stop()
}

func TestStaleIssueReaper_StartAfterStopDoesNothing(t *testing.T) {
	ledger := memory.NewLedger()
	ledger.SetClock(func() time.Time { return fixedNow.Add(-time.Hour) })
	iss, err := ledger.CreateCardIssue(context.Background(), store.NewCardIssue{
		HotelID: "hotel-1", BookingID: "bk-1", CardType: types.CardClock, Status: types.IssueInProgress,
	})
	require.NoError(t, err)

	r := service.NewStaleIssueReaper(ledger, service.ReaperConfig{
		MaxAge:   time.Minute,
		Interval: time.Millisecond,
		Now:      func() time.Time { return fixedNow },
	}, nil)
	r.Stop()

	require.NotPanics(t, func() {
		r.Start(context.Background())
		r.Stop()
	})

	got, err := ledger.GetCardIssue(context.Background(), iss.ID)
	require.NoError(t, err)
	assert.Equal(t, types.IssueInProgress, got.Status, "a stopped reaper never sweeps")
}
