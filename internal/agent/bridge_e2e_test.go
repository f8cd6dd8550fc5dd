package agent_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/hotelkeys/internal/agent"
	"github.com/BrandonDHaskell/hotelkeys/internal/bridge"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/service"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/store/memory"
	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// startBridge runs a real bridge over a simulated reader.
func startBridge(t *testing.T, sim *bridge.SimulatedReader) (*agent.Client, *bridge.ConnectionManager) {
	t.Helper()
	conn := bridge.NewConnectionManager(bridge.NewSimulatedDriver(sim), "", nil)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	enc := bridge.NewEncoder(conn, bridge.EncoderConfig{DetectTimeout: 100 * time.Millisecond}, nil)
	srv := bridge.NewServer(bridge.Dependencies{Conn: conn, Encoder: enc})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c, err := agent.New(agent.Config{BaseURL: ts.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	return c, conn
}

func TestEndToEnd_FullSequenceThroughBridge(t *testing.T) {
	sim := bridge.NewSimulatedReader(bridge.SimConfig{AutoPresent: true})
	client, _ := startBridge(t, sim)
	ledger := memory.NewLedger()

	c := service.NewController(ledger, client, nil, service.ControllerConfig{Facility: "Test Hotel"}, nil)
	out, err := c.RunSequence(context.Background(), types.RunRequest{
		HotelID: "hotel-1",
		Booking: types.Booking{
			ID: "bk-1", RoomNumber: "101", CheckInDate: "2025-03-01", CheckOutDate: "2025-03-03",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeFullSuccess, out.Kind)

	issues := ledger.Issues()
	require.Len(t, issues, 5)
	uids := map[string]bool{}
	for _, iss := range issues {
		assert.Equal(t, types.IssueDone, iss.Status)
		require.NotNil(t, iss.Result)
		assert.NotEmpty(t, iss.Result.CardUID)
		uids[iss.Result.CardUID] = true
	}
	assert.Len(t, uids, 5, "each card has its own UID")
}

func TestEndToEnd_ReaderUnplugged(t *testing.T) {
	sim := bridge.NewSimulatedReader(bridge.SimConfig{AutoPresent: true})
	client, conn := startBridge(t, sim)
	require.NoError(t, conn.Close())
	ledger := memory.NewLedger()

	c := service.NewController(ledger, client, nil, service.ControllerConfig{}, nil)
	_, err := c.RunSequence(context.Background(), types.RunRequest{
		HotelID: "hotel-1",
		Booking: types.Booking{
			ID: "bk-1", RoomNumber: "101", CheckInDate: "2025-03-01", CheckOutDate: "2025-03-03",
		},
	})
	require.ErrorIs(t, err, types.ErrReaderNotConnected)
	assert.Empty(t, ledger.Issues())
}

func TestEndToEnd_DetectionTimeoutRecordedPerCard(t *testing.T) {
	// No card is ever presented.
	sim := bridge.NewSimulatedReader(bridge.SimConfig{})
	client, _ := startBridge(t, sim)
	ledger := memory.NewLedger()

	c := service.NewController(ledger, client, nil, service.ControllerConfig{}, nil)
	out, err := c.RunSequence(context.Background(), types.RunRequest{
		HotelID: "hotel-1",
		Booking: types.Booking{
			ID: "bk-1", RoomNumber: "101", CheckInDate: "2025-03-01", CheckOutDate: "2025-03-03",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeTotalFailure, out.Kind)

	issues := ledger.Issues()
	require.Len(t, issues, 5)
	for _, iss := range issues {
		assert.Equal(t, types.IssueFailed, iss.Status)
		assert.Contains(t, iss.ErrorMessage, types.ErrCardDetectionTimeout.Error())
	}
}
