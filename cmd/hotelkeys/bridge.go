package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BrandonDHaskell/hotelkeys/internal/bridge"
)

var simulateAutoPresent bool

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the local reader bridge",
	Long: `Runs the reader bridge HTTP surface next to the card reader.

The bridge currently drives a simulated MIFARE Classic reader.  With
--auto-present every detection finds a fresh card, which is useful for
exercising the controller end to end.`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().BoolVar(&simulateAutoPresent, "auto-present", false, "simulated reader always has a card on it")
}

func runBridge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	sim := bridge.NewSimulatedReader(bridge.SimConfig{Name: cfg.ReaderName, AutoPresent: simulateAutoPresent})
	conn := bridge.NewConnectionManager(bridge.NewSimulatedDriver(sim), cfg.ReaderName, logger.Named("reader"))
	defer conn.Close()

	// A missing reader is not fatal; /health reports it and reconnect retries.
	if err := conn.Connect(ctx); err != nil {
		logger.Warn("reader not connected at startup", zap.Error(err))
	}

	enc := bridge.NewEncoder(conn, bridge.EncoderConfig{
		DetectTimeout: cfg.DetectTimeout,
		Facility:      cfg.Facility,
		Timezone:      cfg.Timezone,
	}, logger.Named("encoder"))

	srv := bridge.NewServer(bridge.Dependencies{
		Logger:  logger.Named("http"),
		Addr:    cfg.BridgeAddr,
		Conn:    conn,
		Encoder: enc,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(serveHTTP(gctx, "bridge", cfg.BridgeAddr, srv))

	if cfg.BridgeHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.BridgeHealthAddr)
		if err != nil {
			return fmt.Errorf("listen health: %w", err)
		}
		hs := bridge.NewHealthServer(conn, logger.Named("health"))
		g.Go(func() error { return hs.Serve(gctx, lis) })
	}

	return g.Wait()
}
