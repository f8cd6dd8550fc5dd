package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

// AgentMonitor polls the bridge health endpoint in the background and
// caches the last answer, so status reads never block on the bridge.
type AgentMonitor struct {
	agent    Agent
	interval time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	last    types.Availability
	checked time.Time

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// MonitorConfig holds the parameters for NewAgentMonitor.
type MonitorConfig struct {
	// Interval between polls.  0 disables the background loop; Current
	// then probes the bridge on every call.
	Interval time.Duration
}

// NewAgentMonitor creates a monitor but does not start it.
func NewAgentMonitor(agent Agent, cfg MonitorConfig, logger *zap.Logger) *AgentMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentMonitor{
		agent:    agent,
		interval: cfg.Interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins polling.  It probes once immediately, then on every tick
// until ctx is cancelled or Stop is called.  Start after Stop, or a second
// Start, does nothing.
func (m *AgentMonitor) Start(ctx context.Context) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true

	if m.interval <= 0 {
		m.logger.Info("agent monitor disabled (interval=0)")
		close(m.done)
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)

	m.logger.Info("agent monitor started", zap.Duration("interval", m.interval))
}

// Stop signals the loop to exit and waits for it.  Safe to call more than
// once, and safe to call without Start.
func (m *AgentMonitor) Stop() {
	m.lifecycle.Lock()
	if !m.stopped {
		m.stopped = true
		switch {
		case m.cancel != nil:
			m.cancel()
		case !m.started:
			close(m.done)
		}
	}
	m.lifecycle.Unlock()
	<-m.done
}

// Current returns the cached availability.  Before the first poll, or
// when polling is disabled, it probes the bridge directly.
func (m *AgentMonitor) Current(ctx context.Context) types.Availability {
	m.mu.RLock()
	last, checked := m.last, m.checked
	m.mu.RUnlock()

	if !checked.IsZero() && m.interval > 0 {
		return last
	}
	return m.probe(ctx)
}

// LastChecked is the time of the most recent probe, zero if none.
func (m *AgentMonitor) LastChecked() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checked
}

func (m *AgentMonitor) loop(ctx context.Context) {
	defer close(m.done)

	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *AgentMonitor) probe(ctx context.Context) types.Availability {
	avail := m.agent.CheckAvailability(ctx)

	m.mu.Lock()
	prev, first := m.last, m.checked.IsZero()
	m.last = avail
	m.checked = time.Now().UTC()
	m.mu.Unlock()

	if first || prev.Available != avail.Available || prev.ReaderConnected != avail.ReaderConnected {
		m.logger.Info("card bridge status changed",
			zap.Bool("available", avail.Available),
			zap.Bool("reader_connected", avail.ReaderConnected),
			zap.String("detail", avail.Detail))
	}
	return avail
}
