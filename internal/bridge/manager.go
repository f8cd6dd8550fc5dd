package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BrandonDHaskell/hotelkeys/internal/keycard/types"
)

var ErrReaderBusy = errors.New("card reader is busy")

// ConnectionManager owns the single reader handle.  All use of the reader
// goes through Acquire, which grants exclusive access.
type ConnectionManager struct {
	driver Driver
	name   string
	logger *zap.Logger

	use *semaphore.Weighted

	mu       sync.Mutex
	reader   Reader
	watchers []func(connected bool)
}

// NewConnectionManager does not open the reader; call Connect.
func NewConnectionManager(d Driver, readerName string, logger *zap.Logger) *ConnectionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectionManager{
		driver: d,
		name:   readerName,
		logger: logger,
		use:    semaphore.NewWeighted(1),
	}
}

// Watch registers fn to be called on every connect/disconnect.  fn is
// called immediately with the current state.
func (m *ConnectionManager) Watch(fn func(connected bool)) {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	connected := m.reader != nil
	m.mu.Unlock()
	fn(connected)
}

// Connect opens the reader if no handle is held.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.reader != nil {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	return m.open(ctx)
}

// Reconnect drops the current handle and opens a new one.  It waits for
// any in-flight card operation to finish first.
func (m *ConnectionManager) Reconnect(ctx context.Context) error {
	if err := m.use.Acquire(ctx, 1); err != nil {
		return err
	}
	defer m.use.Release(1)

	m.drop("reconnect requested")
	return m.open(ctx)
}

func (m *ConnectionManager) open(ctx context.Context) error {
	r, err := m.driver.Open(ctx, m.name)
	if err != nil {
		m.logger.Warn("card reader open failed", zap.String("reader", m.name), zap.Error(err))
		return fmt.Errorf("%w: %v", types.ErrReaderNotConnected, err)
	}

	m.mu.Lock()
	if m.reader != nil {
		// Lost a race with another Connect.
		m.mu.Unlock()
		return nil
	}
	m.reader = r
	watchers := append([]func(bool){}, m.watchers...)
	m.mu.Unlock()

	m.logger.Info("card reader connected", zap.String("reader", r.Name()))
	for _, fn := range watchers {
		fn(true)
	}
	return nil
}

// Acquire claims the reader without blocking.  The release func must be
// called exactly once.
func (m *ConnectionManager) Acquire() (Reader, func(), error) {
	m.mu.Lock()
	r := m.reader
	m.mu.Unlock()
	if r == nil {
		return nil, nil, types.ErrReaderNotConnected
	}
	if !m.use.TryAcquire(1) {
		return nil, nil, ErrReaderBusy
	}

	var once sync.Once
	return r, func() { once.Do(func() { m.use.Release(1) }) }, nil
}

// Fault reports an I/O error seen while holding the reader.  A closed
// handle is dropped so the next Connect reopens it.
func (m *ConnectionManager) Fault(err error) {
	if errors.Is(err, ErrReaderClosed) {
		m.drop(err.Error())
	}
}

func (m *ConnectionManager) drop(reason string) {
	m.mu.Lock()
	r := m.reader
	m.reader = nil
	watchers := append([]func(bool){}, m.watchers...)
	m.mu.Unlock()

	if r == nil {
		return
	}
	_ = r.Close()
	m.logger.Warn("card reader disconnected", zap.String("reader", r.Name()), zap.String("reason", reason))
	for _, fn := range watchers {
		fn(false)
	}
}

// Connected reports whether a reader handle is held.
func (m *ConnectionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reader != nil
}

// Status is the /api/reader/status view.
func (m *ConnectionManager) Status() types.ReaderStatusResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader == nil {
		return types.ReaderStatusResponse{Connected: false}
	}
	return types.ReaderStatusResponse{Connected: true, Reader: m.reader.Name()}
}

func (m *ConnectionManager) Devices(ctx context.Context) ([]types.Device, error) {
	devs, err := m.driver.Devices(ctx)
	if err != nil {
		return nil, err
	}
	if devs == nil {
		devs = []types.Device{}
	}
	return devs, nil
}

// Close releases the reader handle.
func (m *ConnectionManager) Close() error {
	m.drop("shutdown")
	return nil
}
