package services

import (
	"log/slog"
	"sync"
	"time"
)

// HealthState is one state of the dataset availability state machine.
type HealthState string

const (
	// StateNotLoaded means no dataset has been loaded since startup, or
	// the loader delivered an empty payload.
	StateNotLoaded HealthState = "not_loaded"
	// StateLoading means a reload is in flight. Reads keep serving the
	// previous snapshot.
	StateLoading HealthState = "loading"
	// StateReady means a dataset is loaded and serving.
	StateReady HealthState = "ready"
	// StateLoaderUnreachable means the last load attempt could not reach
	// the loader service.
	StateLoaderUnreachable HealthState = "loader_unreachable"
	// StateLoaderDegraded means the loader was reachable but returned an
	// unusable response.
	StateLoaderDegraded HealthState = "loader_degraded"
)

// HealthMonitor tracks the dataset availability state machine. State
// reads never block behind a reload: the monitor only holds its own
// small mutex, never any dataset lock. No state is terminal; a later
// successful reload always recovers to ready.
type HealthMonitor struct {
	mu        sync.RWMutex
	state     HealthState
	message   string
	changedAt time.Time
	logger    *slog.Logger
}

// NewHealthMonitor creates a monitor in the not_loaded state.
func NewHealthMonitor(logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthMonitor{
		state:     StateNotLoaded,
		message:   "no dataset loaded yet",
		changedAt: time.Now(),
		logger:    logger.With(slog.String("component", "health_monitor")),
	}
}

// State returns the current state and its message.
func (m *HealthMonitor) State() (HealthState, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.message
}

// ChangedAt returns when the state last changed.
func (m *HealthMonitor) ChangedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changedAt
}

// MarkLoading records the start of a reload. Entered from any state,
// including ready: the previous snapshot keeps serving while the new
// one is fetched.
func (m *HealthMonitor) MarkLoading() {
	m.transition(StateLoading, "dataset reload in progress")
}

// MarkReady records a successful load.
func (m *HealthMonitor) MarkReady(records, tickers int) {
	m.transition(StateReady, "dataset loaded")
	m.logger.Info("dataset ready",
		slog.Int("records", records),
		slog.Int("tickers", tickers))
}

// MarkUnreachable records a load attempt that could not reach the loader.
func (m *HealthMonitor) MarkUnreachable(err error) {
	m.transition(StateLoaderUnreachable, "loader unreachable: "+err.Error())
}

// MarkDegraded records a loader that answered with an unusable response.
func (m *HealthMonitor) MarkDegraded(err error) {
	m.transition(StateLoaderDegraded, "loader degraded: "+err.Error())
}

// MarkNotLoaded records an empty dataset, e.g. the loader delivered zero
// rows.
func (m *HealthMonitor) MarkNotLoaded(message string) {
	m.transition(StateNotLoaded, message)
}

func (m *HealthMonitor) transition(to HealthState, message string) {
	m.mu.Lock()
	from := m.state
	m.state = to
	m.message = message
	m.changedAt = time.Now()
	m.mu.Unlock()

	if from != to {
		m.logger.Info("health state changed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("message", message))
	}
}
