package connectivity

import (
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"go.uber.org/zap"
)

type BackendStatus int

const (
	BackendUnknown BackendStatus = iota
	BackendUp
	BackendDown
)

func (b BackendStatus) String() string {
	switch b {
	case BackendUp:
		return "up"
	case BackendDown:
		return "down"
	default:
		return "unknown"
	}
}

func (b BackendStatus) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

func (b *BackendStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "up":
		*b = BackendUp
	case "down":
		*b = BackendDown
	default:
		*b = BackendUnknown
	}
	return nil
}

// State is a snapshot of every signal plus the derived online flag.
type State struct {
	Online  bool          `json:"online"`
	Network bool          `json:"network"`
	Forced  bool          `json:"forcedOffline"`
	Faulted bool          `json:"faulted"`
	Backend BackendStatus `json:"backend"`
}

type Options struct {
	Clock clockwork.Clock
	// Debounce delays the online hooks after a transition to online.
	Debounce time.Duration
	Network  bool
	Forced   bool
	Logger   *zap.Logger
}

// Monitor folds network reachability, the forced-offline switch, remote faults
// and backend connection status into one online flag.
type Monitor struct {
	clock    clockwork.Clock
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	network bool
	forced  bool
	faulted bool
	backend BackendStatus
	online  bool

	onOnline  []func()
	onOffline []func()
	onChange  []func(State)

	gen     uint64
	pending clockwork.Timer
	stop    chan struct{}
}

func New(opts Options) *Monitor {
	m := &Monitor{
		clock:    opts.Clock,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		network:  opts.Network,
		forced:   opts.Forced,
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = obslog.L()
	}
	m.online = m.derive()
	return m
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// OnOnline registers fn to run after the debounce that follows each transition to online.
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	m.onOnline = append(m.onOnline, fn)
	m.mu.Unlock()
}

// OnOffline registers fn to run immediately on each transition to offline.
func (m *Monitor) OnOffline(fn func()) {
	m.mu.Lock()
	m.onOffline = append(m.onOffline, fn)
	m.mu.Unlock()
}

// OnChange registers fn to run on every change of the derived online flag.
func (m *Monitor) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

func (m *Monitor) SetNetwork(up bool) {
	m.update(func() { m.network = up })
}

func (m *Monitor) SetForced(forced bool) {
	m.update(func() { m.forced = forced })
}

// ReportFault marks the backend unusable until the next healthy status report.
func (m *Monitor) ReportFault(err error) {
	m.update(func() {
		if !m.faulted {
			m.logger.Warn("connectivity_remote_fault", zap.Error(err))
		}
		m.faulted = true
	})
}

// SetBackend records a backend status report. A healthy report clears a fault.
func (m *Monitor) SetBackend(connected bool) {
	m.update(func() {
		if connected {
			m.backend = BackendUp
			m.faulted = false
		} else {
			m.backend = BackendDown
		}
	})
}

func (m *Monitor) derive() bool {
	return !m.forced && !m.faulted && m.network && m.backend != BackendDown
}

func (m *Monitor) snapshot() State {
	return State{Online: m.online, Network: m.network, Forced: m.forced, Faulted: m.faulted, Backend: m.backend}
}

func (m *Monitor) update(mutate func()) {
	m.mu.Lock()
	mutate()
	next := m.derive()
	if next == m.online {
		m.mu.Unlock()
		return
	}
	m.online = next
	m.cancelPending()
	st := m.snapshot()
	change := slices.Clone(m.onChange)

	var immediate []func()
	if next {
		if m.debounce > 0 {
			m.schedule()
		} else {
			immediate = append(immediate, m.onOnline...)
		}
	} else {
		immediate = append(immediate, m.onOffline...)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity_changed",
		zap.Bool("online", st.Online),
		zap.Bool("network", st.Network),
		zap.Bool("forced", st.Forced),
		zap.Bool("faulted", st.Faulted),
		zap.String("backend", st.Backend.String()),
	)
	for _, fn := range change {
		fn(st)
	}
	for _, fn := range immediate {
		fn()
	}
}

// schedule starts the debounce timer; m.mu must be held.
func (m *Monitor) schedule() {
	m.gen++
	gen := m.gen
	t := m.clock.NewTimer(m.debounce)
	stop := make(chan struct{})
	m.pending, m.stop = t, stop
	go func() {
		select {
		case <-t.Chan():
			m.fireOnline(gen)
		case <-stop:
		}
	}()
}

// cancelPending drops a scheduled online notification; m.mu must be held.
func (m *Monitor) cancelPending() {
	if m.pending == nil {
		return
	}
	stopAndDrainTimer(m.pending)
	close(m.stop)
	m.pending, m.stop = nil, nil
	m.gen++
}

func (m *Monitor) fireOnline(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.online {
		m.mu.Unlock()
		return
	}
	m.pending, m.stop = nil, nil
	hooks := slices.Clone(m.onOnline)
	m.mu.Unlock()

	m.logger.Debug("connectivity_online_hooks", zap.Int("hooks", len(hooks)))
	for _, fn := range hooks {
		fn()
	}
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
