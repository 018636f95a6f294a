package tunnel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/1ureka/depthrelay/internal/history"
	"github.com/1ureka/depthrelay/internal/util"
)

// DefaultHealthInterval is the probe period while connected.
const DefaultHealthInterval = 30 * time.Second

// Options is what a Provider needs to open a tunnel.
type Options struct {
	Token     string
	LocalPort int
	Protocol  string // only "http" is supported
}

// Provider opens and closes the public tunnel.
type Provider interface {
	// Open exposes the local port and returns its public URL.
	Open(ctx context.Context, opts Options) (publicURL string, err error)
	Close() error
}

// Prober checks that a public URL still reaches this relay.
type Prober interface {
	Probe(ctx context.Context, publicURL string) error
}

// Config configures a Manager.
type Config struct {
	LocalPort      int
	Protocol       string        // "http" when empty
	HealthInterval time.Duration // DefaultHealthInterval when zero
}

// Status is a point-in-time view of the manager.
type Status struct {
	State           State           `json:"state"`
	PublicURL       string          `json:"publicUrl,omitempty"`
	StartedAt       time.Time       `json:"startedAt,omitzero"`
	LastHealthCheck time.Time       `json:"lastHealthCheck,omitzero"`
	HealthOK        bool            `json:"healthOk"`
	LastHealthError string          `json:"lastHealthError,omitempty"`
	RecentError     *history.Entry  `json:"recentError,omitempty"`
	ErrorHistory    []history.Entry `json:"errorHistory"`
	ErrorCounts     map[string]int  `json:"errorCounts"`
}

// Manager drives the tunnel lifecycle. Every state change goes through
// setState under mu, which also keeps the health loop and explicit
// Connect/Disconnect/Reset calls from interleaving on the same state.
type Manager struct {
	provider Provider
	prober   Prober
	cfg      Config
	history  *history.History
	now      func() time.Time

	mu              sync.Mutex
	state           State
	publicURL       string
	startedAt       time.Time
	lastHealthCheck time.Time
	lastHealthErr   error
	healthCancel    context.CancelFunc
	healthDone      chan struct{}
	changes         []State // emitted after mu is released
	onChange        func(State)
}

// NewManager creates a disconnected manager.
func NewManager(provider Provider, prober Prober, cfg Config) *Manager {
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	return &Manager{
		provider: provider,
		prober:   prober,
		cfg:      cfg,
		history:  history.New(history.DefaultCapacity),
		now:      time.Now,
		state:    Disconnected,
	}
}

// OnChange registers a callback invoked with each new state, without the
// manager lock held.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState performs a single guarded transition. Illegal moves fail with
// *TransitionError and leave the state unchanged.
func (m *Manager) SetState(to State) error {
	m.mu.Lock()
	err := m.setState(to)
	m.mu.Unlock()
	m.emit()
	return err
}

// setState is the only place m.state changes. Caller holds m.mu.
func (m *Manager) setState(to State) error {
	if !CanTransition(m.state, to) {
		return &TransitionError{From: m.state, To: to}
	}
	util.LogDebug("tunnel: %s → %s", m.state, to)
	m.state = to
	m.changes = append(m.changes, to)
	return nil
}

func (m *Manager) emit() {
	m.mu.Lock()
	changes := m.changes
	m.changes = nil
	fn := m.onChange
	m.mu.Unlock()

	if fn == nil {
		return
	}
	for _, s := range changes {
		fn(s)
	}
}

// fail moves to error and records err. Caller holds m.mu.
func (m *Manager) fail(err error) {
	if setErr := m.setState(Error); setErr != nil {
		util.LogWarning("tunnel: %v", setErr)
	}
	m.history.Record(err)
}

// Connect opens the tunnel: disconnected → initializing → connecting →
// connected. A missing token fails with ErrAuthRequired before anything
// changes. Any later failure leaves the manager in error with the cause
// recorded; it must be Reset before the next attempt.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return ErrAuthRequired
	}
	defer m.emit()

	m.mu.Lock()
	if err := m.setState(Initializing); err != nil {
		m.mu.Unlock()
		return err
	}
	opts := Options{Token: token, LocalPort: m.cfg.LocalPort, Protocol: m.cfg.Protocol}
	if opts.Protocol != "http" {
		err := &ConnectError{Err: errors.New("unsupported protocol " + opts.Protocol)}
		m.fail(err)
		m.mu.Unlock()
		return err
	}
	if err := m.setState(Connecting); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	m.emit()

	// The provider may block on the network; the lock is not held, and the
	// connecting state rejects concurrent Connect and Disconnect calls.
	publicURL, err := m.provider.Open(ctx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		cerr := &ConnectError{Err: err}
		m.fail(cerr)
		return cerr
	}

	m.publicURL = publicURL
	m.startedAt = m.now()
	if err := m.setState(Connected); err != nil {
		_ = m.provider.Close()
		return err
	}
	util.LogInfo("tunnel connected: %s", publicURL)
	m.startHealthLocked()
	return nil
}

// Disconnect tears the tunnel down and returns to disconnected. It does
// nothing unless connected.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return nil
	}
	done := m.teardownLocked()
	err := m.setState(Disconnected)
	m.mu.Unlock()

	m.emit()
	if done != nil {
		<-done
	}
	return err
}

// Reset clears metadata and error history. From error it returns to
// disconnected; from disconnected it only clears. Any other state is an
// invalid transition: a live tunnel is left alone and must be closed with
// Disconnect.
func (m *Manager) Reset() error {
	m.mu.Lock()
	switch m.state {
	case Disconnected:
	case Error:
		if err := m.setState(Disconnected); err != nil {
			m.mu.Unlock()
			return err
		}
	default:
		err := &TransitionError{From: m.state, To: Disconnected}
		m.mu.Unlock()
		return err
	}
	m.publicURL = ""
	m.startedAt = time.Time{}
	m.lastHealthCheck = time.Time{}
	m.lastHealthErr = nil
	m.history.Clear()
	m.mu.Unlock()

	m.emit()
	return nil
}

// teardownLocked stops the health loop and closes the provider. It returns
// the loop's done channel, which the caller may wait on after releasing
// m.mu. Caller holds m.mu.
func (m *Manager) teardownLocked() <-chan struct{} {
	var done <-chan struct{}
	if m.healthCancel != nil {
		m.healthCancel()
		done = m.healthDone
		m.healthCancel, m.healthDone = nil, nil
	}
	if err := m.provider.Close(); err != nil {
		util.LogWarning("tunnel: close: %v", err)
	}
	m.publicURL = ""
	m.startedAt = time.Time{}
	return done
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// startHealthLocked launches the probe loop. It runs only while connected.
// Caller holds m.mu.
func (m *Manager) startHealthLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.healthCancel, m.healthDone = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CheckHealth(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CheckHealth probes the public URL once. A failure meaning the tunnel is
// gone forces a teardown and enters error, recording TunnelLost; other
// failures are recorded and the state kept. It does nothing unless
// connected.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()
		return
	}
	publicURL := m.publicURL
	m.mu.Unlock()

	err := m.prober.Probe(ctx, publicURL)
	if ctx.Err() != nil {
		return // stopped mid-probe
	}

	defer m.emit()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastHealthCheck = m.now()
	m.lastHealthErr = err
	if err == nil || m.state != Connected || m.publicURL != publicURL {
		return
	}

	if !isTunnelLost(err) {
		m.history.Record(&HealthError{Err: err})
		util.LogWarning("tunnel health check failed: %v", err)
		return
	}

	util.LogError("tunnel lost: %v", err)
	// The loop calling us cannot wait on itself; it exits via its cancelled
	// context.
	m.teardownLocked()
	m.fail(&LostError{Err: err})
}

func isTunnelLost(err error) bool {
	return errors.Is(err, ErrTunnelLost) || strings.Contains(strings.ToLower(err.Error()), "tunnel not found")
}

// Status returns a snapshot for the status surface.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:           m.state,
		PublicURL:       m.publicURL,
		StartedAt:       m.startedAt,
		LastHealthCheck: m.lastHealthCheck,
		HealthOK:        !m.lastHealthCheck.IsZero() && m.lastHealthErr == nil,
		ErrorHistory:    m.history.Entries(),
		ErrorCounts:     m.history.Counts(),
	}
	if m.lastHealthErr != nil {
		s.LastHealthError = m.lastHealthErr.Error()
	}
	if e, ok := m.history.Latest(); ok {
		s.RecentError = &e
	}
	return s
}

// Record adds an externally observed tunnel error to the history.
func (m *Manager) Record(err error) {
	m.history.Record(err)
}
