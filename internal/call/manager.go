package call

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/patch"
	"github.com/sebas/tandem/internal/media/transcode"
	"github.com/sebas/tandem/internal/metrics"
)

// Endpoint creates connections for one protocol family. Endpoints
// register with the manager under their address prefix ("sip", "local",
// ...) and are picked by the prefix of the party address.
type Endpoint interface {
	// Prefix returns the address prefix the endpoint serves.
	Prefix() string

	// MakeConnection builds a new, not yet signaling connection for the
	// given party within the call.
	MakeConnection(c *Call, party string, userData any) (Connection, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithTranscoders replaces the default conversion registry.
func WithTranscoders(r *transcode.Registry) Option {
	return func(m *Manager) { m.transcoders = r }
}

// WithPatchFactory replaces how patches are built, letting embedders
// interpose instrumented patches.
func WithPatchFactory(f func(media.Stream) *patch.Patch) Option {
	return func(m *Manager) { m.patchFactory = f }
}

// WithOnEstablishedCall registers a callback fired when a call reaches
// full establishment.
func WithOnEstablishedCall(fn func(*Call)) Option {
	return func(m *Manager) { m.onEstablished = fn }
}

// WithOnClearedCall registers a callback fired after a call has fully
// cleared.
func WithOnClearedCall(fn func(*Call)) Option {
	return func(m *Manager) { m.onCleared = fn }
}

// Manager owns the active calls and the endpoint registry, routes new
// legs to the right endpoint by address prefix, and supplies calls
// with their conversion registry and patch factory.
//
// Thread safety: all methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	calls     map[string]*Call

	transcoders  *transcode.Registry
	patchFactory func(media.Stream) *patch.Patch

	onEstablished func(*Call)
	onCleared     func(*Call)
}

// NewManager creates a manager. Without options it carries a registry
// with the G.711 conversions and plain patches.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		endpoints:    make(map[string]Endpoint),
		calls:        make(map[string]*Call),
		patchFactory: patch.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.transcoders == nil {
		m.transcoders = transcode.NewRegistry()
		transcode.RegisterG711(m.transcoders)
	}
	return m
}

// Transcoders returns the conversion registry.
func (m *Manager) Transcoders() *transcode.Registry { return m.transcoders }

// RegisterEndpoint adds an endpoint under its prefix, replacing any
// previous one.
func (m *Manager) RegisterEndpoint(ep Endpoint) {
	m.mu.Lock()
	m.endpoints[ep.Prefix()] = ep
	m.mu.Unlock()
	slog.Info("[Manager] Endpoint registered", "prefix", ep.Prefix())
}

// FindEndpoint returns the endpoint serving a prefix.
func (m *Manager) FindEndpoint(prefix string) (Endpoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[prefix]
	return ep, ok
}

// CreateCall registers a new empty call.
func (m *Manager) CreateCall() *Call {
	c := newCall(m)
	m.mu.Lock()
	m.calls[c.token] = c
	n := len(m.calls)
	m.mu.Unlock()
	metrics.ActiveCalls.Set(float64(n))
	slog.Info("[Manager] Call created", "call_token", c.token, "active_calls", n)
	return c
}

// GetCall returns the call with the given token, nil when unknown.
func (m *Manager) GetCall(token string) *Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[token]
}

// CallCount returns the number of active calls.
func (m *Manager) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

// MakeConnection routes a party address to its endpoint and attaches
// the resulting connection to the call. The prefix is everything
// before the first colon, e.g. "sip" in "sip:alice@example.com".
func (m *Manager) MakeConnection(c *Call, party string, userData any) (Connection, error) {
	prefix, _, found := strings.Cut(party, ":")
	if !found {
		return nil, fmt.Errorf("party address %q has no protocol prefix", party)
	}
	ep, ok := m.FindEndpoint(prefix)
	if !ok {
		return nil, fmt.Errorf("no endpoint registered for prefix %q", prefix)
	}
	conn, err := ep.MakeConnection(c, party, userData)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q could not connect %q: %w", prefix, party, err)
	}
	c.AddConnection(conn)
	return conn, nil
}

// SetUpCall originates a call from partyA to partyB: the A leg is
// created and told to start signaling; the B leg follows once A
// connects. The call is returned immediately, live or failed.
func (m *Manager) SetUpCall(partyA, partyB string, userData any) (*Call, error) {
	c := m.CreateCall()
	c.SetPartyB(partyB)

	conn, err := m.MakeConnection(c, partyA, userData)
	if err != nil {
		c.Clear(EndReasonNoEndpoint, nil)
		return nil, err
	}
	if err := conn.SetUpConnection(); err != nil {
		conn.Release(EndReasonConnectFail)
		return nil, fmt.Errorf("failed to set up %q: %w", partyA, err)
	}
	slog.Info("[Manager] Call setup started",
		"call_token", c.Token(),
		"party_a", partyA,
		"party_b", partyB)
	return c, nil
}

// ClearAllCalls tears down every active call with the given reason,
// blocking until each has cleared.
func (m *Manager) ClearAllCalls(reason EndReason) {
	m.mu.RLock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()
	for _, c := range calls {
		c.ClearSync(reason)
	}
}

// Shutdown clears all calls and waits for them.
func (m *Manager) Shutdown() {
	slog.Info("[Manager] Shutting down", "active_calls", m.CallCount())
	m.ClearAllCalls(EndReasonLocalUser)
}

// createPatch builds a patch for a source stream via the configured
// factory.
func (m *Manager) createPatch(src media.Stream) *patch.Patch {
	p := m.patchFactory(src)
	metrics.PatchesCreatedTotal.Inc()
	return p
}

// onCallEstablished runs when a call reaches full establishment.
func (m *Manager) onCallEstablished(c *Call) {
	metrics.CallsEstablishedTotal.Inc()
	metrics.CallSetupSeconds.Observe(time.Since(c.createdAt).Seconds())
	if m.onEstablished != nil {
		m.onEstablished(c)
	}
}

// onCallCleared runs after the last leg of a call is gone.
func (m *Manager) onCallCleared(c *Call) {
	m.mu.Lock()
	delete(m.calls, c.Token())
	n := len(m.calls)
	m.mu.Unlock()

	metrics.ActiveCalls.Set(float64(n))
	metrics.CallsEndedTotal.WithLabelValues(c.EndReason().String()).Inc()
	if d := c.Duration(); d > 0 {
		metrics.CallSeconds.Observe(d.Seconds())
	}
	if m.onCleared != nil {
		m.onCleared(c)
	}
}
