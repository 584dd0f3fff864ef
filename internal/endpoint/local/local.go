// Package local provides a softphone-style endpoint whose connections
// terminate media in process, backed by in-memory queue streams. It
// serves IVR-like applications and is the workhorse of the test suite:
// a local leg can originate, ring, answer and press tones without any
// network.
package local

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/tandem/internal/call"
	"github.com/sebas/tandem/internal/media/format"
)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithPrefix overrides the address prefix, default "local".
func WithPrefix(prefix string) Option {
	return func(e *Endpoint) { e.prefix = prefix }
}

// WithFormats sets the formats local legs offer, most preferred first.
func WithFormats(l format.List) Option {
	return func(e *Endpoint) { e.formats = l.Clone() }
}

// WithAutoAnswer makes destination legs answer as soon as they ring.
func WithAutoAnswer(enable bool) Option {
	return func(e *Endpoint) { e.autoAnswer = enable }
}

// WithOnIncoming registers a callback fired when a destination leg
// starts ringing, so the application can Answer or Reject it.
func WithOnIncoming(fn func(*Connection)) Option {
	return func(e *Endpoint) { e.onIncoming = fn }
}

// Endpoint creates local connections. Register it with a manager and
// route to it with addresses like "local:alice".
type Endpoint struct {
	manager    *call.Manager
	prefix     string
	formats    format.List
	autoAnswer bool
	onIncoming func(*Connection)

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewEndpoint creates a local endpoint. Default formats are PCMU then
// PCMA.
func NewEndpoint(manager *call.Manager, opts ...Option) *Endpoint {
	e := &Endpoint{
		manager: manager,
		prefix:  "local",
		formats: format.NewList(format.PCMU, format.PCMA),
		conns:   make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Prefix returns the address prefix the endpoint serves.
func (e *Endpoint) Prefix() string { return e.prefix }

// MakeConnection builds a local leg for the party. The first leg of a
// call originates; later legs are destinations that ring.
func (e *Endpoint) MakeConnection(c *call.Call, party string, userData any) (call.Connection, error) {
	name := party
	if cut := len(e.prefix) + 1; len(party) > cut && party[:cut] == e.prefix+":" {
		name = party[cut:]
	}

	conn := &Connection{
		endpoint:    e,
		party:       name,
		originating: c.ConnectionCount() == 0,
		tones:       make(chan Tone, 16),
	}
	conn.BaseConnection = call.NewBaseConnection(conn, c, call.KindPCSS, name)
	conn.SetRemoteParty(name, party)
	conn.SetLocalMediaFormats(e.formats)

	e.mu.Lock()
	e.conns[conn.Token()] = conn
	e.mu.Unlock()
	return conn, nil
}

// Connections returns a snapshot of the endpoint's live connections.
func (e *Endpoint) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Connection, 0, len(e.conns))
	for _, c := range e.conns {
		out = append(out, c)
	}
	return out
}

func (e *Endpoint) forget(token string) {
	e.mu.Lock()
	delete(e.conns, token)
	e.mu.Unlock()
}

// Tone is one DTMF-style tone received by a local leg.
type Tone struct {
	Tone     rune
	Duration time.Duration
}

// Connection is a local call leg. Media terminates in queue streams
// the application can feed and drain.
type Connection struct {
	*call.BaseConnection

	endpoint    *Endpoint
	party       string
	originating bool

	tones chan Tone
}

// SetUpConnection starts the leg. An originating leg is off-hook and
// connects immediately; a destination leg rings and, with auto-answer
// enabled, answers right away.
func (c *Connection) SetUpConnection() error {
	if c.Phase() > call.PhaseSetUp {
		return nil
	}
	if c.IsReleasing() {
		return fmt.Errorf("connection %s already releasing", c.Token())
	}

	if c.originating {
		if !c.OnSetUp() {
			return fmt.Errorf("call refused leg for %q", c.party)
		}
		c.OnConnected()
		c.maybeEstablish()
		return nil
	}

	slog.Info("[LocalEndpoint] Ringing",
		"connection_token", c.Token(),
		"party", c.party)
	c.OnAlerting()
	if c.endpoint.onIncoming != nil {
		c.endpoint.onIncoming(c)
	}
	if c.endpoint.autoAnswer {
		return c.Answer()
	}
	return nil
}

// Answer picks the leg up.
func (c *Connection) Answer() error {
	if c.IsReleasing() {
		return fmt.Errorf("connection %s already releasing", c.Token())
	}
	slog.Info("[LocalEndpoint] Answered",
		"connection_token", c.Token(),
		"party", c.party)
	c.OnConnected()
	c.maybeEstablish()
	return nil
}

// Reject refuses a ringing leg.
func (c *Connection) Reject() {
	c.Release(call.EndReasonRefusal)
}

// SetConnected handles the far side answering: nothing to signal
// locally, but the leg can now establish.
func (c *Connection) SetConnected() error {
	if err := c.BaseConnection.SetConnected(); err != nil {
		return err
	}
	c.maybeEstablish()
	return nil
}

// maybeEstablish moves a connected local leg straight to Established;
// there is no extra confirmation step in-process.
func (c *Connection) maybeEstablish() {
	if c.Phase() != call.PhaseConnected {
		return
	}
	if err := c.InternalEstablish(); err != nil {
		return
	}
	c.Call().OnEstablished(c)
}

// OnReleased completes teardown and drops the leg from the endpoint.
func (c *Connection) OnReleased() {
	c.BaseConnection.OnReleased()
	c.endpoint.forget(c.Token())
}

// SendUserInputTone queues a tone received from the call for the
// application.
func (c *Connection) SendUserInputTone(tone rune, duration time.Duration) error {
	select {
	case c.tones <- Tone{Tone: tone, Duration: duration}:
		return nil
	default:
		return fmt.Errorf("tone queue full on connection %s", c.Token())
	}
}

// Tones returns the channel of tones received from the far side.
func (c *Connection) Tones() <-chan Tone { return c.tones }

// PressTone simulates the local user pressing a DTMF key; the call
// relays it to the other legs.
func (c *Connection) PressTone(tone rune, duration time.Duration) {
	c.OnUserInputTone(tone, duration)
}
