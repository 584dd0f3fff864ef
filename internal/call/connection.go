package call

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

// Kind identifies the protocol family a connection speaks.
type Kind int

const (
	// KindSIP is a SIP connection.
	KindSIP Kind = iota
	// KindH323 is an H.323 connection.
	KindH323
	// KindIAX2 is an IAX2 connection.
	KindIAX2
	// KindPCSS is a PC sound system (local softphone) connection.
	KindPCSS
	// KindIVR is an interactive voice response connection.
	KindIVR
	// KindFax is a T.38 fax connection.
	KindFax
)

// String returns the string representation of the connection kind.
func (k Kind) String() string {
	switch k {
	case KindSIP:
		return "SIP"
	case KindH323:
		return "H323"
	case KindIAX2:
		return "IAX2"
	case KindPCSS:
		return "PCSS"
	case KindIVR:
		return "IVR"
	case KindFax:
		return "Fax"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Connection is one leg of a call: the protocol-specific half that
// talks to a remote party, plus the media streams flowing to and from
// it. Concrete connections embed *BaseConnection and override the
// protocol operations.
//
// Set* methods are commands from the call into the leg; On* methods are
// notifications the leg raises when its protocol reports the event.
// Thread safety: all methods are safe for concurrent use.
type Connection interface {
	// Token returns the unique connection identifier.
	Token() string

	// Kind returns the protocol family of the connection.
	Kind() Kind

	// Call returns the owning call, immutable for the connection's life.
	Call() *Call

	// LocalPartyName returns the local party identity.
	LocalPartyName() string

	// RemotePartyName returns the display name of the remote party.
	RemotePartyName() string

	// RemotePartyAddress returns the routable address of the remote party.
	RemotePartyAddress() string

	// Phase returns the current lifecycle phase.
	Phase() Phase

	// EndReason returns the recorded end reason, EndReasonNone while live.
	EndReason() EndReason

	// --- Commands from the call ---

	// SetUpConnection starts outbound signaling for this leg.
	SetUpConnection() error

	// SetAlerting indicates to this leg's remote party that the far side
	// is ringing. No-op once the connection is past SetUp.
	SetAlerting(withMedia bool) error

	// SetConnected answers this leg. No-op once past Alerting.
	SetConnected() error

	// Release starts teardown with the given reason. Idempotent; safe
	// from any goroutine. The first caller wins.
	Release(reason EndReason)

	// --- Notifications raised by the leg's protocol ---

	// OnReleased completes teardown after Release: closes media streams,
	// moves to Released and informs the call.
	OnReleased()

	// --- Media ---

	// MediaFormats returns the formats this connection can exchange with
	// its remote party, most preferred first.
	MediaFormats() format.List

	// LocalMediaFormats returns the formats configured locally.
	LocalMediaFormats() format.List

	// AdjustMediaFormats lets the connection edit the negotiated format
	// list before streams open.
	AdjustMediaFormats(formats format.List) format.List

	// PayloadMap returns this connection's RTP payload type remapping.
	PayloadMap() media.PayloadMap

	// CreateMediaStream builds an unopened stream for the format.
	CreateMediaStream(f format.Format, sessionID int, isSource bool) (media.Stream, error)

	// OpenMediaStream returns an open stream for the session/direction,
	// reusing a matching existing one or replacing a stale one.
	OpenMediaStream(f format.Format, sessionID int, isSource bool) (media.Stream, error)

	// GetMediaStream returns the stream for a session and direction,
	// nil when absent.
	GetMediaStream(sessionID int, isSource bool) media.Stream

	// RemoveMediaStream detaches and closes one stream.
	RemoveMediaStream(s media.Stream)

	// CloseMediaStreams closes and detaches every stream.
	CloseMediaStreams()

	// StartMediaStreams kicks off media negotiation for this leg once
	// the call is ready.
	StartMediaStreams()

	// OnPatchMediaStream notifies the connection that one of its streams
	// joined a patch. Called at most once per connection per negotiation.
	OnPatchMediaStream(isSource bool, p Patcher)

	// --- User input and hold ---

	// SendUserInputTone delivers a DTMF-style tone to the remote party.
	SendUserInputTone(tone rune, duration time.Duration) error

	// OnUserInputTone is raised when the remote party sends a tone; the
	// call relays it to the other legs.
	OnUserInputTone(tone rune, duration time.Duration)

	// Hold places this leg on hold or retrieves it. Connections that
	// cannot hold return an error.
	Hold(placeOnHold bool) error

	// IsOnHold reports whether the leg is held.
	IsOnHold() bool
}

// Patcher is the patch surface a connection sees when notified that a
// stream was wired up.
type Patcher interface {
	ID() string
	Source() media.Stream
}

// BaseConnection supplies the protocol-independent half of Connection:
// identity, the phase machine, the release sequence, the media stream
// registry and default media behavior. Concrete connections embed a
// *BaseConnection and override what their protocol needs.
type BaseConnection struct {
	self  Connection
	call  *Call
	token string
	kind  Kind

	phase *phaseMachine

	// releasing is the outer gate of the release lock: once set, the
	// connection is tearing down and every later Release is a no-op.
	// mu is the inner lock guarding mutable state.
	releasing atomic.Bool
	mu        sync.Mutex

	endReason EndReason

	localParty         string
	remotePartyName    string
	remotePartyAddress string

	streams       []media.Stream
	localFormats  format.List
	remoteFormats format.List
	payloadMap    media.PayloadMap

	onHold atomic.Bool
}

// NewBaseConnection creates the shared half of a connection. self is
// the outermost connection value, used for callbacks so overridden
// methods are reached.
func NewBaseConnection(self Connection, c *Call, kind Kind, localParty string) *BaseConnection {
	b := &BaseConnection{
		self:       self,
		call:       c,
		token:      "conn-" + uuid.New().String(),
		kind:       kind,
		phase:      newPhaseMachine(),
		localParty: localParty,
		payloadMap: make(media.PayloadMap),
	}
	if self == nil {
		b.self = b
	}
	return b
}

// Token returns the unique connection identifier.
func (b *BaseConnection) Token() string { return b.token }

// Kind returns the protocol family of the connection.
func (b *BaseConnection) Kind() Kind { return b.kind }

// Call returns the owning call.
func (b *BaseConnection) Call() *Call { return b.call }

// LocalPartyName returns the local party identity.
func (b *BaseConnection) LocalPartyName() string { return b.localParty }

// RemotePartyName returns the remote party display name.
func (b *BaseConnection) RemotePartyName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remotePartyName
}

// RemotePartyAddress returns the remote party address.
func (b *BaseConnection) RemotePartyAddress() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remotePartyAddress
}

// SetRemoteParty records the remote party identity, typically once
// signaling reveals it.
func (b *BaseConnection) SetRemoteParty(name, address string) {
	b.mu.Lock()
	b.remotePartyName = name
	b.remotePartyAddress = address
	b.mu.Unlock()
}

// Phase returns the current lifecycle phase.
func (b *BaseConnection) Phase() Phase { return b.phase.current() }

// EndReason returns the recorded end reason.
func (b *BaseConnection) EndReason() EndReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endReason
}

// setEndReason records the reason once; later writes are ignored.
func (b *BaseConnection) setEndReason(reason EndReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.endReason.IsSet() {
		b.endReason = reason
	}
}

// IsReleasing reports whether teardown has started.
func (b *BaseConnection) IsReleasing() bool { return b.releasing.Load() }

// SetUpConnection by default only raises the call's set-up handling;
// protocol connections override this to start real signaling.
func (b *BaseConnection) SetUpConnection() error {
	return nil
}

// OnSetUp reports inbound call setup to the owning call. Returns false
// when the call refuses the new leg, in which case the leg is released.
func (b *BaseConnection) OnSetUp() bool {
	if !b.call.OnSetUp(b.self) {
		b.self.Release(EndReasonNoUser)
		return false
	}
	return true
}

// SetAlerting by default records the phase; protocols override to send
// their ringing indication first.
func (b *BaseConnection) SetAlerting(withMedia bool) error {
	if b.Phase() >= PhaseAlerting {
		return nil
	}
	return b.phase.fire(eventAlert)
}

// OnAlerting moves to Alerting and tells the call, which fans the
// indication out to the sibling legs.
func (b *BaseConnection) OnAlerting() {
	if b.Phase() < PhaseAlerting {
		if err := b.phase.fire(eventAlert); err != nil {
			return
		}
	}
	b.call.OnAlerting(b.self)
}

// SetConnected by default records the phase; protocols override to
// answer on the wire first.
func (b *BaseConnection) SetConnected() error {
	if b.Phase() >= PhaseConnected {
		return nil
	}
	if err := b.phase.fire(eventConnect); err != nil {
		return err
	}
	b.call.OnConnected(b.self)
	return nil
}

// OnConnected moves to Connected and tells the call.
func (b *BaseConnection) OnConnected() {
	if b.Phase() < PhaseConnected {
		if err := b.phase.fire(eventConnect); err != nil {
			return
		}
	}
	b.call.OnConnected(b.self)
}

// OnEstablished moves to Established and tells the call, which checks
// whether the whole call is now up.
func (b *BaseConnection) OnEstablished() {
	if b.Phase() < PhaseEstablished {
		if err := b.phase.fire(eventEstablish); err != nil {
			return
		}
	}
	b.call.OnEstablished(b.self)
}

// InternalEstablish advances this connection to Established without
// consulting the call, for legs whose protocol has no separate
// establishment confirmation.
func (b *BaseConnection) InternalEstablish() error {
	return b.phase.fire(eventEstablish)
}

// Release starts teardown. The first caller records the reason and
// runs the release sequence; every later call returns immediately.
func (b *BaseConnection) Release(reason EndReason) {
	if !b.releasing.CompareAndSwap(false, true) {
		return
	}
	b.setEndReason(reason)
	_ = b.phase.fire(eventRelease)
	slog.Info("[Connection] Releasing",
		"connection_token", b.token,
		"kind", b.kind.String(),
		"reason", reason.String())
	b.self.OnReleased()
}

// OnReleased completes teardown: closes media, reaches Released and
// hands the connection to the call for removal. Protocol connections
// override this to send their goodbye first, then call through.
func (b *BaseConnection) OnReleased() {
	b.self.CloseMediaStreams()
	_ = b.phase.fire(eventReleased)
	b.call.OnReleased(b.self)
}

// MediaFormats returns the remote capability set when known, falling
// back to the locally configured formats.
func (b *BaseConnection) MediaFormats() format.List {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.remoteFormats) > 0 {
		return b.remoteFormats.Clone()
	}
	return b.localFormats.Clone()
}

// LocalMediaFormats returns the locally configured formats.
func (b *BaseConnection) LocalMediaFormats() format.List {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localFormats.Clone()
}

// SetLocalMediaFormats configures the formats this leg offers.
func (b *BaseConnection) SetLocalMediaFormats(l format.List) {
	b.mu.Lock()
	b.localFormats = l.Clone()
	b.mu.Unlock()
}

// SetRemoteMediaFormats records the formats the remote party offered.
func (b *BaseConnection) SetRemoteMediaFormats(l format.List) {
	b.mu.Lock()
	b.remoteFormats = l.Clone()
	b.mu.Unlock()
}

// AdjustMediaFormats by default passes the list through unchanged.
func (b *BaseConnection) AdjustMediaFormats(formats format.List) format.List {
	return formats
}

// PayloadMap returns this connection's payload type remapping.
func (b *BaseConnection) PayloadMap() media.PayloadMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(media.PayloadMap, len(b.payloadMap))
	out.Merge(b.payloadMap)
	return out
}

// SetPayloadMap replaces the payload type remapping.
func (b *BaseConnection) SetPayloadMap(m media.PayloadMap) {
	b.mu.Lock()
	b.payloadMap = m
	b.mu.Unlock()
}

// CreateMediaStream by default builds an in-memory queue stream.
// Network connections override this with their transport streams.
func (b *BaseConnection) CreateMediaStream(f format.Format, sessionID int, isSource bool) (media.Stream, error) {
	dir := media.DirectionSink
	if isSource {
		dir = media.DirectionSource
	}
	return media.NewQueueStream(f, sessionID, dir), nil
}

// OpenMediaStream returns an open stream for the session/direction. An
// existing open stream of the same format is reused; a mismatched or
// closed one is replaced.
func (b *BaseConnection) OpenMediaStream(f format.Format, sessionID int, isSource bool) (media.Stream, error) {
	if existing := b.GetMediaStream(sessionID, isSource); existing != nil {
		if existing.Format().Equal(f) && existing.IsOpen() {
			return existing, nil
		}
		b.self.RemoveMediaStream(existing)
	}

	stream, err := b.self.CreateMediaStream(f, sessionID, isSource)
	if err != nil {
		return nil, fmt.Errorf("failed to create media stream: %w", err)
	}
	if stream == nil {
		return nil, fmt.Errorf("connection %s cannot carry %s media", b.token, f.Kind.String())
	}
	if err := stream.Open(); err != nil {
		return nil, fmt.Errorf("failed to open media stream: %w", err)
	}

	b.mu.Lock()
	b.streams = append(b.streams, stream)
	b.mu.Unlock()

	slog.Debug("[Connection] Media stream opened",
		"connection_token", b.token,
		"stream_id", stream.ID(),
		"format", f.Name,
		"session_id", sessionID,
		"direction", stream.Direction().String())
	return stream, nil
}

// GetMediaStream returns the stream for a session and direction.
func (b *BaseConnection) GetMediaStream(sessionID int, isSource bool) media.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.streams {
		if s.SessionID() == sessionID && s.IsSource() == isSource {
			return s
		}
	}
	return nil
}

// MediaStreams returns a snapshot of all attached streams.
func (b *BaseConnection) MediaStreams() []media.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]media.Stream, len(b.streams))
	copy(out, b.streams)
	return out
}

// RemoveMediaStream detaches and closes one stream.
func (b *BaseConnection) RemoveMediaStream(stream media.Stream) {
	b.mu.Lock()
	for i, s := range b.streams {
		if s.ID() == stream.ID() {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	_ = stream.Close()
}

// CloseMediaStreams closes and detaches every stream.
func (b *BaseConnection) CloseMediaStreams() {
	b.mu.Lock()
	streams := b.streams
	b.streams = nil
	b.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
}

// StartMediaStreams opens the default audio session through the call's
// negotiation. Connections carrying more kinds override this.
func (b *BaseConnection) StartMediaStreams() {
	b.call.OpenSourceMediaStreams(b.self, format.KindAudio, format.DefaultAudioSessionID)
}

// OnPatchMediaStream by default only logs; connections hook this to
// attach recorders or tone detectors.
func (b *BaseConnection) OnPatchMediaStream(isSource bool, p Patcher) {
	slog.Debug("[Connection] Stream patched",
		"connection_token", b.token,
		"is_source", isSource,
		"patch_id", p.ID())
}

// SendUserInputTone by default drops the tone; protocol connections
// override with RFC 4733 or signaling relay.
func (b *BaseConnection) SendUserInputTone(tone rune, duration time.Duration) error {
	return nil
}

// OnUserInputTone relays a received tone to the call.
func (b *BaseConnection) OnUserInputTone(tone rune, duration time.Duration) {
	b.call.OnUserInputTone(b.self, tone, duration)
}

// Hold marks the leg held or retrieved. Protocols that signal hold on
// the wire override this.
func (b *BaseConnection) Hold(placeOnHold bool) error {
	b.onHold.Store(placeOnHold)
	return nil
}

// IsOnHold reports whether the leg is held.
func (b *BaseConnection) IsOnHold() bool { return b.onHold.Load() }
