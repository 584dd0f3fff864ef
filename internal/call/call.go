package call

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
	"github.com/sebas/tandem/internal/media/patch"
	"github.com/sebas/tandem/internal/metrics"
)

// Call groups the connections of one conversation and orchestrates
// their lifecycle: fanning signaling events across legs, negotiating
// media formats between them, wiring patches, and tearing everything
// down exactly once.
//
// Thread safety: all methods are safe for concurrent use. Connection
// enumeration works on snapshots, so callbacks never run under the
// call lock.
type Call struct {
	manager *Manager
	token   string

	mu          sync.Mutex
	connections []Connection
	partyA      string
	partyB      string
	nameA       string
	nameB       string

	isEstablished bool
	isClearing    bool
	isCleared     bool
	endReason     EndReason
	syncClear     chan<- struct{}

	createdAt     time.Time
	establishedAt time.Time

	patchMu sync.Mutex
	patches map[string]*patch.Patch // keyed by source stream ID
}

func newCall(m *Manager) *Call {
	return &Call{
		manager:   m,
		token:     "call-" + uuid.New().String(),
		patches:   make(map[string]*patch.Patch),
		createdAt: time.Now(),
	}
}

// Token returns the unique call identifier.
func (c *Call) Token() string { return c.token }

// Manager returns the owning manager.
func (c *Call) Manager() *Manager { return c.manager }

// IsEstablished reports whether every leg reached Established.
func (c *Call) IsEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isEstablished
}

// IsClearing reports whether teardown has started.
func (c *Call) IsClearing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClearing
}

// EndReason returns the recorded call end reason.
func (c *Call) EndReason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endReason
}

// SetCallEndReason records the end reason once; the first writer wins
// so the original cause survives the teardown cascade.
func (c *Call) SetCallEndReason(reason EndReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.endReason.IsSet() {
		c.endReason = reason
	}
}

// PartyA returns the originating party address.
func (c *Call) PartyA() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partyA
}

// PartyB returns the destination party address.
func (c *Call) PartyB() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partyB
}

// SetPartyB records the destination the call should route to when the
// first leg connects.
func (c *Call) SetPartyB(party string) {
	c.mu.Lock()
	c.partyB = party
	c.mu.Unlock()
}

// Duration returns how long the call has been established, zero before
// establishment.
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.establishedAt.IsZero() {
		return 0
	}
	return time.Since(c.establishedAt)
}

// AddConnection attaches a new leg to the call. Order of attachment is
// preserved and decides sibling enumeration order.
func (c *Call) AddConnection(conn Connection) {
	c.mu.Lock()
	c.connections = append(c.connections, conn)
	n := len(c.connections)
	c.mu.Unlock()
	slog.Debug("[Call] Connection attached",
		"call_token", c.token,
		"connection_token", conn.Token(),
		"kind", conn.Kind().String(),
		"connection_count", n)
}

// ConnectionCount returns the number of attached legs, including
// releasing ones.
func (c *Call) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connections)
}

// EnumerateConnections returns a snapshot of the active legs, in
// attachment order, excluding exclude and any leg already releasing.
func (c *Call) EnumerateConnections(exclude Connection) []Connection {
	c.mu.Lock()
	snapshot := make([]Connection, len(c.connections))
	copy(snapshot, c.connections)
	c.mu.Unlock()

	out := make([]Connection, 0, len(snapshot))
	for _, conn := range snapshot {
		if exclude != nil && conn.Token() == exclude.Token() {
			continue
		}
		if conn.Phase().IsReleasing() {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// GetConnection returns the leg with the given token, nil when absent.
func (c *Call) GetConnection(token string) Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.connections {
		if conn.Token() == token {
			return conn
		}
	}
	return nil
}

// GetOtherPartyConnection returns the first active leg that is not the
// given one, nil when the call has no counterpart yet.
func (c *Call) GetOtherPartyConnection(conn Connection) Connection {
	others := c.EnumerateConnections(conn)
	if len(others) == 0 {
		return nil
	}
	return others[0]
}

// OnSetUp handles a leg reporting inbound or outbound call setup: the
// originator's identity is recorded and every sibling is told to start
// its own signaling. Returns false when no sibling could be set up and
// at least one exists.
func (c *Call) OnSetUp(conn Connection) bool {
	c.mu.Lock()
	if c.partyA == "" {
		c.partyA = conn.RemotePartyAddress()
		c.nameA = conn.RemotePartyName()
	}
	c.mu.Unlock()

	slog.Info("[Call] Setup",
		"call_token", c.token,
		"connection_token", conn.Token(),
		"party_a", conn.RemotePartyAddress())

	siblings := c.EnumerateConnections(conn)
	if len(siblings) == 0 {
		return true
	}
	ok := false
	for _, sibling := range siblings {
		if err := sibling.SetUpConnection(); err != nil {
			slog.Warn("[Call] Sibling setup failed",
				"call_token", c.token,
				"connection_token", sibling.Token(),
				"error", err)
		} else {
			ok = true
		}
	}
	return ok
}

// OnAlerting handles a leg reporting that its remote party is ringing:
// the destination identity is recorded and the indication fans out to
// the siblings, flagging whether early media is available.
func (c *Call) OnAlerting(conn Connection) {
	c.mu.Lock()
	if c.nameB == "" {
		c.nameB = conn.RemotePartyName()
	}
	c.mu.Unlock()

	withMedia := false
	if src := conn.GetMediaStream(format.DefaultAudioSessionID, true); src != nil && src.IsOpen() {
		withMedia = true
	}

	for _, sibling := range c.EnumerateConnections(conn) {
		if err := sibling.SetAlerting(withMedia); err != nil {
			slog.Warn("[Call] Alerting relay failed",
				"call_token", c.token,
				"connection_token", sibling.Token(),
				"error", err)
		}
	}
}

// OnConnected handles a leg reporting answer. A sole leg with a known
// destination bootstraps the second leg through the manager; otherwise
// the answer fans out to the siblings.
func (c *Call) OnConnected(conn Connection) {
	siblings := c.EnumerateConnections(conn)

	if len(siblings) == 0 {
		partyB := c.PartyB()
		if partyB == "" {
			return
		}
		newConn, err := c.manager.MakeConnection(c, partyB, nil)
		if err != nil {
			slog.Warn("[Call] Destination connection failed",
				"call_token", c.token,
				"party_b", partyB,
				"error", err)
			conn.Release(EndReasonNoEndpoint)
			return
		}
		if err := newConn.SetUpConnection(); err != nil {
			slog.Warn("[Call] Destination setup failed",
				"call_token", c.token,
				"connection_token", newConn.Token(),
				"error", err)
			newConn.Release(EndReasonConnectFail)
		}
		return
	}

	for _, sibling := range siblings {
		if err := sibling.SetConnected(); err != nil {
			slog.Warn("[Call] Connect relay failed",
				"call_token", c.token,
				"connection_token", sibling.Token(),
				"error", err)
		}
	}
}

// OnEstablished handles a leg reaching Established. The call itself is
// established only when every leg is; the first invocation that finds
// them all there latches the flag and notifies the manager. Returns
// whether the call is established after this check.
func (c *Call) OnEstablished(conn Connection) bool {
	c.mu.Lock()
	if c.isClearing {
		c.mu.Unlock()
		return false
	}
	if c.isEstablished {
		c.mu.Unlock()
		return true
	}
	if len(c.connections) < 2 {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	conn.StartMediaStreams()

	// The all-legs check and the latch share one critical section, so a
	// leg attached mid-check cannot slip past it. Phase() only touches
	// the connection's own state, never the call lock.
	c.mu.Lock()
	if c.isEstablished || c.isClearing {
		established := c.isEstablished
		c.mu.Unlock()
		return established
	}
	if len(c.connections) < 2 {
		c.mu.Unlock()
		return false
	}
	for _, other := range c.connections {
		if other.Phase() != PhaseEstablished {
			c.mu.Unlock()
			return false
		}
	}
	c.isEstablished = true
	c.establishedAt = time.Now()
	c.mu.Unlock()

	slog.Info("[Call] Established",
		"call_token", c.token,
		"party_a", c.PartyA(),
		"party_b", c.PartyB(),
		"setup_duration_ms", time.Since(c.createdAt).Milliseconds())
	c.manager.onCallEstablished(c)
	return true
}

// OnReleased handles a leg finishing teardown: its reason becomes the
// call's (first writer wins), the leg leaves the active set, a lone
// survivor is released with the same reason, and the last leg out
// clears the call.
func (c *Call) OnReleased(conn Connection) {
	c.SetCallEndReason(conn.EndReason())

	c.mu.Lock()
	for i, other := range c.connections {
		if other.Token() == conn.Token() {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			break
		}
	}
	remaining := make([]Connection, len(c.connections))
	copy(remaining, c.connections)
	reason := c.endReason
	c.mu.Unlock()

	slog.Info("[Call] Connection released",
		"call_token", c.token,
		"connection_token", conn.Token(),
		"reason", conn.EndReason().String(),
		"remaining", len(remaining))

	switch len(remaining) {
	case 0:
		c.onCleared()
	case 1:
		remaining[0].Release(reason)
	}
}

// Clear starts call teardown with the given reason. When sync is not
// nil it is closed once the call has fully cleared; at most one
// synchronous waiter is allowed while teardown is pending and a second
// one panics, since its wait could never be signalled. Clearing an
// already-cleared call does nothing beyond signalling its own waiter.
func (c *Call) Clear(reason EndReason, sync chan<- struct{}) {
	c.mu.Lock()
	if c.isCleared {
		c.mu.Unlock()
		if sync != nil {
			close(sync)
		}
		return
	}
	if !c.endReason.IsSet() {
		c.endReason = reason
	}
	c.isClearing = true
	if sync != nil {
		if c.syncClear != nil {
			c.mu.Unlock()
			panic("call: second synchronous Clear on one call")
		}
		c.syncClear = sync
	}
	snapshot := make([]Connection, len(c.connections))
	copy(snapshot, c.connections)
	c.mu.Unlock()

	slog.Info("[Call] Clearing", "call_token", c.token, "reason", reason.String())

	if len(snapshot) == 0 {
		c.onCleared()
		return
	}
	for _, conn := range snapshot {
		conn.Release(reason)
	}
}

// ClearSync clears the call and blocks until teardown completes.
func (c *Call) ClearSync(reason EndReason) {
	done := make(chan struct{})
	c.Clear(reason, done)
	<-done
}

// onCleared runs exactly once, after the last connection is gone:
// patches die, the synchronous waiter wakes and the manager forgets
// the call. The cleared latch and the waiter handoff share one
// critical section, so a racing Clear either sees the call cleared or
// gets its waiter signalled here, never neither.
func (c *Call) onCleared() {
	c.mu.Lock()
	if c.isCleared {
		c.mu.Unlock()
		return
	}
	c.isCleared = true
	sync := c.syncClear
	c.syncClear = nil
	reason := c.endReason
	c.mu.Unlock()

	c.patchMu.Lock()
	patches := make([]*patch.Patch, 0, len(c.patches))
	for _, p := range c.patches {
		patches = append(patches, p)
	}
	c.patches = make(map[string]*patch.Patch)
	c.patchMu.Unlock()
	for _, p := range patches {
		p.Close()
	}

	slog.Info("[Call] Cleared", "call_token", c.token, "reason", reason.String())
	if sync != nil {
		close(sync)
	}
	c.manager.onCallCleared(c)
}

// GetMediaFormats returns the formats the given leg could receive from
// its siblings: each sibling's capability set expanded through the
// registered conversions, intersected across siblings in first-sibling
// order, then filtered through the leg's own adjustment hook.
func (c *Call) GetMediaFormats(conn Connection) format.List {
	reg := c.manager.Transcoders()
	var out format.List
	first := true
	for _, sibling := range c.EnumerateConnections(conn) {
		possible := reg.PossibleFormats(sibling.MediaFormats())
		if first {
			out = possible
			first = false
		} else {
			out = out.Intersect(possible)
		}
	}
	return conn.AdjustMediaFormats(out)
}

// SelectMediaFormats picks the concrete source and sink format for one
// media flow of the given kind between two capability sets.
func (c *Call) SelectMediaFormats(kind format.Kind, srcFormats, dstFormats, allFormats format.List) (format.Format, format.Format, error) {
	return c.manager.Transcoders().SelectFormats(
		srcFormats.OfKind(kind), dstFormats.OfKind(kind), allFormats)
}

// OpenSourceMediaStreams opens one source stream on the given leg for
// the media kind and session, negotiates a format per sibling, opens
// their sink streams and wires everything into a patch. Idempotent: a
// live patched source short-circuits. Returns whether media flows when
// it comes back.
//
// On total failure everything opened in this invocation rolls back, so
// a failed negotiation never leaves half-wired streams behind.
func (c *Call) OpenSourceMediaStreams(conn Connection, kind format.Kind, sessionID int) bool {
	if c.IsClearing() {
		return false
	}

	if src := conn.GetMediaStream(sessionID, true); src != nil && src.IsOpen() {
		if c.patchForSource(src.ID()) != nil {
			return true
		}
	}

	siblings := c.EnumerateConnections(conn)
	if len(siblings) == 0 {
		return false
	}
	reg := c.manager.Transcoders()

	// Source capability set, with symmetric-codec preference: when the
	// leg already receives a format, prefer sending the same one.
	srcFormats := conn.AdjustMediaFormats(conn.MediaFormats()).OfKind(kind)
	if ownSink := conn.GetMediaStream(sessionID, false); ownSink != nil && ownSink.IsOpen() {
		srcFormats = srcFormats.Reorder(ownSink.Format().Name)
	}
	if len(srcFormats) == 0 {
		slog.Warn("[Call] No source formats",
			"call_token", c.token,
			"connection_token", conn.Token(),
			"kind", kind.String())
		return false
	}
	allFormats := reg.PossibleFormats(srcFormats)

	inverted := conn.PayloadMap().Inverted()

	var (
		srcStream    media.Stream
		srcCreated   bool
		p            *patch.Patch
		patchCreated bool
		opened       int
		pinnedSrc    format.Format
	)

	for _, sibling := range siblings {
		dstFormats := sibling.AdjustMediaFormats(sibling.MediaFormats()).OfKind(kind)
		if sibSrc := sibling.GetMediaStream(sessionID, true); sibSrc != nil && sibSrc.IsOpen() {
			dstFormats = dstFormats.Reorder(sibSrc.Format().Name)
		}
		if len(dstFormats) == 0 {
			continue
		}

		// The first sibling's negotiation pins the source format; later
		// siblings must work with it since one source feeds all sinks.
		effectiveSrc := srcFormats
		if pinnedSrc.IsValid() {
			effectiveSrc = format.NewList(pinnedSrc)
		}
		srcFmt, dstFmt, err := reg.SelectFormats(effectiveSrc, dstFormats, allFormats)
		if err != nil {
			metrics.NegotiationFailuresTotal.Inc()
			slog.Warn("[Call] Format selection failed",
				"call_token", c.token,
				"connection_token", conn.Token(),
				"sibling_token", sibling.Token(),
				"error", err)
			continue
		}

		if srcStream == nil {
			existing := conn.GetMediaStream(sessionID, true)
			srcStream, err = conn.OpenMediaStream(srcFmt, sessionID, true)
			if err != nil {
				slog.Warn("[Call] Source stream open failed",
					"call_token", c.token,
					"connection_token", conn.Token(),
					"format", srcFmt.Name,
					"error", err)
				return false
			}
			srcCreated = existing == nil || existing.ID() != srcStream.ID()
			pinnedSrc = srcFmt
		}

		sink, err := sibling.OpenMediaStream(dstFmt, sessionID, false)
		if err != nil {
			slog.Warn("[Call] Sink stream open failed",
				"call_token", c.token,
				"sibling_token", sibling.Token(),
				"format", dstFmt.Name,
				"error", err)
			continue
		}

		path, err := reg.FindPath(srcFmt, dstFmt, allFormats)
		if err != nil {
			slog.Warn("[Call] No conversion path",
				"call_token", c.token,
				"from", srcFmt.Name,
				"to", dstFmt.Name,
				"error", err)
			sibling.RemoveMediaStream(sink)
			continue
		}

		if p == nil {
			p, patchCreated = c.patchForSourceOrCreate(srcStream)
		}

		sinkMap := make(media.PayloadMap)
		sinkMap.Merge(inverted)
		sinkMap.Merge(sibling.PayloadMap())
		p.AddSink(sink, path, sinkMap)
		sibling.OnPatchMediaStream(false, p)
		opened++
	}

	if opened == 0 {
		if srcStream != nil {
			if patchCreated {
				c.removePatch(srcStream.ID())
			}
			if srcCreated {
				conn.RemoveMediaStream(srcStream)
			}
		}
		return false
	}

	conn.OnPatchMediaStream(true, p)
	if err := p.Start(); err == nil {
		slog.Info("[Call] Media flowing",
			"call_token", c.token,
			"connection_token", conn.Token(),
			"format", pinnedSrc.Name,
			"session_id", sessionID,
			"sink_count", p.SinkCount())
	}
	return true
}

// patchForSource returns the patch driven by the source stream ID.
func (c *Call) patchForSource(streamID string) *patch.Patch {
	c.patchMu.Lock()
	defer c.patchMu.Unlock()
	return c.patches[streamID]
}

// patchForSourceOrCreate lazily creates the patch for a source stream,
// reporting whether this call created it.
func (c *Call) patchForSourceOrCreate(src media.Stream) (*patch.Patch, bool) {
	c.patchMu.Lock()
	defer c.patchMu.Unlock()
	if p, ok := c.patches[src.ID()]; ok {
		return p, false
	}
	p := c.manager.createPatch(src)
	c.patches[src.ID()] = p
	return p, true
}

func (c *Call) removePatch(streamID string) {
	c.patchMu.Lock()
	p := c.patches[streamID]
	delete(c.patches, streamID)
	c.patchMu.Unlock()
	if p != nil {
		p.Close()
	}
}

// CloseMediaStreams closes every patch and every leg's streams, used
// when renegotiating from scratch.
func (c *Call) CloseMediaStreams() {
	c.patchMu.Lock()
	patches := make([]*patch.Patch, 0, len(c.patches))
	for _, p := range c.patches {
		patches = append(patches, p)
	}
	c.patches = make(map[string]*patch.Patch)
	c.patchMu.Unlock()
	for _, p := range patches {
		p.Close()
	}
	for _, conn := range c.EnumerateConnections(nil) {
		conn.CloseMediaStreams()
	}
}

// OnUserInputTone relays a DTMF-style tone from one leg to the others.
func (c *Call) OnUserInputTone(from Connection, tone rune, duration time.Duration) {
	for _, other := range c.EnumerateConnections(from) {
		if err := other.SendUserInputTone(tone, duration); err != nil {
			slog.Debug("[Call] Tone relay failed",
				"call_token", c.token,
				"connection_token", other.Token(),
				"error", err)
		}
	}
}

// Hold places every leg on hold, or retrieves them. Legs that cannot
// hold report errors but do not stop the others; the first error comes
// back.
func (c *Call) Hold(placeOnHold bool) error {
	var firstErr error
	for _, conn := range c.EnumerateConnections(nil) {
		if err := conn.Hold(placeOnHold); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsOnHold reports whether any leg is held.
func (c *Call) IsOnHold() bool {
	for _, conn := range c.EnumerateConnections(nil) {
		if conn.IsOnHold() {
			return true
		}
	}
	return false
}
