package media

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/sebas/tandem/internal/media/format"
)

// GenerateSSRC returns a cryptographically random 32-bit SSRC. Per
// RFC 3550 the SSRC is chosen randomly to minimize collisions.
func GenerateSSRC() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing should never happen on modern systems
		return 0x12345678
	}
	return binary.BigEndian.Uint32(b[:])
}

// GenerateSequenceStart returns a random initial sequence number.
func GenerateSequenceStart() uint16 {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(b[:])
}

// GenerateTimestampStart returns a random initial RTP timestamp.
func GenerateTimestampStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

// maxRTPPacketSize bounds a received UDP datagram.
const maxRTPPacketSize = 1500

// RTPStream moves frames over an RTP/UDP socket. A source RTPStream
// receives packets and unwraps them into frames; a sink RTPStream
// wraps frames into packets with its own SSRC, sequence and timestamp
// line and sends them to the remote address.
type RTPStream struct {
	baseStream

	conn *net.UDPConn

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	// send-side state, sink direction only
	ssrc   uint32
	seq    uint16
	ts     uint32
	tsStep uint32

	// receive-side state, source direction only
	tracker *SequenceTracker

	packetsIn  atomic.Uint64
	packetsOut atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
}

// NewRTPStream creates an RTP stream bound to the given local port.
// remote may be nil for a source stream; it is then latched from the
// first packet received (symmetric RTP).
func NewRTPStream(f format.Format, sessionID int, dir Direction, localIP net.IP, localPort int, remote *net.UDPAddr) (*RTPStream, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind RTP port %d: %w", localPort, err)
	}

	frameTime := f.IntOption(format.OptionFrameTime, 20)
	s := &RTPStream{
		baseStream: newBaseStream(f, sessionID, dir),
		conn:       conn,
		remote:     remote,
		ssrc:       GenerateSSRC(),
		seq:        GenerateSequenceStart(),
		ts:         GenerateTimestampStart(),
		tsStep:     f.ClockRate / 1000 * uint32(frameTime),
		tracker:    NewSequenceTracker(),
	}
	slog.Debug("[RTPStream] Created",
		"stream_id", s.id,
		"direction", dir.String(),
		"local_addr", conn.LocalAddr().String(),
		"payload_type", f.PayloadType)
	return s, nil
}

// LocalAddr returns the bound local UDP address.
func (s *RTPStream) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// SetRemote sets or replaces the remote media address.
func (s *RTPStream) SetRemote(addr *net.UDPAddr) {
	s.remoteMu.Lock()
	s.remote = addr
	s.remoteMu.Unlock()
}

// Remote returns the current remote media address, nil when unknown.
func (s *RTPStream) Remote() *net.UDPAddr {
	s.remoteMu.RLock()
	defer s.remoteMu.RUnlock()
	return s.remote
}

// Open readies the stream.
func (s *RTPStream) Open() error {
	return s.markOpen()
}

// Close shuts the socket down, unblocking a concurrent ReadFrame.
func (s *RTPStream) Close() error {
	if !s.markClosed() {
		return nil
	}
	err := s.conn.Close()
	slog.Debug("[RTPStream] Closed",
		"stream_id", s.id,
		"packets_in", s.packetsIn.Load(),
		"packets_out", s.packetsOut.Load())
	return err
}

// ReadFrame blocks for the next RTP packet and unwraps it.
func (s *RTPStream) ReadFrame() (Frame, error) {
	if !s.IsSource() {
		return Frame{}, ErrWrongDirection
	}
	if !s.IsOpen() {
		return Frame{}, ErrNotOpen
	}

	buf := make([]byte, maxRTPPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			// socket closed under us
			return Frame{}, ErrClosed
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			slog.Debug("[RTPStream] Dropping malformed packet", "stream_id", s.id, "error", err)
			continue
		}

		if s.Remote() == nil {
			s.SetRemote(addr)
		}

		s.packetsIn.Add(1)
		s.bytesIn.Add(uint64(n))
		s.tracker.Update(pkt.SequenceNumber)

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)
		return Frame{
			PayloadType: pkt.PayloadType,
			Timestamp:   pkt.Timestamp,
			Marker:      pkt.Marker,
			Payload:     payload,
		}, nil
	}
}

// WriteFrame wraps the frame into an RTP packet on this stream's own
// SSRC/sequence/timestamp line and sends it to the remote address.
func (s *RTPStream) WriteFrame(f Frame) error {
	if s.IsSource() {
		return ErrWrongDirection
	}
	if !s.IsOpen() {
		return ErrNotOpen
	}
	remote := s.Remote()
	if remote == nil {
		// remote not learned yet, frame has nowhere to go
		return nil
	}

	s.seq++
	s.ts += s.tsStep
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         f.Marker,
			PayloadType:    f.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: f.Payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	if _, err := s.conn.WriteToUDP(data, remote); err != nil {
		return fmt.Errorf("failed to send RTP packet: %w", err)
	}
	s.packetsOut.Add(1)
	s.bytesOut.Add(uint64(len(data)))
	return nil
}

// Stats returns packet and byte counters for both directions.
func (s *RTPStream) Stats() (packetsIn, packetsOut, bytesIn, bytesOut uint64) {
	return s.packetsIn.Load(), s.packetsOut.Load(), s.bytesIn.Load(), s.bytesOut.Load()
}
