package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/tandem/internal/call"
	"github.com/sebas/tandem/internal/media"
	"github.com/sebas/tandem/internal/media/format"
)

// inviteTimeout bounds how long an outbound INVITE may ring.
const inviteTimeout = 60 * time.Second

// Connection is a SIP call leg. Inbound legs answer an INVITE
// transaction; outbound legs drive one. Media is RTP on a port pair
// from the endpoint's pool.
type Connection struct {
	*call.BaseConnection

	endpoint *Endpoint
	callID   string
	localTag string
	rtpPort  int
	inbound  bool

	// inbound transaction state
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction

	// outbound state
	target sip.Uri
	invite *sip.Request

	dlgMu         sync.Mutex
	remoteMedia   *RemoteMedia
	remoteTag     string
	remoteContact *sip.Uri
	byeDest       string
	answered      bool
	remoteEnded   bool
	ringingSent   bool
}

func newInboundConnection(e *Endpoint, c *call.Call, req *sip.Request, tx sip.ServerTransaction, remote *RemoteMedia, rtpPort int) *Connection {
	conn := &Connection{
		endpoint:    e,
		callID:      requestCallID(req),
		localTag:    uuid.New().String()[:8],
		rtpPort:     rtpPort,
		inbound:     true,
		inviteReq:   req,
		inviteTx:    tx,
		remoteMedia: remote,
		byeDest:     req.Source(),
	}
	conn.BaseConnection = call.NewBaseConnection(conn, c, call.KindSIP, localUserOf(req))
	if from := req.From(); from != nil {
		conn.SetRemoteParty(from.DisplayName, from.Address.String())
		if tag, ok := from.Params.Get("tag"); ok {
			conn.remoteTag = tag
		}
	}
	if contact := req.Contact(); contact != nil {
		addr := contact.Address
		conn.remoteContact = &addr
	}
	conn.SetLocalMediaFormats(e.cfg.Formats)
	conn.SetRemoteMediaFormats(remote.Formats)
	conn.SetPayloadMap(remote.PayloadMap)
	return conn
}

func newOutboundConnection(e *Endpoint, c *call.Call, target sip.Uri, rtpPort int) *Connection {
	conn := &Connection{
		endpoint: e,
		callID:   uuid.New().String(),
		localTag: uuid.New().String()[:8],
		rtpPort:  rtpPort,
		target:   target,
	}
	conn.BaseConnection = call.NewBaseConnection(conn, c, call.KindSIP, "tandem")
	conn.SetRemoteParty(target.User, target.String())
	conn.SetLocalMediaFormats(e.cfg.Formats)
	return conn
}

func localUserOf(req *sip.Request) string {
	if to := req.To(); to != nil {
		return to.Address.User
	}
	return "tandem"
}

// SetUpConnection sends the INVITE for an outbound leg; inbound legs
// were set up by the INVITE that created them.
func (c *Connection) SetUpConnection() error {
	if c.inbound || c.Phase() > call.PhaseSetUp {
		return nil
	}

	offer, err := BuildSDP(c.endpoint.cfg.AdvertiseAddr, c.rtpPort, c.LocalMediaFormats())
	if err != nil {
		return fmt.Errorf("failed to build SDP offer: %w", err)
	}
	invite := c.buildInvite(offer)
	c.invite = invite

	ctx, cancel := context.WithTimeout(context.Background(), inviteTimeout)
	tx, err := c.endpoint.client.TransactionRequest(ctx, invite)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to send INVITE: %w", err)
	}

	slog.Info("[SIPEndpoint] INVITE sent",
		"call_id", c.callID,
		"target", c.target.String())
	go c.inviteResponseLoop(ctx, cancel, tx)
	return nil
}

func (c *Connection) buildInvite(sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, c.target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", c.localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "tandem",
			Host:   c.endpoint.cfg.AdvertiseAddr,
			Port:   c.endpoint.cfg.Port,
		},
		Params: fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{Address: c.target, Params: sip.NewParams()})

	callIDHdr := sip.CallIDHeader(c.callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			Scheme: "sip",
			User:   "tandem",
			Host:   c.endpoint.cfg.AdvertiseAddr,
			Port:   c.endpoint.cfg.Port,
		},
	})
	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)
	return invite
}

// inviteResponseLoop follows the INVITE transaction to its final
// response, raising call events as the dialog progresses.
func (c *Connection) inviteResponseLoop(ctx context.Context, cancel context.CancelFunc, tx sip.ClientTransaction) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			c.Release(call.EndReasonNoAnswer)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				c.Release(call.EndReasonTransportFail)
				return
			}
			status := int(resp.StatusCode)
			switch {
			case status < 180:
				// 100 Trying

			case status < 200:
				slog.Info("[SIPEndpoint] Ringing", "call_id", c.callID, "status", status)
				if status == 183 && resp.Body() != nil {
					c.applyAnswer(resp)
				}
				c.OnAlerting()

			case status < 300:
				c.handleAnswer(resp)
				return

			default:
				slog.Info("[SIPEndpoint] Call rejected",
					"call_id", c.callID,
					"status", status,
					"reason", resp.Reason)
				c.Release(reasonFromStatus(status))
				return
			}

		case <-tx.Done():
			if !c.IsReleasing() && c.Phase() < call.PhaseConnected {
				c.Release(call.EndReasonTransportFail)
			}
			return
		}
	}
}

// handleAnswer processes a 2xx: learn the remote media endpoint from
// the SDP answer, ACK, and raise the connected/established events.
func (c *Connection) handleAnswer(resp *sip.Response) {
	if resp.Body() != nil {
		c.applyAnswer(resp)
	}

	c.dlgMu.Lock()
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			c.remoteTag = tag
		}
	}
	if contact := resp.Contact(); contact != nil {
		addr := contact.Address
		c.remoteContact = &addr
	}
	c.byeDest = resp.Source()
	c.answered = true
	c.dlgMu.Unlock()

	if err := c.sendAck(resp); err != nil {
		slog.Warn("[SIPEndpoint] ACK failed", "call_id", c.callID, "error", err)
	}

	slog.Info("[SIPEndpoint] Call answered", "call_id", c.callID)
	c.OnConnected()
	if err := c.InternalEstablish(); err == nil {
		c.Call().OnEstablished(c)
	}
}

// applyAnswer records the peer's media description from an SDP body.
func (c *Connection) applyAnswer(resp *sip.Response) {
	remote, err := ParseSDP(resp.Body())
	if err != nil || len(remote.Formats) == 0 {
		slog.Warn("[SIPEndpoint] Unusable SDP answer", "call_id", c.callID, "error", err)
		return
	}
	c.dlgMu.Lock()
	c.remoteMedia = remote
	c.dlgMu.Unlock()
	c.SetRemoteMediaFormats(remote.Formats)
	c.SetPayloadMap(remote.PayloadMap)
}

// sendAck acknowledges a 2xx directly through the transport, outside
// the INVITE transaction.
func (c *Connection) sendAck(resp *sip.Response) error {
	requestURI := c.invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", c.invite, ack)
	sip.CopyHeaders("Call-ID", c.invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := c.invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if dest := resp.Source(); dest != "" {
		ack.SetDestination(dest)
	}
	return c.endpoint.client.WriteRequest(ack)
}

// SetAlerting relays ringing to an inbound caller as 180.
func (c *Connection) SetAlerting(withMedia bool) error {
	if c.inbound {
		c.dlgMu.Lock()
		send := !c.answered && !c.ringingSent
		c.ringingSent = true
		c.dlgMu.Unlock()
		if send {
			res := sip.NewResponseFromRequest(c.inviteReq, sip.StatusRinging, "Ringing", nil)
			c.addToTag(res)
			if err := c.inviteTx.Respond(res); err != nil {
				return fmt.Errorf("failed to send 180: %w", err)
			}
		}
	}
	return c.BaseConnection.SetAlerting(withMedia)
}

// SetConnected answers an inbound INVITE with 200 and an SDP answer
// carrying the formats shared with the caller.
func (c *Connection) SetConnected() error {
	if c.inbound {
		c.dlgMu.Lock()
		alreadyAnswered := c.answered
		c.answered = true
		c.dlgMu.Unlock()
		if !alreadyAnswered {
			shared := c.LocalMediaFormats().Intersect(c.MediaFormats())
			if len(shared) == 0 {
				c.Release(call.EndReasonCapabilityExchange)
				return fmt.Errorf("no shared formats with caller")
			}
			answer, err := BuildSDP(c.endpoint.cfg.AdvertiseAddr, c.rtpPort, shared)
			if err != nil {
				return fmt.Errorf("failed to build SDP answer: %w", err)
			}
			res := sip.NewResponseFromRequest(c.inviteReq, sip.StatusOK, "OK", answer)
			c.addToTag(res)
			contentType := sip.ContentTypeHeader("application/sdp")
			res.AppendHeader(&contentType)
			res.AppendHeader(&sip.ContactHeader{
				Address: sip.Uri{
					Scheme: "sip",
					User:   "tandem",
					Host:   c.endpoint.cfg.AdvertiseAddr,
					Port:   c.endpoint.cfg.Port,
				},
			})
			if err := c.inviteTx.Respond(res); err != nil {
				return fmt.Errorf("failed to send 200: %w", err)
			}
			slog.Info("[SIPEndpoint] Answered", "call_id", c.callID, "formats", shared.String())
		}
	}
	return c.BaseConnection.SetConnected()
}

// addToTag stamps our dialog tag onto the To header of a response.
func (c *Connection) addToTag(res *sip.Response) {
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", c.localTag)
		}
	}
}

// onAck completes inbound establishment once the caller acknowledges
// our 200.
func (c *Connection) onAck() {
	if !c.inbound || c.Phase() >= call.PhaseEstablished {
		return
	}
	if err := c.InternalEstablish(); err == nil {
		c.Call().OnEstablished(c)
	}
}

// onRemoteBye handles the remote party hanging up.
func (c *Connection) onRemoteBye() {
	c.dlgMu.Lock()
	c.remoteEnded = true
	c.dlgMu.Unlock()
	c.Release(call.EndReasonRemoteUser)
}

// onRemoteCancel handles the caller abandoning a ringing INVITE.
func (c *Connection) onRemoteCancel() {
	c.dlgMu.Lock()
	c.remoteEnded = true
	c.dlgMu.Unlock()
	if c.inbound && !c.answeredLocked() {
		res := sip.NewResponseFromRequest(c.inviteReq, sip.StatusCode(487), "Request Terminated", nil)
		_ = c.inviteTx.Respond(res)
	}
	c.Release(call.EndReasonCallerAbort)
}

func (c *Connection) answeredLocked() bool {
	c.dlgMu.Lock()
	defer c.dlgMu.Unlock()
	return c.answered
}

// OnReleased says goodbye on the wire before the common teardown: BYE
// for answered dialogs we are ending, a failure response for inbound
// INVITEs never answered.
func (c *Connection) OnReleased() {
	c.dlgMu.Lock()
	answered := c.answered
	remoteEnded := c.remoteEnded
	c.dlgMu.Unlock()

	switch {
	case answered && !remoteEnded:
		if err := c.sendBye(); err != nil {
			slog.Warn("[SIPEndpoint] BYE failed", "call_id", c.callID, "error", err)
		}
	case c.inbound && !answered && !remoteEnded:
		status := sip.StatusTemporarilyUnavailable
		if c.EndReason() == call.EndReasonRefusal {
			status = sip.StatusBusyHere
		}
		res := sip.NewResponseFromRequest(c.inviteReq, status, "Unavailable", nil)
		c.addToTag(res)
		_ = c.inviteTx.Respond(res)
	}

	c.BaseConnection.OnReleased()
	c.endpoint.forget(c)
}

// sendBye terminates the dialog from our side.
func (c *Connection) sendBye() error {
	c.dlgMu.Lock()
	requestURI, fromURI, toURI, fromTag, toTag, dest := c.dialogStateForBye()
	c.dlgMu.Unlock()

	bye := sip.NewRequest(sip.BYE, requestURI)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", fromTag)
	bye.AppendHeader(&sip.FromHeader{Address: fromURI, Params: fromParams})

	toParams := sip.NewParams()
	if toTag != "" {
		toParams.Add("tag", toTag)
	}
	bye.AppendHeader(&sip.ToHeader{Address: toURI, Params: toParams})

	callIDHdr := sip.CallIDHeader(c.callID)
	bye.AppendHeader(&callIDHdr)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})
	if dest != "" {
		bye.SetDestination(dest)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := c.endpoint.client.TransactionRequest(ctx, bye)
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	slog.Info("[SIPEndpoint] BYE sent", "call_id", c.callID)
	return nil
}

// dialogStateForBye assembles the BYE addressing for either dialog
// direction. Caller holds dlgMu.
func (c *Connection) dialogStateForBye() (requestURI, fromURI, toURI sip.Uri, fromTag, toTag, dest string) {
	if c.inbound {
		fromURI = c.inviteReq.To().Address
		toURI = c.inviteReq.From().Address
		fromTag = c.localTag
		toTag = c.remoteTag
		requestURI = toURI
		if c.remoteContact != nil {
			requestURI = *c.remoteContact
		}
		dest = c.byeDest
		return
	}
	fromURI = c.invite.From().Address
	toURI = c.invite.To().Address
	fromTag = c.localTag
	toTag = c.remoteTag
	requestURI = c.target
	if c.remoteContact != nil {
		requestURI = *c.remoteContact
	}
	dest = c.byeDest
	if dest == "" {
		port := requestURI.Port
		if port == 0 {
			port = 5060
		}
		dest = fmt.Sprintf("%s:%d", requestURI.Host, port)
	}
	return
}

// CreateMediaStream builds RTP streams: the source receives on this
// leg's pooled port, sinks send from an ephemeral port to the remote
// endpoint learned from SDP.
func (c *Connection) CreateMediaStream(f format.Format, sessionID int, isSource bool) (media.Stream, error) {
	if f.Kind != format.KindAudio {
		return nil, fmt.Errorf("SIP leg %s carries audio only", c.Token())
	}
	localIP := net.ParseIP(c.endpoint.cfg.BindAddr)

	if isSource {
		return media.NewRTPStream(f, sessionID, media.DirectionSource, localIP, c.rtpPort, nil)
	}

	c.dlgMu.Lock()
	rm := c.remoteMedia
	c.dlgMu.Unlock()
	if rm == nil || rm.Address == "" || rm.Port == 0 {
		return nil, fmt.Errorf("remote media endpoint not known yet for %s", c.Token())
	}
	remote := &net.UDPAddr{IP: net.ParseIP(rm.Address), Port: rm.Port}
	return media.NewRTPStream(f, sessionID, media.DirectionSink, localIP, 0, remote)
}

// reasonFromStatus maps a SIP failure status to an end reason.
func reasonFromStatus(status int) call.EndReason {
	switch status {
	case 486, 600:
		return call.EndReasonRemoteBusy
	case 404, 604:
		return call.EndReasonNoUser
	case 408:
		return call.EndReasonNoAnswer
	case 403, 603:
		return call.EndReasonRefusal
	case 503:
		return call.EndReasonTemporaryFailure
	default:
		return call.EndReasonConnectFail
	}
}
