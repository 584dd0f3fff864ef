// Package sip provides the SIP endpoint: inbound INVITEs become call
// legs, outbound legs send INVITEs, and SDP offers/answers map to the
// format lists the call core negotiates with. Media rides RTP streams
// on ports from a shared pool.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/tandem/internal/call"
	"github.com/sebas/tandem/internal/media/format"
	"github.com/sebas/tandem/internal/media/portpool"
)

// Config holds SIP endpoint settings.
type Config struct {
	// BindAddr is the local address for SIP and RTP sockets.
	BindAddr string
	// Port is the SIP listening port.
	Port int
	// AdvertiseAddr is the address put into SIP/SDP, defaulting to
	// BindAddr.
	AdvertiseAddr string
	// RTPPortMin and RTPPortMax bound the media port pool.
	RTPPortMin int
	RTPPortMax int
	// Formats are the codecs offered, most preferred first.
	Formats format.List
	// RouteIncoming maps an inbound INVITE to the party address of the
	// destination leg. Defaulting to "local:<to-user>".
	RouteIncoming func(fromUser, toUser string) string
}

// Endpoint answers and originates SIP call legs.
type Endpoint struct {
	manager *call.Manager
	cfg     Config

	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	ports  *portpool.Pool

	mu       sync.Mutex
	byCallID map[string]*Connection
}

// NewEndpoint creates the SIP endpoint and registers its request
// handlers. Serve must be called to start listening.
func NewEndpoint(manager *call.Manager, cfg Config) (*Endpoint, error) {
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.BindAddr
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = format.NewList(format.PCMU, format.PCMA, format.TelephoneEvent)
	}
	if cfg.RouteIncoming == nil {
		cfg.RouteIncoming = func(fromUser, toUser string) string {
			return "local:" + toUser
		}
	}
	if cfg.RTPPortMin == 0 {
		cfg.RTPPortMin = 10000
	}
	if cfg.RTPPortMax == 0 {
		cfg.RTPPortMax = 20000
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	e := &Endpoint{
		manager:  manager,
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		ports:    portpool.New(cfg.RTPPortMin, cfg.RTPPortMax),
		byCallID: make(map[string]*Connection),
	}

	srv.OnRequest(sip.INVITE, e.handleInvite)
	srv.OnRequest(sip.ACK, e.handleAck)
	srv.OnRequest(sip.BYE, e.handleBye)
	srv.OnRequest(sip.CANCEL, e.handleCancel)
	return e, nil
}

// Prefix returns "sip".
func (e *Endpoint) Prefix() string { return "sip" }

// Serve listens for SIP traffic until the context is cancelled.
func (e *Endpoint) Serve(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", e.cfg.BindAddr, e.cfg.Port)
	slog.Info("[SIPEndpoint] Listening", "address", listenAddr)
	return e.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// Close shuts the endpoint down.
func (e *Endpoint) Close() error {
	return e.ua.Close()
}

// MakeConnection builds an outbound SIP leg for a "sip:user@host"
// party address.
func (e *Endpoint) MakeConnection(c *call.Call, party string, userData any) (call.Connection, error) {
	var target sip.Uri
	if err := sip.ParseUri(party, &target); err != nil {
		return nil, fmt.Errorf("invalid SIP party %q: %w", party, err)
	}

	rtpPort, _, err := e.ports.Allocate()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate media port: %w", err)
	}

	conn := newOutboundConnection(e, c, target, rtpPort)
	e.track(conn)
	return conn, nil
}

func (e *Endpoint) track(conn *Connection) {
	e.mu.Lock()
	e.byCallID[conn.callID] = conn
	e.mu.Unlock()
}

func (e *Endpoint) forget(conn *Connection) {
	e.mu.Lock()
	delete(e.byCallID, conn.callID)
	e.mu.Unlock()
	e.ports.Release(conn.rtpPort)
}

func (e *Endpoint) lookup(callID string) *Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byCallID[callID]
}

// handleInvite turns an inbound INVITE into a new call with a SIP leg
// for the caller and a routed leg for the destination.
func (e *Endpoint) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	if callID == "" {
		respond(req, tx, sip.StatusBadRequest, "Missing Call-ID")
		return
	}
	if e.lookup(callID) != nil {
		// re-INVITE handling is out of scope; refuse politely
		respond(req, tx, sip.StatusCode(501), "Re-INVITE not supported")
		return
	}

	if req.Body() == nil {
		respond(req, tx, sip.StatusNotAcceptableHere, "SDP offer required")
		return
	}
	remote, err := ParseSDP(req.Body())
	if err != nil || len(remote.Formats) == 0 {
		slog.Warn("[SIPEndpoint] Unusable SDP offer", "call_id", callID, "error", err)
		respond(req, tx, sip.StatusNotAcceptableHere, "No usable media")
		return
	}

	rtpPort, _, err := e.ports.Allocate()
	if err != nil {
		slog.Error("[SIPEndpoint] Media port pool exhausted", "call_id", callID)
		respond(req, tx, sip.StatusCode(503), "No media ports")
		return
	}

	respond(req, tx, sip.StatusTrying, "Trying")

	fromUser, toUser := "", ""
	if from := req.From(); from != nil {
		fromUser = from.Address.User
	}
	if to := req.To(); to != nil {
		toUser = to.Address.User
	}

	c := e.manager.CreateCall()
	destParty := e.cfg.RouteIncoming(fromUser, toUser)
	c.SetPartyB(destParty)

	conn := newInboundConnection(e, c, req, tx, remote, rtpPort)
	e.track(conn)
	c.AddConnection(conn)

	slog.Info("[SIPEndpoint] Incoming call",
		"call_id", callID,
		"call_token", c.Token(),
		"from", fromUser,
		"to", toUser,
		"route", destParty)

	if !conn.OnSetUp() {
		return
	}

	// Route the destination leg now so it can ring and answer before we
	// send our final response.
	destConn, err := e.manager.MakeConnection(c, destParty, nil)
	if err != nil {
		slog.Warn("[SIPEndpoint] Routing failed",
			"call_id", callID,
			"route", destParty,
			"error", err)
		conn.Release(call.EndReasonNoEndpoint)
		return
	}
	if err := destConn.SetUpConnection(); err != nil {
		slog.Warn("[SIPEndpoint] Destination setup failed",
			"call_id", callID,
			"error", err)
		destConn.Release(call.EndReasonConnectFail)
	}
}

func (e *Endpoint) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	if conn := e.lookup(requestCallID(req)); conn != nil {
		conn.onAck()
	}
}

func (e *Endpoint) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	conn := e.lookup(requestCallID(req))
	respond(req, tx, sip.StatusOK, "OK")
	if conn != nil {
		conn.onRemoteBye()
	}
}

func (e *Endpoint) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	conn := e.lookup(requestCallID(req))
	respond(req, tx, sip.StatusOK, "OK")
	if conn != nil {
		conn.onRemoteCancel()
	}
}

func requestCallID(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}

func respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[SIPEndpoint] Response failed", "status", int(code), "error", err)
	}
}
