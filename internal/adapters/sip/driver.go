// Package sip implements the SIP-leg driver over gosip. The gateway core
// only sees abstract place/accept/hang-up operations and leg events; dialog
// bookkeeping lives here.
package sip

import (
	"context"
	"fmt"
	"sync"

	gosip "github.com/ghettovoice/gosip"
	"github.com/ghettovoice/gosip/sip"
	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/ghettovoice/gosip/util"
	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/core"
	"github.com/telespan/sipmuc/internal/domain"
)

// RoomHeader carries the conference room name on inbound INVITEs.
const RoomHeader = "JvbRoomName"

// IncomingCall is one ringing inbound leg plus its routing metadata.
type IncomingCall struct {
	Leg  core.SIPLeg
	Room domain.RoomName
}

// Driver wraps a gosip server into the core SIPDriver interface and
// surfaces inbound INVITEs on Incoming().
type Driver struct {
	srv      gosip.Server
	mu       sync.Mutex
	calls    map[string]*leg
	incoming chan IncomingCall
}

func NewDriver(srv gosip.Server) (*Driver, error) {
	d := &Driver{
		srv:      srv,
		calls:    make(map[string]*leg),
		incoming: make(chan IncomingCall, 8),
	}
	if err := srv.OnRequest(sip.INVITE, d.handleInvite); err != nil {
		return nil, err
	}
	if err := srv.OnRequest(sip.ACK, d.handleAck); err != nil {
		return nil, err
	}
	if err := srv.OnRequest(sip.BYE, d.handleBye); err != nil {
		return nil, err
	}
	return d, nil
}

// Incoming delivers ringing inbound calls for the gateway to bridge.
func (d *Driver) Incoming() <-chan IncomingCall { return d.incoming }

// PlaceCall sends an INVITE and returns the leg immediately; connection
// progress arrives as leg events.
func (d *Driver) PlaceCall(ctx context.Context, from, to string, headers map[string]string) (core.SIPLeg, error) {
	toURI, err := parser.ParseUri(to)
	if err != nil {
		return nil, fmt.Errorf("parse to uri: %w", err)
	}
	if from == "" {
		from = "gateway"
	}
	fromURI, err := parser.ParseUri(fmt.Sprintf("sip:%s@%s", from, toURI.Host()))
	if err != nil {
		return nil, fmt.Errorf("parse from uri: %w", err)
	}

	tag := util.RandString(8)
	fromAddr := &sip.Address{Uri: fromURI, Params: sip.NewParams().Add("tag", sip.String{Str: tag})}
	toAddr := &sip.Address{Uri: toURI}
	contactAddr := &sip.Address{Uri: fromURI.Clone()}

	rb := sip.NewRequestBuilder().
		SetMethod(sip.INVITE).
		SetRecipient(toURI).
		SetFrom(fromAddr).
		SetTo(toAddr).
		SetContact(contactAddr)

	for k, v := range headers {
		rb.AddHeader(&sip.GenericHeader{HeaderName: k, Contents: v})
	}

	req, err := rb.Build()
	if err != nil {
		return nil, fmt.Errorf("build invite: %w", err)
	}

	callID := ""
	if cid, ok := req.CallID(); ok {
		callID = cid.String()
	}

	tx, err := d.srv.Request(req)
	if err != nil {
		return nil, fmt.Errorf("send invite: %w", err)
	}

	l := &leg{
		driver:     d,
		callID:     callID,
		localAddr:  fromAddr,
		remoteAddr: toAddr,
		cseq:       1,
		clientTx:   tx,
		events:     make(chan core.SIPEvent, 8),
	}
	d.track(l)
	go l.watchInvite(ctx, tx)

	log.Info().Str("module", "adapters.sip").Str("call_id", callID).Str("to", to).Msg("outbound invite sent")
	return l, nil
}

func (d *Driver) track(l *leg) {
	d.mu.Lock()
	d.calls[l.callID] = l
	d.mu.Unlock()
}

func (d *Driver) lookup(callID string) (*leg, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.calls[callID]
	return l, ok
}

func (d *Driver) untrack(callID string) {
	d.mu.Lock()
	delete(d.calls, callID)
	d.mu.Unlock()
}

func (d *Driver) handleInvite(req sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid, ok := req.CallID(); ok {
		callID = cid.String()
	}
	fromHdr, _ := req.From()
	toHdr, _ := req.To()

	l := &leg{
		driver:     d,
		callID:     callID,
		localAddr:  sip.NewAddressFromToHeader(toHdr),
		remoteAddr: sip.NewAddressFromFromHeader(fromHdr),
		cseq:       1,
		serverTx:   tx,
		inviteReq:  req,
		events:     make(chan core.SIPEvent, 8),
	}
	if fromHdr != nil && fromHdr.Params != nil {
		if tag, ok := fromHdr.Params.Get("tag"); ok {
			l.remoteAddr.Params = l.remoteAddr.Params.Add("tag", tag)
		}
	}
	d.track(l)

	d.srv.RespondOnRequest(req, sip.StatusCode(100), "Trying", "", nil)

	room := domain.RoomName(headerValue(req, RoomHeader))
	log.Info().Str("module", "adapters.sip").Str("call_id", callID).Str("room", string(room)).Msg("inbound invite")

	select {
	case d.incoming <- IncomingCall{Leg: l, Room: room}:
	default:
		log.Warn().Str("module", "adapters.sip").Str("call_id", callID).Msg("incoming queue full, rejecting")
		d.srv.RespondOnRequest(req, sip.StatusCode(486), "Busy Here", "", nil)
		l.finish(core.SIPEvent{Kind: core.SIPFailed, Reason: "rejected, queue full"})
	}
}

func (d *Driver) handleAck(req sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid, ok := req.CallID(); ok {
		callID = cid.String()
	}
	log.Debug().Str("module", "adapters.sip").Str("call_id", callID).Msg("ack received")
}

func (d *Driver) handleBye(req sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if cid, ok := req.CallID(); ok {
		callID = cid.String()
	}
	d.srv.RespondOnRequest(req, sip.StatusCode(200), "OK", "", nil)

	if l, ok := d.lookup(callID); ok {
		l.finish(core.SIPEvent{Kind: core.SIPEnded, Reason: "remote bye"})
	}
}

func headerValue(req sip.Request, name string) string {
	for _, h := range req.GetHeaders(name) {
		if gh, ok := h.(*sip.GenericHeader); ok {
			return gh.Contents
		}
	}
	return ""
}

// leg is one SIP dialog. Exactly one terminal event is emitted and the
// events channel is closed with it.
type leg struct {
	driver *Driver
	callID string

	mu         sync.Mutex
	localAddr  *sip.Address
	remoteAddr *sip.Address
	cseq       uint
	clientTx   sip.ClientTransaction
	serverTx   sip.ServerTransaction
	inviteReq  sip.Request
	answered   bool
	finished   bool

	events chan core.SIPEvent
}

func (l *leg) Events() <-chan core.SIPEvent { return l.events }

// emit delivers a non-terminal event; a no-op once the leg finished.
func (l *leg) emit(ev core.SIPEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.finished {
		return
	}
	select {
	case l.events <- ev:
	default:
		log.Warn().Str("module", "adapters.sip").Str("call_id", l.callID).Str("kind", ev.Kind.String()).Msg("event dropped")
	}
}

// finish emits a terminal event once, closes the stream and drops the leg
// from the driver's call table. Failed outbound calls end only through
// here, so the table stays bounded.
func (l *leg) finish(ev core.SIPEvent) {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return
	}
	l.finished = true
	select {
	case l.events <- ev:
	default:
	}
	close(l.events)
	l.mu.Unlock()

	l.driver.untrack(l.callID)
}

// watchInvite follows the outbound INVITE transaction until a final
// response arrives.
func (l *leg) watchInvite(ctx context.Context, tx sip.ClientTransaction) {
	for {
		select {
		case <-ctx.Done():
			_ = tx.Cancel()
			return
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if res.IsProvisional() {
				continue
			}
			if code := res.StatusCode(); code >= 200 && code < 300 {
				l.mu.Lock()
				if toHdr, ok := res.To(); ok && toHdr.Params != nil {
					if tag, ok := toHdr.Params.Get("tag"); ok {
						l.remoteAddr.Params = l.remoteAddr.Params.Add("tag", tag)
					}
				}
				l.answered = true
				l.mu.Unlock()
				l.ack()
				l.emit(core.SIPEvent{Kind: core.SIPConnected})
			} else {
				l.finish(core.SIPEvent{Kind: core.SIPFailed, Reason: fmt.Sprintf("%d %s", res.StatusCode(), res.Reason())})
			}
			return
		case err := <-tx.Errors():
			if err != nil {
				l.finish(core.SIPEvent{Kind: core.SIPFailed, Reason: err.Error()})
			}
			return
		case <-tx.Done():
			return
		}
	}
}

func (l *leg) ack() {
	l.mu.Lock()
	cid := sip.CallID(l.callID)
	rb := sip.NewRequestBuilder().
		SetMethod(sip.ACK).
		SetRecipient(l.remoteAddr.Uri).
		SetFrom(l.localAddr).
		SetTo(l.remoteAddr).
		SetCallID(&cid).
		SetSeqNo(l.cseq)
	l.mu.Unlock()

	req, err := rb.Build()
	if err != nil {
		log.Warn().Str("module", "adapters.sip").Str("call_id", l.callID).Err(err).Msg("build ack")
		return
	}
	if err := l.driver.srv.Send(req); err != nil {
		log.Warn().Str("module", "adapters.sip").Str("call_id", l.callID).Err(err).Msg("send ack")
	}
}

// Accept answers a ringing inbound call with 200 OK.
func (l *leg) Accept(ctx context.Context) error {
	l.mu.Lock()
	if l.inviteReq == nil || l.serverTx == nil {
		l.mu.Unlock()
		return fmt.Errorf("call %s: nothing to accept", l.callID)
	}
	res := sip.NewResponseFromRequest("", l.inviteReq, sip.StatusCode(200), "OK", "")
	tag := util.RandString(8)
	if toHdr, ok := res.To(); ok {
		toHdr.Params = toHdr.Params.Add("tag", sip.String{Str: tag})
		l.localAddr.Params = l.localAddr.Params.Add("tag", sip.String{Str: tag})
	}
	l.answered = true
	l.mu.Unlock()

	if _, err := l.driver.srv.Respond(res); err != nil {
		return fmt.Errorf("send 200 OK: %w", err)
	}
	l.emit(core.SIPEvent{Kind: core.SIPConnected})
	return nil
}

// HangUp ends the leg: BYE when answered, 486 for an unanswered inbound
// call, CANCEL for a pending outbound one.
func (l *leg) HangUp(ctx context.Context) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil
	}
	answered := l.answered
	inbound := l.inviteReq != nil
	l.mu.Unlock()

	defer l.finish(core.SIPEvent{Kind: core.SIPEnded, Reason: "local hangup"})

	if !answered {
		if inbound {
			l.driver.srv.RespondOnRequest(l.inviteReq, sip.StatusCode(486), "Busy Here", "", nil)
			return nil
		}
		if l.clientTx != nil {
			return l.clientTx.Cancel()
		}
		return nil
	}

	l.mu.Lock()
	l.cseq++
	cid := sip.CallID(l.callID)
	rb := sip.NewRequestBuilder().
		SetMethod(sip.BYE).
		SetRecipient(l.remoteAddr.Uri).
		SetFrom(l.localAddr).
		SetTo(l.remoteAddr).
		SetContact(l.localAddr).
		SetCallID(&cid).
		SetSeqNo(l.cseq)
	l.mu.Unlock()

	req, err := rb.Build()
	if err != nil {
		return fmt.Errorf("build BYE: %w", err)
	}
	if _, err := l.driver.srv.Request(req); err != nil {
		return fmt.Errorf("send BYE: %w", err)
	}
	return nil
}
