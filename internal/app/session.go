package app

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/core"
	"github.com/telespan/sipmuc/internal/domain"
)

// Session lifecycle states.
const (
	StateInitializing  = "initializing"
	StateAwaitingFocus = "awaiting_focus"
	StateInProgress    = "in_progress"
	StateEnded         = "ended"
)

// fsm event names.
const (
	eventAwaitFocus = "await_focus"
	eventEstablish  = "establish"
	eventEnd        = "end"
)

type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

type sessionEventKind int

const (
	evSIPReady sessionEventKind = iota
	evSIPFail
	evSIPState
	evRoomReady
	evRoomFail
	evRoomState
	evInviteTimeout
	evHangUp
)

// sessionEvent is one message in a session's inbox. Leg drivers and the
// invite monitor only ever post events; all state lives on the loop
// goroutine.
type sessionEvent struct {
	kind   sessionEventKind
	sip    core.SIPLeg
	room   core.RoomLeg
	sipEv  core.SIPEvent
	roomEv core.RoomEvent
	reason string
}

// Session bridges one SIP call into one conference room. It owns both legs
// and guarantees that whichever leg did not initiate the end is instructed
// to end too, exactly once.
type Session struct {
	resource    domain.CallResource
	room        domain.RoomName
	direction   Direction
	source      string
	destination string

	sipDriver     core.SIPDriver
	roomDriver    core.RoomDriver
	monitor       *InviteMonitor
	inviteTimeout time.Duration

	// onEnded runs once, after the session reached its terminal state and
	// both legs were instructed to end.
	onEnded func(s *Session, reason string)

	lifecycle *fsm.FSM
	inbox     chan sessionEvent
	done      chan struct{}
	closeOnce sync.Once

	// Loop-goroutine state. Never touched from outside the apply loop.
	sip       core.SIPLeg
	roomLeg   core.RoomLeg
	sipUp     bool
	roomUp    bool
	sipDone   bool
	roomDone  bool
	hangupReq bool
	byeSent   bool

	log zerolog.Logger
}

type sessionParams struct {
	resource      domain.CallResource
	room          domain.RoomName
	direction     Direction
	source        string
	destination   string
	sipLeg        core.SIPLeg // inbound only, already ringing
	sipDriver     core.SIPDriver
	roomDriver    core.RoomDriver
	monitor       *InviteMonitor
	inviteTimeout time.Duration
	onEnded       func(*Session, string)
}

func newSession(p sessionParams) *Session {
	s := &Session{
		resource:      p.resource,
		room:          p.room,
		direction:     p.direction,
		source:        p.source,
		destination:   p.destination,
		sipDriver:     p.sipDriver,
		roomDriver:    p.roomDriver,
		monitor:       p.monitor,
		inviteTimeout: p.inviteTimeout,
		onEnded:       p.onEnded,
		sip:           p.sipLeg,
		inbox:         make(chan sessionEvent, 16),
		done:          make(chan struct{}),
	}
	s.log = log.With().
		Str("module", "app.session").
		Str("resource", string(p.resource)).
		Str("room", string(p.room)).
		Str("direction", p.direction.String()).
		Logger()
	s.lifecycle = fsm.NewFSM(
		StateInitializing,
		fsm.Events{
			{Name: eventAwaitFocus, Src: []string{StateInitializing}, Dst: StateAwaitingFocus},
			{Name: eventEstablish, Src: []string{StateInitializing, StateAwaitingFocus}, Dst: StateInProgress},
			{Name: eventEnd, Src: []string{StateInitializing, StateAwaitingFocus, StateInProgress}, Dst: StateEnded},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Info().Str("from", e.Src).Str("to", e.Dst).Msg("state change")
			},
		},
	)
	return s
}

func (s *Session) Resource() domain.CallResource { return s.resource }
func (s *Session) Room() domain.RoomName         { return s.room }
func (s *Session) Direction() Direction          { return s.direction }

// State returns the current lifecycle state; safe for concurrent use.
func (s *Session) State() string { return s.lifecycle.Current() }

// Done is closed once the session reached its terminal state and left the
// registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// HangUp requests termination of the SIP leg. The session moves to ended
// only once the leg actually reports so; callers never wait for that.
func (s *Session) HangUp() {
	s.post(sessionEvent{kind: evHangUp})
}

// start kicks off both legs and the apply loop. Outbound sessions join the
// room and place the call in parallel; inbound sessions already hold a
// ringing SIP leg and only join the room.
func (s *Session) start(ctx context.Context) {
	go s.run(ctx)

	if s.direction == Inbound {
		go s.pumpSIP(s.sip)
	} else {
		go s.placeCall(ctx)
	}
	go s.joinRoom(ctx)
}

func (s *Session) placeCall(ctx context.Context) {
	leg, err := s.sipDriver.PlaceCall(ctx, s.source, s.destination, nil)
	if err != nil {
		s.post(sessionEvent{kind: evSIPFail, reason: err.Error()})
		return
	}
	if !s.post(sessionEvent{kind: evSIPReady, sip: leg}) {
		// Session ended while the call was being placed.
		_ = leg.HangUp(context.Background())
	}
}

func (s *Session) joinRoom(ctx context.Context) {
	leg, err := s.roomDriver.Join(ctx, s.room, string(s.resource))
	if err != nil {
		s.post(sessionEvent{kind: evRoomFail, reason: err.Error()})
		return
	}
	if !s.post(sessionEvent{kind: evRoomReady, room: leg}) {
		_ = leg.Leave(context.Background())
	}
}

func (s *Session) pumpSIP(leg core.SIPLeg) {
	for ev := range leg.Events() {
		if !s.post(sessionEvent{kind: evSIPState, sipEv: ev}) {
			return
		}
	}
}

func (s *Session) pumpRoom(leg core.RoomLeg) {
	for ev := range leg.Events() {
		if !s.post(sessionEvent{kind: evRoomState, roomEv: ev}) {
			return
		}
	}
}

// post delivers an event to the apply loop. It reports false once the
// session is terminal, so producers can release anything they hold. An
// event that lands in the inbox while the session goes terminal is still
// reported as undelivered; the drain pass releases it too, and leg
// teardown is idempotent.
func (s *Session) post(ev sessionEvent) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- ev:
		select {
		case <-s.done:
			return false
		default:
			return true
		}
	case <-s.done:
		return false
	}
}

func (s *Session) run(ctx context.Context) {
	defer func() {
		s.closeOnce.Do(func() { close(s.done) })
		s.drain()
	}()
	for {
		select {
		case <-ctx.Done():
			s.terminate(context.Background(), "gateway shutdown")
			return
		case ev := <-s.inbox:
			s.apply(ctx, ev)
			if s.lifecycle.Current() == StateEnded {
				return
			}
		}
	}
}

// drain empties the inbox after the terminal state and releases any legs
// carried by ready events that raced the teardown. Without it a leg handed
// over while the session ends would never be hung up or left.
func (s *Session) drain() {
	for {
		select {
		case ev := <-s.inbox:
			switch ev.kind {
			case evSIPReady:
				if ev.sip != nil {
					go func(l core.SIPLeg) { _ = l.HangUp(context.Background()) }(ev.sip)
				}
			case evRoomReady:
				if ev.room != nil {
					go func(l core.RoomLeg) { _ = l.Leave(context.Background()) }(ev.room)
				}
			}
		default:
			return
		}
	}
}

// apply processes one inbox event against the current state. It runs only
// on the loop goroutine.
func (s *Session) apply(ctx context.Context, ev sessionEvent) {
	switch ev.kind {
	case evSIPReady:
		s.sip = ev.sip
		go s.pumpSIP(ev.sip)
		if s.hangupReq {
			s.hangUpSIP()
		}

	case evSIPFail:
		s.log.Warn().Str("reason", ev.reason).Msg("sip leg setup failed")
		s.terminate(ctx, "sip leg failed: "+ev.reason)

	case evSIPState:
		switch ev.sipEv.Kind {
		case core.SIPConnected:
			s.sipUp = true
			s.maybeEstablish(ctx)
		case core.SIPEnded, core.SIPFailed:
			s.sipDone = true
			s.terminate(ctx, "sip leg "+ev.sipEv.Kind.String())
		}

	case evRoomReady:
		s.roomLeg = ev.room
		go s.pumpRoom(ev.room)

	case evRoomFail:
		s.log.Warn().Str("reason", ev.reason).Msg("room join failed")
		s.terminate(ctx, "room join failed: "+ev.reason)

	case evRoomState:
		s.applyRoomState(ctx, ev.roomEv)

	case evInviteTimeout:
		// Ignore a fire that lost the race against the focus invite.
		if s.lifecycle.Current() != StateAwaitingFocus {
			return
		}
		s.log.Info().Dur("timeout", s.inviteTimeout).Msg("no focus joined the room")
		s.terminate(ctx, "focus invite timeout")

	case evHangUp:
		s.hangupReq = true
		s.hangUpSIP()
	}
}

func (s *Session) applyRoomState(ctx context.Context, ev core.RoomEvent) {
	switch ev.Kind {
	case core.RoomJoined:
		s.roomUp = true
		if s.direction == Inbound {
			if s.lifecycle.Current() == StateInitializing {
				_ = s.lifecycle.Event(ctx, eventAwaitFocus)
				s.monitor.Arm(s.resource, s.inviteTimeout, func() {
					s.post(sessionEvent{kind: evInviteTimeout})
				})
			}
			return
		}
		s.maybeEstablish(ctx)

	case core.RoomFocusInvite:
		if s.direction != Inbound || s.sipUp || s.sipDone {
			return
		}
		s.monitor.Cancel(s.resource)
		leg := s.sip
		go func() {
			if err := leg.Accept(context.Background()); err != nil {
				s.post(sessionEvent{kind: evSIPFail, reason: err.Error()})
			}
		}()

	case core.RoomEnded:
		s.roomDone = true
		s.terminate(ctx, "room leg ended: "+ev.Reason)
	}
}

func (s *Session) maybeEstablish(ctx context.Context) {
	if !s.sipUp || !s.roomUp {
		return
	}
	if cur := s.lifecycle.Current(); cur == StateInProgress || cur == StateEnded {
		return
	}
	_ = s.lifecycle.Event(ctx, eventEstablish)
}

// hangUpSIP instructs the SIP leg to end without touching the lifecycle;
// the terminal transition follows the leg's own ended event.
func (s *Session) hangUpSIP() {
	if s.sip == nil || s.sipDone || s.byeSent {
		return
	}
	s.byeSent = true
	leg := s.sip
	go func() { _ = leg.HangUp(context.Background()) }()
}

// terminate drives the session to its terminal state: the leg that did not
// initiate the end is instructed to end too, the timer is disarmed and the
// session leaves the registry. Safe to reach from racing end events; only
// the first call acts.
func (s *Session) terminate(ctx context.Context, reason string) {
	if s.lifecycle.Current() == StateEnded {
		return
	}
	_ = s.lifecycle.Event(ctx, eventEnd)

	s.monitor.Cancel(s.resource)

	if s.sip != nil && !s.sipDone && !s.byeSent {
		s.byeSent = true
		leg := s.sip
		go func() { _ = leg.HangUp(context.Background()) }()
	}
	if s.roomLeg != nil && !s.roomDone {
		s.roomDone = true
		leg := s.roomLeg
		go func() { _ = leg.Leave(context.Background()) }()
	}

	s.log.Info().Str("reason", reason).Msg("session ended")
	if s.onEnded != nil {
		s.onEnded(s, reason)
	}
}
