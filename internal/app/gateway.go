package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/core"
	"github.com/telespan/sipmuc/internal/domain"
)

// DefaultInviteTimeout bounds the wait for a conference focus on the
// inbound path when no override is configured.
const DefaultInviteTimeout = 30 * time.Second

// ErrNoDefaultRoom rejects inbound calls that name no room when the
// gateway has no default configured.
var ErrNoDefaultRoom = errors.New("no room name and no default room configured")

// EndNotifier observes session termination, e.g. to push an end
// notification over the control link. Never invoked before the session
// left the registry.
type EndNotifier interface {
	CallEnded(resource domain.CallResource, reason string)
}

// Gateway owns the session registry and the two leg drivers, and is the
// single entry point for creating and ending bridged calls.
type Gateway struct {
	domain      string
	defaultRoom domain.RoomName

	sip   core.SIPDriver
	rooms core.RoomDriver

	registry  *Registry
	allocator *Allocator
	monitor   *InviteMonitor

	// invite timeout in nanoseconds; settable at runtime.
	inviteTimeout atomic.Int64

	notifier EndNotifier
}

type GatewayParams struct {
	Domain        string
	DefaultRoom   string
	InviteTimeout time.Duration
	SIP           core.SIPDriver
	Rooms         core.RoomDriver
}

func NewGateway(p GatewayParams) *Gateway {
	g := &Gateway{
		domain:      p.Domain,
		defaultRoom: domain.RoomName(p.DefaultRoom),
		sip:         p.SIP,
		rooms:       p.Rooms,
		registry:    NewRegistry(),
		monitor:     NewInviteMonitor(),
	}
	g.allocator = NewAllocator(g.registry)
	if p.InviteTimeout <= 0 {
		p.InviteTimeout = DefaultInviteTimeout
	}
	g.inviteTimeout.Store(int64(p.InviteTimeout))
	return g
}

func (g *Gateway) Domain() string { return g.domain }

// SetNotifier attaches the end-notification sink. Must be called before
// the first session is created.
func (g *Gateway) SetNotifier(n EndNotifier) { g.notifier = n }

// InviteTimeout returns the currently effective focus-invite timeout.
func (g *Gateway) InviteTimeout() time.Duration {
	return time.Duration(g.inviteTimeout.Load())
}

// SetInviteTimeout overrides the timeout for sessions created afterwards.
func (g *Gateway) SetInviteTimeout(d time.Duration) {
	g.inviteTimeout.Store(int64(d))
}

// ResetInviteTimeout restores the documented default.
func (g *Gateway) ResetInviteTimeout() {
	g.inviteTimeout.Store(int64(DefaultInviteTimeout))
}

// CreateOutgoingCall allocates a resource, registers a session for the
// outgoing path and initiates both legs. It returns as soon as the actions
// are initiated; the outcome is observed through session state.
func (g *Gateway) CreateOutgoingCall(ctx context.Context, source, destination string, room domain.RoomName) (*Session, error) {
	resource, err := g.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	s := newSession(sessionParams{
		resource:      resource,
		room:          room,
		direction:     Outbound,
		source:        source,
		destination:   destination,
		sipDriver:     g.sip,
		roomDriver:    g.rooms,
		monitor:       g.monitor,
		inviteTimeout: g.InviteTimeout(),
		onEnded:       g.sessionEnded,
	})
	if err := g.registry.Allocate(resource, s); err != nil {
		return nil, fmt.Errorf("register outgoing call: %w", err)
	}
	log.Info().Str("module", "app.gateway").
		Str("resource", string(resource)).
		Str("destination", destination).
		Str("room", string(room)).
		Msg("creating outgoing call")
	s.start(ctx)
	return s, nil
}

// OnIncomingCall bridges an already ringing inbound SIP leg into room.
// An empty room falls back to the configured default; with no default the
// call is rejected and no session is registered.
func (g *Gateway) OnIncomingCall(ctx context.Context, call core.SIPLeg, room domain.RoomName) (*Session, error) {
	if room == "" {
		room = g.defaultRoom
	}
	if room == "" {
		go func() { _ = call.HangUp(context.Background()) }()
		return nil, ErrNoDefaultRoom
	}

	resource, err := g.allocator.Allocate()
	if err != nil {
		go func() { _ = call.HangUp(context.Background()) }()
		return nil, err
	}

	s := newSession(sessionParams{
		resource:      resource,
		room:          room,
		direction:     Inbound,
		sipLeg:        call,
		sipDriver:     g.sip,
		roomDriver:    g.rooms,
		monitor:       g.monitor,
		inviteTimeout: g.InviteTimeout(),
		onEnded:       g.sessionEnded,
	})
	if err := g.registry.Allocate(resource, s); err != nil {
		go func() { _ = call.HangUp(context.Background()) }()
		return nil, fmt.Errorf("register incoming call: %w", err)
	}
	log.Info().Str("module", "app.gateway").
		Str("resource", string(resource)).
		Str("room", string(room)).
		Msg("accepting incoming call")
	s.start(ctx)
	return s, nil
}

// HangUp requests termination of the session registered under resource.
// The acknowledgement is immediate; teardown completes asynchronously.
func (g *Gateway) HangUp(resource domain.CallResource) error {
	s, ok := g.registry.Lookup(resource)
	if !ok {
		return fmt.Errorf("hang up %s: %w", resource, ErrSessionNotFound)
	}
	s.HangUp()
	return nil
}

func (g *Gateway) Session(resource domain.CallResource) (*Session, bool) {
	return g.registry.Lookup(resource)
}

func (g *Gateway) ActiveSessions() []*Session { return g.registry.List() }

func (g *Gateway) Count() int { return g.registry.Count() }

func (g *Gateway) sessionEnded(s *Session, reason string) {
	g.registry.Remove(s.resource)
	if g.notifier != nil {
		g.notifier.CallEnded(s.resource, reason)
	}
}

// Shutdown hangs up every active session and waits, bounded by ctx, for
// their teardown to complete.
func (g *Gateway) Shutdown(ctx context.Context) error {
	sessions := g.registry.List()
	for _, s := range sessions {
		s.HangUp()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
