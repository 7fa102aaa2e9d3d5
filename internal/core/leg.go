package core

import (
	"context"

	"github.com/telespan/sipmuc/internal/domain"
)

// SIPEventKind enumerates the states a SIP leg reports asynchronously.
type SIPEventKind int

const (
	SIPConnected SIPEventKind = iota
	SIPEnded
	SIPFailed
)

func (k SIPEventKind) String() string {
	switch k {
	case SIPConnected:
		return "connected"
	case SIPEnded:
		return "ended"
	case SIPFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SIPEvent is a state change on a SIP leg, delivered by its driver.
type SIPEvent struct {
	Kind   SIPEventKind
	Reason string
}

// SIPLeg is one SIP call owned by a gateway session.
// The driver owns the wire; the session only issues abstract operations.
// Events() is closed by the driver once the leg can emit nothing further.
type SIPLeg interface {
	// Accept answers a not-yet-connected inbound call.
	Accept(ctx context.Context) error
	// HangUp ends the leg in whatever way its current state requires
	// (BYE when connected, cancel/reject otherwise). Safe to call on an
	// already ended leg.
	HangUp(ctx context.Context) error
	Events() <-chan SIPEvent
}

// SIPDriver places outbound calls. Inbound calls arrive through whatever
// registration mechanism the concrete driver offers (see adapters/sip).
type SIPDriver interface {
	PlaceCall(ctx context.Context, from, to string, headers map[string]string) (SIPLeg, error)
}

// RoomEventKind enumerates the states a conference-room leg reports.
type RoomEventKind int

const (
	RoomJoined RoomEventKind = iota
	// RoomFocusInvite means the room's conferencing focus initiated a
	// media session towards our participant. It gates SIP-leg acceptance
	// on the inbound path.
	RoomFocusInvite
	RoomEnded
)

func (k RoomEventKind) String() string {
	switch k {
	case RoomJoined:
		return "joined"
	case RoomFocusInvite:
		return "focus-invite"
	case RoomEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// RoomEvent is a state change on a room leg.
type RoomEvent struct {
	Kind   RoomEventKind
	Reason string
}

// RoomLeg is one conference-room participation owned by a gateway session.
type RoomLeg interface {
	// Leave exits the room. Safe to call after the leg already ended.
	Leave(ctx context.Context) error
	Events() <-chan RoomEvent
}

// RoomDriver joins conference rooms on behalf of bridged calls.
type RoomDriver interface {
	Join(ctx context.Context, room domain.RoomName, nickname string) (RoomLeg, error)
}
