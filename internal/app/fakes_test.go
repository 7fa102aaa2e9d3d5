package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/telespan/sipmuc/internal/core"
	"github.com/telespan/sipmuc/internal/domain"
)

// fakeSIPLeg is a scriptable SIP leg. Accept answers the call and reports
// connected; HangUp reports ended, the way a real driver confirms
// teardown through its own event.
type fakeSIPLeg struct {
	events  chan core.SIPEvent
	accepts atomic.Int32
	hangups atomic.Int32

	acceptErr error

	mu    sync.Mutex
	ended bool
}

func newFakeSIPLeg() *fakeSIPLeg {
	return &fakeSIPLeg{events: make(chan core.SIPEvent, 8)}
}

func (l *fakeSIPLeg) Events() <-chan core.SIPEvent { return l.events }

func (l *fakeSIPLeg) Accept(ctx context.Context) error {
	l.accepts.Add(1)
	if l.acceptErr != nil {
		return l.acceptErr
	}
	l.connect()
	return nil
}

func (l *fakeSIPLeg) HangUp(ctx context.Context) error {
	l.hangups.Add(1)
	l.end("local hangup")
	return nil
}

func (l *fakeSIPLeg) connect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.events <- core.SIPEvent{Kind: core.SIPConnected}
}

func (l *fakeSIPLeg) end(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.events <- core.SIPEvent{Kind: core.SIPEnded, Reason: reason}
	close(l.events)
}

func (l *fakeSIPLeg) fail(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.events <- core.SIPEvent{Kind: core.SIPFailed, Reason: reason}
	close(l.events)
}

type fakeSIPDriver struct {
	mu       sync.Mutex
	placed   []*fakeSIPLeg
	placeErr error
}

func (d *fakeSIPDriver) PlaceCall(ctx context.Context, from, to string, headers map[string]string) (core.SIPLeg, error) {
	if d.placeErr != nil {
		return nil, d.placeErr
	}
	l := newFakeSIPLeg()
	d.mu.Lock()
	d.placed = append(d.placed, l)
	d.mu.Unlock()
	return l, nil
}

func (d *fakeSIPDriver) lastPlaced() *fakeSIPLeg {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.placed) == 0 {
		return nil
	}
	return d.placed[len(d.placed)-1]
}

// fakeRoomLeg mirrors the conference side of a bridged call.
type fakeRoomLeg struct {
	events chan core.RoomEvent
	leaves atomic.Int32

	mu    sync.Mutex
	ended bool
}

func newFakeRoomLeg() *fakeRoomLeg {
	return &fakeRoomLeg{events: make(chan core.RoomEvent, 8)}
}

func (l *fakeRoomLeg) Events() <-chan core.RoomEvent { return l.events }

func (l *fakeRoomLeg) Leave(ctx context.Context) error {
	l.leaves.Add(1)
	l.end("left")
	return nil
}

func (l *fakeRoomLeg) joined() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.events <- core.RoomEvent{Kind: core.RoomJoined}
}

func (l *fakeRoomLeg) focusInvite() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.events <- core.RoomEvent{Kind: core.RoomFocusInvite}
}

func (l *fakeRoomLeg) end(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return
	}
	l.ended = true
	l.events <- core.RoomEvent{Kind: core.RoomEnded, Reason: reason}
	close(l.events)
}

func (l *fakeRoomLeg) left() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ended
}

// fakeRoomDriver stands in for the conference service. With focus enabled
// it behaves like a room whose focus invites every joiner; without it the
// participant sits in the room unattended.
type fakeRoomDriver struct {
	focus            bool
	leaveAfterInvite bool
	joinErr          error

	mu     sync.Mutex
	joined []*fakeRoomLeg
}

func (d *fakeRoomDriver) Join(ctx context.Context, room domain.RoomName, nickname string) (core.RoomLeg, error) {
	if d.joinErr != nil {
		return nil, d.joinErr
	}
	l := newFakeRoomLeg()
	d.mu.Lock()
	d.joined = append(d.joined, l)
	d.mu.Unlock()

	l.joined()
	if d.focus {
		l.focusInvite()
		if d.leaveAfterInvite {
			l.end("focus left")
		}
	}
	return l, nil
}

func (d *fakeRoomDriver) lastJoined() *fakeRoomLeg {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.joined) == 0 {
		return nil
	}
	return d.joined[len(d.joined)-1]
}

// gatedSIPDriver holds the placed leg back until release is closed, so a
// test can hand the leg over at a chosen point in the session lifecycle.
type gatedSIPDriver struct {
	release chan struct{}
	leg     *fakeSIPLeg
}

func (d *gatedSIPDriver) PlaceCall(ctx context.Context, from, to string, headers map[string]string) (core.SIPLeg, error) {
	<-d.release
	return d.leg, nil
}

var errDriverDown = errors.New("driver down")
