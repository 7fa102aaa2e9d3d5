package control

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telespan/sipmuc/internal/app"
	"github.com/telespan/sipmuc/internal/core"
	"github.com/telespan/sipmuc/internal/domain"
)

const testDomain = "call.conference.net"

type stubSIPLeg struct {
	events chan core.SIPEvent
	once   sync.Once
}

func newStubSIPLeg() *stubSIPLeg {
	return &stubSIPLeg{events: make(chan core.SIPEvent, 8)}
}

func (l *stubSIPLeg) Events() <-chan core.SIPEvent { return l.events }

func (l *stubSIPLeg) Accept(ctx context.Context) error {
	l.events <- core.SIPEvent{Kind: core.SIPConnected}
	return nil
}

func (l *stubSIPLeg) HangUp(ctx context.Context) error {
	l.once.Do(func() {
		l.events <- core.SIPEvent{Kind: core.SIPEnded, Reason: "local hangup"}
		close(l.events)
	})
	return nil
}

func (l *stubSIPLeg) connect() {
	l.events <- core.SIPEvent{Kind: core.SIPConnected}
}

type stubSIPDriver struct {
	mu     sync.Mutex
	placed []*stubSIPLeg
}

func (d *stubSIPDriver) PlaceCall(ctx context.Context, from, to string, headers map[string]string) (core.SIPLeg, error) {
	l := newStubSIPLeg()
	d.mu.Lock()
	d.placed = append(d.placed, l)
	d.mu.Unlock()
	return l, nil
}

func (d *stubSIPDriver) lastPlaced() *stubSIPLeg {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.placed) == 0 {
		return nil
	}
	return d.placed[len(d.placed)-1]
}

type stubRoomLeg struct {
	events chan core.RoomEvent
	once   sync.Once
}

func (l *stubRoomLeg) Events() <-chan core.RoomEvent { return l.events }

func (l *stubRoomLeg) Leave(ctx context.Context) error {
	l.once.Do(func() { close(l.events) })
	return nil
}

// stubRoomDriver joins every room and immediately reports so.
type stubRoomDriver struct{}

func (stubRoomDriver) Join(ctx context.Context, room domain.RoomName, nickname string) (core.RoomLeg, error) {
	l := &stubRoomLeg{events: make(chan core.RoomEvent, 8)}
	l.events <- core.RoomEvent{Kind: core.RoomJoined}
	return l, nil
}

func newTestHandler(sip *stubSIPDriver) (*Handler, *app.Gateway) {
	gw := app.NewGateway(app.GatewayParams{
		Domain: testDomain,
		SIP:    sip,
		Rooms:  stubRoomDriver{},
	})
	return NewHandler(gw), gw
}

func TestDialReturnsRef(t *testing.T) {
	sip := &stubSIPDriver{}
	h, gw := newTestHandler(sip)

	ref, err := h.Handle(context.Background(), Dial{
		Source:      "from",
		Destination: "sipAddress",
		Headers:     map[string]string{RoomNameHeader: "room1"},
	})
	require.NoError(t, err)
	require.NotNil(t, ref)

	assert.True(t, strings.HasPrefix(ref.URI, "xmpp:"), "uri %q", ref.URI)
	assert.Contains(t, ref.URI, "@"+testDomain)

	resource, err := domain.ParseResource(ref.URI)
	require.NoError(t, err)
	s, ok := gw.Session(resource)
	require.True(t, ok)
	assert.Equal(t, domain.RoomName("room1"), s.Room())

	// The remote peer accepts; the session becomes fully bridged.
	require.Eventually(t, func() bool { return sip.lastPlaced() != nil },
		time.Second, 2*time.Millisecond)
	sip.lastPlaced().connect()
	require.Eventually(t, func() bool { return s.State() == app.StateInProgress },
		time.Second, 2*time.Millisecond)
}

func TestDialWithoutRoomHeaderIsRejected(t *testing.T) {
	h, gw := newTestHandler(&stubSIPDriver{})

	_, err := h.Handle(context.Background(), Dial{Destination: "sipAddress"})
	require.ErrorIs(t, err, ErrMissingRoomName)
	assert.Equal(t, 0, gw.Count(), "no session may be created")

	_, err = h.Handle(context.Background(), Dial{
		Destination: "sipAddress",
		Headers:     map[string]string{"Other": "x"},
	})
	require.ErrorIs(t, err, ErrMissingRoomName)
	assert.Equal(t, 0, gw.Count())
}

func TestHangUpUnknownResource(t *testing.T) {
	h, _ := newTestHandler(&stubSIPDriver{})

	_, err := h.Handle(context.Background(), HangUp{URI: "xmpp:nobody@" + testDomain})
	require.ErrorIs(t, err, app.ErrSessionNotFound)
}

func TestHangUpEndsSession(t *testing.T) {
	sip := &stubSIPDriver{}
	h, gw := newTestHandler(sip)

	ref, err := h.Handle(context.Background(), Dial{
		Destination: "sipAddress",
		Headers:     map[string]string{RoomNameHeader: "room1"},
	})
	require.NoError(t, err)

	resource, err := domain.ParseResource(ref.URI)
	require.NoError(t, err)
	s, ok := gw.Session(resource)
	require.True(t, ok)

	require.Eventually(t, func() bool { return sip.lastPlaced() != nil },
		time.Second, 2*time.Millisecond)
	sip.lastPlaced().connect()
	require.Eventually(t, func() bool { return s.State() == app.StateInProgress },
		time.Second, 2*time.Millisecond)

	result, err := h.Handle(context.Background(), HangUp{URI: ref.URI})
	require.NoError(t, err)
	assert.Nil(t, result, "hang-up acknowledges with an empty result")

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session never tore down")
	}

	// Same command again: the resource no longer exists.
	_, err = h.Handle(context.Background(), HangUp{URI: ref.URI})
	require.ErrorIs(t, err, app.ErrSessionNotFound)
}

func TestUnrecognizedCommand(t *testing.T) {
	h, _ := newTestHandler(&stubSIPDriver{})

	_, err := h.Handle(context.Background(), Unrecognized{Type: "mute"})
	require.ErrorIs(t, err, ErrBadCommand)
}

func TestHandlerRecoversFromPanic(t *testing.T) {
	h := NewHandler(nil) // guarantees a nil dereference inside handling

	ref, err := h.Handle(context.Background(), Dial{
		Destination: "sipAddress",
		Headers:     map[string]string{RoomNameHeader: "room1"},
	})
	require.ErrorIs(t, err, ErrInternal)
	assert.Nil(t, ref)
}

func TestParse(t *testing.T) {
	cmd, err := Parse([]byte(`{"type":"dial","source":"a","destination":"b","headers":{"JvbRoomName":"r"}}`))
	require.NoError(t, err)
	dial, ok := cmd.(Dial)
	require.True(t, ok)
	assert.Equal(t, "a", dial.Source)
	assert.Equal(t, "b", dial.Destination)
	assert.Equal(t, "r", dial.Headers[RoomNameHeader])

	cmd, err = Parse([]byte(`{"type":"hangup","uri":"xmpp:abc@dom"}`))
	require.NoError(t, err)
	hup, ok := cmd.(HangUp)
	require.True(t, ok)
	assert.Equal(t, "xmpp:abc@dom", hup.URI)

	cmd, err = Parse([]byte(`{"type":"transfer"}`))
	require.NoError(t, err)
	_, ok = cmd.(Unrecognized)
	assert.True(t, ok)

	_, err = Parse([]byte(`{"type":"dial"}`))
	require.ErrorIs(t, err, ErrBadCommand)

	_, err = Parse([]byte(`{"type":"hangup"}`))
	require.ErrorIs(t, err, ErrBadCommand)

	_, err = Parse([]byte(`not json`))
	require.ErrorIs(t, err, ErrBadCommand)
}
