// Package muc implements the room-leg driver against the conference
// signaling service: one websocket per joined room, JSON frames in both
// directions. XMPP/MUC wire mechanics stay behind the service; the gateway
// only sees join/leave operations and room events.
package muc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/core"
	"github.com/telespan/sipmuc/internal/domain"
)

const writeWait = 5 * time.Second

// frame is the wire format of the conference signaling service.
type frame struct {
	Type   string `json:"type"`
	Room   string `json:"room,omitempty"`
	Nick   string `json:"nick,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Driver joins conference rooms over the signaling service at URL.
type Driver struct {
	url    string
	dialer *websocket.Dialer
}

func NewDriver(url string) *Driver {
	return &Driver{url: url, dialer: websocket.DefaultDialer}
}

// Join opens a dedicated connection for the room participation and sends
// the join request. Room events arrive on the returned leg until it ends.
func (d *Driver) Join(ctx context.Context, room domain.RoomName, nickname string) (core.RoomLeg, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial conference service: %w", err)
	}

	l := &leg{
		conn:   conn,
		room:   room,
		events: make(chan core.RoomEvent, 8),
	}
	if err := l.write(frame{Type: "join", Room: string(room), Nick: nickname}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join room %s: %w", room, err)
	}
	go l.readLoop()
	log.Info().Str("module", "adapters.muc").Str("room", string(room)).Str("nick", nickname).Msg("joining room")
	return l, nil
}

type leg struct {
	conn *websocket.Conn
	room domain.RoomName

	writeMu sync.Mutex
	events  chan core.RoomEvent
	once    sync.Once
}

func (l *leg) Events() <-chan core.RoomEvent { return l.events }

// Leave announces departure and closes the connection. Safe to call after
// the leg already ended.
func (l *leg) Leave(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.write(frame{Type: "leave", Room: string(l.room)})
		_ = l.conn.Close()
		log.Info().Str("module", "adapters.muc").Str("room", string(l.room)).Msg("left room")
	})
	return err
}

func (l *leg) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop translates service frames into room-leg events. A read error
// means the participation is over.
func (l *leg) readLoop() {
	defer close(l.events)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.emit(core.RoomEvent{Kind: core.RoomEnded, Reason: "connection closed"})
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Str("module", "adapters.muc").Str("room", string(l.room)).Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case "joined":
			l.emit(core.RoomEvent{Kind: core.RoomJoined})
		case "session-initiate":
			// The focus invites our participant into active media.
			l.emit(core.RoomEvent{Kind: core.RoomFocusInvite})
		case "left", "kicked", "error":
			l.emit(core.RoomEvent{Kind: core.RoomEnded, Reason: f.Reason})
			_ = l.conn.Close()
			return
		default:
			log.Debug().Str("module", "adapters.muc").Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

func (l *leg) emit(ev core.RoomEvent) {
	select {
	case l.events <- ev:
	default:
		log.Warn().Str("module", "adapters.muc").Str("room", string(l.room)).Str("kind", ev.Kind.String()).Msg("event dropped")
	}
}
