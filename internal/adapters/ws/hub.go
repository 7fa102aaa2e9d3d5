// Package ws carries the control protocol over a persistent websocket
// link: commands in, results and asynchronous end notifications out.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/control"
	"github.com/telespan/sipmuc/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// resultFrame is one outbound message on the control link.
type resultFrame struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	URI    string `json:"uri,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

// commandFrame wraps a command payload with a correlation id.
type commandFrame struct {
	ID string `json:"id"`
}

type link struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (l *link) trySend(data []byte) error {
	select {
	case l.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.send)
		_ = l.conn.Close()
	})
}

// Hub owns every connected controller link and fans end notifications out
// to all of them. It implements app.EndNotifier.
type Hub struct {
	handler *control.Handler
	domain  string

	readLimit  int64
	pingPeriod time.Duration

	mu    sync.Mutex
	links map[*link]struct{}
}

func NewHub(handler *control.Handler, domain string, readLimit int64, pingPeriod time.Duration) *Hub {
	return &Hub{
		handler:    handler,
		domain:     domain,
		readLimit:  readLimit,
		pingPeriod: pingPeriod,
		links:      make(map[*link]struct{}),
	}
}

// CallEnded pushes an end notification to every connected controller.
// A slow link drops the frame rather than blocking session teardown.
func (h *Hub) CallEnded(resource domain.CallResource, reason string) {
	data, err := json.Marshal(resultFrame{
		Type:   "end",
		URI:    resource.RefURI(h.domain),
		Reason: reason,
	})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.links {
		if err := l.trySend(data); err != nil {
			log.Warn().Str("module", "adapters.ws").Str("resource", string(resource)).Msg("end notification dropped")
		}
	}
}

// HandleControl upgrades the request and serves the link until either side
// closes it.
func (h *Hub) HandleControl(ctx context.Context, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "adapters.ws").Err(err).Msg("ws upgrade failed")
		return
	}
	conn.SetReadLimit(h.readLimit)

	l := &link{conn: conn, send: make(chan []byte, 32)}
	h.mu.Lock()
	h.links[l] = struct{}{}
	h.mu.Unlock()
	log.Info().Str("module", "adapters.ws").Str("remote", conn.RemoteAddr().String()).Msg("controller connected")

	go h.writePump(ctx, l)
	go h.readPump(ctx, l)
}

func (h *Hub) writePump(ctx context.Context, l *link) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()
	// Closing the conn here unblocks the read pump, so a link whose writes
	// fail is reaped right away instead of lingering until a read error.
	defer func() { _ = l.conn.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case data, ok := <-l.send:
			if !ok {
				return
			}
			_ = l.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, l *link) {
	defer func() {
		h.mu.Lock()
		delete(h.links, l)
		h.mu.Unlock()
		l.close()
		log.Info().Str("module", "adapters.ws").Msg("controller disconnected")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := l.conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleFrame(ctx, l, data)
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, l *link, data []byte) {
	var corr commandFrame
	_ = json.Unmarshal(data, &corr)

	cmd, err := control.Parse(data)
	if err != nil {
		h.reply(l, resultFrame{Type: "error", ID: corr.ID, Error: err.Error()})
		return
	}
	ref, err := h.handler.Handle(ctx, cmd)
	switch {
	case err != nil:
		h.reply(l, resultFrame{Type: "error", ID: corr.ID, Error: err.Error()})
	case ref != nil:
		h.reply(l, resultFrame{Type: "ref", ID: corr.ID, URI: ref.URI})
	default:
		h.reply(l, resultFrame{Type: "result", ID: corr.ID})
	}
}

func (h *Hub) reply(l *link, f resultFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	if err := l.trySend(data); err != nil {
		log.Warn().Str("module", "adapters.ws").Msg("reply dropped")
	}
}
