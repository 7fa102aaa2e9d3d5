package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/app"
	"github.com/telespan/sipmuc/internal/domain"
)

// ErrInternal is what callers see when command handling fails for any
// reason other than validation or lookup.
var ErrInternal = errors.New("internal server error")

// Ref is the result payload of a successful Dial.
type Ref struct {
	URI string `json:"uri"`
}

// Handler executes decoded commands against the gateway. It is constructed
// with a direct gateway reference; there is no runtime service lookup.
type Handler struct {
	gw *app.Gateway
}

func NewHandler(gw *app.Gateway) *Handler {
	return &Handler{gw: gw}
}

// Handle dispatches one command. Dial returns a Ref; HangUp returns nil on
// success. Unrecognized commands return ErrBadCommand for the caller's
// default handling. A panic inside handling is recovered and mapped to
// ErrInternal; the handler itself never crashes.
func (h *Handler) Handle(ctx context.Context, cmd Command) (result *Ref, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "control").Interface("panic", r).Msg("command handling panicked")
			result, err = nil, ErrInternal
		}
	}()

	switch c := cmd.(type) {
	case Dial:
		return h.dial(ctx, c)
	case HangUp:
		return nil, h.hangUp(c)
	default:
		return nil, fmt.Errorf("%w: unrecognized command", ErrBadCommand)
	}
}

func (h *Handler) dial(ctx context.Context, cmd Dial) (*Ref, error) {
	roomName := cmd.Headers[RoomNameHeader]
	if roomName == "" {
		return nil, ErrMissingRoomName
	}

	log.Info().Str("module", "control").
		Str("source", cmd.Source).
		Str("destination", cmd.Destination).
		Str("room", roomName).
		Msg("got dial request")

	s, err := h.gw.CreateOutgoingCall(ctx, cmd.Source, cmd.Destination, domain.RoomName(roomName))
	if err != nil {
		log.Error().Str("module", "control").Err(err).Msg("dial failed")
		return nil, ErrInternal
	}
	return &Ref{URI: s.Resource().RefURI(h.gw.Domain())}, nil
}

func (h *Handler) hangUp(cmd HangUp) error {
	resource, err := domain.ParseResource(cmd.URI)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadCommand, err)
	}
	if err := h.gw.HangUp(resource); err != nil {
		if errors.Is(err, app.ErrSessionNotFound) {
			return err
		}
		log.Error().Str("module", "control").Err(err).Msg("hangup failed")
		return ErrInternal
	}
	return nil
}
