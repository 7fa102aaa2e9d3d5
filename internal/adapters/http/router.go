package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/telespan/sipmuc/internal/adapters/ws"
	"github.com/telespan/sipmuc/internal/app"
	"github.com/telespan/sipmuc/internal/config"
	"github.com/telespan/sipmuc/internal/control"
)

type sessionView struct {
	Resource  string `json:"resource"`
	Room      string `json:"room"`
	Direction string `json:"direction"`
	State     string `json:"state"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, gw *app.Gateway, handler *control.Handler, hub *ws.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": gw.Count()})
	})

	api := r.Group("/api/v1")

	api.POST("/commands", func(c *gin.Context) {
		data, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		cmd, err := control.Parse(data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ref, err := handler.Handle(c.Request.Context(), cmd)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if ref != nil {
			c.JSON(http.StatusOK, ref)
			return
		}
		// HangUp acknowledges with an empty result.
		c.JSON(http.StatusOK, gin.H{})
	})

	api.GET("/sessions", func(c *gin.Context) {
		sessions := gw.ActiveSessions()
		out := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, sessionView{
				Resource:  string(s.Resource()),
				Room:      string(s.Room()),
				Direction: s.Direction().String(),
				State:     s.State(),
			})
		}
		c.JSON(http.StatusOK, out)
	})

	api.GET("/ws/control", func(c *gin.Context) {
		hub.HandleControl(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("domain", gw.Domain()).Msg("router setup")
	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, control.ErrMissingRoomName), errors.Is(err, control.ErrBadCommand):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
