package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gosip "github.com/ghettovoice/gosip"
	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/rs/zerolog/log"

	router "github.com/telespan/sipmuc/internal/adapters/http"
	mucadapter "github.com/telespan/sipmuc/internal/adapters/muc"
	sipadapter "github.com/telespan/sipmuc/internal/adapters/sip"
	"github.com/telespan/sipmuc/internal/adapters/ws"
	"github.com/telespan/sipmuc/internal/app"
	"github.com/telespan/sipmuc/internal/config"
	"github.com/telespan/sipmuc/internal/control"
	"github.com/telespan/sipmuc/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return
	}

	logging.Setup(cfg.Log)
	defer logging.Close()

	sipServer := gosip.NewServer(
		gosip.ServerConfig{UserAgent: cfg.SIP.UserAgent},
		nil, nil,
		gosiplog.NewDefaultLogrusLogger(),
	)
	if err := sipServer.Listen(cfg.SIP.Transport, cfg.SIP.Address); err != nil {
		log.Error().Err(err).Str("addr", cfg.SIP.Address).Msg("sip listen failed")
		return
	}
	log.Info().Str("addr", cfg.SIP.Address).Str("transport", cfg.SIP.Transport).Msg("sip server listening")

	sipDrv, err := sipadapter.NewDriver(sipServer)
	if err != nil {
		log.Error().Err(err).Msg("sip driver setup failed")
		return
	}
	roomDrv := mucadapter.NewDriver(cfg.MUC.URL)

	gw := app.NewGateway(app.GatewayParams{
		Domain:        cfg.Domain,
		DefaultRoom:   cfg.DefaultRoom,
		InviteTimeout: cfg.InviteTimeout,
		SIP:           sipDrv,
		Rooms:         roomDrv,
	})

	handler := control.NewHandler(gw)
	hub := ws.NewHub(handler, cfg.Domain, cfg.HTTP.ReadLimit, cfg.HTTP.PingPeriod)
	gw.SetNotifier(hub)

	// Bridge inbound SIP calls into the gateway.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-sipDrv.Incoming():
				if _, err := gw.OnIncomingCall(ctx, in.Leg, in.Room); err != nil {
					log.Warn().Err(err).Msg("inbound call rejected")
				}
			}
		}
	}()

	r := router.SetupRouter(ctx, cfg, gw, handler, hub)
	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("gateway control server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session teardown incomplete")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sipServer.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
