package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rubigo/screenshare-sfu/internal/config"
	"github.com/rubigo/screenshare-sfu/internal/logging"
	"github.com/rubigo/screenshare-sfu/internal/room"
	"github.com/rubigo/screenshare-sfu/internal/rtc"
	"github.com/rubigo/screenshare-sfu/internal/sfu"
	"github.com/rubigo/screenshare-sfu/internal/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "screenshare-sfu: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	for _, warning := range cfg.Warnings {
		logger.Warn(warning)
	}

	factory, err := rtc.NewFactory(rtc.FactoryConfig{
		ICEServers:      cfg.ICEServers,
		ICEUsername:     cfg.ICEUsername,
		ICECredential:   cfg.ICECredential,
		PLIInterval:     cfg.PLIInterval,
		UDPPortMin:      uint16(cfg.UDPPortMin),
		UDPPortMax:      uint16(cfg.UDPPortMax),
		IncludeLoopback: cfg.ICELoopback,
	})
	if err != nil {
		return err
	}

	svc := sfu.New(factory, room.NewRegistry(logger), sfu.Options{
		GatherTimeout:  cfg.GatherTimeout,
		MaxRoomViewers: cfg.MaxRoomViewers,
	}, logger)
	defer svc.Close()

	signalServer := signaling.NewServer(svc, signaling.Options{
		CORSOrigin:   cfg.CORSOrigin,
		WSReadLimit:  cfg.WSReadLimit,
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           signalServer.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	httpServer.RegisterOnShutdown(signalServer.CloseSockets)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithFields(log.Fields{
			"addr":             cfg.BindAddr,
			"ice_servers":      cfg.ICEServers,
			"max_room_viewers": cfg.MaxRoomViewers,
			"udp_ports":        fmt.Sprintf("%d-%d", cfg.UDPPortMin, cfg.UDPPortMax),
		}).Info("screenshare-sfu listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
