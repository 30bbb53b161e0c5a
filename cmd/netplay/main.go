package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/abiosoft/ishell/v2"

	"github.com/saintparish4/rendezvous/internal/config"
	"github.com/saintparish4/rendezvous/internal/statusfeed"
	"github.com/saintparish4/rendezvous/pkg/holepunch"
	"github.com/saintparish4/rendezvous/pkg/netplay"
	"github.com/saintparish4/rendezvous/pkg/netutil"
	"github.com/saintparish4/rendezvous/pkg/room"
	"github.com/saintparish4/rendezvous/pkg/store"
	"github.com/saintparish4/rendezvous/pkg/stun"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadClient(args)
	if err != nil {
		return err
	}
	log, level := config.NewLogger(cfg.LogLevel, os.Stderr)
	slog.SetDefault(log)

	stunClient := stun.NewClient(cfg.STUNServers...)
	stunClient.Logger = log.With("component", "stun")

	session := holepunch.NewSession(holepunch.Config{
		Timeout: cfg.PunchTimeout,
		Logger:  log.With("component", "holepunch"),
	})
	defer session.Close()

	ctrl, err := netplay.NewController(netplay.Config{
		Store:  store.NewFileStore(cfg.StorePath),
		STUN:   stunClient,
		Native: session,
		Rooms: func(url string) netplay.RoomConnector {
			c := room.NewClient(url, stunClient)
			c.Logger = log.With("component", "room")
			return c
		},
		LocalIP: netutil.LANIPv4,
		Logger:  log.With("component", "netplay"),
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StatusAddr != "" {
		if err := serveStatus(ctx, cfg.StatusAddr, ctrl, log); err != nil {
			return err
		}
	}

	shell := ishell.New()
	sh := &netplayShell{ctrl: ctrl, stun: stunClient, session: session, level: level, roomServer: cfg.RoomServerURL}
	sh.register(shell)

	if len(cfg.Args) > 0 {
		return shell.Process(cfg.Args...)
	}

	shell.SetHomeHistoryPath(".netplay_history")
	shell.Println("Netplay rendezvous shell. Type 'help' for commands.")
	unsubscribe := ctrl.Subscribe(sh.statusPrinter(shell))
	defer unsubscribe()

	go func() {
		<-ctx.Done()
		shell.Close()
	}()
	shell.Run()
	return nil
}

// serveStatus exposes controller snapshots over WebSocket until ctx is done
func serveStatus(ctx context.Context, addr string, ctrl *netplay.Controller, log *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("status feed: %w", err)
	}
	hub := statusfeed.NewHub(statusfeed.NewGorillaUpgrader())
	hub.Logger = log.With("component", "statusfeed")
	ctrl.Subscribe(hub.Publish)

	go func() {
		if err := statusfeed.Serve(ctx, ln, hub); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error("status feed stopped", "err", err)
		}
	}()
	log.Info("status feed listening", "url", "ws://"+ln.Addr().String()+statusfeed.Path)
	return nil
}
