package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/saintparish4/rendezvous/internal/config"
	"github.com/saintparish4/rendezvous/internal/roomserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadServer(args)
	if err != nil {
		return err
	}
	log, _ := config.NewLogger(cfg.LogLevel, os.Stderr)
	cfg.Room.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store roomserver.Store
	if cfg.RedisURL != "" {
		rs, err := roomserver.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rs.Close()
		store = rs
		log.Info("using redis room store")
	} else {
		store = roomserver.NewMemoryStore()
	}

	return roomserver.New(cfg.Room, store).Run(ctx)
}
