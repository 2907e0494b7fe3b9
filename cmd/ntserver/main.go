package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/nettables/internal/observability"
	"github.com/danmuck/nettables/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/ntserver/config.toml", "server config path")
	flag.Parse()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "ntserver: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logger := observability.InitLogger("ntserver")
	cfg, err := loadServiceConfig(path)
	if err != nil {
		return err
	}

	table := server.NewTable()
	for _, msg := range cfg.Entries {
		if _, err := table.Apply(msg); err != nil {
			return fmt.Errorf("preload %q: %w", msg.Name, err)
		}
	}
	srv := server.New(cfg.Server, table, logger)
	if _, err := srv.LoadPersistent(); err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := observability.NewStatusRouter(observability.RouterConfig{
		Node:        cfg.Server.Session.Identity,
		CORSOrigins: cfg.CorsOrigins,
		StatusToken: cfg.StatusToken,
		Status:      func() any { return srv.Status() },
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error { return observability.ServeStatus(ctx, cfg.StatusAddr, router, logger) })
	return g.Wait()
}
