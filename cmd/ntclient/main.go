package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/nettables/internal/client"
	"github.com/danmuck/nettables/internal/observability"
	"github.com/danmuck/nettables/internal/protocol"
	"github.com/danmuck/nettables/internal/protocol/session"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/ntclient/config.toml", "client config path")
	flag.Parse()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "ntclient: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	logger := observability.InitLogger("ntclient")
	cfg, err := loadServiceConfig(path)
	if err != nil {
		return err
	}

	local := func() []*protocol.Message { return cfg.Entries }
	c, err := client.New(cfg.Client, client.Deps{Logger: logger}, logChanges(logger), local)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := observability.NewStatusRouter(observability.RouterConfig{
		Node:        cfg.Client.Session.Identity,
		CORSOrigins: cfg.CorsOrigins,
		StatusToken: cfg.StatusToken,
		Status:      func() any { return c.Status() },
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error { return observability.ServeStatus(ctx, cfg.StatusAddr, router, logger) })
	return g.Wait()
}

func logChanges(logger zerolog.Logger) session.Handler {
	return session.HandlerFunc(func(s *session.Session, msg *protocol.Message) {
		ev := logger.Info().Str("session", s.ID()).Str("message", msg.Type.String())
		switch msg.Type {
		case protocol.MsgEntryAssign:
			ev = ev.Str("name", msg.Name).Uint16("id", msg.ID).Stringer("value", msg.Value)
		case protocol.MsgEntryUpdate:
			ev = ev.Uint16("id", msg.ID).Uint16("seq", uint16(msg.Seq)).Stringer("value", msg.Value)
		case protocol.MsgFlagsUpdate, protocol.MsgEntryDelete:
			ev = ev.Uint16("id", msg.ID)
		}
		ev.Msg("entry change")
	})
}
