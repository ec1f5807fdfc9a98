// Command hub runs the session-fabric control plane: it accepts endpoint
// and admin WebSocket connections, routes commands between them, and
// serves health and Prometheus metrics endpoints.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/markus-barta/sessionfabric/internal/hub"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := hub.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := hub.InitDatabase(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer func() { _ = db.Close() }()

	h := hub.NewHub(cfg, db, log)
	handler := hub.NewServer(h, cfg, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go h.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	log.Info().Str("addr", addr).Msg("session fabric hub starting")

	if err := hub.Serve(ctx, addr, handler, log); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}

	log.Info().Msg("hub shutdown complete")
}
