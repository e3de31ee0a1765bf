// Package main provides the relay server binary: the session coordinator
// behind WebSocket and optional TCP transports, plus a gRPC health endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/config"
	"github.com/cory-johannsen/sketchrelay/internal/frontend/tcp"
	"github.com/cory-johannsen/sketchrelay/internal/frontend/websocket"
	"github.com/cory-johannsen/sketchrelay/internal/health"
	"github.com/cory-johannsen/sketchrelay/internal/observability"
	"github.com/cory-johannsen/sketchrelay/internal/relay"
	"github.com/cory-johannsen/sketchrelay/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file; empty = defaults and RELAY_* env only")
	envPath := flag.String("env", ".env", "optional dotenv file exported before config is read")
	flag.Parse()

	if err := config.LoadEnvFile(*envPath); err != nil {
		log.Fatalf("loading env file: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	policy, closePolicy, err := buildPolicy(cfg.Relay, logger)
	if err != nil {
		logger.Fatal("building guess policy", zap.Error(err))
	}
	defer closePolicy()

	coord := relay.NewCoordinator(relay.Options{
		MaxPlayers:   cfg.Relay.MaxPlayers,
		CodeAttempts: cfg.Relay.CodeAttempts,
		InboxSize:    cfg.Relay.InboxSize,
		OutboxSize:   cfg.Relay.OutboxSize,
		Codes:        relay.NewRandomCodes(cfg.Relay.CodeLength),
		Policy:       policy,
	}, logger)

	healthSrv := health.NewServer(cfg.Health, logger)
	wsSrv := websocket.NewServer(cfg.WebSocket, coord, coord, logger)

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("health", &server.FuncService{
		StartFn: healthSrv.ListenAndServe,
		StopFn:  healthSrv.Stop,
	})
	lifecycle.Add("coordinator", server.NewContextService(func(ctx context.Context) error {
		healthSrv.SetServing(true)
		defer healthSrv.SetServing(false)
		return coord.Run(ctx)
	}))
	lifecycle.Add("websocket", &server.FuncService{
		StartFn: wsSrv.ListenAndServe,
		StopFn:  wsSrv.Stop,
	})
	if cfg.TCP.Enabled {
		acc := tcp.NewAcceptor(cfg.TCP, coord, logger)
		lifecycle.Add("tcp", &server.FuncService{
			StartFn: acc.ListenAndServe,
			StopFn:  acc.Stop,
		})
	}

	logger.Info("relay server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("ws_addr", cfg.WebSocket.Addr()),
		zap.Bool("tcp_enabled", cfg.TCP.Enabled),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.String("guess_policy", cfg.Relay.GuessPolicy),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
