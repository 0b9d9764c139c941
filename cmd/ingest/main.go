package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"pulse/internal/config"
	"pulse/internal/engine"
	"pulse/internal/logging"
)

func main() {
	confPath := flag.String("config", "pulse.yml", "path to the config file")
	flag.Parse()

	logging.InitFromEnv()

	cfg, err := config.Load(*confPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}

	if err := e.Run(ctx); err != nil {
		log.Fatalf("engine: %v", err)
	}
}
