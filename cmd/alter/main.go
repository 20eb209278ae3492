package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nevindra/alter/internal/app"
	"github.com/nevindra/alter/internal/config"
)

func main() {
	repl := flag.Bool("repl", false, "run the interactive terminal instead of the service surfaces")
	configPath := flag.String("config", os.Getenv("ALTER_CONFIG"), "path to alter.toml")
	flag.Parse()

	// 1. Load .env, then config (godotenv does not overwrite existing vars)
	_ = godotenv.Load()
	cfg := config.Load(*configPath)

	// 2. Signal-aware root context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Build the runtime
	rt, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("alter: %v", err)
	}

	// 4. Run until exit or signal
	run := rt.Run
	if *repl {
		run = rt.RunTerminal
	}
	if err := run(ctx); err != nil {
		log.Fatalf("alter: %v", err)
	}
}
