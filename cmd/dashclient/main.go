package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"void-reckoning/dashboard/internal/app"
	"void-reckoning/dashboard/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the dashboard YAML config (default "+config.DefaultFile+" when present)")
	flag.Parse()

	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	settings, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dashboard, err := app.New(app.Config{Settings: settings})
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := dashboard.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
