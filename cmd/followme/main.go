package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"followme/internal/config"
	"followme/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./followme.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("followme starting config=%s", configPath)
	rt, err := newApp(ctx, cfg, logs)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer rt.Close()

	log.Printf("web: listening addr=%s", cfg.Web.Listen)
	if err := web.Serve(ctx, cfg.Web.Listen, rt.Handler()); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("web server stopped: %v", err)
	}
	log.Printf("followme stopping")
}
