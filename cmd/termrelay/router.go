package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/termrelay/termrelay/internal/logging"
	"github.com/termrelay/termrelay/internal/router/config"
	"github.com/termrelay/termrelay/router"
)

func runRouter(args []string) error {
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	logging.PrintBanner("router", version, cfg.Addr)
	logging.PrintAccessURL(cfg.PublicURL)

	server, err := router.NewServer(router.ServerConfig{Config: cfg})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
