package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/termrelay/termrelay/agent"
	"github.com/termrelay/termrelay/internal/agent/config"
	"github.com/termrelay/termrelay/internal/logging"
)

func runAgent(args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", "", "loopback listen address (overrides config)")
	routerURL := fs.String("router", "", "router base URL (overrides config)")
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
	if *routerURL != "" {
		cfg.RouterURL = *routerURL
	}

	logging.PrintBanner("agent", version, cfg.Addr)

	runner, err := agent.NewRunner(agent.RunnerConfig{Config: cfg})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runner.Run(ctx)
}
