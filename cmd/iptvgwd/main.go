package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/iptvgw/iptvgw/internal/config"
	"github.com/iptvgw/iptvgw/internal/gatewayd"
	"github.com/iptvgw/iptvgw/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/iptvgw/gateway.yaml", "path to gateway config file")
	flag.Parse()

	cfg, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, levelVar, closeLog := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := gatewayd.Run(ctx, cfg, logger, levelVar); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
