package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/justishika/codeproctor/internal/infrastructure/config"
	"github.com/justishika/codeproctor/internal/infrastructure/logging"
	"github.com/justishika/codeproctor/internal/infrastructure/server"
)

func main() {
	var (
		port     = flag.String("port", "", "HTTP listen port (overrides PORT)")
		imageMap = flag.String("image-map", "", "subject image map file (overrides IMAGE_MAP_FILE)")
		dev      = flag.Bool("dev", false, "development mode with verbose logging")
	)
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *imageMap != "" {
		cfg.Runtime.ImageMapFile = *imageMap
	}
	if *dev {
		cfg.Logging.Development = true
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			logger.Error("server error", zap.Error(err))
		}
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	if err := srv.Close(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}
