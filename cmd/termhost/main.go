package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/TermHost/internal/config"
	"github.com/GriffinCanCode/TermHost/internal/host"
	"github.com/GriffinCanCode/TermHost/internal/logging"
	"github.com/GriffinCanCode/TermHost/internal/shared/paths"
)

func main() {
	socket := flag.String("socket", "", "Unix socket path (default: per-user runtime path)")
	configFile := flag.String("config", "", "Optional TOML config file")
	flag.Parse()

	// The host is usually spawned detached with only -socket, so the env
	// var is the config file's main channel.
	configPath := *configFile
	if configPath == "" {
		configPath = os.Getenv(paths.EnvConfigFile)
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *socket != "" {
		cfg.Socket.Path = *socket
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv := host.NewServer(cfg.SocketPath(), nil, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start host", zap.Error(err))
	}

	// Run until signaled; sessions die with the host.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down", zap.String("signal", sig.String()))
	srv.Stop()
}
