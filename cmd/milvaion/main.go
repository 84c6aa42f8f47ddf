package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/Milvasoft/milvaion-sub003/internal/app"
	"github.com/Milvasoft/milvaion-sub003/internal/common"
)

var (
	configPath   = flag.String("config", "", "Configuration file path")
	configPathC  = flag.String("c", "", "Configuration file path (shorthand)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Milvaion version %s\n", common.GetVersion())
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = *configPathC
	}
	if path == "" {
		// Auto-discover a config file next to the binary.
		if _, err := os.Stat("milvaion.toml"); err == nil {
			path = "milvaion.toml"
		}
	}

	config, err := common.LoadConfig(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if config.Database.URL == "" || config.Bus.URL == "" || config.Coordination.Addr == "" {
		arbor.NewLogger().Fatal().Msg("database.url, bus.url, and coordination.addr are required")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	logger.Info().
		Str("version", common.GetVersion()).
		Str("config", path).
		Msg("Starting Milvaion control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize control plane")
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start control plane")
		application.Stop()
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received, shutting down")

	cancel()
	application.Stop()
}
