package main

import (
	"flag"
	"fmt"
	"os"

	"chatsync/internal/config"
	"chatsync/internal/repl"
)

func main() {
	var configPath string
	var serverURL string
	var debug bool

	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.StringVar(&serverURL, "server", "", "Backend base URL (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if debug {
		cfg.Debug = true
	}

	app, cleanup, err := repl.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize client: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if err := app.Run(); err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
