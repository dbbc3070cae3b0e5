package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"chatsync/internal/config"
	"chatsync/internal/server"
	"chatsync/internal/store"
	"chatsync/internal/telemetry"
)

func main() {
	var configPath string
	var addr string
	var dbPath string
	var debug bool

	flag.StringVar(&configPath, "config", "", "Path to TOML config file")
	flag.StringVar(&addr, "addr", "", "Listen address (overrides config)")
	flag.StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dbPath != "" {
		cfg.Server.DBPath = dbPath
	}
	if debug {
		cfg.Debug = true
	}

	logger, err := telemetry.InitLogger("chatd", cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	_, _, cleanup, err := telemetry.InitTelemetry(context.Background(), "chatd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize telemetry: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	st, err := store.New(cfg.Server.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := server.New(st, logger)

	logger.Info("chatd listening", "addr", cfg.Server.Addr, "db", cfg.Server.DBPath)
	fmt.Printf("chatd listening on %s\n", cfg.Server.Addr)

	if err := http.ListenAndServe(cfg.Server.Addr, srv.Handler()); err != nil {
		logger.Error("server exited", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
