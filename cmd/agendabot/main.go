package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/yfei/agendabot/internal/app"
	"github.com/yfei/agendabot/internal/model"
	"github.com/yfei/agendabot/internal/source/chat"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/agendabot/config.yaml)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	_ = godotenv.Load()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string, log *slog.Logger) error {
	if configPath == "" {
		configPath = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := chat.NewConsoleTransport(os.Stdin, os.Stdout, cfg.Assistant.Owner)

	a, err := app.New(ctx, *cfg, transport, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}
