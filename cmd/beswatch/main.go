// Command beswatch bridges a build-event pub/sub channel to WebSocket
// dashboards. It fetches the event schema, subscribes to the configured
// channel, and fans decoded events out per invocation.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/beswatch/beswatch/internal/config"
	"github.com/beswatch/beswatch/internal/logging"
	"github.com/beswatch/beswatch/internal/service"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	log := logging.NewSlogServiceLogger(slogger)

	conf, err := loadConfig(*configPath)
	if err != nil {
		log.Error("Failed to load config", err, logging.LogFields{"path": *configPath})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, conf, log, service.Dependencies{})
	if err != nil {
		log.Error("Failed to start", err, nil)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		log.Error("Shutdown finished with errors", err, nil)
		os.Exit(1)
	}
}

// loadConfig layers file over defaults and environment over file.
func loadConfig(path string) (*config.Config, error) {
	conf := config.Default()
	if path != "" {
		loaded, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		conf = loaded
	}
	return config.FromEnv(conf), nil
}
