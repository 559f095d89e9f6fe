package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/meterdash/internal/logging"
	"github.com/shaunagostinho/meterdash/internal/m6610"
	"github.com/shaunagostinho/meterdash/internal/publish"
	"github.com/shaunagostinho/meterdash/internal/server"
	"github.com/shaunagostinho/meterdash/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated meter")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Load config
	cfg, notes := server.LoadConfig(*configPath)
	if *demo {
		cfg.Meter.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := logging.New(cfg.Logging)
	defer log.Sync()
	log.Info("meterdash starting")
	server.LogNotes(log, notes)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var meter m6610.Provider
	switch cfg.Meter.Type {
	case "m6610":
		meter = m6610.NewMeter(m6610.MeterConfig{
			Serial:   cfg.Meter.Serial,
			Settings: cfg.MeterSerial,
			Header:   byte(cfg.Meter.Header), // range checked by LoadConfig
			Logger:   log,
		})
	default:
		meter = m6610.NewDemoMeter(m6610.DemoConfig{
			Interval:     time.Duration(cfg.Meter.DemoIntervalMs) * time.Millisecond,
			CorruptEvery: cfg.Meter.DemoCorruptEvery,
		})
	}
	log.Info("meter selected", zap.String("meter", meter.Name()))

	// A broker that is down must not keep the dashboard from starting.
	sink, err := publish.New(cfg.MQTT, log)
	if err != nil {
		log.Error("mqtt disabled", zap.Error(err))
		sink = publish.Nop{}
	}
	defer sink.Close()

	// The server connects the meter itself and keeps reconnecting
	srv := server.New(cfg, meter, sink, web.FS, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
		stop()
		sink.Close()
		log.Sync()
		os.Exit(1)
	}
	log.Info("stopped")
}
