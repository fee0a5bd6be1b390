package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/care/orionscan/internal/config"
	"github.com/care/orionscan/internal/core"
	"github.com/care/orionscan/internal/source"
	"github.com/care/orionscan/internal/source/gstsource"
)

const (
	defaultConfigPath = "config/scand.yaml"
	defaultMockDelay  = 33 * time.Millisecond
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting scanner service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	src, err := newSource(cfg)
	if err != nil {
		slog.Error("failed to create frame source", "error", err)
		os.Exit(1)
	}

	svc, err := core.NewService(cfg, src,
		core.WithErrorListener(core.ErrorListenerFunc(func(msg string) {
			slog.Error("camera unavailable, scanning disabled", "source", cfg.Source.Type, "message", msg)
		})),
	)
	if err != nil {
		slog.Error("failed to create scanner service", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx) // Always send, even if nil
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("scanner service stopped successfully")
}

// newSource builds the frame source selected by source.type
func newSource(cfg *config.Config) (source.Source, error) {
	sc := cfg.Source

	switch sc.Type {
	case config.SourceMock:
		delay := time.Duration(sc.Mock.DelayMS) * time.Millisecond
		if delay <= 0 {
			delay = defaultMockDelay
		}
		slog.Info("using mock source", "geometry", sc.Preview.String(), "delay", delay)
		return source.NewMockSource(source.MockConfig{
			Geometry: sc.Preview,
			Delay:    delay,
		}), nil

	case config.SourceImages:
		slog.Info("using image source", "dir", sc.Images.Dir, "loop", sc.Images.Loop)
		return source.NewImageSource(source.ImageConfig{
			Dir:      sc.Images.Dir,
			Loop:     sc.Images.Loop,
			Interval: time.Duration(sc.Images.IntervalMS) * time.Millisecond,
		}), nil

	case config.SourceGStreamer:
		slog.Info("using gstreamer source",
			"device", sc.GStreamer.Device,
			"rtsp_url", sc.GStreamer.RTSPURL,
			"custom_launch", sc.GStreamer.Launch != "",
		)
		return gstsource.New(gstsource.Config{
			Launch:  sc.GStreamer.Launch,
			RTSPURL: sc.GStreamer.RTSPURL,
			Device:  sc.GStreamer.Device,
			Width:   sc.Preview.Width,
			Height:  sc.Preview.Height,
			FPS:     sc.GStreamer.FPS,
			Screen:  sc.Screen,
		})

	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}
