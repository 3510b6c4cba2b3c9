package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/petems/miccheck/internal/app"
	"github.com/petems/miccheck/internal/audio"
	"github.com/petems/miccheck/internal/config"
	"github.com/petems/miccheck/internal/logging"
	"github.com/petems/miccheck/internal/permissions"
	"github.com/petems/miccheck/internal/session"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	lsDev := flag.Bool("lsdev", false, "list audio devices and exit")
	capDev := flag.Int("capdev", -1, "capture device index (skips the prompt)")
	playDev := flag.Int("playdev", -1, "playback device index (skips the prompt)")
	rate := flag.Int("rate", 0, "sample rate in Hz (overrides config)")
	secs := flag.Int("secs", 0, "clip length in seconds (overrides config)")
	backend := flag.String("backend", "", "audio backend: auto, malgo, portaudio")
	debugLevel := flag.String("debuglevel", "", "log level: trace, debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("miccheck %s (%s)\n", Version, Commit)
		return
	}

	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Flags override the stored config
	if *rate > 0 {
		cfg.SampleRate = *rate
	}
	if *secs > 0 {
		cfg.ClipSeconds = *secs
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *debugLevel != "" {
		cfg.LogLevel = *debugLevel
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsurePermissions(); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	// Initialize the audio backend
	engine, err := audio.New(cfg.Backend, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio")
	}
	defer engine.Close()

	if *lsDev {
		if err := app.PrintDevices(os.Stdout, engine); err != nil {
			log.Fatal().Err(err).Msg("Failed to list devices")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.New(session.Config{
		Engine:       engine,
		PollInterval: cfg.PollInterval(),
		Logger:       log,
	})

	application := app.New(app.Config{
		Catalog:        engine,
		Session:        sess,
		Config:         cfg,
		Logger:         log,
		In:             os.Stdin,
		Out:            os.Stdout,
		InputOverride:  *capDev,
		OutputOverride: *playDev,
	})

	log.Info().Str("backend", engine.Name()).Str("version", Version).Msg("miccheck starting")

	if err := application.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}
}
