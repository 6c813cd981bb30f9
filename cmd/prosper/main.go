package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"Prosper/internal/audio"
	"Prosper/internal/backend"
	"Prosper/internal/cache"
	"Prosper/internal/config"
	"Prosper/internal/coordinator"
	"Prosper/internal/journal"
	"Prosper/internal/playback"
	"Prosper/internal/telemetry"
	"Prosper/internal/variant"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	profile, err := catalog.Get(cfg.Variant)
	if err != nil {
		return err
	}

	gen, err := backend.NewGenerator(cfg)
	if err != nil {
		return err
	}

	deps := coordinator.Deps{
		Generator:   gen,
		Synthesizer: backend.NewGoogleTTS(cfg.GoogleTTSKey, ""),
		AudioCache:  cache.NewAudioCache(64, time.Hour),
	}
	closeAudio := setupAudio(cfg, logger, &deps)
	defer closeAudio()

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		deps.Journal = j
	}

	voice := playback.DefaultVoice()
	voice.ID = cfg.VoiceID
	voice.LanguageCode = cfg.Language

	coord := coordinator.New(deps, coordinator.Options{
		Profile:  profile,
		Voice:    voice,
		Language: cfg.Language,
		Backend:  cfg.Backend,
		Audio:    cfg.Audio,
		Logger:   logger,
		Tracer:   tracer,
		Meter:    meter,
	})

	ctx, quit := context.WithCancel(ctx)
	defer quit()

	r := newREPL(cfg, catalog, coord, os.Stdout)
	r.banner()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		for ev := range coord.Events() {
			r.printEvent(ev)
		}
		return nil
	})
	g.Go(func() error {
		defer quit()
		return r.run(gctx, readLines(os.Stdin))
	})

	err = g.Wait()
	fmt.Fprintln(os.Stdout, "Goodbye!")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loadCatalog(cfg config.Config) (*variant.Catalog, error) {
	if cfg.ProfileFile != "" {
		return variant.Load(cfg.ProfileFile)
	}
	return variant.Builtin()
}

// setupAudio opens the microphone and speaker. Missing devices degrade to
// stand-ins that fail with a status instead of aborting the program.
func setupAudio(cfg config.Config, logger *slog.Logger, deps *coordinator.Deps) func() {
	deps.Recognizer = unavailableRecognizer{}
	deps.Player = unavailablePlayer{}
	if !cfg.Audio {
		return func() {}
	}

	var closers []func()
	if mic, err := audio.NewMic(logger); err != nil {
		logger.Warn("microphone unavailable", "error", err)
	} else {
		deps.Recognizer = backend.NewStreamingRecognizer(mic, backend.STTOptions{
			URL:    cfg.STTURL,
			APIKey: cfg.CartesiaKey,
			Logger: logger,
		})
		closers = append(closers, func() {
			if err := mic.Close(); err != nil {
				logger.Warn("failed to close microphone", "error", err)
			}
		})
	}

	if speaker, err := audio.NewSpeaker(); err != nil {
		logger.Warn("speaker unavailable", "error", err)
	} else {
		deps.Player = speaker
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}
}

// readLines feeds stdin lines to the REPL. The reader goroutine is abandoned
// at exit since a blocked terminal read cannot be interrupted.
func readLines(f *os.File) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
