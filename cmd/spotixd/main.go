package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/config"
	"github.com/spotix/engine/internal/engine"
)

var (
	versionFlag  = flag.Bool("version", false, "Show version information")
	debugFlag    = flag.Bool("debug", false, "Enable debug logging")
	trackFlag    = flag.String("track", "", "Track ID to play on startup")
	playlistFlag = flag.String("playlist", "", "Playlist ID to play on startup")
)

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s v%s - streaming playback engine\n\n", config.AppName, config.AppVersion)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()

		configPath, err := config.GetConfigPath()
		if err == nil {
			if _, statErr := os.Stat(configPath); statErr == nil {
				fmt.Fprintf(os.Stderr, "\nConfig file: %s\n", configPath)
			} else {
				fmt.Fprintf(os.Stderr, "\nConfig file will be created on first use.\n")
			}
		}
	}
}

// envTokenProvider reads the session token from the environment. A real
// deployment would plug a full auth handshake in here.
type envTokenProvider struct{}

func (envTokenProvider) Token(context.Context) (string, error) {
	tok := os.Getenv("SPOTIX_TOKEN")
	if tok == "" {
		return "", fmt.Errorf("SPOTIX_TOKEN is not set")
	}
	return tok, nil
}

func (p envTokenProvider) Refresh(ctx context.Context) (string, error) {
	return p.Token(ctx)
}

func setupLogging() {
	if *debugFlag {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)

		cacheDir, err := config.GetCacheDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not get cache dir: %v\n", err)
			cacheDir = os.TempDir()
		}
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log dir: %v\n", err)
		}
		logPath := filepath.Join(cacheDir, "debug.log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not create log file: %v\n", err)
			logFile = os.Stderr
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: logFile, TimeFormat: "15:04:05"})
		fmt.Printf("Debug log: %s\n", logPath)
		log.Info().Msgf("Starting %s v%s (debug mode)", config.AppName, config.AppVersion)
		return
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", config.AppName, config.AppVersion)
		os.Exit(0)
	}

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Using default configuration")
	}
	if cfg.ServiceURL == "" {
		fmt.Fprintln(os.Stderr, "service_url is not configured")
		os.Exit(1)
	}

	eng, err := engine.New(cfg, envTokenProvider{}, audio.NewSpeakerSink())
	if err != nil {
		log.Error().Err(err).Msg("Failed to start engine")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(engineDone)
	}()

	switch {
	case *playlistFlag != "":
		if err := eng.PlayPlaylist(ctx, *playlistFlag); err != nil {
			log.Error().Err(err).Str("playlist", *playlistFlag).Msg("Failed to start playlist")
		}
	case *trackFlag != "":
		if err := eng.PlayTrack(ctx, *trackFlag); err != nil {
			log.Error().Err(err).Str("track", *trackFlag).Msg("Failed to start track")
		}
	default:
		// Resume whatever the restored session holds.
		eng.Player().Play()
	}

	<-sigChan
	log.Info().Msg("Received shutdown signal, cleaning up...")
	eng.Shutdown()
	cancel()
	<-engineDone
	log.Info().Msg("Engine stopped")
}
