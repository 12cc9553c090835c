package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/app"
	"github.com/dokzlo13/osmwatch/internal/config"
	"github.com/dokzlo13/osmwatch/internal/element"
	"github.com/dokzlo13/osmwatch/internal/history"
)

func main() {
	// Support both -c and --config for config path
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	watch := flag.Bool("watch", false, "Keep running and repeat every watch.interval")
	dryRun := flag.Bool("dry-run", false, "Print reports to stdout instead of delivering them")

	// Ad-hoc monitor, replaces the configured ones
	defPath := flag.String("def", "", "Monitoring definition file")
	kind := flag.String("kind", "", "Element kind of the definition: node, way or relation")
	method := flag.String("method", "ids", "Id retrieval method: ids or query")
	to := flag.String("to", "", "Comma-separated report recipients")

	// History queries
	logKey := flag.String("log", "", "Print the commit log of a history key (e.g. node-42, ids-Title)")
	showSeq := flag.Int64("show", 0, "With -log, print the content of this version")
	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *defPath != "" {
		cfg.Monitors = []config.MonitorConfig{{
			Definition: *defPath,
			Kind:       *kind,
			Method:     *method,
			Recipients: splitList(*to),
		}}
		if err := cfg.Validate(); err != nil {
			log.Fatal().Err(err).Msg("Invalid monitor flags")
		}
	}

	// Setup logging
	setupLogging(cfg.Log.Level, cfg.Log.JSON, cfg.Log.Colors)

	if *logKey != "" {
		cfg.Monitors = nil
	}

	// Create application
	application, err := app.New(cfg, app.Options{DryRun: *dryRun, Stdout: os.Stdout})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	if *logKey != "" {
		err := printHistory(os.Stdout, application.Services().History, *logKey, *showSeq)
		application.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("History query failed")
		}
		return
	}

	// Create context that cancels on shutdown signal
	ctx := app.SignalContext()

	if !*watch {
		log.Info().Str("config", configPath).Msg("Starting osmwatch run")
		err := application.RunOnce(ctx)
		application.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("Run failed")
		}
		return
	}

	log.Info().Str("config", configPath).Msg("Starting osmwatch in watch mode")

	// Start the application
	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}

	// Wait for shutdown
	application.Wait()

	// Graceful shutdown
	if err := application.Stop(); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
}

// loadConfig reads the config file. A missing default config.yaml is not an
// error: flags alone can describe a run.
func loadConfig(path string) (*config.Config, error) {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "c" {
			explicit = true
		}
	})

	cfg, err := config.Load(path)
	if err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func printHistory(w io.Writer, store *history.Store, keyStr string, seq int64) error {
	key, err := element.ParseKey(keyStr)
	if err != nil {
		return err
	}

	if seq > 0 {
		content, err := store.Show(key, seq)
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	}

	versions, err := store.Log(key)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return fmt.Errorf("no history for %s", key)
	}
	for _, v := range versions {
		fmt.Fprintf(w, "%4d  %s  %.12s  %s  %s\n",
			v.Seq, v.CommittedAt.Format(time.RFC3339), v.Hash, v.RunID, v.Message)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func setupLogging(level string, useJSON bool, colors bool) {
	// ISO 8601 format with timezone
	zerolog.TimeFieldFormat = time.RFC3339

	if useJSON {
		// JSON output for production
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		// Text output (with optional colors)
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    !colors,
		})
	}

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
