package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentworkforce/stockroom/internal/app"
	"github.com/agentworkforce/stockroom/internal/watcher"
)

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	home := flag.String("home", strings.TrimSpace(os.Getenv("STOCKROOM_HOME")), "application directory")
	logLevel := flag.String("log-level", "", "log level override")
	interval := flag.Duration("interval", durationEnv("STOCKROOM_WATCH_INTERVAL", 5*time.Minute), "periodic reload interval (0 disables)")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("STOCKROOM_WATCH_INTERVAL_JITTER", 0.2), "reload interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("STOCKROOM_WATCH_TIMEOUT", time.Minute), "per-reload timeout")
	once := flag.Bool("once", false, "run one reload and exit")
	flag.Parse()

	if *timeout <= 0 {
		*timeout = time.Minute
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	a, err := app.Open(app.Options{Home: *home, LogLevel: *logLevel, Logger: log.Logger.With().Timestamp().Logger()})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open application directory")
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error().Err(err).Msg("close failed")
		}
	}()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		summary, err := a.Manager.ReloadAll(ctx)
		if err != nil {
			return err
		}
		a.SyncBuyers()
		a.Logger.Info().Int("items", summary.Items).Int("conflicts", summary.Conflicts).Msg("inventory reloaded")
		return nil
	}

	if err := reload(rootCtx); err != nil {
		a.Logger.Error().Err(err).Msg("reload failed")
	}
	if *once {
		return
	}

	var w *watcher.Watcher
	refresh := func() {
		if _, err := w.Sync(a.WatchedFiles()); err != nil {
			a.Logger.Error().Err(err).Msg("watch refresh failed")
		}
	}
	w = watcher.New(watcher.Options{
		Debounce: a.Config.Debounce,
		Reload:   reload,
		Notify: func(err error) {
			if err != nil {
				a.Logger.Error().Err(err).Msg("reload after change failed")
				return
			}
			// A mapping file edit may have added or dropped sources.
			refresh()
		},
		Logger: a.Logger.With().Str("component", "watcher").Logger(),
	})
	defer w.Close()
	refresh()
	a.Logger.Info().Strs("dirs", w.Dirs()).Msg("watching sources")

	if *interval <= 0 {
		<-rootCtx.Done()
		return
	}

	// The periodic reload catches changes the watcher misses, such as files
	// on network shares. Each reload re-reads the mapping file first, so
	// sources mapped by other processes are picked up and then watched.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			a.Logger.Info().Err(rootCtx.Err()).Msg("watch stopping")
			return
		case <-timer.C:
			if err := reload(rootCtx); err != nil {
				a.Logger.Error().Err(err).Msg("periodic reload failed")
			}
			refresh()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration in environment")
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid number in environment")
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
