package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/stockroom/internal/app"
)

type rootOptions struct {
	home     string
	logLevel string
	json     bool
}

func main() {
	_ = godotenv.Load()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "stockroom",
		Short:        "Consolidated phone inventory across shop spreadsheets",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "application directory (default $STOCKROOM_HOME or ~/Documents/MobileShopManager)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCommand(opts),
		newReloadCommand(opts),
		newMapCommand(opts),
		newUnmapCommand(opts),
		newStatusCommand(opts),
		newUpdateCommand(opts),
		newMergeCommand(opts),
		newRepairCommand(opts),
		newExportCommand(opts),
		newBackupsCommand(opts),
		newListsCommand(opts),
	)
	return root
}

// withApp opens the application directory for one command and closes it,
// draining queued writebacks, once fn returns.
func withApp(opts *rootOptions, fn func(a *app.App) error) error {
	a, err := app.Open(app.Options{
		Home:          opts.home,
		LogLevel:      opts.logLevel,
		QueueCapacity: intEnv("STOCKROOM_WRITEBACK_QUEUE_SIZE", 0),
		Logger:        log.Logger.With().Timestamp().Logger(),
	})
	if err != nil {
		return err
	}
	runErr := fn(a)
	if closeErr := a.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	return runErr
}
