// Package app opens every store under one application directory and wires
// them into an inventory manager. Both binaries start from here.
package app

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/stockroom/internal/activity"
	"github.com/agentworkforce/stockroom/internal/backup"
	"github.com/agentworkforce/stockroom/internal/config"
	"github.com/agentworkforce/stockroom/internal/inventory"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/refdata"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

const defaultQueueCapacity = 1024

type Options struct {
	// Home overrides the application directory.
	Home string
	// LogLevel overrides log_level from the config file.
	LogLevel      string
	QueueCapacity int
	// Logger is the base logger; its level is replaced by the configured one.
	Logger zerolog.Logger
}

type App struct {
	Paths    config.Paths
	Config   config.Config
	Logger   zerolog.Logger
	Registry *registry.Registry
	Mappings *mapping.Store
	Backups  *backup.Rotator
	Activity *activity.Log
	RefData  *refdata.Store
	Manager  *inventory.Manager
}

func Open(opts Options) (*App, error) {
	appDir := strings.TrimSpace(opts.Home)
	if appDir == "" {
		resolved, err := config.ResolveAppDir()
		if err != nil {
			return nil, err
		}
		appDir = resolved
	}
	paths := config.NewPaths(appDir)
	if err := paths.Ensure(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	logger := opts.Logger.Level(ParseLevel(cfg.LogLevel))

	backend, err := registry.BuildStateBackendFromDSN(cfg.RegistryDSNOrDefault(paths))
	if err != nil {
		return nil, err
	}
	reg, err := registry.Open(registry.Options{Backend: backend, Logger: component(logger, "registry")})
	if err != nil {
		return nil, err
	}
	maps, err := mapping.Open(paths.MappingsFile, component(logger, "mapping"))
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	lists, err := refdata.Open(paths.AppDataFile, component(logger, "refdata"))
	if err != nil {
		_ = reg.Close()
		return nil, err
	}
	capacity := opts.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	queue, err := inventory.BuildWritebackQueueFromDSN(cfg.WritebackQueueDSN, capacity)
	if err != nil {
		_ = reg.Close()
		return nil, err
	}

	feed := activity.Open(activity.Options{Path: paths.ActivityFile, Logger: component(logger, "activity")})
	backups := backup.NewRotator(backup.Options{Dir: paths.BackupDir, Keep: cfg.BackupKeep, Logger: component(logger, "backup")})
	manager := inventory.New(inventory.Options{
		Registry: reg,
		Mappings: maps,
		Backups:  backups,
		Writer: sheet.NewWriter(sheet.WriterOptions{
			OpenAttempts:   cfg.WritebackOpenAttempts,
			RetryDelay:     cfg.WritebackRetryDelay,
			StrictRowMatch: cfg.StrictRowMatch,
			Logger:         component(logger, "sheet"),
		}),
		Queue:         queue,
		Sink:          feed,
		MarkupPercent: cfg.PriceMarkupPercent,
		Logger:        component(logger, "inventory"),
	})
	return &App{
		Paths:    paths,
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Mappings: maps,
		Backups:  backups,
		Activity: feed,
		RefData:  lists,
		Manager:  manager,
	}, nil
}

// Close drains pending writebacks before releasing the registry.
func (a *App) Close() error {
	a.Manager.Close()
	return a.Registry.Close()
}

// SyncBuyers copies buyer names recorded on items into the buyers pick list.
func (a *App) SyncBuyers() {
	buyers := a.Manager.AllBuyers()
	if len(buyers) == 0 {
		return
	}
	names := make([]string, 0, len(buyers))
	for name := range buyers {
		names = append(names, name)
	}
	if err := a.RefData.MergeBuyers(names); err != nil {
		a.Logger.Warn().Err(err).Msg("buyer list update failed")
	}
}

// ParseLevel maps a config log level to zerolog, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return parsed
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// WatchedFiles lists every mapped source plus the mapping file itself, so an
// edit to either one triggers a reload.
func (a *App) WatchedFiles() []string {
	files := a.Mappings.FilePaths()
	if path := a.Mappings.Path(); path != "" {
		files = append(files, path)
	}
	return files
}
