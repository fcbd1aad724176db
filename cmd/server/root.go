package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/storage"
	"github.com/nicktill/healthobs/pkg/storage/badger"
	"github.com/nicktill/healthobs/pkg/storage/memory"
)

type app struct {
	configPath string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "healthobs",
		Short:        "Cached period statistics over personal health metrics",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(newServeCommand(a))
	root.AddCommand(newImportCommand(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	a.cfg = cfg
	a.logger = logger
	return nil
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	zc.Level = level
	return zc.Build()
}

// openStore opens the configured backend. The badger handle is nil for in-memory stores.
func (a *app) openStore() (storage.Backend, *badger.Storage, error) {
	if a.cfg.Storage.InMemory {
		a.logger.Info("using in-memory storage")
		return memory.New(), nil, nil
	}
	store, err := badger.New(badger.Config{
		Path:        a.cfg.Storage.DataDir,
		MaxMemoryMB: a.cfg.Storage.MaxMemoryMB,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.Info("badger storage initialized",
		zap.String("data_dir", a.cfg.Storage.DataDir),
		zap.Int64("max_memory_mb", a.cfg.Storage.MaxMemoryMB))
	return store, store, nil
}
