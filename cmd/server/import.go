package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/ingest"
)

func newImportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE...",
		Short: "Import JSON observation exports into the store",
		Long: `Import reads files shaped like the body of POST /v1/import:

  {"observations": [{"timestamp": "...", "source": "...", "metric": "...", "value": 1.5}]}

A null value records a missing measurement. Run against a stopped server;
a running server only sees imports made through its API.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.importFiles(cmd, args)
		},
	}
}

func (a *app) importFiles(cmd *cobra.Command, paths []string) error {
	store, _, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	importer := ingest.NewImporter(store, nil, ingest.Config{Logger: a.logger})
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	var errs []error
	for _, path := range paths {
		res, err := importFile(cmd.Context(), importer, path)
		if res != nil {
			if encErr := enc.Encode(res); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			a.logger.Error("import failed", zap.String("file", path), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}

func importFile(ctx context.Context, importer *ingest.Importer, path string) (*ingest.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, config.ImportTimeout)
	defer cancel()
	return importer.ImportJSON(ctx, f)
}
