package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/healthobs/pkg/config"
	"github.com/nicktill/healthobs/pkg/engine"
	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/server"
	"github.com/nicktill/healthobs/pkg/stats"
	"github.com/nicktill/healthobs/pkg/storage/badger"
)

const exportBody = `{"observations": [
	{"timestamp": "2024-01-01T07:00:00Z", "source": "watch", "metric": "heart_rate", "value": 58},
	{"timestamp": "2024-01-01T19:00:00Z", "source": "watch", "metric": "heart_rate", "value": 62},
	{"timestamp": "2024-01-02T07:00:00Z", "source": "watch", "metric": "heart_rate", "value": null}
]}`

// TestE2E_ImportAndQuery runs an import and a statistics query through the full stack
func TestE2E_ImportAndQuery(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := badger.New(badger.Config{InMemory: true, Logger: logger})
	require.NoError(t, err)
	defer store.Close()

	cfg := config.Default()
	cfg.Refresh.Enabled = false
	ecfg, err := engine.ConfigFrom(cfg)
	require.NoError(t, err)
	ecfg.Logger = logger

	eng, err := engine.New(store, ecfg)
	require.NoError(t, err)
	defer eng.Close()

	importer := ingest.NewImporter(store, eng, ingest.Config{Logger: logger})
	router := server.NewHandler(eng, ingest.NewHandler(importer, logger), server.Options{Logger: logger}).Router()

	query := "/v1/statistics?metric=heart_rate&granularity=month&start=2024-01-15"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, query, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var before stats.PeriodStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &before))
	assert.True(t, before.Missing)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(exportBody)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var res ingest.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, 3, res.ObservationsImported)
	assert.Equal(t, 1, res.MissingValues)
	assert.Positive(t, res.Invalidated)

	// The month was cached as empty; the import must have evicted it
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, query, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var after stats.PeriodStatistics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &after))
	assert.Equal(t, int64(2), after.Count)
	assert.InDelta(t, 60.0, after.Mean.Value, 1e-12)
	// Jan 2 has only a missing value, so the month has an empty day
	assert.True(t, after.Missing)
}

func writeConfig(t *testing.T, dir string) (cfgPath, dataDir string) {
	t.Helper()
	dataDir = filepath.Join(dir, "data")
	cfgPath = filepath.Join(dir, "healthobs.yaml")
	body := fmt.Sprintf("storage:\n  data_dir: %s\nlog:\n  level: error\n", dataDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	return cfgPath, dataDir
}

func TestImportCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath, dataDir := writeConfig(t, dir)

	export := filepath.Join(dir, "export.json")
	require.NoError(t, os.WriteFile(export, []byte(exportBody), 0o644))

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "import", export})
	require.NoError(t, cmd.Execute())

	var res ingest.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, 3, res.ObservationsImported)
	assert.Equal(t, 1, res.Series)

	store, err := badger.New(badger.Config{Path: dataDir})
	require.NoError(t, err)
	defer store.Close()
	st, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.TotalObservations)
}

func TestImportCommand_MissingFile(t *testing.T) {
	cfgPath, _ := writeConfig(t, t.TempDir())

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "import", filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, cmd.Execute())
}

func TestRootCommand_BadConfig(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "import", "x.json"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestPrewarmComputesRecentDays(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store, err := badger.New(badger.Config{InMemory: true, Logger: logger})
	require.NoError(t, err)
	defer store.Close()

	eng, err := engine.New(store, engine.Config{DisableRefresh: true, Logger: logger})
	require.NoError(t, err)
	defer eng.Close()

	prewarm(context.Background(), eng, []string{"steps"}, 3, logger)

	today := stats.Date(time.Now().UTC())
	_, err = eng.TryStatistics(stats.DayKey("steps", nil, today))
	assert.NoError(t, err)
}
