package main

import (
	"bytes"
	"context"
	"math/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/healthobs/pkg/engine"
	"github.com/nicktill/healthobs/pkg/ingest"
	"github.com/nicktill/healthobs/pkg/server"
	"github.com/nicktill/healthobs/pkg/storage/memory"
)

func TestGenerate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := generate(start, 10, rand.New(rand.NewSource(7)), 0)
	require.Len(t, obs, 10*(24+1+1+1))

	again := generate(start, 10, rand.New(rand.NewSource(7)), 0)
	assert.Equal(t, obs, again)

	for _, o := range obs {
		require.NotNil(t, o.Value)
		assert.False(t, o.Timestamp.Before(start))
		assert.True(t, o.Timestamp.Before(start.AddDate(0, 0, 10)))
	}

	var before, last float64
	var nb, nl int
	for _, o := range obs {
		if o.Metric != "heart_rate" {
			continue
		}
		if o.Timestamp.Before(start.AddDate(0, 0, 9)) {
			before += *o.Value
			nb++
		} else {
			last += *o.Value
			nl++
		}
	}
	assert.Greater(t, last/float64(nl), before/float64(nb)+spikeDelta/2)
}

func TestGenerate_AllMissing(t *testing.T) {
	obs := generate(time.Now(), 2, rand.New(rand.NewSource(1)), 1)
	require.NotEmpty(t, obs)
	for _, o := range obs {
		assert.Nil(t, o.Value)
	}
}

func TestRunAgainstServer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := memory.New()
	e, err := engine.New(store, engine.Config{DisableRefresh: true, Logger: logger})
	require.NoError(t, err)
	defer e.Close()

	importer := ingest.NewImporter(store, e, ingest.Config{Logger: logger})
	srv := httptest.NewServer(server.NewHandler(e, ingest.NewHandler(importer, logger), server.Options{Logger: logger}).Router())
	defer srv.Close()

	var out bytes.Buffer
	err = run(context.Background(), &out, &options{endpoint: srv.URL, days: 45, seed: 3, missingRate: 0})
	require.NoError(t, err)

	assert.Contains(t, out.String(), "sent 1215 observations (0 failed)")
	assert.Contains(t, out.String(), "weekly heart_rate:")
	assert.Contains(t, out.String(), "steps vs sleep_hours")
}

func TestRun_InvalidDays(t *testing.T) {
	err := run(context.Background(), &bytes.Buffer{}, &options{endpoint: "http://localhost:1", days: 0})
	assert.Error(t, err)
}
