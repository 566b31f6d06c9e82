package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *int:
			*p = r.values[i].(int)
		case **time.Time:
			*p = r.values[i].(*time.Time)
		case *time.Time:
			*p = r.values[i].(time.Time)
		}
	}
	return nil
}

func TestScanRecord(t *testing.T) {
	started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	updated := started.Add(time.Minute)

	rec, err := scanRecord(fakeRow{values: []interface{}{
		"trailer", "job-1", "failed", 2, "encode:480p", "exit status 1",
		&started, (*time.Time)(nil), updated,
	}})
	require.NoError(t, err)

	assert.Equal(t, models.VideoID("trailer"), rec.VideoID)
	assert.Equal(t, models.PackagingStatusFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "encode:480p", rec.FailedStep)
	assert.Equal(t, &started, rec.StartedAt)
	assert.Nil(t, rec.CompletedAt)
	assert.Equal(t, updated, rec.UpdatedAt)

	_, err = scanRecord(fakeRow{err: errors.New("boom")})
	assert.Error(t, err)
}

func TestObserveLogsAndCounts(t *testing.T) {
	var buf bytes.Buffer
	repo := NewRepository(nil, logging.New(&buf, logging.Config{Level: "info", Format: "json"}))

	before := testutil.ToFloat64(metrics.DatabaseOperationsTotal.WithLabelValues("get_packaging_record", "error"))
	repo.observe("get_packaging_record", time.Now(), errors.New("conn refused"))
	after := testutil.ToFloat64(metrics.DatabaseOperationsTotal.WithLabelValues("get_packaging_record", "error"))
	assert.Equal(t, before+1, after)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "get_packaging_record", entry["operation"])
	assert.Equal(t, "database", entry["component"])
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "conn refused", entry["error"])
}

func TestDSN(t *testing.T) {
	got := dsn(config.DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", DBName: "abr",
		SSLMode: "disable", MaxConns: 10, MinConns: 2,
	})
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=abr sslmode=disable pool_max_conns=10 pool_min_conns=2", got)
}

// Integration tests run against ABRSTREAM_TEST_DATABASE_URL when set
func testRepository(t *testing.T) *Repository {
	t.Helper()

	url := os.Getenv("ABRSTREAM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test - ABRSTREAM_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := NewRepository(&DB{Pool: pool}, logging.NewNopLogger())
	require.NoError(t, repo.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, "DELETE FROM packaging_jobs")
	require.NoError(t, err)
	return repo
}

func TestRepository_PackagingRecords(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Millisecond)
	rec := models.PackagingRecord{
		VideoID:   "trailer",
		JobID:     "job-1",
		Status:    models.PackagingStatusInProgress,
		Attempts:  1,
		StartedAt: &started,
		UpdatedAt: started,
	}
	require.NoError(t, repo.RecordStatus(ctx, rec))

	completed := started.Add(time.Second)
	rec.Status = models.PackagingStatusReady
	rec.CompletedAt = &completed
	rec.UpdatedAt = completed
	require.NoError(t, repo.UpsertPackagingRecord(ctx, &rec))

	got, err := repo.GetPackagingRecord(ctx, "trailer")
	require.NoError(t, err)
	assert.Equal(t, models.PackagingStatusReady, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, completed.Equal(*got.CompletedAt))

	// stale transitions do not overwrite newer ones
	stale := rec
	stale.Status = models.PackagingStatusInProgress
	stale.UpdatedAt = started
	require.NoError(t, repo.UpsertPackagingRecord(ctx, &stale))
	got, err = repo.GetPackagingRecord(ctx, "trailer")
	require.NoError(t, err)
	assert.Equal(t, models.PackagingStatusReady, got.Status)

	require.NoError(t, repo.RecordStatus(ctx, models.PackagingRecord{
		VideoID: "teaser", Status: models.PackagingStatusFailed, Attempts: 1, UpdatedAt: completed.Add(time.Second),
	}))

	all, err := repo.ListPackagingRecords(ctx, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, models.VideoID("teaser"), all[0].VideoID)

	failed, err := repo.ListPackagingRecords(ctx, models.PackagingStatusFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	_, err = repo.GetPackagingRecord(ctx, "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
