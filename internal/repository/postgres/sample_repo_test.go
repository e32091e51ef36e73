package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/healthsync/internal/domain"
)

func newMock(t *testing.T) (*SampleRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSampleRepoFromDB(db), mock
}

func TestSampleRepoWriteBatch(t *testing.T) {
	repo, mock := newMock(t)
	ts := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	batch := []domain.Measurement{
		{ID: "a", Metric: domain.MetricStepCount, Timestamp: ts, Value: 100, Source: "watch"},
		{ID: "b", Metric: domain.MetricStepCount, Timestamp: ts.Add(time.Minute), Value: 50, Source: "phone"},
	}

	expected := regexp.QuoteMeta("INSERT INTO health_samples (id, metric, ts, value, source) VALUES ($1, $2, $3, $4, $5),($6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING")
	mock.ExpectExec(expected).
		WithArgs("a", "step_count", ts, 100.0, "watch", "b", "step_count", ts.Add(time.Minute), 50.0, "phone").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.WriteBatch(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleRepoWriteBatchEmpty(t *testing.T) {
	repo, mock := newMock(t)
	require.NoError(t, repo.WriteBatch(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleRepoSum(t *testing.T) {
	repo, mock := newMock(t)
	start := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query := regexp.QuoteMeta("SELECT COALESCE(SUM(value), 0) FROM health_samples WHERE metric = $1 AND ts >= $2 AND ts < $3")
	mock.ExpectQuery(query).
		WithArgs("step_count", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(4200.0))
	mock.ExpectQuery(query).
		WithArgs("step_count", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(0.0))

	total, err := repo.Sum(context.Background(), domain.MetricStepCount, start, end)
	require.NoError(t, err)
	assert.Equal(t, 4200.0, total)

	total, err = repo.Sum(context.Background(), domain.MetricStepCount, start, end)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSampleRepoSumError(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectQuery("SELECT COALESCE").WillReturnError(errors.New("connection reset"))

	_, err := repo.Sum(context.Background(), domain.MetricStepCount, time.Now(), time.Now())
	assert.ErrorContains(t, err, "connection reset")
}

func TestSampleRepoEnsureSchema(t *testing.T) {
	repo, mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS health_samples").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
