package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/healthsync/internal/domain"
	"github.com/xela07ax/healthsync/internal/infra"
)

// Schema - таблица сырых точек. Индекс под запрос суммы по (metric, ts).
const Schema = `
CREATE TABLE IF NOT EXISTS health_samples (
	id     UUID PRIMARY KEY,
	metric TEXT NOT NULL,
	ts     TIMESTAMPTZ NOT NULL,
	value  DOUBLE PRECISION NOT NULL,
	source TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS health_samples_metric_ts ON health_samples (metric, ts);
`

type SampleRepo struct {
	db *sql.DB
}

// NewSampleRepo открывает пул соединений к Postgres
func NewSampleRepo(cfg infra.DatabaseConfig) (*SampleRepo, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &SampleRepo{db: db}, nil
}

// NewSampleRepoFromDB - для уже открытого пула (и sqlmock в тестах)
func NewSampleRepoFromDB(db *sql.DB) *SampleRepo {
	return &SampleRepo{db: db}
}

// EnsureSchema создает таблицу при первом запуске
func (r *SampleRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// WriteBatch сохраняет пачку точек одним INSERT
func (r *SampleRepo) WriteBatch(ctx context.Context, batch []domain.Measurement) error {
	if len(batch) == 0 {
		return nil
	}

	const numFields = 5
	var sb strings.Builder
	vals := make([]interface{}, 0, len(batch)*numFields)

	// Динамически строим плейсхолдеры для пакетной вставки
	for i, m := range batch {
		if i > 0 {
			sb.WriteString(",")
		}
		p := i * numFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", p+1, p+2, p+3, p+4, p+5)
		vals = append(vals, m.ID, string(m.Metric), m.Timestamp, m.Value, m.Source)
	}

	query := "INSERT INTO health_samples (id, metric, ts, value, source) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write batch: %w", err)
	}
	return nil
}

// Sum - кумулятивная сумма по [start, end). Пустой диапазон дает 0, а не NULL.
func (r *SampleRepo) Sum(ctx context.Context, metric domain.Metric, start, end time.Time) (float64, error) {
	const query = `SELECT COALESCE(SUM(value), 0) FROM health_samples WHERE metric = $1 AND ts >= $2 AND ts < $3`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, string(metric), start, end).Scan(&total); err != nil {
		return 0, fmt.Errorf("postgres: sum %s: %w", metric, err)
	}
	return total, nil
}

// Ping проверяет доступность базы
func (r *SampleRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SampleRepo) Close() error {
	return r.db.Close()
}
