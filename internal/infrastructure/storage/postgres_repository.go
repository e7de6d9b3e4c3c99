package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/ports"
)

const recordsTable = "visa_records"

const schema = `CREATE TABLE IF NOT EXISTS visa_records (
    passport         TEXT PRIMARY KEY,
    full_name        TEXT NOT NULL,
    birthday         TEXT NOT NULL,
    student_id       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT '',
    application_date TEXT NOT NULL DEFAULT '',
    last_checked     TIMESTAMPTZ,
    auto_check       BOOLEAN NOT NULL DEFAULT TRUE,
    api_response     JSONB,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const uniqueViolation = "23505"

var recordColumns = []string{
	"passport", "full_name", "birthday", "student_id", "status",
	"application_date", "last_checked", "auto_check", "api_response",
}

// PostgresRepository persists tracked records into Postgres.
type PostgresRepository struct {
	db   *sql.DB
	psql sq.StatementBuilderType
}

var _ ports.RecordRepository = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// OpenPostgres opens a pooled connection and verifies it.
func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the records table when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListAutoCheck(ctx context.Context) ([]domain.Record, error) {
	return r.list(ctx, sq.Eq{"auto_check": true})
}

func (r *PostgresRepository) List(ctx context.Context) ([]domain.Record, error) {
	return r.list(ctx, nil)
}

func (r *PostgresRepository) list(ctx context.Context, where sq.Sqlizer) ([]domain.Record, error) {
	builder := r.psql.Select(recordColumns...).From(recordsTable).OrderBy("full_name", "passport")
	if where != nil {
		builder = builder.Where(where)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var result []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) Get(ctx context.Context, passport string) (domain.Record, error) {
	query, args, err := r.psql.Select(recordColumns...).From(recordsTable).
		Where(sq.Eq{"passport": passport}).ToSql()
	if err != nil {
		return domain.Record{}, fmt.Errorf("build get query: %w", err)
	}

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, domain.ErrRecordNotFound
	}
	return rec, err
}

func (r *PostgresRepository) Create(ctx context.Context, record domain.Record) error {
	query, args, err := r.psql.Insert(recordsTable).Columns(recordColumns...).Values(
		record.Passport,
		record.FullName,
		record.Birthday,
		record.StudentID,
		record.Status,
		record.ApplicationDate,
		nullTime(record.LastChecked),
		record.AutoCheck,
		jsonParam(record.APIResponse),
	).ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrRecordExists
		}
		return fmt.Errorf("insert record %s: %w", record.Passport, err)
	}
	return nil
}

func (r *PostgresRepository) UpdateDetails(ctx context.Context, passport string, details domain.Details) error {
	return r.update(ctx, passport, r.psql.Update(recordsTable).
		Set("full_name", details.FullName).
		Set("birthday", details.Birthday).
		Set("student_id", details.StudentID).
		Set("auto_check", details.AutoCheck))
}

func (r *PostgresRepository) ApplyCheck(ctx context.Context, passport string, update domain.CheckUpdate) error {
	builder := r.psql.Update(recordsTable).
		Set("status", update.Status).
		Set("last_checked", nullTime(update.CheckedAt)).
		Set("api_response", jsonParam(update.APIResponse))
	if update.ApplicationDate != "" {
		builder = builder.Set("application_date", update.ApplicationDate)
	}
	return r.update(ctx, passport, builder)
}

func (r *PostgresRepository) update(ctx context.Context, passport string, builder sq.UpdateBuilder) error {
	query, args, err := builder.
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"passport": passport}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update record %s: %w", passport, err)
	}
	return requireAffected(res)
}

func (r *PostgresRepository) Delete(ctx context.Context, passport string) error {
	query, args, err := r.psql.Delete(recordsTable).Where(sq.Eq{"passport": passport}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", passport, err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var (
		rec         domain.Record
		lastChecked sql.NullTime
		apiResponse []byte
	)
	err := row.Scan(
		&rec.Passport,
		&rec.FullName,
		&rec.Birthday,
		&rec.StudentID,
		&rec.Status,
		&rec.ApplicationDate,
		&lastChecked,
		&rec.AutoCheck,
		&apiResponse,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, err
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("scan record: %w", err)
	}
	if lastChecked.Valid {
		rec.LastChecked = lastChecked.Time
	}
	if len(apiResponse) > 0 {
		rec.APIResponse = json.RawMessage(apiResponse)
	}
	return rec, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// jsonParam passes JSON as text so Postgres casts it into the JSONB column.
func jsonParam(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
