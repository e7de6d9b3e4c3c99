package storage

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VisaTracker/internal/domain"
)

func newMockRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresRepository(db), mock
}

func TestPostgresListAutoCheck(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t)

	checked := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(recordColumns).
		AddRow("AA1234567", "JOHN DOE", "2000-01-01", "", "APPROVED", "2024-05-01", checked, true, []byte(`{"status":"COMPLETED"}`)).
		AddRow("BB7654321", "ZED", "1999-09-09", "S1", "Pending", "", nil, true, nil)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT passport, full_name, birthday, student_id, status, application_date, last_checked, auto_check, api_response FROM visa_records WHERE auto_check = $1 ORDER BY full_name, passport",
	)).WithArgs(true).WillReturnRows(rows)

	records, err := repo.ListAutoCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "APPROVED", records[0].Status)
	assert.Equal(t, checked, records[0].LastChecked)
	assert.JSONEq(t, `{"status":"COMPLETED"}`, string(records[0].APIResponse))
	assert.True(t, records[1].LastChecked.IsZero())
	assert.Nil(t, records[1].APIResponse)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM visa_records WHERE passport = \$1`).
		WithArgs("AA0000000").
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := repo.Get(context.Background(), "AA0000000")
	assert.True(t, errors.Is(err, domain.ErrRecordNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateDuplicate(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`INSERT INTO visa_records \(passport,full_name,.+\) VALUES \(\$1,\$2,\$3,\$4,\$5,\$6,\$7,\$8,\$9\)`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := repo.Create(context.Background(), domain.Record{Passport: "AA1234567", FullName: "JOHN DOE", Status: domain.StatusPending})
	assert.True(t, errors.Is(err, domain.ErrRecordExists))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresApplyCheck(t *testing.T) {
	t.Parallel()

	t.Run("with application date", func(t *testing.T) {
		t.Parallel()
		repo, mock := newMockRepo(t)

		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE visa_records SET status = $1, last_checked = $2, api_response = $3, application_date = $4, updated_at = NOW() WHERE passport = $5",
		)).WithArgs("APPROVED", sqlmock.AnyArg(), `{"a":1}`, "2024-01-01", "AA1234567").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := repo.ApplyCheck(context.Background(), "AA1234567", domain.CheckUpdate{
			Status: "APPROVED", ApplicationDate: "2024-01-01", CheckedAt: time.Now(), APIResponse: json.RawMessage(`{"a":1}`),
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("without application date", func(t *testing.T) {
		t.Parallel()
		repo, mock := newMockRepo(t)

		mock.ExpectExec(regexp.QuoteMeta(
			"UPDATE visa_records SET status = $1, last_checked = $2, api_response = $3, updated_at = NOW() WHERE passport = $4",
		)).WithArgs("Pending", sqlmock.AnyArg(), nil, "AA1234567").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.ApplyCheck(context.Background(), "AA1234567", domain.CheckUpdate{Status: "Pending", CheckedAt: time.Now()})
		assert.True(t, errors.Is(err, domain.ErrRecordNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresDeleteAndSchema(t *testing.T) {
	t.Parallel()
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS visa_records`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM visa_records WHERE passport = $1")).
		WithArgs("AA1234567").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	require.NoError(t, repo.Delete(context.Background(), "AA1234567"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
