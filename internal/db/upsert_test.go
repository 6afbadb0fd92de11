package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBulkUpsert_EmptyRows(t *testing.T) {
	n, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "clients",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkUpsert_NoColumns(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "clients",
		ConflictKeys: []string{"id"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkUpsert_NoConflictKeys(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:   "clients",
		Columns: []string{"id", "name"},
	}, [][]any{{1, "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no conflict keys specified")
}

func TestBulkUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name", "company_ref"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_hr_providers"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "hr_providers"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "hr_providers",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{"p1", "Adecco", "c1"}, {"p2", "Randstad", "c2"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_clients"}, cols).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	_, err = BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "clients",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{"c1", "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table for clients")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkUpsert_UnknownConflictKey(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "clients",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"company_ref"},
	}, [][]any{{"c1", "Acme"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a column")
}

func TestBulkUpsert_RowWidthMismatch(t *testing.T) {
	_, err := BulkUpsert(context.Background(), nil, UpsertConfig{
		Table:        "clients",
		Columns:      []string{"id", "name"},
		ConflictKeys: []string{"id"},
	}, [][]any{{"c1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has 1 values, want 2")
}

func TestBulkUpsert_DuplicateKeysCopiedOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "name", "company_ref"}
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TEMP TABLE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_clients"}, cols).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "clients"`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := BulkUpsert(context.Background(), mock, UpsertConfig{
		Table:        "clients",
		Columns:      cols,
		ConflictKeys: []string{"id"},
	}, [][]any{{"c1", "Acme", "1"}, {"c2", "Globex", "2"}, {"c1", "Acme SA", "1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupe_LastRowWins(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "client_contacts",
		Columns:      []string{"author_id", "client_id", "name"},
		ConflictKeys: []string{"author_id", "client_id"},
	}
	got := cfg.dedupe([][]any{
		{"a1", "c1", "old"},
		{"a1", "c2", "other client"},
		{"a1", "c1", "new"},
	})
	assert.Equal(t, [][]any{{"a1", "c1", "new"}, {"a1", "c2", "other client"}}, got)
}

func TestInsertSQL(t *testing.T) {
	cfg := UpsertConfig{
		Table:        "hr_providers",
		Columns:      []string{"id", "name", "company_ref"},
		ConflictKeys: []string{"id"},
	}
	assert.Equal(t,
		`INSERT INTO "hr_providers" ("id", "name", "company_ref") SELECT "id", "name", "company_ref" FROM "_tmp_upsert_hr_providers" ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name", "company_ref" = EXCLUDED."company_ref"`,
		cfg.insertSQL())

	link := UpsertConfig{Table: "crm.links", Columns: []string{"a", "b"}, ConflictKeys: []string{"a", "b"}}
	assert.Equal(t,
		`INSERT INTO "crm"."links" ("a", "b") SELECT "a", "b" FROM "_tmp_upsert_crm_links" ON CONFLICT ("a", "b") DO NOTHING`,
		link.insertSQL())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"crm.clients", `"crm"."clients"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := sanitizeTable(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	result := quoteAndJoin([]string{"id", "name", "value"})
	assert.Equal(t, `"id", "name", "value"`, result)
}
