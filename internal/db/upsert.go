package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig describes a keyed reference table (clients, hr_providers,
// client_contacts) written in bulk.
type UpsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols defaults to every column outside ConflictKeys.
	UpdateCols []string
}

func (c UpsertConfig) validate() error {
	if len(c.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(c.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	for _, k := range c.ConflictKeys {
		if c.columnIndex(k) < 0 {
			return eris.Errorf("db: upsert: conflict key %q is not a column of %s", k, c.Table)
		}
	}
	return nil
}

func (c UpsertConfig) columnIndex(name string) int {
	for i, col := range c.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

func (c UpsertConfig) updateCols() []string {
	if c.UpdateCols != nil {
		return c.UpdateCols
	}
	var cols []string
	for _, col := range c.Columns {
		if !contains(c.ConflictKeys, col) {
			cols = append(cols, col)
		}
	}
	return cols
}

func (c UpsertConfig) tempTable() string {
	return "_tmp_upsert_" + strings.ReplaceAll(c.Table, ".", "_")
}

// insertSQL moves the staged rows into the target table. A table whose
// columns are all keys (a pure link table) only needs DO NOTHING.
func (c UpsertConfig) insertSQL() string {
	cols := quoteAndJoin(c.Columns)
	action := "DO NOTHING"
	if upd := c.updateCols(); len(upd) > 0 {
		set := make([]string, len(upd))
		for i, col := range upd {
			id := pgx.Identifier{col}.Sanitize()
			set[i] = id + " = EXCLUDED." + id
		}
		action = "DO UPDATE SET " + strings.Join(set, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(c.Table), cols, cols,
		pgx.Identifier{c.tempTable()}.Sanitize(),
		quoteAndJoin(c.ConflictKeys), action,
	)
}

// dedupe keeps the last row for each conflict key, in first-seen order.
// ON CONFLICT refuses to touch the same target row twice in one statement,
// and an import file listing a client twice means "the later entry wins".
func (c UpsertConfig) dedupe(rows [][]any) [][]any {
	keyIdx := make([]int, len(c.ConflictKeys))
	for i, k := range c.ConflictKeys {
		keyIdx[i] = c.columnIndex(k)
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, len(keyIdx))
		for i, idx := range keyIdx {
			parts[i] = fmt.Sprint(row[idx])
		}
		key := strings.Join(parts, "\x00")
		if at, ok := pos[key]; ok {
			out[at] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	return out
}

// BulkUpsert stages rows in a temp table with COPY, then merges them into
// the target with INSERT ... ON CONFLICT in the same transaction. It returns
// the number of rows the merge touched.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}
	for i, row := range rows {
		if len(row) != len(cfg.Columns) {
			return 0, eris.Errorf("db: upsert: row %d of %s has %d values, want %d", i, cfg.Table, len(row), len(cfg.Columns))
		}
	}
	rows = cfg.dedupe(rows)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	temp := pgx.Identifier{cfg.tempTable()}
	createSQL := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		temp.Sanitize(), sanitizeTable(cfg.Table))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, temp, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	tag, err := tx.Exec(ctx, cfg.insertSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// sanitizeTable quotes a table name, keeping an optional schema prefix.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
