package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS work_items (
	id                 TEXT PRIMARY KEY,
	text               TEXT NOT NULL,
	title              TEXT NOT NULL DEFAULT '',
	author_id          TEXT NOT NULL,
	author_name        TEXT NOT NULL DEFAULT '',
	author_profile_ref TEXT NOT NULL,
	stage1             TEXT,
	stage2             TEXT,
	stage3             TEXT,
	company_ref        TEXT NOT NULL DEFAULT '',
	company_name       TEXT NOT NULL DEFAULT '',
	position           TEXT NOT NULL DEFAULT '',
	employer_refs      TEXT,
	profile            TEXT,
	status             TEXT NOT NULL DEFAULT 'pending',
	filter_reason      TEXT NOT NULL DEFAULT '',
	last_error         TEXT NOT NULL DEFAULT '',
	retry_count        INTEGER NOT NULL DEFAULT 0,
	next_retry_at      DATETIME,
	last_retried_at    DATETIME,
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_work_items_status_due ON work_items(status, next_retry_at);

CREATE TABLE IF NOT EXISTS leads (
	id                  TEXT PRIMARY KEY,
	work_item_id        TEXT NOT NULL UNIQUE,
	author_id           TEXT NOT NULL,
	author_name         TEXT NOT NULL DEFAULT '',
	author_profile_ref  TEXT NOT NULL DEFAULT '',
	position            TEXT NOT NULL DEFAULT '',
	company_ref         TEXT NOT NULL DEFAULT '',
	company_name        TEXT NOT NULL DEFAULT '',
	company_industry    TEXT NOT NULL DEFAULT '',
	company_size        TEXT NOT NULL DEFAULT '',
	category            TEXT NOT NULL DEFAULT '',
	past_employer_refs  TEXT,
	approach_message    TEXT NOT NULL DEFAULT '',
	message_status      TEXT NOT NULL DEFAULT '',
	message_error       TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'completed',
	matched_client      TEXT,
	matched_hr_provider TEXT,
	had_client_history  BOOLEAN NOT NULL DEFAULT 0,
	last_contact_at     DATETIME,
	phone               TEXT NOT NULL DEFAULT '',
	notes               TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS clients (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	company_ref TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_clients_company_ref ON clients(company_ref);

CREATE TABLE IF NOT EXISTS hr_providers (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	company_ref TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_hr_providers_company_ref ON hr_providers(company_ref);

CREATE TABLE IF NOT EXISTS client_contacts (
	author_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (author_id, client_id)
);

CREATE TABLE IF NOT EXISTS enrichment_records (
	id               TEXT PRIMARY KEY,
	company_ref      TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	industry         TEXT NOT NULL DEFAULT '',
	size             TEXT NOT NULL DEFAULT '',
	headquarters     TEXT NOT NULL DEFAULT '',
	website          TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	error            TEXT NOT NULL DEFAULT '',
	last_enriched_at DATETIME,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Work items ---

func (s *SQLiteStore) CreateWorkItem(ctx context.Context, item *model.WorkItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = model.StatusPending
	}

	args, err := workItemArgs(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items (`+workItemColumns+`) VALUES (`+placeholders(len(args))+`)`,
		args...,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrDuplicate, "sqlite: create work item %s", item.ID)
	}
	return eris.Wrapf(err, "sqlite: create work item %s", item.ID)
}

func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.NewNotFound("work_item", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get work item %s", id)
	}
	return it, nil
}

func (s *SQLiteStore) UpdateWorkItem(ctx context.Context, item *model.WorkItem, expected model.ProcessingStatus) error {
	item.UpdatedAt = time.Now().UTC()
	args, err := workItemArgs(item)
	if err != nil {
		return err
	}
	// Move id to the WHERE clause and drop created_at.
	args = append(args[1:20], item.UpdatedAt, item.ID, string(expected))

	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET
		   text = ?, title = ?, author_id = ?, author_name = ?, author_profile_ref = ?,
		   stage1 = ?, stage2 = ?, stage3 = ?, company_ref = ?, company_name = ?,
		   position = ?, employer_refs = ?, profile = ?, status = ?, filter_reason = ?,
		   last_error = ?, retry_count = ?, next_retry_at = ?, last_retried_at = ?,
		   updated_at = ?
		 WHERE id = ? AND status = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update work item %s", item.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.missOrConflict(ctx, item.ID, expected)
	}
	return nil
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, f Failure) (int, error) {
	now := time.Now().UTC()
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE work_items
		 SET retry_count = retry_count + 1, last_error = ?, next_retry_at = ?,
		     last_retried_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?
		 RETURNING retry_count`,
		f.Error, f.NextRetryAt.UTC(), now, now, id, string(f.Expected),
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.missOrConflict(ctx, id, f.Expected)
	}
	return count, eris.Wrapf(err, "sqlite: record failure %s", id)
}

func (s *SQLiteStore) ResetRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET retry_count = 0, next_retry_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset retry %s", id)
	}
	return checkRowsAffected(res, "work_item", id)
}

func (s *SQLiteStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range statusStrings(filter.Statuses) {
			args = append(args, st)
		}
	}
	if filter.DueBefore != nil {
		query += ` AND (next_retry_at IS NULL OR next_retry_at <= ?)`
		args = append(args, filter.DueBefore.UTC())
	}
	if filter.MaxRetries > 0 {
		query += ` AND retry_count < ?`
		args = append(args, filter.MaxRetries)
	}
	if filter.MinRetries > 0 {
		query += ` AND retry_count >= ?`
		args = append(args, filter.MinRetries)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	if limit := filter.pageSize(); limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list work items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan work item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list work items iterate")
}

func (s *SQLiteStore) DeleteWorkItems(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete work items")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) missOrConflict(ctx context.Context, id string, expected model.ProcessingStatus) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM work_items WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return resilience.NewNotFound("work_item", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read status %s", id)
	}
	return eris.Wrapf(ErrStatusConflict, "work item %s: expected %s, found %s", id, expected, status)
}

// --- Leads ---

func (s *SQLiteStore) CreateLead(ctx context.Context, lead *model.Lead) (bool, error) {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	lead.CreatedAt, lead.UpdatedAt = now, now

	args, err := leadArgs(lead)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (`+leadColumns+`) VALUES (`+placeholders(len(args))+`)
		 ON CONFLICT (work_item_id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: create lead for %s", lead.WorkItemID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) GetLeadByWorkItem(ctx context.Context, workItemID string) (*model.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE work_item_id = ?`, workItemID)
	l, err := scanLead(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.NewNotFound("lead", workItemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead for %s", workItemID)
	}
	return l, nil
}

func (s *SQLiteStore) ListLeadsWithHRProvider(ctx context.Context) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE matched_hr_provider IS NOT NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list hr-matched leads")
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "sqlite: list hr-matched leads iterate")
}

func (s *SQLiteStore) UpdateLead(ctx context.Context, lead *model.Lead) error {
	lead.UpdatedAt = time.Now().UTC()
	past, err := jsonArg(lead.PastEmployerRefs)
	if err != nil {
		return err
	}
	client, err := jsonArg(lead.MatchedClient)
	if err != nil {
		return err
	}
	hr, err := jsonArg(lead.MatchedHRProvider)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET
		   author_name = ?, position = ?, company_ref = ?, company_name = ?,
		   company_industry = ?, company_size = ?, category = ?, past_employer_refs = ?,
		   approach_message = ?, message_status = ?, message_error = ?, status = ?,
		   matched_client = ?, matched_hr_provider = ?, had_client_history = ?,
		   last_contact_at = ?, phone = ?, notes = ?, updated_at = ?
		 WHERE id = ?`,
		lead.AuthorName, lead.Position, lead.CompanyRef, lead.CompanyName,
		lead.CompanyIndustry, lead.CompanySize, lead.Category, past,
		lead.ApproachMessage, string(lead.MessageStatus), lead.MessageError, string(lead.Status),
		client, hr, lead.HadClientHistory,
		lead.LastContactAt, lead.Phone, lead.Notes, lead.UpdatedAt, lead.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update lead %s", lead.ID)
	}
	return checkRowsAffected(res, "lead", lead.ID)
}

// --- Reference data ---

func (s *SQLiteStore) IsClientContact(ctx context.Context, authorID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM client_contacts WHERE author_id = ?)`, authorID,
	).Scan(&exists)
	return exists, eris.Wrap(err, "sqlite: client contact lookup")
}

func (s *SQLiteStore) FindClientByCompany(ctx context.Context, companyRef string) (*model.Client, error) {
	var c model.Client
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, company_ref FROM clients WHERE company_ref = ? ORDER BY name LIMIT 1`, companyRef,
	).Scan(&c.ID, &c.Name, &c.CompanyRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find client %s", companyRef)
	}
	return &c, nil
}

func (s *SQLiteStore) FindHRProviderByCompany(ctx context.Context, companyRef string) (*model.HRProvider, error) {
	var p model.HRProvider
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, company_ref FROM hr_providers WHERE company_ref = ? ORDER BY name LIMIT 1`, companyRef,
	).Scan(&p.ID, &p.Name, &p.CompanyRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find hr provider %s", companyRef)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertClients(ctx context.Context, clients []model.Client) error {
	rows := make([][]any, len(clients))
	for i, c := range clients {
		rows[i] = []any{c.ID, c.Name, c.CompanyRef}
	}
	return s.upsertRows(ctx,
		`INSERT INTO clients (id, name, company_ref) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, company_ref = excluded.company_ref`,
		rows, "clients")
}

func (s *SQLiteStore) UpsertHRProviders(ctx context.Context, providers []model.HRProvider) error {
	rows := make([][]any, len(providers))
	for i, p := range providers {
		rows[i] = []any{p.ID, p.Name, p.CompanyRef}
	}
	return s.upsertRows(ctx,
		`INSERT INTO hr_providers (id, name, company_ref) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, company_ref = excluded.company_ref`,
		rows, "hr providers")
}

func (s *SQLiteStore) UpsertClientContacts(ctx context.Context, contacts []model.ClientContact) error {
	rows := make([][]any, len(contacts))
	for i, c := range contacts {
		rows[i] = []any{c.AuthorID, c.ClientID, c.Name}
	}
	return s.upsertRows(ctx,
		`INSERT INTO client_contacts (author_id, client_id, name) VALUES (?, ?, ?)
		 ON CONFLICT (author_id, client_id) DO UPDATE SET name = excluded.name`,
		rows, "client contacts")
}

// upsertRows runs stmt once per row inside a single transaction.
func (s *SQLiteStore) upsertRows(ctx context.Context, stmt string, rows [][]any, what string) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert %s: begin tx", what)
	}
	defer tx.Rollback() //nolint:errcheck

	prep, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert %s: prepare", what)
	}
	defer prep.Close() //nolint:errcheck

	for _, r := range rows {
		if _, err := prep.ExecContext(ctx, r...); err != nil {
			return eris.Wrapf(err, "sqlite: upsert %s", what)
		}
	}
	return eris.Wrapf(tx.Commit(), "sqlite: upsert %s: commit", what)
}

// --- Enrichment cache ---

func (s *SQLiteStore) GetEnrichment(ctx context.Context, companyRef string) (*model.EnrichmentRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+enrichmentColumns+` FROM enrichment_records WHERE company_ref = ?`, companyRef)
	r, err := scanEnrichment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get enrichment %s", companyRef)
	}
	return r, nil
}

func (s *SQLiteStore) UpsertEnrichment(ctx context.Context, rec *model.EnrichmentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()
	var id string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO enrichment_records (`+enrichmentColumns+`) VALUES (`+placeholders(12)+`)
		 ON CONFLICT (company_ref) DO UPDATE SET
		   name = excluded.name, description = excluded.description, industry = excluded.industry,
		   size = excluded.size, headquarters = excluded.headquarters, website = excluded.website,
		   status = excluded.status, error = excluded.error,
		   last_enriched_at = excluded.last_enriched_at, updated_at = excluded.updated_at
		 RETURNING id`,
		enrichmentArgs(rec)...,
	).Scan(&id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert enrichment %s", rec.CompanyRef)
	}
	rec.ID = id
	return nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return resilience.NewNotFound(entity, id)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
