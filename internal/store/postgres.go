package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/db"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, e.g. a pgxmock pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool, migrationFS, "migrations"), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Work items ---

func (s *PostgresStore) CreateWorkItem(ctx context.Context, item *model.WorkItem) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO work_items (`+workItemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		args...,
	)
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicate, "postgres: create work item %s", item.ID)
	}
	return eris.Wrapf(err, "postgres: create work item %s", item.ID)
}

func (s *PostgresStore) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	it, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFound("work_item", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get work item %s", id)
	}
	return it, nil
}

func (s *PostgresStore) UpdateWorkItem(ctx context.Context, item *model.WorkItem, expected model.ProcessingStatus) error {
	item.UpdatedAt = time.Now().UTC()
	args, err := workItemArgs(item)
	if err != nil {
		return err
	}
	// Drop created_at; it never changes.
	args = append(args[:20], item.UpdatedAt, string(expected))

	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET
		   text = $2, title = $3, author_id = $4, author_name = $5, author_profile_ref = $6,
		   stage1 = $7, stage2 = $8, stage3 = $9, company_ref = $10, company_name = $11,
		   position = $12, employer_refs = $13, profile = $14, status = $15, filter_reason = $16,
		   last_error = $17, retry_count = $18, next_retry_at = $19, last_retried_at = $20,
		   updated_at = $21
		 WHERE id = $1 AND status = $22`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update work item %s", item.ID)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, item.ID, expected)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, f Failure) (int, error) {
	now := time.Now().UTC()
	var count int
	err := s.pool.QueryRow(ctx,
		`UPDATE work_items
		 SET retry_count = retry_count + 1, last_error = $1, next_retry_at = $2,
		     last_retried_at = $3, updated_at = $3
		 WHERE id = $4 AND status = $5
		 RETURNING retry_count`,
		f.Error, f.NextRetryAt.UTC(), now, id, string(f.Expected),
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.missOrConflict(ctx, id, f.Expected)
	}
	return count, eris.Wrapf(err, "postgres: record failure %s", id)
}

func (s *PostgresStore) ResetRetry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET retry_count = 0, next_retry_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewNotFound("work_item", id)
	}
	return nil
}

func (s *PostgresStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any
	argIdx := 1

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(` AND status = ANY($%d)`, argIdx)
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if filter.DueBefore != nil {
		query += fmt.Sprintf(` AND (next_retry_at IS NULL OR next_retry_at <= $%d)`, argIdx)
		args = append(args, filter.DueBefore.UTC())
		argIdx++
	}
	if filter.MaxRetries > 0 {
		query += fmt.Sprintf(` AND retry_count < $%d`, argIdx)
		args = append(args, filter.MaxRetries)
		argIdx++
	}
	if filter.MinRetries > 0 {
		query += fmt.Sprintf(` AND retry_count >= $%d`, argIdx)
		args = append(args, filter.MinRetries)
		argIdx++
	}
	query += ` ORDER BY created_at ASC, id ASC`

	if limit := filter.pageSize(); limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list work items")
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan work item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list work items iterate")
}

func (s *PostgresStore) DeleteWorkItems(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM work_items WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete work items")
	}
	return int(tag.RowsAffected()), nil
}

// missOrConflict tells a missing item apart from one that moved on.
func (s *PostgresStore) missOrConflict(ctx context.Context, id string, expected model.ProcessingStatus) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM work_items WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return resilience.NewNotFound("work_item", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status %s", id)
	}
	return eris.Wrapf(ErrStatusConflict, "work item %s: expected %s, found %s", id, expected, status)
}

// --- Leads ---

func (s *PostgresStore) CreateLead(ctx context.Context, lead *model.Lead) (bool, error) {
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	lead.CreatedAt, lead.UpdatedAt = now, now

	args, err := leadArgs(lead)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO leads (`+leadColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
		 ON CONFLICT (work_item_id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: create lead for %s", lead.WorkItemID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLeadByWorkItem(ctx context.Context, workItemID string) (*model.Lead, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE work_item_id = $1`, workItemID)
	l, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFound("lead", workItemID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead for %s", workItemID)
	}
	return l, nil
}

func (s *PostgresStore) ListLeadsWithHRProvider(ctx context.Context) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE matched_hr_provider IS NOT NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list hr-matched leads")
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrap(rows.Err(), "postgres: list hr-matched leads iterate")
}

func (s *PostgresStore) UpdateLead(ctx context.Context, lead *model.Lead) error {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET
		   author_name = $2, position = $3, company_ref = $4, company_name = $5,
		   company_industry = $6, company_size = $7, category = $8, past_employer_refs = $9,
		   approach_message = $10, message_status = $11, message_error = $12, status = $13,
		   matched_client = $14, matched_hr_provider = $15, had_client_history = $16,
		   last_contact_at = $17, phone = $18, notes = $19, updated_at = $20
		 WHERE id = $1`,
		lead.ID, lead.AuthorName, lead.Position, lead.CompanyRef, lead.CompanyName,
		lead.CompanyIndustry, lead.CompanySize, lead.Category, past,
		lead.ApproachMessage, string(lead.MessageStatus), lead.MessageError, string(lead.Status),
		client, hr, lead.HadClientHistory,
		lead.LastContactAt, lead.Phone, lead.Notes, lead.UpdatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update lead %s", lead.ID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewNotFound("lead", lead.ID)
	}
	return nil
}

// --- Reference data ---

func (s *PostgresStore) IsClientContact(ctx context.Context, authorID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM client_contacts WHERE author_id = $1)`, authorID,
	).Scan(&exists)
	return exists, eris.Wrap(err, "postgres: client contact lookup")
}

func (s *PostgresStore) FindClientByCompany(ctx context.Context, companyRef string) (*model.Client, error) {
	var c model.Client
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, company_ref FROM clients WHERE company_ref = $1 ORDER BY name LIMIT 1`, companyRef,
	).Scan(&c.ID, &c.Name, &c.CompanyRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find client %s", companyRef)
	}
	return &c, nil
}

func (s *PostgresStore) FindHRProviderByCompany(ctx context.Context, companyRef string) (*model.HRProvider, error) {
	var p model.HRProvider
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, company_ref FROM hr_providers WHERE company_ref = $1 ORDER BY name LIMIT 1`, companyRef,
	).Scan(&p.ID, &p.Name, &p.CompanyRef)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find hr provider %s", companyRef)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertClients(ctx context.Context, clients []model.Client) error {
	rows := make([][]any, len(clients))
	for i, c := range clients {
		rows[i] = []any{c.ID, c.Name, c.CompanyRef}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "clients",
		Columns:      []string{"id", "name", "company_ref"},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert clients")
}

func (s *PostgresStore) UpsertHRProviders(ctx context.Context, providers []model.HRProvider) error {
	rows := make([][]any, len(providers))
	for i, p := range providers {
		rows[i] = []any{p.ID, p.Name, p.CompanyRef}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "hr_providers",
		Columns:      []string{"id", "name", "company_ref"},
		ConflictKeys: []string{"id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert hr providers")
}

func (s *PostgresStore) UpsertClientContacts(ctx context.Context, contacts []model.ClientContact) error {
	rows := make([][]any, len(contacts))
	for i, c := range contacts {
		rows[i] = []any{c.AuthorID, c.ClientID, c.Name}
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "client_contacts",
		Columns:      []string{"author_id", "client_id", "name"},
		ConflictKeys: []string{"author_id", "client_id"},
	}, rows)
	return eris.Wrap(err, "postgres: upsert client contacts")
}

// --- Enrichment cache ---

func (s *PostgresStore) GetEnrichment(ctx context.Context, companyRef string) (*model.EnrichmentRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+enrichmentColumns+` FROM enrichment_records WHERE company_ref = $1`, companyRef)
	r, err := scanEnrichment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get enrichment %s", companyRef)
	}
	return r, nil
}

func (s *PostgresStore) UpsertEnrichment(ctx context.Context, rec *model.EnrichmentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.UpdatedAt = time.Now().UTC()
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO enrichment_records (`+enrichmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (company_ref) DO UPDATE SET
		   name = $3, description = $4, industry = $5, size = $6, headquarters = $7,
		   website = $8, status = $9, error = $10, last_enriched_at = $11, updated_at = $12
		 RETURNING id`,
		enrichmentArgs(rec)...,
	).Scan(&id)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert enrichment %s", rec.CompanyRef)
	}
	rec.ID = id
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
