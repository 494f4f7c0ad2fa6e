package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reqflow/backend/pkg/models"
)

// tenantFrom pulls the tenant id the auth middleware injected. An empty
// string scopes queries to nothing, not to everything.
func tenantFrom(ctx context.Context) string {
	if id, ok := ctx.Value("tenant_id").(string); ok {
		return id
	}
	return ""
}

// PostgresRunStore is a PostgreSQL implementation of the Repository
// interface.
type PostgresRunStore struct {
	db *pgxpool.Pool
}

// NewPostgresRunStore creates a new PostgresRunStore.
func NewPostgresRunStore(db *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

// Ping verifies connectivity.
func (s *PostgresRunStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// SaveRun archives a terminal run, items serialized as jsonb.
func (s *PostgresRunStore) SaveRun(ctx context.Context, run *models.WorkflowRun) error {
	items, err := json.Marshal(run.Items)
	if err != nil {
		return fmt.Errorf("failed to marshal run items: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (correlation_id, tenant_id, phase, items, failure_reason, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			items = EXCLUDED.items,
			failure_reason = EXCLUDED.failure_reason,
			ended_at = EXCLUDED.ended_at`,
		run.CorrelationID, run.TenantID, run.Phase, items, run.FailureReason, run.StartedAt, run.EndedAt,
	)
	return err
}

// GetRun loads one archived run for the caller's tenant.
func (s *PostgresRunStore) GetRun(ctx context.Context, correlationID string) (*models.WorkflowRun, error) {
	row := s.db.QueryRow(ctx, `
		SELECT correlation_id, tenant_id, phase, items, failure_reason, started_at, ended_at
		FROM workflow_runs WHERE correlation_id = $1 AND tenant_id = $2`,
		correlationID, tenantFrom(ctx),
	)
	return scanRun(row)
}

// ListRuns returns the most recent archived runs for the caller's tenant.
func (s *PostgresRunStore) ListRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT correlation_id, tenant_id, phase, items, failure_reason, started_at, ended_at
		FROM workflow_runs WHERE tenant_id = $1
		ORDER BY started_at DESC LIMIT $2`,
		tenantFrom(ctx), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.WorkflowRun, error) {
	var (
		run   models.WorkflowRun
		items []byte
	)
	err := row.Scan(&run.CorrelationID, &run.TenantID, &run.Phase, &items, &run.FailureReason, &run.StartedAt, &run.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &run.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run items: %w", err)
		}
	}
	return &run, nil
}

// CreateDocument stores a source document for the caller's tenant.
func (s *PostgresRunStore) CreateDocument(ctx context.Context, doc *models.RequirementDocument) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO requirement_documents (id, tenant_id, name, content) VALUES ($1, $2, $3, $4)",
		doc.ID, tenantFrom(ctx), doc.Name, doc.Content,
	)
	return err
}

// ListDocuments returns the caller's tenant documents.
func (s *PostgresRunStore) ListDocuments(ctx context.Context) ([]*models.RequirementDocument, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, name, content FROM requirement_documents WHERE tenant_id = $1 ORDER BY name",
		tenantFrom(ctx),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.RequirementDocument
	for rows.Next() {
		var doc models.RequirementDocument
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.Content); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

// GetTenantByDomain looks a tenant up by its email domain.
func (s *PostgresRunStore) GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var tenant models.Tenant
	err := s.db.QueryRow(ctx,
		"SELECT id, name, domain, created_at, updated_at FROM tenants WHERE domain = $1",
		domain,
	).Scan(&tenant.ID, &tenant.Name, &tenant.Domain, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// CreateTenant inserts a tenant and fills in its generated id.
func (s *PostgresRunStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	return s.db.QueryRow(ctx,
		"INSERT INTO tenants (name, domain) VALUES ($1, $2) RETURNING id, created_at, updated_at",
		tenant.Name, tenant.Domain,
	).Scan(&tenant.ID, &tenant.CreatedAt, &tenant.UpdatedAt)
}
