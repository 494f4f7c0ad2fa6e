package repository

import (
	"context"

	"reqflow/backend/pkg/models"
)

// Repository is the persistence surface: terminal run archives, source
// documents and tenants. Live runs never touch storage; the orchestrator's
// in-memory registry owns them until they reach a terminal phase.
type Repository interface {
	Ping(ctx context.Context) error

	// SaveRun archives a terminal run; saving the same correlation id again
	// overwrites the previous archive.
	SaveRun(ctx context.Context, run *models.WorkflowRun) error
	GetRun(ctx context.Context, correlationID string) (*models.WorkflowRun, error)
	ListRuns(ctx context.Context, limit int) ([]*models.WorkflowRun, error)

	CreateDocument(ctx context.Context, doc *models.RequirementDocument) error
	ListDocuments(ctx context.Context) ([]*models.RequirementDocument, error)

	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}
