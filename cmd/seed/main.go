package main

import (
	"context"
	"fmt"
	"log"

	"reqflow/backend/internal/config"
	"reqflow/backend/internal/logging"
	"reqflow/backend/internal/repository"
	"reqflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresRunStore(pool)

	// 1. Ensure the local dev tenant exists
	domain := "localhost"
	tenant, err := store.GetTenantByDomain(ctx, domain)
	if err != nil {
		logger.Info("Creating default tenant", "domain", domain)
		tenant = &models.Tenant{
			Name:   "Local Dev Tenant",
			Domain: domain,
		}
		if err := store.CreateTenant(ctx, tenant); err != nil {
			log.Fatalf("Failed to create tenant: %v", err)
		}
	} else {
		logger.Info("Found existing tenant", "id", tenant.ID)
	}

	// Subsequent operations are scoped to this tenant
	ctx = context.WithValue(ctx, "tenant_id", tenant.ID)

	// 2. Skip documents that were seeded on a previous run
	existing, err := store.ListDocuments(ctx)
	if err != nil {
		log.Fatalf("Failed to list existing documents: %v", err)
	}

	existingNames := make(map[string]bool)
	for _, d := range existing {
		existingNames[d.Name] = true
	}

	// 3. Seed sample requirement documents
	documents := []struct {
		Name    string
		Content string
	}{
		{
			"Checkout Service",
			"The checkout service must complete payment authorization within 2 seconds. " +
				"Failed authorizations are retried once before the order is rejected. " +
				"All order state changes must be recorded in an audit log.",
		},
		{
			"Notification Pipeline",
			"Customers should receive an order confirmation email within one minute of purchase. " +
				"The system should probably also send SMS alerts when a shipment is delayed.",
		},
		{
			"Reporting Dashboard",
			"Weekly revenue reports must be available to finance users by Monday 06:00 UTC. " +
				"Report exports support CSV and PDF formats.",
		},
	}

	for _, d := range documents {
		if existingNames[d.Name] {
			logger.Info("Skipping existing document", "name", d.Name)
			continue
		}

		doc := &models.RequirementDocument{
			ID:      uuid.New().String(),
			Name:    d.Name,
			Content: d.Content,
		}

		if err := store.CreateDocument(ctx, doc); err != nil {
			log.Printf("Failed to create document %s: %v", d.Name, err)
		} else {
			logger.Info("Seeded document", "name", d.Name, "id", doc.ID)
		}
	}
	logger.Info("Seeding complete!")
}
