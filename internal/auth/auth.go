// Package auth validates OpenID Connect bearer tokens and resolves the
// caller's tenant from the token's email domain.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"

	"reqflow/backend/internal/config"
	"reqflow/backend/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// TenantStore is the slice of the repository the middleware needs.
type TenantStore interface {
	GetTenantByDomain(ctx context.Context, domain string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
}

// Auth verifies bearer tokens against the configured OIDC issuer. The API
// is token-only; there is no browser login flow on this service.
type Auth struct {
	verifier *oidc.IDTokenVerifier
	tenants  TenantStore
	logger   Logger
	bypass   bool
}

// New prepares a token verifier from the application configuration. In dev
// mode with the bypass flag set, requests are authenticated as a local dev
// user without contacting an issuer.
func New(ctx context.Context, cfg *config.Config, tenants TenantStore, logger Logger) (*Auth, error) {
	bypass := strings.EqualFold(cfg.Environment, "dev") && cfg.Auth.DevModeBypass
	if bypass {
		return &Auth{tenants: tenants, logger: logger, bypass: true}, nil
	}

	if cfg.Auth.Issuer == "" {
		return nil, errors.New("auth configuration is incomplete: issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}

	// Access tokens often carry an API audience rather than the client id,
	// so the audience check is skipped here.
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})

	return &Auth{verifier: verifier, tenants: tenants, logger: logger}, nil
}

// RequireAuth is middleware that validates the Authorization bearer token
// and injects the resolved tenant id into the request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		email, err := a.authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		tenant, err := a.resolveTenant(r.Context(), email)
		if err != nil {
			a.logger.Error("failed to resolve tenant", "email", email, "error", err)
			http.Error(w, "failed to resolve tenant", http.StatusInternalServerError)
			return
		}

		ctx := context.WithValue(r.Context(), "tenant_id", tenant.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) authenticate(r *http.Request) (string, error) {
	if a.bypass {
		return "dev@localhost", nil
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("missing bearer token")
	}

	token, err := a.verifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return "", errors.New("invalid token: " + err.Error())
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", errors.New("failed to parse token claims")
	}
	if claims.Email == "" {
		return "", errors.New("token has no email claim")
	}
	return claims.Email, nil
}

// resolveTenant maps the email domain to a tenant, auto-provisioning one on
// first sight of a new domain.
func (a *Auth) resolveTenant(ctx context.Context, email string) (*models.Tenant, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return nil, errors.New("invalid email in token")
	}
	domain := parts[1]

	tenant, err := a.tenants.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}

	tenant = &models.Tenant{Name: domain, Domain: domain}
	if createErr := a.tenants.CreateTenant(ctx, tenant); createErr != nil {
		return nil, createErr
	}
	a.logger.Info("provisioned tenant", "domain", domain, "id", tenant.ID)
	return tenant, nil
}
