package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	"reqflow/backend/internal/config"
)

// SidecarHTTPClient returns an HTTP client that attaches client-credentials
// tokens to outbound sidecar calls. Without a configured token URL it
// returns nil and the caller falls back to plain HTTP, which is the normal
// local dev setup.
func SidecarHTTPClient(ctx context.Context, cfg *config.Config) *http.Client {
	if cfg.Auth.TokenURL == "" {
		return nil
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		TokenURL:     cfg.Auth.TokenURL,
		Scopes:       AllScopes,
	}
	return cc.Client(ctx)
}
