package remote

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type TokenConfig struct {
	BaseURL      string
	TokenPath    string
	ClientID     string
	ClientSecret string
}

// NewTokenSource returns a cached client-credentials token source. The
// exchange expects the credentials as form parameters.
func NewTokenSource(ctx context.Context, cfg TokenConfig) oauth2.TokenSource {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     strings.TrimRight(cfg.BaseURL, "/") + cfg.TokenPath,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cc.TokenSource(ctx)
}
