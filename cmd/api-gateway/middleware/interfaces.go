package middleware

import "context"

// KeyGuard is the subset of the access guard the HTTP layer depends on
type KeyGuard interface {
	RequireValidKey(ctx context.Context, apiKey string) error
	RequireNotActive(ctx context.Context, apiKey string) error
	RequireOwned(ctx context.Context, apiKey, sessionID string) error
	RequireAnalyst(ctx context.Context, apiKey string) error
}
