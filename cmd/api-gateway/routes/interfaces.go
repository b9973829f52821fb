package routes

import (
	"context"
	"net/url"

	"github.com/lgulliver/masterbase/internal/demodata"
	"github.com/lgulliver/masterbase/internal/provision"
	"github.com/lgulliver/masterbase/internal/stream"
	"github.com/lgulliver/masterbase/pkg/types"
)

// SessionService defines the contract for the session registry
type SessionService interface {
	OpenSession(ctx context.Context, apiKey string, meta types.SessionMetadata) (string, error)
	ActiveSessionID(ctx context.Context, apiKey string) (string, error)
	IsActive(ctx context.Context, apiKey, sessionID string) (bool, error)
}

// StreamRouter defines the contract for the upload stream router
type StreamRouter interface {
	Accept(ctx context.Context, apiKey, sessionID string) (*stream.Conn, error)
	Close(ctx context.Context, apiKey, sessionID string) (bool, error)
}

// ProvisionService defines the contract for identity onboarding
type ProvisionService interface {
	BeginSignIn(baseURL string) string
	CompleteSignIn(ctx context.Context, params url.Values) (*provision.Result, error)
}

// DemoDataService defines the contract for the analyst endpoints
type DemoDataService interface {
	SetLateBytes(ctx context.Context, apiKey, hexBytes string) error
	ListDemos(ctx context.Context, apiKey string, pageSize, pageNumber int) ([]types.DemoListing, error)
	Download(ctx context.Context, sessionID string) (*demodata.Demo, error)
}
