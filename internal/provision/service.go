// Package provision mints API keys for identities verified through Steam's
// OpenID 2.0 provider.
package provision

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/store"
	"github.com/lgulliver/masterbase/pkg/config"
	"github.com/lgulliver/masterbase/pkg/types"
	"github.com/lgulliver/masterbase/pkg/utils"
	"github.com/rs/zerolog/log"
)

const (
	openIDNamespace        = "http://specs.openid.net/auth/2.0"
	openIDIdentifierSelect = "http://specs.openid.net/auth/2.0/identifier_select"
	handlerPath            = "/provision_handler"
	verifyAttempts         = 3
	maxVerifyBody          = 64 << 10
)

// Status is the outcome of a completed sign in
type Status string

const (
	StatusNew                Status = "new"
	StatusAlreadyProvisioned Status = "already_provisioned"
)

// Result is returned by CompleteSignIn. APIKey is only set for StatusNew.
type Result struct {
	Status  Status
	SteamID string
	APIKey  string
}

// Service handles the OpenID round trip and key minting
type Service struct {
	store       store.Store
	client      *http.Client
	endpoint    string
	development bool
	newKey      func() string
	newBackOff  func() backoff.BackOff
}

// NewService creates a provisioning service
func NewService(st store.Store, cfg config.SteamConfig) *Service {
	return &Service{
		store:       st,
		client:      &http.Client{Timeout: cfg.VerifyTimeout},
		endpoint:    cfg.OpenIDEndpoint,
		development: cfg.Development,
		newKey:      utils.GenerateUUIDInt,
		newBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// BeginSignIn returns the provider URL the user is redirected to. baseURL is
// the public origin of this server; it is forced to https outside
// development.
func (s *Service) BeginSignIn(baseURL string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if !s.development && strings.HasPrefix(baseURL, "http://") {
		baseURL = "https://" + strings.TrimPrefix(baseURL, "http://")
	}

	params := url.Values{}
	params.Set("openid.ns", openIDNamespace)
	params.Set("openid.mode", "checkid_setup")
	params.Set("openid.return_to", baseURL+handlerPath)
	params.Set("openid.realm", baseURL+handlerPath)
	params.Set("openid.identity", openIDIdentifierSelect)
	params.Set("openid.claimed_id", openIDIdentifierSelect)

	return s.endpoint + "?" + params.Encode()
}

// CompleteSignIn verifies the assertion the provider sent back and returns
// the key for the identity. An identity that already has a key is reported
// as StatusAlreadyProvisioned and the key is never revealed again.
func (s *Service) CompleteSignIn(ctx context.Context, params url.Values) (*Result, error) {
	for _, field := range []string{"openid.assoc_handle", "openid.signed", "openid.sig", "openid.ns", "openid.claimed_id"} {
		if params.Get(field) == "" {
			return nil, fmt.Errorf("%w: missing %s", common.ErrUnauthorized, field)
		}
	}

	valid, err := s.verify(ctx, checkAuthenticationParams(params))
	if err != nil {
		log.Error().Err(err).Msg("openid verification failed")
		return nil, err
	}
	if !valid {
		return nil, fmt.Errorf("%w: provider rejected the assertion", common.ErrUnauthorized)
	}

	steamID := utils.SteamIDFromClaimedID(params.Get("openid.claimed_id"))
	if !utils.IsDecimalID(steamID) {
		return nil, fmt.Errorf("%w: unexpected claimed id", common.ErrUnauthorized)
	}

	_, err = s.store.APIKeyByIdentity(ctx, steamID)
	switch {
	case err == nil:
		log.Info().Str("steam_id", steamID).Msg("identity already provisioned")
		return &Result{Status: StatusAlreadyProvisioned, SteamID: steamID}, nil
	case !errors.Is(err, store.ErrRecordNotFound):
		return nil, err
	}

	now := time.Now().UTC()
	key := &types.APIKey{SteamID: steamID, Key: s.newKey(), CreatedAt: now, UpdatedAt: now}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return &Result{Status: StatusAlreadyProvisioned, SteamID: steamID}, nil
		}
		return nil, err
	}

	log.Info().Str("steam_id", steamID).Msg("provisioned new api key")
	return &Result{Status: StatusNew, SteamID: steamID, APIKey: key.Key}, nil
}

// checkAuthenticationParams echoes the signed assertion back in
// check_authentication mode
func checkAuthenticationParams(params url.Values) url.Values {
	out := url.Values{}
	for _, field := range []string{"openid.assoc_handle", "openid.signed", "openid.sig", "openid.ns"} {
		out.Set(field, params.Get(field))
	}
	for _, item := range strings.Split(params.Get("openid.signed"), ",") {
		field := "openid." + strings.TrimSpace(item)
		if _, ok := out[field]; !ok {
			out.Set(field, params.Get(field))
		}
	}
	out.Set("openid.mode", "check_authentication")
	return out
}

func (s *Service) verify(ctx context.Context, params url.Values) (bool, error) {
	operation := func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return false, backoff.Permanent(fmt.Errorf("%w: %v", common.ErrUpstreamVerification, err))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("%w: %v", common.ErrUpstreamVerification, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return false, fmt.Errorf("%w: provider returned %d", common.ErrUpstreamVerification, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return false, backoff.Permanent(fmt.Errorf("%w: provider returned %d", common.ErrUpstreamVerification, resp.StatusCode))
		}

		valid, err := parseVerdict(io.LimitReader(resp.Body, maxVerifyBody))
		if err != nil {
			return false, backoff.Permanent(err)
		}
		return valid, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(verifyAttempts))
}

// parseVerdict reads a key-value form body and returns the is_valid field.
// Only the literal values true and false are accepted.
func parseVerdict(body io.Reader) (bool, error) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok || key != "is_valid" {
			continue
		}
		switch value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		default:
			return false, fmt.Errorf("%w: ambiguous is_valid value %q", common.ErrUpstreamVerification, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", common.ErrUpstreamVerification, err)
	}
	return false, fmt.Errorf("%w: response has no is_valid field", common.ErrUpstreamVerification)
}
