// Package demodata serves finished demos to analysts and accepts the late
// header bytes clients send after a session closes.
package demodata

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/lgulliver/masterbase/internal/common"
	"github.com/lgulliver/masterbase/internal/storage"
	"github.com/lgulliver/masterbase/internal/store"
	"github.com/lgulliver/masterbase/pkg/types"
	"github.com/lgulliver/masterbase/pkg/utils"
	"github.com/rs/zerolog/log"
)

// MaxPageSize is the largest and default page of the demo listing
const MaxPageSize = 50

// Demo is a downloadable payload
type Demo struct {
	SessionID string
	Filename  string
	Data      []byte
}

// Service reads and annotates closed sessions
type Service struct {
	store    store.Store
	archiver *storage.Archiver
}

// NewService creates a demo data service. archiver may be nil.
func NewService(st store.Store, archiver *storage.Archiver) *Service {
	return &Service{store: st, archiver: archiver}
}

// SetLateBytes attaches hex-encoded late bytes to the caller's most recently
// closed session
func (s *Service) SetLateBytes(ctx context.Context, apiKey, hexBytes string) error {
	lateBytes, err := utils.DecodeLateBytes(hexBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidInput, err)
	}

	session, err := s.store.LatestClosedSession(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: no closed session to attach late bytes to", common.ErrNotFound)
		}
		return err
	}

	if err := s.store.SetLateBytes(ctx, session.SessionID, lateBytes); err != nil {
		return err
	}

	log.Info().Str("session_id", session.SessionID).Msg("late bytes stored")
	return nil
}

// NormalizePage applies the listing defaults: page sizes outside
// [1, MaxPageSize] become MaxPageSize and page numbers below 1 become 1
func NormalizePage(pageSize, pageNumber int) (int, int) {
	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if pageNumber < 1 {
		pageNumber = 1
	}
	return pageSize, pageNumber
}

// ListDemos returns one page of closed sessions. Owners are replaced by an
// id that is stable per owner and requester but reveals neither.
func (s *Service) ListDemos(ctx context.Context, apiKey string, pageSize, pageNumber int) ([]types.DemoListing, error) {
	pageSize, pageNumber = NormalizePage(pageSize, pageNumber)

	requester, err := s.store.IdentityForKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: invalid api key", common.ErrUnauthorized)
		}
		return nil, err
	}

	rows, err := s.store.ListClosedSessions(ctx, pageSize, (pageNumber-1)*pageSize)
	if err != nil {
		return nil, err
	}

	listing := make([]types.DemoListing, 0, len(rows))
	for _, row := range rows {
		listing = append(listing, types.DemoListing{
			AnonymousID: utils.AnonymousID(row.SteamID, requester),
			SessionID:   row.SessionID,
			DemoName:    row.DemoName,
			Map:         row.Map,
			StartTime:   row.StartTime,
			EndTime:     row.EndTime,
			DemoSize:    row.DemoSize,
		})
	}
	return listing, nil
}

// Download returns the payload of a closed session with its late bytes
// spliced into the header
func (s *Service) Download(ctx context.Context, sessionID string) (*Demo, error) {
	if !utils.IsDecimalID(sessionID) {
		return nil, fmt.Errorf("%w: session %s", common.ErrNotFound, sessionID)
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s", common.ErrNotFound, sessionID)
		}
		return nil, err
	}
	if session.Active {
		return nil, fmt.Errorf("%w: session %s is still active", common.ErrConflict, sessionID)
	}

	if len(session.LateBytes) == 0 {
		log.Debug().Str("session_id", sessionID).Msg("session has no late bytes")
	}

	data := session.Demo
	if len(data) == 0 {
		if data, err = s.fromArchive(ctx, sessionID); err != nil {
			return nil, err
		}
	}

	return &Demo{
		SessionID: sessionID,
		Filename:  sessionID + ".dem",
		Data:      utils.SpliceLateBytes(data, session.LateBytes),
	}, nil
}

// fromArchive loads a demo whose database copy has been cleared. A session
// that was never archived yields an empty payload.
func (s *Service) fromArchive(ctx context.Context, sessionID string) ([]byte, error) {
	if s.archiver == nil {
		return nil, nil
	}
	ok, err := s.archiver.Has(ctx, sessionID)
	if err != nil || !ok {
		return nil, err
	}

	rc, err := s.archiver.Open(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to open archived demo %s: %w", sessionID, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read archived demo %s: %w", sessionID, err)
	}
	log.Debug().Str("session_id", sessionID).Int("bytes", len(data)).Msg("demo served from archive")
	return data, nil
}
