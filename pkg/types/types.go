package types

import (
	"encoding/json"
	"time"
)

// APIKey is the credential minted once per verified Steam identity
type APIKey struct {
	SteamID   string    `json:"steam_id" gorm:"primaryKey;size:32"`
	Key       string    `json:"-" gorm:"column:api_key;uniqueIndex;not null;size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable across drivers
func (APIKey) TableName() string { return "api_keys" }

// DemoSession is one upload lifecycle tied to an API key.
// At most one session per API key may be active; the partial unique index
// backs that up in storage.
type DemoSession struct {
	SessionID    string     `json:"session_id" gorm:"primaryKey;size:64"`
	APIKey       string     `json:"-" gorm:"column:api_key;not null;size:64;index;uniqueIndex:idx_demo_sessions_single_active,where:active = true"`
	Active       bool       `json:"active" gorm:"not null;default:false"`
	StartTime    time.Time  `json:"start_time" gorm:"not null"`
	EndTime      *time.Time `json:"end_time"`
	DemoName     string     `json:"demo_name"`
	FakeIP       string     `json:"fake_ip"`
	Map          string     `json:"map"`
	Demo         []byte     `json:"-"`
	DemoSize     int64      `json:"demo_size" gorm:"not null;default:0"`
	LateBytes    []byte     `json:"-"`
	UploadFailed bool       `json:"upload_failed" gorm:"not null;default:false"`
	Ingested     bool       `json:"ingested" gorm:"not null;default:false"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName keeps the table name stable across drivers
func (DemoSession) TableName() string { return "demo_sessions" }

// Analyst is a Steam identity allowed to list and download demos
type Analyst struct {
	SteamID   string    `json:"steam_id" gorm:"primaryKey;size:32"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the table name stable across drivers
func (Analyst) TableName() string { return "analyst_steam_ids" }

// SessionMetadata is the descriptive data supplied when opening a session
type SessionMetadata struct {
	DemoName string `form:"demo_name"`
	FakeIP   string `form:"fake_ip" binding:"required"`
	Map      string `form:"map" binding:"required"`
}

// DemoListing is one row of the analyst demo listing
type DemoListing struct {
	AnonymousID string     `json:"anonymous_id"`
	SessionID   string     `json:"session_id"`
	DemoName    string     `json:"demo_name"`
	Map         string     `json:"map"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	DemoSize    int64      `json:"demo_size"`
}

// SessionIDResponse is returned by /session_id. The id is a 128-bit integer
// so it is emitted as a raw JSON number.
type SessionIDResponse struct {
	SessionID json.Number `json:"session_id"`
}

// CloseSessionResponse is returned by /close_session
type CloseSessionResponse struct {
	ClosedSuccessfully bool `json:"closed_successfully"`
}

// SessionActiveResponse is returned by /session_id_active
type SessionActiveResponse struct {
	IsActive bool `json:"is_active"`
}

// LateBytesRequest is the body of /late_bytes
type LateBytesRequest struct {
	LateBytes string `json:"late_bytes" binding:"required"`
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}
