package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Late bytes overwrite this window of the demo header on download
const (
	LateBytesStart = 0x420
	LateBytesEnd   = 0x430
	LateBytesSize  = LateBytesEnd - LateBytesStart
)

// GenerateUUIDInt returns a random uuid4 rendered as a decimal integer.
// Session ids and API keys both use this form.
func GenerateUUIDInt() string {
	id := uuid.New()
	return new(big.Int).SetBytes(id[:]).String()
}

// IsDecimalID reports whether s looks like an id produced by GenerateUUIDInt
func IsDecimalID(s string) bool {
	if s == "" || len(s) > 40 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// AnonymousID hides the owner of a demo from the analyst listing it
func AnonymousID(ownerSteamID, requesterSteamID string) string {
	hash := sha256.Sum256([]byte(ownerSteamID + requesterSteamID))
	return hex.EncodeToString(hash[:])
}

// SpliceLateBytes overwrites [LateBytesStart, LateBytesEnd) of the first
// page of a demo with late bytes. Pages shorter than the window are returned
// unchanged.
func SpliceLateBytes(page, lateBytes []byte) []byte {
	if len(lateBytes) == 0 || len(page) < LateBytesEnd {
		return page
	}
	out := make([]byte, 0, len(page)-LateBytesSize+len(lateBytes))
	out = append(out, page[:LateBytesStart]...)
	out = append(out, lateBytes...)
	out = append(out, page[LateBytesEnd:]...)
	return out
}

// DecodeLateBytes parses the hex body of a late bytes upload
func DecodeLateBytes(hexStr string) ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimSpace(hexStr))
	if err != nil {
		return nil, fmt.Errorf("late bytes are not valid hex: %w", err)
	}
	if len(data) != LateBytesSize {
		return nil, fmt.Errorf("late bytes must be %d bytes, got %d", LateBytesSize, len(data))
	}
	return data, nil
}

// SteamIDFromClaimedID extracts the trailing numeric id of an OpenID claimed id
// such as https://steamcommunity.com/openid/id/7656119...
func SteamIDFromClaimedID(claimedID string) string {
	claimedID = strings.TrimRight(claimedID, "/")
	if idx := strings.LastIndex(claimedID, "/"); idx != -1 {
		return claimedID[idx+1:]
	}
	return claimedID
}

// FormatBytes formats byte size in human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	suffixes := []string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), suffixes[exp])
}
