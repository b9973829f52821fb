package utils

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateUUIDInt(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateUUIDInt()
		if !IsDecimalID(id) {
			t.Fatalf("GenerateUUIDInt() = %q, not a decimal id", id)
		}
		if seen[id] {
			t.Fatalf("GenerateUUIDInt() produced duplicate %q", id)
		}
		seen[id] = true
	}
}

func TestIsDecimalID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"digits", "123456789", true},
		{"empty", "", false},
		{"letters", "12a4", false},
		{"negative", "-12", false},
		{"too long", strings.Repeat("1", 41), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDecimalID(tt.in); got != tt.want {
				t.Errorf("IsDecimalID(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAnonymousID(t *testing.T) {
	a := AnonymousID("owner", "analyst-1")
	b := AnonymousID("owner", "analyst-2")

	if len(a) != 64 {
		t.Errorf("AnonymousID() length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("AnonymousID() should differ per requester")
	}
	if a != AnonymousID("owner", "analyst-1") {
		t.Error("AnonymousID() should be deterministic")
	}
}

func TestSpliceLateBytes(t *testing.T) {
	page := bytes.Repeat([]byte{0xAA}, LateBytesEnd+10)
	late := bytes.Repeat([]byte{0x01}, LateBytesSize)

	out := SpliceLateBytes(page, late)

	if len(out) != len(page) {
		t.Fatalf("SpliceLateBytes() length = %d, want %d", len(out), len(page))
	}
	if !bytes.Equal(out[LateBytesStart:LateBytesEnd], late) {
		t.Error("late bytes window not overwritten")
	}
	if !bytes.Equal(out[:LateBytesStart], page[:LateBytesStart]) || !bytes.Equal(out[LateBytesEnd:], page[LateBytesEnd:]) {
		t.Error("bytes outside the window changed")
	}

	short := []byte{1, 2, 3}
	if got := SpliceLateBytes(short, late); !bytes.Equal(got, short) {
		t.Error("short page should be returned unchanged")
	}
}

func TestDecodeLateBytes(t *testing.T) {
	if _, err := DecodeLateBytes("zz"); err == nil {
		t.Error("DecodeLateBytes() expected error for invalid hex")
	}
	if _, err := DecodeLateBytes("0102"); err == nil {
		t.Error("DecodeLateBytes() expected error for wrong length")
	}

	data, err := DecodeLateBytes(strings.Repeat("ab", LateBytesSize))
	if err != nil {
		t.Fatalf("DecodeLateBytes() error = %v", err)
	}
	if len(data) != LateBytesSize {
		t.Errorf("DecodeLateBytes() length = %d", len(data))
	}
}

func TestSteamIDFromClaimedID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://steamcommunity.com/openid/id/76561198000000000", "76561198000000000"},
		{"https://steamcommunity.com/openid/id/76561198000000000/", "76561198000000000"},
		{"76561198000000000", "76561198000000000"},
	}

	for _, tt := range tests {
		if got := SteamIDFromClaimedID(tt.in); got != tt.want {
			t.Errorf("SteamIDFromClaimedID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}

	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
