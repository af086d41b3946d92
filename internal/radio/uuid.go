package radio

import (
	"encoding/hex"
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID to lowercase hex without dashes or a 0x prefix.
// Bluetooth SIG base UUIDs (0000xxxx-0000-1000-8000-00805f9b34fb) collapse to
// their 16-bit short form. Returns "" for malformed input.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	switch len(u) {
	case 4, 8, 32:
	default:
		return ""
	}
	if _, err := hex.DecodeString(u); err != nil {
		return ""
	}

	if len(u) == 32 && strings.HasSuffix(u, sigBaseSuffix) && strings.HasPrefix(u, "0000") {
		return u[4:8]
	}
	return u
}

// SameUUID compares two UUIDs in any accepted notation.
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// FormatUUID renders a normalized 128-bit UUID in dashed form; short UUIDs are returned as-is.
func FormatUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	if len(u) != 32 {
		return u
	}
	return dashed(u)
}

func dashed(u string) string {
	return u[0:8] + "-" + u[8:12] + "-" + u[12:16] + "-" + u[16:20] + "-" + u[20:32]
}

// ExpandUUID returns the full dashed 128-bit form, expanding short UUIDs onto the SIG base.
func ExpandUUID(uuid string) string {
	u := NormalizeUUID(uuid)
	switch len(u) {
	case 4:
		u = "0000" + u + sigBaseSuffix
	case 8:
		u = u + sigBaseSuffix
	case 0:
		return ""
	}
	return dashed(u)
}

// NormalizeAddress lowercases a peripheral address and drops ':' and '-'
// separators. MAC addresses and CoreBluetooth identifiers both pass through.
func NormalizeAddress(addr string) string {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.ReplaceAll(a, ":", "")
	return strings.ReplaceAll(a, "-", "")
}

// SameAddress compares two peripheral addresses ignoring case and separators.
func SameAddress(a, b string) bool {
	na := NormalizeAddress(a)
	return na != "" && na == NormalizeAddress(b)
}
