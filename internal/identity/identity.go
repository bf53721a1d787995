// Package identity turns user-supplied MAC addresses into the canonical form
// and the short stable device id derived from it.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMacFormat is returned when a MAC is not exactly 12 hex digits
// once separators are removed.
var ErrInvalidMacFormat = errors.New("invalid MAC address format")

// Normalize returns the upper-case colon-separated form of mac.
// Accepted separators are ':', '-' and '.', in any position.
func Normalize(mac string) (string, error) {
	hexDigits := strings.Map(func(r rune) rune {
		switch r {
		case ':', '-', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(mac))

	if len(hexDigits) != 12 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMacFormat, mac)
	}
	if _, err := hex.DecodeString(hexDigits); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMacFormat, mac)
	}

	hexDigits = strings.ToUpper(hexDigits)
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexDigits[i : i+2])
	}
	return b.String(), nil
}

// DeriveID returns the first 8 hex characters of sha256(mac).
// mac must already be canonical.
func DeriveID(mac string) string {
	sum := sha256.Sum256([]byte(mac))
	return hex.EncodeToString(sum[:])[:8]
}

// ParseID normalizes mac and derives its id in one step.
func ParseID(mac string) (id, canonical string, err error) {
	canonical, err = Normalize(mac)
	if err != nil {
		return "", "", err
	}
	return DeriveID(canonical), canonical, nil
}
