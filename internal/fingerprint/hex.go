// Package fingerprint formats raw device identifiers into the strings that
// end up in the diagnostic log and, from there, in platform certificates.
package fingerprint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEncoding is returned when a hex or MAC string cannot be decoded.
var ErrInvalidEncoding = errors.New("invalid encoding")

// EncodeHex returns the lowercase hex encoding of b, two characters per byte,
// most significant nibble first, without separators.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex reverses EncodeHex. Upper and lower case digits are accepted.
// Errors wrap both ErrInvalidEncoding and the encoding/hex cause.
func DecodeHex(s string) ([]byte, error) {
	out, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEncoding, err)
	}
	return out, nil
}

// FormatDigest renders a SHA-256 digest as 64 hex characters.
func FormatDigest(d [32]byte) string {
	return EncodeHex(d[:])
}

// FormatMAC renders a link-layer address as colon separated two-digit groups.
func FormatMAC(mac [6]byte) string {
	groups := make([]string, len(mac))
	for i := range mac {
		groups[i] = hex.EncodeToString(mac[i : i+1])
	}
	return strings.Join(groups, ":")
}

// ParseMAC reverses FormatMAC. Both ':' and '-' separators are accepted.
func ParseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if len(s) != 17 {
		return mac, fmt.Errorf("%w: MAC %q has length %d", ErrInvalidEncoding, s, len(s))
	}

	var compact [12]byte
	for i := 0; i < 6; i++ {
		if i > 0 {
			sep := s[i*3-1]
			if sep != ':' && sep != '-' {
				return mac, fmt.Errorf("%w: MAC %q has separator %q", ErrInvalidEncoding, s, sep)
			}
		}
		compact[i*2] = s[i*3]
		compact[i*2+1] = s[i*3+1]
	}

	raw, err := DecodeHex(string(compact[:]))
	if err != nil {
		return mac, err
	}
	copy(mac[:], raw)
	return mac, nil
}
