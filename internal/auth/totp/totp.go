// Package totp wraps seeded TOTP verification. The algorithm itself is a
// pluggable primitive; this package only specifies how it is invoked.
package totp

import (
	"strings"

	"github.com/pquerna/otp/totp"
)

// Validate checks a 6-digit passcode against a base32-encoded seed.
// totp.Validate does not error for merely incorrect codes, only for
// malformed seeds, so a plain bool suffices.
func Validate(passcode, seed string) bool {
	if passcode == "" || seed == "" {
		return false
	}
	return totp.Validate(passcode, strings.TrimSpace(seed))
}
