package domain

import "fmt"

// BrowserFingerprintSize is the fixed length of a bound browser fingerprint.
const BrowserFingerprintSize = 32

// Credentials hold a user's secret material. Exactly one user owns a
// Credentials value; it is persisted only as an encrypted blob under the
// user's derived cipher and never serialized to transport.
type Credentials struct {
	UserID             int64          `json:"userId"`
	PasswordHash       string         `json:"passwordHash,omitempty"`
	TOTPSeed           string         `json:"totpSeed,omitempty"`
	BrowserFingerprint []byte         `json:"browserFingerprint,omitempty"`
	RecoveryCodes      *RecoveryCodes `json:"recoveryCodes,omitempty"`
}

// NewCredentials creates an empty credentials set owned by the given user.
func NewCredentials(userID int64) *Credentials {
	return &Credentials{UserID: userID}
}

// SetBrowserFingerprint binds a browser fingerprint. The value is fixed
// length; anything else is rejected.
func (c *Credentials) SetBrowserFingerprint(fp []byte) error {
	if len(fp) != BrowserFingerprintSize {
		return fmt.Errorf("fingerprint must be %d bytes, got %d", BrowserFingerprintSize, len(fp))
	}
	c.BrowserFingerprint = fp
	return nil
}

// HasTOTP reports whether a TOTP seed is configured.
func (c *Credentials) HasTOTP() bool {
	return c.TOTPSeed != ""
}
