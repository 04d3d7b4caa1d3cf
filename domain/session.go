package domain

import (
	"fmt"
	"strings"
	"time"
)

// DeviceType categorizes the client a session was issued to.
type DeviceType string

const (
	DeviceWeb DeviceType = "web"
	DeviceApp DeviceType = "app"
)

// Valid reports whether the device type is a known client category.
func (d DeviceType) Valid() bool {
	return d == DeviceWeb || d == DeviceApp
}

// Persistent reports whether sessions of this type are exempt from the
// idle timeout.
func (d DeviceType) Persistent() bool {
	return d == DeviceApp
}

// SessionTokenSize is the length of the raw session token in bytes.
// Clients present it as 64 lowercase hex characters.
const SessionTokenSize = 32

// FingerprintSize is the length of the raw device fingerprint in bytes.
const FingerprintSize = 32

// SessionSecrets are session values that must never serialize to transport.
type SessionSecrets struct {
	Token    []byte `json:"-"`
	Checksum []byte `json:"-"`
}

// Session represents one client connection context. A session starts
// unauthenticated, is bound to a user at most once, and is archived on
// revoke or forced logout; it is never physically deleted.
type Session struct {
	ID             int64      `json:"id"`
	Type           DeviceType `json:"type"`
	Archived       bool       `json:"archived"`
	IPAddress      string     `json:"ipAddress"`
	UserAgent      string     `json:"userAgent"`
	Fingerprint    []byte     `json:"-"`
	AuthUserID     int64      `json:"authUserId,omitempty"`
	AuthSessionOTP bool       `json:"authSessionOtp,omitempty"`
	Last2FACode    string     `json:"-"`
	Last2FAOn      int64      `json:"last2faOn,omitempty"`
	LastCaptchaOn  int64      `json:"lastCaptchaOn,omitempty"`
	IssuedOn       int64      `json:"issuedOn"`
	LastUsedOn     int64      `json:"lastUsedOn"`

	Secrets SessionSecrets `json:"-"`

	dirty            bool
	checksumVerified bool
}

// ChecksumRaw builds the canonical, order-stable string the keyed checksum
// covers. Numeric fields are decimal, strings lower-cased, and missing
// optionals default to zero.
func (s *Session) ChecksumRaw() (string, error) {
	if len(s.Secrets.Token) != SessionTokenSize {
		return "", fmt.Errorf("session token not set for checksum; or is not %d bytes", SessionTokenSize)
	}

	otp := 0
	if s.AuthSessionOTP {
		otp = 1
	}

	return fmt.Sprintf("%d:%s:%s:%d:%d:%s:%d:%d",
		s.ID,
		strings.ToLower(string(s.Type)),
		s.Secrets.Token,
		s.AuthUserID,
		otp,
		strings.ToLower(s.IPAddress),
		s.IssuedOn,
		s.LastUsedOn,
	), nil
}

// AuthenticateAs binds the session to a user. A session can be bound
// exactly once; re-authentication errors out.
func (s *Session) AuthenticateAs(user *User, otpChecked bool) error {
	if s.AuthUserID != 0 {
		return fmt.Errorf("cannot re-authenticate session %d", s.ID)
	}

	s.AuthUserID = user.ID
	s.AuthSessionOTP = otpChecked
	s.MarkDirty()
	return nil
}

// Touch records activity on the session.
func (s *Session) Touch(now time.Time) {
	s.LastUsedOn = now.Unix()
	s.MarkDirty()
}

// MarkDirty flags the session for an end-of-request persist.
func (s *Session) MarkDirty() { s.dirty = true }

// Dirty reports whether the session has unpersisted changes.
func (s *Session) Dirty() bool { return s.dirty }

// ClearDirty resets the dirty flag after a successful persist.
func (s *Session) ClearDirty() { s.dirty = false }

// MarkChecksumVerified records that the stored digest validated; no field
// of the session is trusted before this.
func (s *Session) MarkChecksumVerified() { s.checksumVerified = true }

// ChecksumVerified reports whether the stored digest has been validated.
func (s *Session) ChecksumVerified() bool { return s.checksumVerified }

// PartialToken returns the first 8 hex characters of the token for log and
// display purposes; the full token is never exposed.
func (s *Session) PartialToken() string {
	if len(s.Secrets.Token) < 4 {
		return ""
	}
	return fmt.Sprintf("%x...", s.Secrets.Token[:4])
}
