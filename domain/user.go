package domain

import (
	"fmt"
	"strings"
)

// User account statuses.
const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
	UserStatusFrozen   = "frozen"
)

// AuthBindingSize is the length of a device auth binding: a 32-byte session
// token followed by a 16-byte HMAC secret.
const AuthBindingSize = 48

// UserSecrets are user values that must never serialize to transport:
// the record checksum, the encrypted credentials blob, and the per-device
// auth bindings.
type UserSecrets struct {
	Checksum    []byte                `json:"-"`
	Credentials []byte                `json:"-"`
	Bindings    map[DeviceType][]byte `json:"-"`
}

// User is a persisted account record. Its checksum must validate before any
// field is trusted; credentials live in an encrypted blob keyed by the
// user's derived cipher.
type User struct {
	ID            int64  `json:"id"`
	GroupID       int64  `json:"groupId"`
	Archived      bool   `json:"archived"`
	Status        string `json:"status"`
	Username      string `json:"username"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	Phone         string `json:"phone,omitempty"`
	PhoneVerified bool   `json:"phoneVerified"`
	Country       string `json:"country,omitempty"`
	CreatedOn     int64  `json:"createdOn"`
	UpdatedOn     int64  `json:"updatedOn"`

	Secrets UserSecrets `json:"-"`

	checksumVerified bool
}

// ChecksumRaw builds the canonical string the user record digest covers.
func (u *User) ChecksumRaw() string {
	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	return fmt.Sprintf("%d:%d:%d:%s:%s:%s:%d:%s:%d:%s:%d",
		u.ID,
		u.GroupID,
		b2i(u.Archived),
		strings.TrimSpace(strings.ToLower(u.Status)),
		strings.TrimSpace(strings.ToLower(u.Username)),
		strings.TrimSpace(strings.ToLower(u.Email)),
		b2i(u.EmailVerified),
		strings.TrimSpace(strings.ToLower(u.Phone)),
		b2i(u.PhoneVerified),
		strings.ToLower(u.Country),
		u.CreatedOn,
	)
}

// CipherLabel is the remix label isolating this user's derived cipher.
func (u *User) CipherLabel() string {
	return fmt.Sprintf("user_%d", u.ID)
}

// AuthBinding returns the 48-byte device auth binding for a session type,
// or nil if none is set.
func (u *User) AuthBinding(t DeviceType) []byte {
	if u.Secrets.Bindings == nil {
		return nil
	}
	return u.Secrets.Bindings[t]
}

// SetAuthBinding stores a device auth binding, replacing (and thereby
// invalidating) any previous binding of the same session type.
func (u *User) SetAuthBinding(t DeviceType, binding []byte) error {
	if len(binding) != AuthBindingSize {
		return fmt.Errorf("auth binding must be %d bytes, got %d", AuthBindingSize, len(binding))
	}
	if u.Secrets.Bindings == nil {
		u.Secrets.Bindings = make(map[DeviceType][]byte, 2)
	}
	u.Secrets.Bindings[t] = binding
	return nil
}

// Clone returns a deep copy sharing no mutable state with the receiver.
// The copy is untrusted until its own checksum validates.
func (u *User) Clone() *User {
	c := *u
	c.checksumVerified = false
	c.Secrets = UserSecrets{
		Checksum:    append([]byte(nil), u.Secrets.Checksum...),
		Credentials: append([]byte(nil), u.Secrets.Credentials...),
	}
	if u.Secrets.Bindings != nil {
		c.Secrets.Bindings = make(map[DeviceType][]byte, len(u.Secrets.Bindings))
		for t, b := range u.Secrets.Bindings {
			c.Secrets.Bindings[t] = append([]byte(nil), b...)
		}
	}
	return &c
}

// MarkChecksumVerified records that the stored digest validated.
func (u *User) MarkChecksumVerified() { u.checksumVerified = true }

// ChecksumVerified reports whether the stored digest has been validated.
func (u *User) ChecksumVerified() bool { return u.checksumVerified }

// Profile is the transport-safe projection of a user record.
type Profile struct {
	Username      string `json:"username"`
	GroupID       int64  `json:"groupId"`
	Status        string `json:"status"`
	IsDeleted     bool   `json:"isDeleted"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"emailVerified"`
	Phone         string `json:"phone,omitempty"`
	PhoneVerified bool   `json:"phoneVerified"`
	Country       string `json:"country,omitempty"`
	RegisteredOn  int64  `json:"registeredOn"`
}

// NewProfile projects a user into its transport-safe form.
func NewProfile(u *User) Profile {
	return Profile{
		Username:      u.Username,
		GroupID:       u.GroupID,
		Status:        u.Status,
		IsDeleted:     u.Archived,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Phone:         u.Phone,
		PhoneVerified: u.PhoneVerified,
		Country:       u.Country,
		RegisteredOn:  u.CreatedOn,
	}
}
