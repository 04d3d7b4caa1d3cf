package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when no record matches.
var ErrNotFound = errors.New("record not found")

// ErrNoRowsUpdated is returned when an update matched no rows.
var ErrNoRowsUpdated = errors.New("no rows updated")

// SessionRepository persists session records. Insert assigns and returns
// the record id in the same call, enabling the two-phase checksum protocol.
type SessionRepository interface {
	Insert(ctx context.Context, s *Session) (int64, error)
	Update(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token []byte) (*Session, error)
	GetByID(ctx context.Context, id int64) (*Session, error)
	// CountRecentByIP counts sessions issued to an address at or after the
	// given unix time; it backs session-creation rate limiting.
	CountRecentByIP(ctx context.Context, ip string, since int64) (int64, error)
}

// UserRepository persists user records including their secret columns.
type UserRepository interface {
	Insert(ctx context.Context, u *User) (int64, error)
	Update(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
}

// QueryLogRepository persists request audit records and their encrypted
// payload blobs (addressed by log id).
type QueryLogRepository interface {
	Insert(ctx context.Context, q *QueryLog) (int64, error)
	Update(ctx context.Context, q *QueryLog) error
	GetByID(ctx context.Context, id int64) (*QueryLog, error)
	InsertPayload(ctx context.Context, queryID int64, encrypted []byte) error
	GetPayload(ctx context.Context, queryID int64) ([]byte, error)
}

// MailQueueRepository persists queued mail for a delivery worker that is
// outside this system's scope.
type MailQueueRepository interface {
	Insert(ctx context.Context, m *QueuedMail) (int64, error)
}
