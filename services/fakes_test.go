package services

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"go.tradekit.io/authcore/cache"
	"go.tradekit.io/authcore/config"
	"go.tradekit.io/authcore/domain"
	"go.tradekit.io/authcore/internal/crypto"
)

// fakeSessionRepo is an in-memory SessionRepository.
type fakeSessionRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.Session
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{rows: make(map[int64]*domain.Session)}
}

func (r *fakeSessionRepo) Insert(_ context.Context, s *domain.Session) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s.ID = r.nextID
	copied := *s
	r.rows[s.ID] = &copied
	return s.ID, nil
}

func (r *fakeSessionRepo) Update(_ context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[s.ID]; !ok {
		return domain.ErrNoRowsUpdated
	}
	copied := *s
	r.rows[s.ID] = &copied
	return nil
}

func (r *fakeSessionRepo) GetByToken(_ context.Context, token []byte) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if bytes.Equal(s.Secrets.Token, token) {
			copied := *s
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeSessionRepo) GetByID(_ context.Context, id int64) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.rows[id]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeSessionRepo) CountRecentByIP(_ context.Context, ip string, since int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.rows {
		if s.IPAddress == ip && s.IssuedOn >= since {
			n++
		}
	}
	return n, nil
}

// fakeUserRepo is an in-memory UserRepository.
type fakeUserRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{rows: make(map[int64]*domain.User)}
}

func (r *fakeUserRepo) Insert(_ context.Context, u *domain.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	u.ID = r.nextID
	copied := *u
	r.rows[u.ID] = &copied
	return u.ID, nil
}

func (r *fakeUserRepo) Update(_ context.Context, u *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[u.ID]; !ok {
		return domain.ErrNoRowsUpdated
	}
	copied := *u
	r.rows[u.ID] = &copied
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id int64) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.rows[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeUserRepo) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.rows {
		if strings.EqualFold(u.Username, username) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

// fakeQueryLogRepo is an in-memory QueryLogRepository.
type fakeQueryLogRepo struct {
	mu       sync.Mutex
	nextID   int64
	rows     map[int64]*domain.QueryLog
	payloads map[int64][]byte
}

func newFakeQueryLogRepo() *fakeQueryLogRepo {
	return &fakeQueryLogRepo{
		rows:     make(map[int64]*domain.QueryLog),
		payloads: make(map[int64][]byte),
	}
}

func (r *fakeQueryLogRepo) Insert(_ context.Context, q *domain.QueryLog) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	q.ID = r.nextID
	copied := *q
	r.rows[q.ID] = &copied
	return q.ID, nil
}

func (r *fakeQueryLogRepo) Update(_ context.Context, q *domain.QueryLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[q.ID]; !ok {
		return domain.ErrNoRowsUpdated
	}
	copied := *q
	r.rows[q.ID] = &copied
	return nil
}

func (r *fakeQueryLogRepo) GetByID(_ context.Context, id int64) (*domain.QueryLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.rows[id]; ok {
		copied := *q
		return &copied, nil
	}
	return nil, domain.ErrNotFound
}

func (r *fakeQueryLogRepo) InsertPayload(_ context.Context, queryID int64, encrypted []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[queryID] = encrypted
	return nil
}

func (r *fakeQueryLogRepo) GetPayload(_ context.Context, queryID int64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payloads[queryID]; ok {
		return p, nil
	}
	return nil, domain.ErrNotFound
}

// Test wiring helpers.

func testConfig() *config.ServerConfig {
	return &config.ServerConfig{
		SessionIdleTimeoutSec:    3600,
		SessionCreateIntervalSec: 60,
		RequestMaxAgeSec:         6,
		UserCacheTTLSec:          60,
		CaptchaMode:              config.CaptchaDisabled,
		CaptchaCooldownSec:       1800,
	}
}

func testKeychain() *crypto.Keychain {
	kc, err := crypto.NewKeychain(strings.Repeat("a", 64), strings.Repeat("b", 64))
	if err != nil {
		panic(err)
	}
	return kc
}

// frozenClock returns a now func pinned to a fixed instant that tests can
// advance.
type frozenClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFrozenClock(at int64) *frozenClock {
	return &frozenClock{now: time.Unix(at, 0)}
}

func (c *frozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *frozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestUserCache(repo domain.UserRepository) *cache.UserCache {
	return cache.NewUserCache(repo, time.Minute)
}
