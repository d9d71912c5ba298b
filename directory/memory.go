package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tak-kam/cognito-dr/domain"
)

// Identity is an identity held by Memory.
type Identity struct {
	Key        string
	Attributes domain.Attributes
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Memory is an in-process Directory. It is safe for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	identities map[string]Identity
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{identities: map[string]Identity{}, now: time.Now}
}

func (m *Memory) CreateIdentity(ctx context.Context, key string, attrs domain.Attributes) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "create", Key: key, Kind: KindTransient, Err: err}
	}
	if err := checkAttributes(attrs); err != nil {
		return &Error{Op: "create", Key: key, Kind: KindPermanent, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[key]; ok {
		return &Error{Op: "create", Key: key, Kind: KindAlreadyExists, Err: ErrAlreadyExists}
	}
	now := m.now().UTC()
	m.identities[key] = Identity{Key: key, Attributes: attrs, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *Memory) UpdateIdentityAttributes(ctx context.Context, key string, attrs domain.Attributes) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "update", Key: key, Kind: KindTransient, Err: err}
	}
	if err := checkAttributes(attrs); err != nil {
		return &Error{Op: "update", Key: key, Kind: KindPermanent, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.identities[key]
	if !ok {
		return &Error{Op: "update", Key: key, Kind: KindNotFound, Err: ErrNotFound}
	}
	if attrs.Email != "" {
		cur.Attributes.Email = attrs.Email
	}
	if attrs.Verified {
		cur.Attributes.Verified = true
	}
	cur.UpdatedAt = m.now().UTC()
	m.identities[key] = cur
	return nil
}

func (m *Memory) DeleteIdentity(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "delete", Key: key, Kind: KindTransient, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[key]; !ok {
		return &Error{Op: "delete", Key: key, Kind: KindNotFound, Err: ErrNotFound}
	}
	delete(m.identities, key)
	return nil
}

// Get returns the identity stored under key.
func (m *Memory) Get(key string) (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[key]
	return ident, ok
}

// Keys returns the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.identities))
	for k := range m.identities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func checkAttributes(attrs domain.Attributes) error {
	if attrs.Email == "" {
		return nil
	}
	return domain.ValidateEmail(attrs.Email)
}
