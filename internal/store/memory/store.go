// Package memory keeps users and messages in process memory. It backs local
// runs with STORE_DRIVER=memory and the service and HTTP tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/core"
)

type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	users    map[int64]core.User
	messages map[int64]core.Message
	nextUser int64
	nextMsg  int64
}

func New() *Store {
	return &Store{
		now:      time.Now,
		users:    map[int64]core.User{},
		messages: map[int64]core.Message{},
	}
}

// WithClock replaces the timestamp source; used by tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateUser(_ context.Context, u core.NewUser) (core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUser++
	out := core.User{
		ID:        s.nextUser,
		Name:      u.Name,
		Email:     u.Email,
		Phone:     u.Phone,
		TokenHash: u.TokenHash,
		CreatedAt: s.now().UTC(),
	}
	s.users[out.ID] = out
	return out, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return core.User{}, core.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) UpdateTokenHash(_ context.Context, id int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return core.ErrUserNotFound
	}
	u.TokenHash = hash
	s.users[id] = u
	return nil
}

func (s *Store) Save(_ context.Context, m core.NewMessage) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMsg++
	now := s.now().UTC()
	out := core.Message{
		ID:        s.nextMsg,
		UserID:    m.UserID,
		Content:   m.Content,
		Recipient: m.Recipient,
		Channel:   m.Channel,
		Status:    core.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.messages[out.ID] = out
	return out, nil
}

func (s *Store) FindByID(_ context.Context, id int64) (core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return core.Message{}, core.ErrMessageNotFound
	}
	return m, nil
}

func (s *Store) FindAllByUser(_ context.Context, userID int64) ([]core.Message, error) {
	return s.filter(func(m core.Message) bool { return m.UserID == userID }), nil
}

func (s *Store) FindByUserAndStatus(_ context.Context, userID int64, status core.Status) ([]core.Message, error) {
	return s.filter(func(m core.Message) bool {
		return m.UserID == userID && m.Status == status
	}), nil
}

func (s *Store) UpdateStatus(_ context.Context, id int64, upd core.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, core.ErrMessageNotFound
	}
	if !core.CanTransition(m.Status, upd.Status) {
		return false, nil
	}
	m.Status = upd.Status
	if upd.ProviderReference != "" {
		ref := upd.ProviderReference
		m.ProviderReference = &ref
	}
	if upd.FailureReason != "" {
		reason := upd.FailureReason
		m.FailureReason = &reason
	}
	m.UpdatedAt = s.now().UTC()
	s.messages[id] = m
	return true, nil
}

func (s *Store) ListStalePending(_ context.Context, before time.Time, limit int) ([]core.Message, error) {
	out := s.filter(func(m core.Message) bool {
		return m.Status == core.StatusPending && m.CreatedAt.Before(before)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// filter returns matching messages ordered by id, which is creation order.
func (s *Store) filter(keep func(core.Message) bool) []core.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []core.Message{}
	for id := int64(1); id <= s.nextMsg; id++ {
		m, ok := s.messages[id]
		if ok && keep(m) {
			out = append(out, m)
		}
	}
	return out
}
