package core

import (
	"context"
	"time"
)

// MessageStore owns the durable message records. UpdateStatus must apply the
// read-check-write of the status atomically per message.
type MessageStore interface {
	Save(ctx context.Context, m NewMessage) (Message, error)
	FindByID(ctx context.Context, id int64) (Message, error)
	FindAllByUser(ctx context.Context, userID int64) ([]Message, error)
	FindByUserAndStatus(ctx context.Context, userID int64, status Status) ([]Message, error)
	// UpdateStatus returns false, and leaves the record untouched, when the
	// transition is not allowed from the current status.
	UpdateStatus(ctx context.Context, id int64, upd StatusUpdate) (bool, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Message, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u NewUser) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	UpdateTokenHash(ctx context.Context, id int64, hash string) error
}

// Gateway submits a message to the external delivery provider.
type Gateway interface {
	Submit(ctx context.Context, m Message) (GatewayResult, error)
}

type Authenticator interface {
	IsValidUser(ctx context.Context, token string, userID int64) (bool, error)
}

type StatusPublisher interface {
	Publish(ctx context.Context, ev StatusEvent) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, StatusEvent) error { return nil }
