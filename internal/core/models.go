package core

import (
	"time"
)

type Channel string

const (
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelWhatsApp
}

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	TokenHash string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type NewUser struct {
	Name      string
	Email     string
	Phone     string
	TokenHash string
}

type Message struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	Content           string    `json:"content"`
	Recipient         string    `json:"recipient"`
	Channel           Channel   `json:"channel"`
	Status            Status    `json:"status"`
	ProviderReference *string   `json:"provider_reference,omitempty"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewMessage is the caller-supplied part of a message; the store assigns the rest.
type NewMessage struct {
	UserID    int64
	Content   string
	Recipient string
	Channel   Channel
}

// StatusUpdate is applied by MessageStore.UpdateStatus. Empty optional fields
// leave the stored value untouched.
type StatusUpdate struct {
	Status            Status
	ProviderReference string
	FailureReason     string
}

type SendRequest struct {
	UserID    int64   `json:"userId"`
	Content   string  `json:"content"`
	Recipient string  `json:"recipient"`
	Channel   Channel `json:"channel,omitempty"`
}

type UserRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	AuthToken string `json:"authToken,omitempty"`
}

// Registration is returned once, when a user is created. It is the only place
// the plaintext token ever leaves the service.
type Registration struct {
	User
	AuthToken string `json:"authToken"`
}

type DeliveryReport struct {
	MessageID int64  `json:"messageId"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type GatewayResult struct {
	ProviderReference string
	Status            Status
}

type StatusEvent struct {
	MessageID         int64     `json:"message_id"`
	UserID            int64     `json:"user_id"`
	Status            Status    `json:"status"`
	ProviderReference string    `json:"provider_reference,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	At                time.Time `json:"at"`
}
