// Package notification triggers patient messages (Telegram or SMS) after
// queue and visit state changes. Delivery itself happens downstream; this
// package renders the text and hands it off.
package notification

import (
	"context"
	"errors"
	"time"
)

// Channel is the delivery channel for a message.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelSMS      Channel = "sms"
)

// Template keys.
const (
	TemplateQueueJoined          = "queue_joined"
	TemplateVisitConfirmed       = "visit_confirmed"
	TemplateVisitQueued          = "visit_queued"
	TemplateTransferred          = "force_majeure_transfer"
	TemplateCancelled            = "force_majeure_cancel"
	TemplateConfirmationRequired = "confirmation_token"
)

var ErrNoContact = errors.New("notification: contact has neither telegram id nor phone")

// Contact holds the ways a patient can be reached.
type Contact struct {
	Phone      string
	TelegramID string
}

// Route picks Telegram when the patient has linked it and falls back to SMS.
func (c Contact) Route() (Channel, string, error) {
	switch {
	case c.TelegramID != "":
		return ChannelTelegram, c.TelegramID, nil
	case c.Phone != "":
		return ChannelSMS, c.Phone, nil
	default:
		return "", "", ErrNoContact
	}
}

// Message is one rendered outbound notification.
type Message struct {
	ID          string            `json:"id"`
	Channel     Channel           `json:"channel"`
	Recipient   string            `json:"recipient"`
	TemplateKey string            `json:"template"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Notifier hands a message to the delivery pipeline.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}
