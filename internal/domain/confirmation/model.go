package confirmation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the route a confirmation arrived through.
type Channel string

const (
	ChannelTelegram  Channel = "telegram"
	ChannelPWA       Channel = "pwa"
	ChannelPhone     Channel = "phone"
	ChannelRegistrar Channel = "registrar"
)

// ParseChannel accepts the patient-facing channels.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(s))); c {
	case ChannelTelegram, ChannelPWA, ChannelPhone:
		return c, nil
	}
	return "", fmt.Errorf("unknown confirmation channel %q", s)
}

type EventType string

const (
	EventConfirmationAttempt EventType = "confirmation_attempt"
	EventTokenGenerated      EventType = "token_generated"
	EventTokenRefused        EventType = "token_generation_refused"
	EventRegistrarOverride   EventType = "registrar_override"
)

// SecurityEvent is one row of the append-only confirmation audit log. Only a
// hash of the token is kept.
type SecurityEvent struct {
	ID        uuid.UUID  `json:"id"`
	EventType EventType  `json:"event_type"`
	VisitID   *uuid.UUID `json:"visit_id,omitempty"`
	TokenHash *string    `json:"token_hash,omitempty"`
	Channel   Channel    `json:"channel,omitempty"`
	IP        string     `json:"ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	Success   bool       `json:"success"`
	Reason    string     `json:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Attempt is one patient-facing confirmation request.
type Attempt struct {
	Token     string
	Channel   Channel
	IP        string
	UserAgent string
	// Identity is the channel-specific proof: a Telegram user id or a phone
	// number. Empty for the PWA channel.
	Identity string
}

// Subject is what a confirmation token resolves to.
type Subject struct {
	VisitID    uuid.UUID
	PatientID  uuid.UUID
	Status     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Phone      string
	TelegramID string
}

// HashToken returns the hex SHA-256 of a token for logging and lookups.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
