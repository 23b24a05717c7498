package domain

import (
	"strings"
	"time"
)

// User is a registered account as seen by other participants.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	AvatarRef string    `json:"avatarRef,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Message is one immutable entry of a conversation.
type Message struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID string    `json:"recipientId"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Before reports whether m sorts ahead of other: by creation time, ties broken by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Peer returns the participant of m that is not owner.
func (m Message) Peer(owner string) string {
	if m.SenderID == owner {
		return m.RecipientID
	}
	return m.SenderID
}

// RecentEntry summarises the latest message an owner exchanged with one peer.
type RecentEntry struct {
	OwnerID   string    `json:"ownerId"`
	PeerID    string    `json:"peerId"`
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Peer      User      `json:"peer"`
}

// Newer reports whether e sorts ahead of other in a recency-ordered list.
func (e RecentEntry) Newer(other RecentEntry) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.After(other.Timestamp)
	}
	return e.PeerID < other.PeerID
}

// ConversationKey identifies the unordered pair of users in a conversation.
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey returns the canonical key for the pair, independent of argument order.
func NewConversationKey(a, b string) ConversationKey {
	if b < a {
		a, b = b, a
	}
	return ConversationKey{A: a, B: b}
}

func (k ConversationKey) String() string {
	return k.A + ":" + k.B
}

// Credentials are the email/password pair used to sign in.
type Credentials struct {
	Email    string
	Password string
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
