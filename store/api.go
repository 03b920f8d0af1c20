package store

import (
	"context"
	"time"
)

// UserStatus is the moderation status of a user account.
type UserStatus string

const (
	StatusOnline UserStatus = "online"
	StatusMuted  UserStatus = "muted"
	StatusBanned UserStatus = "banned"
)

// User is the identity and moderation record of an account.
// The ws package holds one per active connection but re-reads the
// moderation fields from the store before every send, since admin
// actions mutate them out of band.
type User struct {
	ID       int64
	Username string
	Tag      string
	Status   UserStatus

	// MutedUntil is nil unless a mute is in effect.
	MutedUntil *time.Time
	// BotsOnly restricts the user to messaging bot accounts until
	// MutedUntil passes.
	BotsOnly bool

	IsBot   bool
	IsAdmin bool
}

// FileMeta describes an attachment on a file message.
type FileMeta struct {
	Name string
	Path string
	Size int64
	Type string
}

// Message is one durable direct message. Rows are written exactly once;
// only the read flag flips afterwards.
type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Content    string
	CreateTime time.Time
	IsRead     bool

	// File is nil for plain text messages.
	File *FileMeta
}

// Contact is a directional contact-list edge. AutoAdded edges are
// created by the delivery pipeline on first exchange.
type Contact struct {
	ID         int64
	OwnerID    int64
	ContactID  int64
	CustomName string
	Favorite   bool
	AutoAdded  bool
	CreateTime time.Time
}

// UnreadCount is the number of unread messages from one sender.
type UnreadCount struct {
	SenderID int64  `json:"sender_id"`
	Username string `json:"username"`
	Tag      string `json:"tag"`
	Count    int64  `json:"count"`
}

// IStore is the durable storage consumed by the session core and the
// HTTP API. Lookups return (nil, nil) when the row does not exist.
type IStore interface {
	// GetUser gets a user by id.
	GetUser(ctx context.Context, id int64) (*User, error)

	// GetUserByName gets a user by exact username.
	GetUserByName(ctx context.Context, username string) (*User, error)

	// CreateMessage inserts a message row, timestamped with the server
	// clock at insert time, and returns it with id and timestamp set.
	CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (*Message, error)

	// ClearExpiredMute lifts the user's mute in a single transaction if
	// and only if it has lapsed. Returns whether a mute was cleared.
	ClearExpiredMute(ctx context.Context, userID int64) (bool, error)

	// EnsureContact creates the owner->contact edge if absent. An
	// existing edge is left untouched, custom name and favorite flag
	// included. Returns whether a new edge was created.
	EnsureContact(ctx context.Context, ownerID, contactID int64) (bool, error)

	// ListBotIDs lists ids of all bot-flagged users.
	ListBotIDs(ctx context.Context) ([]int64, error)

	// ListBots lists all bot-flagged users.
	ListBots(ctx context.Context) ([]*User, error)

	// History returns up to limit messages between userID and peerID in
	// timestamp order, and marks the ones received by userID as read.
	History(ctx context.Context, userID, peerID int64, limit int32) ([]*Message, error)

	// UnreadCounts counts unread messages for userID grouped by sender.
	UnreadCounts(ctx context.Context, userID int64) ([]*UnreadCount, error)

	// MarkRead flips the read flag of one message received by userID.
	// Returns whether the row changed.
	MarkRead(ctx context.Context, userID, messageID int64) (bool, error)

	// MarkAllRead flips the read flag of every unread message from
	// senderID to userID. Returns the number of rows changed.
	MarkAllRead(ctx context.Context, userID, senderID int64) (int64, error)
}
