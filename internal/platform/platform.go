// Package platform defines the chat-platform capability the engine consumes.
// The raw client (connection, gateway, rate limiting) is provided by an
// adapter; the engine only sees this interface.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Role struct {
	ID      string
	Name    string
	Rank    int // ordinal position, higher = more authority
	Managed bool
}

type Member struct {
	ID           string
	Username     string
	DisplayLabel string // server nickname, may be empty
	RoleIDs      []string
	Admin        bool
}

// Handle returns the name the member falls back to when no label is set.
func (m Member) Handle() string {
	if m.DisplayLabel != "" {
		return m.DisplayLabel
	}
	return m.Username
}

type Channel struct {
	ID       string
	ServerID string
	ParentID string
	Name     string
	Topic    string
}

type Attachment struct {
	ID       string
	Filename string
	URL      string
}

type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	Body        string
	Attachments []Attachment
	Timestamp   time.Time
}

type Permission uint64

const (
	PermViewChannel Permission = 1 << iota
	PermSendMessages
	PermAttachFiles
	PermReadHistory
	PermManageChannels
)

// PermissionOverwrite grants or denies permissions for a role or member on a
// channel. Allow wins over Deny when both carry the same bit.
type PermissionOverwrite struct {
	TargetID string
	IsRole   bool
	Allow    Permission
	Deny     Permission
}

type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

// Button is an interactive component bound to a message. CustomID routes the
// click back to the engine.
type Button struct {
	CustomID string
	Label    string
	Style    ButtonStyle
	Disabled bool
}

type OutgoingMessage struct {
	Body    string
	Buttons []Button
}

type CreateChannelRequest struct {
	Name       string
	ParentID   string
	Topic      string
	Overwrites []PermissionOverwrite
}

// Interaction is a component click delivered by the gateway. Member is the
// clicking actor with roles resolved.
type Interaction struct {
	ServerID  string
	ChannelID string
	MessageID string
	CustomID  string
	Member    Member
}

// Client is the platform capability. Implementations must translate the
// platform's throttling responses into RateLimitedError so the Caller can
// retry them.
type Client interface {
	Roles(ctx context.Context, serverID string) ([]Role, error)
	Member(ctx context.Context, serverID, userID string) (Member, error)

	Channel(ctx context.Context, serverID, channelID string) (Channel, error)
	CreateChannel(ctx context.Context, serverID string, req CreateChannelRequest) (Channel, error)
	EditChannelPermissions(ctx context.Context, serverID, channelID string, overwrites []PermissionOverwrite) error
	RenameChannel(ctx context.Context, serverID, channelID, name string) error
	DeleteChannel(ctx context.Context, serverID, channelID string) error

	SendMessage(ctx context.Context, channelID string, msg OutgoingMessage) (Message, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg OutgoingMessage) error
	// Messages returns up to limit messages strictly older than beforeID
	// (all newest first when beforeID is empty), newest first.
	Messages(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)

	GrantRole(ctx context.Context, serverID, userID, roleID string) error
	RevokeRole(ctx context.Context, serverID, userID, roleID string) error
	SetDisplayLabel(ctx context.Context, serverID, userID, label string) error
	SendDirect(ctx context.Context, userID, body string) error
}

var (
	// ErrForbidden means the bot's own role lacks the permission. Fatal to
	// the action, never retried.
	ErrForbidden = errors.New("platform: forbidden")
	// ErrNotFound covers deleted channels, messages and members.
	ErrNotFound = errors.New("platform: not found")
)

// RateLimitedError is a transient throttling response. RetryAfter may be
// zero when the platform did not say.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("platform: rate limited, retry after %s", e.RetryAfter)
}
