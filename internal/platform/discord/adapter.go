// Package discord adapts a discordgo session to the platform capability
// the engine consumes and wires gateway events into it.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"gatehouse/bot/internal/platform"
)

// Adapter implements platform.Client on top of a discordgo session.
type Adapter struct {
	session *discordgo.Session
}

func NewAdapter(session *discordgo.Session) *Adapter {
	return &Adapter{session: session}
}

// mapErr translates discordgo failures into the platform taxonomy so the
// Caller can decide what is retryable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return &platform.RateLimitedError{RetryAfter: rl.RetryAfter}
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", platform.ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", platform.ErrNotFound, err)
		case http.StatusTooManyRequests:
			return &platform.RateLimitedError{}
		}
	}
	return err
}

func mapRole(r *discordgo.Role) platform.Role {
	return platform.Role{
		ID:      r.ID,
		Name:    r.Name,
		Rank:    r.Position,
		Managed: r.Managed,
	}
}

func (a *Adapter) Roles(_ context.Context, serverID string) ([]platform.Role, error) {
	roles, err := a.session.GuildRoles(serverID)
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]platform.Role, 0, len(roles))
	for _, r := range roles {
		out = append(out, mapRole(r))
	}
	return out, nil
}

func (a *Adapter) Member(_ context.Context, serverID, userID string) (platform.Member, error) {
	m, err := a.session.GuildMember(serverID, userID)
	if err != nil {
		return platform.Member{}, mapErr(err)
	}
	return a.mapMember(serverID, m), nil
}

func (a *Adapter) mapMember(serverID string, m *discordgo.Member) platform.Member {
	out := platform.Member{
		DisplayLabel: m.Nick,
		RoleIDs:      m.Roles,
	}
	if m.User != nil {
		out.ID = m.User.ID
		out.Username = m.User.Username
	}
	out.Admin = a.isAdmin(serverID, m)
	return out
}

// isAdmin checks guild ownership and the administrator bit on any held
// role, from the session's state cache when possible.
func (a *Adapter) isAdmin(serverID string, m *discordgo.Member) bool {
	guild, err := a.session.State.Guild(serverID)
	if err != nil {
		guild, err = a.session.Guild(serverID)
		if err != nil {
			return false
		}
	}
	if m.User != nil && guild.OwnerID == m.User.ID {
		return true
	}
	for _, roleID := range m.Roles {
		for _, role := range guild.Roles {
			if role.ID == roleID && role.Permissions&discordgo.PermissionAdministrator != 0 {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) Channel(_ context.Context, _, channelID string) (platform.Channel, error) {
	ch, err := a.session.Channel(channelID)
	if err != nil {
		return platform.Channel{}, mapErr(err)
	}
	return mapChannel(ch), nil
}

func mapChannel(ch *discordgo.Channel) platform.Channel {
	return platform.Channel{
		ID:       ch.ID,
		ServerID: ch.GuildID,
		ParentID: ch.ParentID,
		Name:     ch.Name,
		Topic:    ch.Topic,
	}
}

var permBits = []struct {
	ours   platform.Permission
	theirs int64
}{
	{platform.PermViewChannel, discordgo.PermissionViewChannel},
	{platform.PermSendMessages, discordgo.PermissionSendMessages},
	{platform.PermAttachFiles, discordgo.PermissionAttachFiles},
	{platform.PermReadHistory, discordgo.PermissionReadMessageHistory},
	{platform.PermManageChannels, discordgo.PermissionManageChannels},
}

func mapPermission(p platform.Permission) int64 {
	var out int64
	for _, bit := range permBits {
		if p&bit.ours != 0 {
			out |= bit.theirs
		}
	}
	return out
}

func mapOverwrite(o platform.PermissionOverwrite) *discordgo.PermissionOverwrite {
	kind := discordgo.PermissionOverwriteTypeMember
	if o.IsRole {
		kind = discordgo.PermissionOverwriteTypeRole
	}
	return &discordgo.PermissionOverwrite{
		ID:    o.TargetID,
		Type:  kind,
		Allow: mapPermission(o.Allow),
		Deny:  mapPermission(o.Deny),
	}
}

func (a *Adapter) CreateChannel(_ context.Context, serverID string, req platform.CreateChannelRequest) (platform.Channel, error) {
	overwrites := make([]*discordgo.PermissionOverwrite, 0, len(req.Overwrites))
	for _, o := range req.Overwrites {
		overwrites = append(overwrites, mapOverwrite(o))
	}
	ch, err := a.session.GuildChannelCreateComplex(serverID, discordgo.GuildChannelCreateData{
		Name:                 req.Name,
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                req.Topic,
		ParentID:             req.ParentID,
		PermissionOverwrites: overwrites,
	})
	if err != nil {
		return platform.Channel{}, mapErr(err)
	}
	return mapChannel(ch), nil
}

func (a *Adapter) EditChannelPermissions(_ context.Context, _, channelID string, overwrites []platform.PermissionOverwrite) error {
	for _, o := range overwrites {
		mapped := mapOverwrite(o)
		if err := a.session.ChannelPermissionSet(channelID, mapped.ID, mapped.Type, mapped.Allow, mapped.Deny); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (a *Adapter) RenameChannel(_ context.Context, _, channelID, name string) error {
	_, err := a.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name})
	return mapErr(err)
}

func (a *Adapter) DeleteChannel(_ context.Context, _, channelID string) error {
	_, err := a.session.ChannelDelete(channelID)
	return mapErr(err)
}

func mapButtons(buttons []platform.Button) []discordgo.MessageComponent {
	if len(buttons) == 0 {
		return nil
	}
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		row.Components = append(row.Components, discordgo.Button{
			CustomID: b.CustomID,
			Label:    b.Label,
			Style:    discordgo.ButtonStyle(b.Style),
			Disabled: b.Disabled,
		})
	}
	return []discordgo.MessageComponent{row}
}

func (a *Adapter) SendMessage(_ context.Context, channelID string, msg platform.OutgoingMessage) (platform.Message, error) {
	sent, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:    msg.Body,
		Components: mapButtons(msg.Buttons),
	})
	if err != nil {
		return platform.Message{}, mapErr(err)
	}
	return mapMessage(sent), nil
}

func (a *Adapter) EditMessage(_ context.Context, channelID, messageID string, msg platform.OutgoingMessage) error {
	components := mapButtons(msg.Buttons)
	_, err := a.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    channelID,
		Content:    &msg.Body,
		Components: &components,
	})
	return mapErr(err)
}

func (a *Adapter) Messages(_ context.Context, channelID, beforeID string, limit int) ([]platform.Message, error) {
	msgs, err := a.session.ChannelMessages(channelID, limit, beforeID, "", "")
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]platform.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, mapMessage(m))
	}
	return out, nil
}

func mapMessage(m *discordgo.Message) platform.Message {
	out := platform.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Body:      m.Content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
	}
	for _, att := range m.Attachments {
		out.Attachments = append(out.Attachments, platform.Attachment{
			ID:       att.ID,
			Filename: att.Filename,
			URL:      att.URL,
		})
	}
	return out
}

func (a *Adapter) GrantRole(_ context.Context, serverID, userID, roleID string) error {
	return mapErr(a.session.GuildMemberRoleAdd(serverID, userID, roleID))
}

func (a *Adapter) RevokeRole(_ context.Context, serverID, userID, roleID string) error {
	return mapErr(a.session.GuildMemberRoleRemove(serverID, userID, roleID))
}

func (a *Adapter) SetDisplayLabel(_ context.Context, serverID, userID, label string) error {
	return mapErr(a.session.GuildMemberNickname(serverID, userID, label))
}

func (a *Adapter) SendDirect(_ context.Context, userID, body string) error {
	ch, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return mapErr(err)
	}
	_, err = a.session.ChannelMessageSend(ch.ID, body)
	return mapErr(err)
}

// compile-time conformance
var _ platform.Client = (*Adapter)(nil)
