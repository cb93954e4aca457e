// Package engine implements the role-gated workflow engine: channel
// sessions, member registration and the recovery path after a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gatehouse/bot/internal/hierarchy"
	"gatehouse/bot/internal/label"
	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/registry"
	"gatehouse/bot/internal/session"
	"gatehouse/bot/internal/transcript"
	"gatehouse/bot/internal/util"
)

// closedPrefix renames archived channels so their state is visible at a
// glance and reopen can strip it back off.
const closedPrefix = "closed-"

type sessionStore interface {
	Create(ctx context.Context, sess *session.Session) error
	Get(ctx context.Context, serverID, id string) (*session.Session, error)
	Transition(ctx context.Context, serverID, id string, event session.Event) (*session.Session, error)
	BindChannel(ctx context.Context, serverID, id, channelID string) error
	BindMessage(ctx context.Context, serverID, id, messageID string) error
	FindByChannel(ctx context.Context, serverID, channelID string) (*session.Session, error)
	FindByMessage(ctx context.Context, serverID, messageID string) (*session.Session, error)
	ListActive(ctx context.Context, serverID string) ([]*session.Session, error)
	Remove(ctx context.Context, serverID, id string) error
	PruneDanglingMarkers(ctx context.Context, serverID string) (int, error)
	SaveSettings(ctx context.Context, serverID string, kind session.Kind, cfg *session.Settings) error
	LoadSettings(ctx context.Context, serverID string, kind session.Kind) (*session.Settings, error)
}

type registryStore interface {
	ReserveExternalID(ctx context.Context, serverID, externalID, ownerID, sessionID string) (bool, error)
	ReleaseExternalID(ctx context.Context, serverID, externalID, ownerID string) error
	LookupExternalID(ctx context.Context, serverID, externalID string) (registry.Reservation, bool, error)
	IncrementRecruits(ctx context.Context, serverID, recruiterID string) error
	TopRecruiters(ctx context.Context, serverID, month string, limit int) ([]registry.RecruiterCount, error)
	InsertTranscript(ctx context.Context, tr *registry.Transcript) error
}

type archiver interface {
	Capture(ctx context.Context, sess *session.Session, channelName, ownerName string) (*transcript.Result, error)
}

type indexer interface {
	IndexTranscript(tr registry.Transcript)
}

type Engine struct {
	client    platform.Client
	caller    *platform.Caller
	sessions  sessionStore
	registry  registryStore
	hierarchy *hierarchy.Index
	archiver  archiver
	search    indexer // may be nil
}

func New(client platform.Client, caller *platform.Caller, sessions sessionStore, reg registryStore, hier *hierarchy.Index, arch archiver, search indexer) *Engine {
	return &Engine{
		client:    client,
		caller:    caller,
		sessions:  sessions,
		registry:  reg,
		hierarchy: hier,
		archiver:  arch,
		search:    search,
	}
}

// call routes one platform operation through the shared rate budget and
// maps terminal platform failures onto the domain taxonomy.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	err := e.caller.Do(ctx, fn)
	var rl *platform.RateLimitedError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rl):
		return domainError(CodePlatformRateLimited, "platform throttled the request", nil)
	case errors.Is(err, platform.ErrForbidden):
		return domainError(CodePlatformForbidden, "missing platform permission", nil)
	default:
		return err
	}
}

// authorize checks the actor against the configured threshold role.
// An unbuilt hierarchy is rebuilt once from the platform before denying.
func (e *Engine) authorize(ctx context.Context, serverID string, actor platform.Member, thresholdRoleID string) error {
	ok, err := e.hierarchy.Authorized(serverID, actor, thresholdRoleID)
	if errors.Is(err, hierarchy.ErrNotBuilt) {
		if rebuildErr := e.RebuildHierarchy(ctx, serverID); rebuildErr != nil {
			return domainError(CodeUnauthorized, "role hierarchy unavailable", nil)
		}
		ok, err = e.hierarchy.Authorized(serverID, actor, thresholdRoleID)
	}
	if errors.Is(err, hierarchy.ErrThresholdUnknown) {
		return domainError(CodeUnauthorized, "the configured threshold role no longer exists; re-run setup", nil)
	}
	if err != nil {
		return domainError(CodeUnauthorized, "authorization check failed", err.Error())
	}
	if !ok {
		return domainError(CodeUnauthorized, "insufficient role", nil)
	}
	return nil
}

// RebuildHierarchy refreshes the cached role topology for one server.
func (e *Engine) RebuildHierarchy(ctx context.Context, serverID string) error {
	var roles []platform.Role
	err := e.call(ctx, func() error {
		var err error
		roles, err = e.client.Roles(ctx, serverID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch roles: %w", err)
	}
	e.hierarchy.Rebuild(serverID, roles)
	return nil
}

// AuthorizeStaff checks the actor against the registration workflow's
// threshold role, for surfaces outside the session lifecycle.
func (e *Engine) AuthorizeStaff(ctx context.Context, serverID string, actor platform.Member) error {
	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindRegistration)
	if err != nil {
		return err
	}
	return e.authorize(ctx, serverID, actor, cfg.ThresholdRoleID)
}

// TopRecruiters returns the current month's leaderboard.
func (e *Engine) TopRecruiters(ctx context.Context, serverID string, limit int) ([]registry.RecruiterCount, error) {
	month := time.Now().UTC().Format("2006-01")
	return e.registry.TopRecruiters(ctx, serverID, month, limit)
}

// Configure stores the per-server workflow settings.
func (e *Engine) Configure(ctx context.Context, serverID string, kind session.Kind, cfg *session.Settings) error {
	return e.sessions.SaveSettings(ctx, serverID, kind, cfg)
}

// OpenSession claims the one-active-session slot for the member, then
// creates the private channel. The marker is claimed before any platform
// call so a lost race never leaves an orphaned channel.
func (e *Engine) OpenSession(ctx context.Context, serverID string, member platform.Member, scope string) (*session.Session, error) {
	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindChannel)
	if err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:       util.NewID("sess"),
		ServerID: serverID,
		OwnerID:  member.ID,
		Kind:     session.KindChannel,
		State:    session.StateOpen,
		Scope:    scope,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, session.ErrConflict) {
			return nil, domainError(CodeConflict, "you already have an open session", nil)
		}
		return nil, err
	}

	channel, err := e.createSessionChannel(ctx, serverID, member, scope, cfg)
	if err != nil {
		// Release the slot; the member should be able to retry.
		if rmErr := e.sessions.Remove(ctx, serverID, sess.ID); rmErr != nil {
			log.Printf("engine: release session %s after channel failure: %v", sess.ID, rmErr)
		}
		return nil, err
	}
	sess.ChannelID = channel.ID
	if err := e.sessions.BindChannel(ctx, serverID, sess.ID, channel.ID); err != nil {
		return nil, err
	}

	var msg platform.Message
	err = e.call(ctx, func() error {
		var err error
		msg, err = e.client.SendMessage(ctx, channel.ID, platform.OutgoingMessage{
			Body: fmt.Sprintf("Session opened by %s. A staff member will be with you shortly.", member.Handle()),
			Buttons: []platform.Button{
				{CustomID: "session_close", Label: "Close", Style: platform.ButtonDanger},
			},
		})
		return err
	})
	if err != nil {
		log.Printf("engine: post controls in %s: %v", channel.ID, err)
		return sess, nil
	}
	if err := e.sessions.BindMessage(ctx, serverID, sess.ID, msg.ID); err != nil {
		log.Printf("engine: bind control message %s: %v", msg.ID, err)
	}
	return sess, nil
}

func (e *Engine) createSessionChannel(ctx context.Context, serverID string, member platform.Member, scope string, cfg *session.Settings) (platform.Channel, error) {
	memberPerms := platform.PermViewChannel | platform.PermSendMessages | platform.PermAttachFiles | platform.PermReadHistory
	overwrites := []platform.PermissionOverwrite{
		{TargetID: serverID, IsRole: true, Deny: platform.PermViewChannel}, // @everyone
		{TargetID: member.ID, Allow: memberPerms},
	}
	if cfg.ThresholdRoleID != "" {
		overwrites = append(overwrites, platform.PermissionOverwrite{
			TargetID: cfg.ThresholdRoleID,
			IsRole:   true,
			Allow:    memberPerms | platform.PermManageChannels,
		})
	}

	var channel platform.Channel
	err := e.call(ctx, func() error {
		var err error
		channel, err = e.client.CreateChannel(ctx, serverID, platform.CreateChannelRequest{
			Name:       channelName(scope, member),
			ParentID:   cfg.CategoryID,
			Topic:      fmt.Sprintf("%s session for %s", scope, member.Handle()),
			Overwrites: overwrites,
		})
		return err
	})
	return channel, err
}

func channelName(scope string, member platform.Member) string {
	base := strings.ToLower(strings.Join(strings.Fields(member.Handle()), "-"))
	if base == "" {
		base = member.ID
	}
	return scope + "-" + base
}

// Close archives the channel and locks it. The owner may close their own
// session; anyone else needs the threshold role. A concurrent close loses
// the CAS and reports the session as already handled.
func (e *Engine) Close(ctx context.Context, serverID, channelID string, actor platform.Member) error {
	sess, err := e.sessions.FindByChannel(ctx, serverID, channelID)
	if errors.Is(err, session.ErrNotFound) {
		return domainError(CodeNotFound, "no session is bound to this channel", nil)
	}
	if err != nil {
		return err
	}

	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindChannel)
	if err != nil {
		return err
	}
	if actor.ID != sess.OwnerID {
		if err := e.authorize(ctx, serverID, actor, cfg.ThresholdRoleID); err != nil {
			return err
		}
	}

	sess, err = e.sessions.Transition(ctx, serverID, sess.ID, session.EventClose)
	if err != nil {
		return transitionError(err)
	}

	// Archive while the history is still readable, before locking the
	// channel down.
	archived := e.archive(ctx, sess)

	if err := e.call(ctx, func() error {
		return e.client.EditChannelPermissions(ctx, serverID, channelID, []platform.PermissionOverwrite{
			{TargetID: sess.OwnerID, Allow: platform.PermViewChannel | platform.PermReadHistory, Deny: platform.PermSendMessages | platform.PermAttachFiles},
		})
	}); err != nil {
		log.Printf("engine: lock channel %s: %v", channelID, err)
	}

	e.renameClosed(ctx, serverID, channelID, true)

	body := fmt.Sprintf("Session closed by %s.", actor.Handle())
	if archived != nil && archived.Incomplete {
		body += " The transcript is incomplete: some history could not be read."
	}
	err = e.call(ctx, func() error {
		msg, err := e.client.SendMessage(ctx, channelID, platform.OutgoingMessage{
			Body: body,
			Buttons: []platform.Button{
				{CustomID: "session_reopen", Label: "Reopen", Style: platform.ButtonSecondary},
				{CustomID: "session_delete", Label: "Delete", Style: platform.ButtonDanger},
			},
		})
		if err != nil {
			return err
		}
		return e.sessions.BindMessage(ctx, serverID, sess.ID, msg.ID)
	})
	if err != nil {
		log.Printf("engine: post close controls in %s: %v", channelID, err)
	}
	return nil
}

// Reopen restores a closed session. Threshold role only.
func (e *Engine) Reopen(ctx context.Context, serverID, channelID string, actor platform.Member) error {
	sess, err := e.sessions.FindByChannel(ctx, serverID, channelID)
	if errors.Is(err, session.ErrNotFound) {
		return domainError(CodeNotFound, "no session is bound to this channel", nil)
	}
	if err != nil {
		return err
	}

	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindChannel)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, serverID, actor, cfg.ThresholdRoleID); err != nil {
		return err
	}

	sess, err = e.sessions.Transition(ctx, serverID, sess.ID, session.EventReopen)
	if err != nil {
		return transitionError(err)
	}

	if err := e.call(ctx, func() error {
		return e.client.EditChannelPermissions(ctx, serverID, channelID, []platform.PermissionOverwrite{
			{TargetID: sess.OwnerID, Allow: platform.PermViewChannel | platform.PermSendMessages | platform.PermAttachFiles | platform.PermReadHistory},
		})
	}); err != nil {
		log.Printf("engine: unlock channel %s: %v", channelID, err)
	}

	e.renameClosed(ctx, serverID, channelID, false)

	if err := e.call(ctx, func() error {
		_, err := e.client.SendMessage(ctx, channelID, platform.OutgoingMessage{
			Body: fmt.Sprintf("Session reopened by %s.", actor.Handle()),
		})
		return err
	}); err != nil {
		log.Printf("engine: announce reopen in %s: %v", channelID, err)
	}
	return nil
}

// Delete archives and removes the channel. Threshold role only: an
// unauthorized click must leave the session untouched, so the check runs
// before any state change.
func (e *Engine) Delete(ctx context.Context, serverID, channelID string, actor platform.Member) error {
	sess, err := e.sessions.FindByChannel(ctx, serverID, channelID)
	if errors.Is(err, session.ErrNotFound) {
		return domainError(CodeNotFound, "no session is bound to this channel", nil)
	}
	if err != nil {
		return err
	}

	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindChannel)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, serverID, actor, cfg.ThresholdRoleID); err != nil {
		return err
	}

	sess, err = e.sessions.Transition(ctx, serverID, sess.ID, session.EventDelete)
	if err != nil {
		return transitionError(err)
	}

	// The channel still exists until the call below, so the transcript
	// is captured from the terminal record.
	e.archive(ctx, sess)

	if err := e.call(ctx, func() error {
		return e.client.DeleteChannel(ctx, serverID, channelID)
	}); err != nil {
		log.Printf("engine: delete channel %s: %v", channelID, err)
		return err
	}
	return nil
}

// archive captures and records a transcript, returning the stored row or
// nil. Failures are logged, never fatal to the lifecycle action that
// triggered them.
func (e *Engine) archive(ctx context.Context, sess *session.Session) *registry.Transcript {
	name := sess.Scope
	var channel platform.Channel
	if err := e.call(ctx, func() error {
		var err error
		channel, err = e.client.Channel(ctx, sess.ServerID, sess.ChannelID)
		return err
	}); err == nil {
		name = channel.Name
	}

	ownerName := sess.OwnerID
	var owner platform.Member
	if err := e.call(ctx, func() error {
		var err error
		owner, err = e.client.Member(ctx, sess.ServerID, sess.OwnerID)
		return err
	}); err == nil {
		ownerName = owner.Handle()
	}

	res, err := e.archiver.Capture(ctx, sess, name, ownerName)
	if err != nil {
		log.Printf("engine: capture transcript for %s: %v", sess.ID, err)
		return nil
	}

	tr := &registry.Transcript{
		ID:           util.NewID("tr"),
		ServerID:     sess.ServerID,
		ChannelID:    sess.ChannelID,
		SessionID:    sess.ID,
		OwnerID:      sess.OwnerID,
		Scope:        sess.Scope,
		ObjectKey:    res.ObjectKey,
		Incomplete:   res.Incomplete,
		MessageCount: res.MessageCount,
		Body:         res.Body,
	}
	if err := e.registry.InsertTranscript(ctx, tr); err != nil {
		log.Printf("engine: record transcript for %s: %v", sess.ID, err)
		return nil
	}
	if e.search != nil {
		e.search.IndexTranscript(*tr)
	}
	return tr
}

func (e *Engine) renameClosed(ctx context.Context, serverID, channelID string, closed bool) {
	var channel platform.Channel
	if err := e.call(ctx, func() error {
		var err error
		channel, err = e.client.Channel(ctx, serverID, channelID)
		return err
	}); err != nil {
		log.Printf("engine: lookup channel %s: %v", channelID, err)
		return
	}

	name := channel.Name
	if closed && !strings.HasPrefix(name, closedPrefix) {
		name = closedPrefix + name
	} else if !closed {
		name = strings.TrimPrefix(name, closedPrefix)
	}
	if name == channel.Name {
		return
	}
	if err := e.call(ctx, func() error {
		return e.client.RenameChannel(ctx, serverID, channelID, name)
	}); err != nil {
		log.Printf("engine: rename channel %s: %v", channelID, err)
	}
}

func transitionError(err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrNotFound):
		return domainError(CodeInvalidTransition, "this session was already handled", nil)
	default:
		return err
	}
}

// relabel renders and applies the member's display label from their
// highest tagged role.
func (e *Engine) relabel(ctx context.Context, serverID string, member platform.Member, cfg *session.Settings) {
	tag := e.rankTag(serverID, member, cfg)
	current := label.Parse(member.DisplayLabel)
	next := label.Render(tag, current.Name, current.ExternalID, member.Username)
	if next == member.DisplayLabel {
		return
	}
	if err := e.call(ctx, func() error {
		return e.client.SetDisplayLabel(ctx, serverID, member.ID, next)
	}); err != nil {
		// Some members outrank the bot; nothing to do about those.
		log.Printf("engine: set label for %s: %v", member.ID, err)
	}
}

// rankTag returns the tag of the member's highest-ranked tagged role.
func (e *Engine) rankTag(serverID string, member platform.Member, cfg *session.Settings) string {
	best := ""
	bestRank := -1
	for _, roleID := range member.RoleIDs {
		tag, ok := cfg.RankTags[roleID]
		if !ok {
			continue
		}
		rank, ok := e.hierarchy.Rank(serverID, roleID)
		if !ok {
			continue
		}
		if rank > bestRank {
			best, bestRank = tag, rank
		}
	}
	return best
}
