package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/session"
)

// HandleInteraction routes a component click. The returned string is the
// ephemeral acknowledgement for the clicking member; errors carry the
// domain code the adapter renders instead.
func (e *Engine) HandleInteraction(ctx context.Context, inter platform.Interaction) (string, error) {
	customID := inter.CustomID
	arg := ""
	if i := strings.IndexByte(customID, ':'); i >= 0 {
		customID, arg = customID[:i], customID[i+1:]
	}

	switch customID {
	case "panel_open":
		sess, err := e.OpenSession(ctx, inter.ServerID, inter.Member, arg)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Your session is ready: <#%s>", sess.ChannelID), nil

	case "session_close":
		if err := e.Close(ctx, inter.ServerID, inter.ChannelID, inter.Member); err != nil {
			return "", err
		}
		return "Session closed.", nil

	case "session_reopen":
		if err := e.Reopen(ctx, inter.ServerID, inter.ChannelID, inter.Member); err != nil {
			return "", err
		}
		return "Session reopened.", nil

	case "session_delete":
		if err := e.Delete(ctx, inter.ServerID, inter.ChannelID, inter.Member); err != nil {
			return "", err
		}
		return "Session deleted.", nil

	case "reg_approve":
		if err := e.Approve(ctx, inter.ServerID, arg, inter.Member); err != nil {
			return "", err
		}
		return "Registration approved.", nil

	case "reg_reject":
		if err := e.Reject(ctx, inter.ServerID, arg, inter.Member); err != nil {
			return "", err
		}
		return "Registration rejected.", nil

	case "reg_done":
		return "This registration was already handled.", nil

	default:
		return "", domainError(CodeNotFound, "unknown component", inter.CustomID)
	}
}

// channellessGrace is how long a channel-kind session may sit without a
// bound channel before recovery treats it as a half-finished create. An
// in-flight open during a gateway reconnect stays untouched.
const channellessGrace = time.Minute

// RecoverBindings walks the persisted sessions after a restart and prunes
// the ones whose channel disappeared while the process was down. Bindings
// that survive need no re-arming: component custom ids are stateless and
// the message bindings still route to their sessions.
func (e *Engine) RecoverBindings(ctx context.Context, serverID string) error {
	if err := e.RebuildHierarchy(ctx, serverID); err != nil {
		return err
	}

	active, err := e.sessions.ListActive(ctx, serverID)
	if err != nil {
		return err
	}

	recovered, pruned := 0, 0
	for _, sess := range active {
		if sess.ChannelID == "" {
			// A channel-kind session with no channel means the process
			// died between create and bind; its marker blocks the owner.
			if sess.Kind == session.KindChannel && time.Since(sess.CreatedAt) > channellessGrace {
				if rmErr := e.sessions.Remove(ctx, serverID, sess.ID); rmErr != nil {
					log.Printf("engine: prune channelless session %s: %v", sess.ID, rmErr)
					continue
				}
				pruned++
				continue
			}
			recovered++
			continue
		}
		err := e.call(ctx, func() error {
			_, err := e.client.Channel(ctx, sess.ServerID, sess.ChannelID)
			return err
		})
		switch {
		case err == nil:
			recovered++
		case errors.Is(err, platform.ErrNotFound):
			if rmErr := e.sessions.Remove(ctx, serverID, sess.ID); rmErr != nil {
				log.Printf("engine: prune stale session %s: %v", sess.ID, rmErr)
				continue
			}
			pruned++
		default:
			// Transient failure: keep the session, it may recover.
			log.Printf("engine: verify channel %s for %s: %v", sess.ChannelID, sess.ID, err)
			recovered++
		}
	}
	markers, err := e.sessions.PruneDanglingMarkers(ctx, serverID)
	if err != nil {
		log.Printf("engine: prune dangling markers on %s: %v", serverID, err)
	}

	log.Printf("engine: recovery on %s: %d sessions kept, %d pruned, %d dangling markers cleared", serverID, recovered, pruned, markers)
	return nil
}

// HandleRoleTopologyChange reacts to any role create, update, delete or
// reorder by rebuilding the whole cached hierarchy for the server.
// Rebuilding wholesale keeps authorization monotonic with the platform's
// view instead of patching individual entries.
func (e *Engine) HandleRoleTopologyChange(ctx context.Context, serverID string) {
	if err := e.RebuildHierarchy(ctx, serverID); err != nil {
		// Deny-by-default: drop the stale snapshot rather than keep
		// authorizing against it.
		e.hierarchy.Forget(serverID)
		log.Printf("engine: rebuild hierarchy for %s: %v", serverID, err)
	}
}

// HandleMemberUpdate re-renders the member's display label when their
// roles changed, keeping the rank tag in step with the hierarchy.
func (e *Engine) HandleMemberUpdate(ctx context.Context, serverID string, member platform.Member) {
	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindRegistration)
	if err != nil {
		log.Printf("engine: load settings for relabel: %v", err)
		return
	}
	if len(cfg.RankTags) == 0 {
		return
	}
	e.relabel(ctx, serverID, member, cfg)
}

// HandleChannelDelete drops the session bound to an externally deleted
// channel so its marker does not lock the owner out forever.
func (e *Engine) HandleChannelDelete(ctx context.Context, serverID, channelID string) {
	sess, err := e.sessions.FindByChannel(ctx, serverID, channelID)
	if errors.Is(err, session.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("engine: lookup session for deleted channel %s: %v", channelID, err)
		return
	}
	if err := e.sessions.Remove(ctx, serverID, sess.ID); err != nil {
		log.Printf("engine: remove session %s for deleted channel: %v", sess.ID, err)
	}
}
