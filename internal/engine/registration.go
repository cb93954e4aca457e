package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"

	"gatehouse/bot/internal/label"
	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/registry"
	"gatehouse/bot/internal/session"
	"gatehouse/bot/internal/util"
)

var externalIDPattern = regexp.MustCompile(`^\d{1,12}$`)

// RegistrationInput is what the member submits through the panel form.
type RegistrationInput struct {
	ExternalID  string
	GameName    string
	RecruiterID string
}

// SubmitRegistration opens a PENDING registration and posts the review
// card. The external-id check here is advisory only: the authoritative
// reservation happens at approval.
func (e *Engine) SubmitRegistration(ctx context.Context, serverID string, member platform.Member, input RegistrationInput) (*session.Session, error) {
	if !externalIDPattern.MatchString(input.ExternalID) {
		return nil, domainError(CodeInvalidInput, "external id must be numeric", nil)
	}
	if label.CleanName(input.GameName) == "" {
		return nil, domainError(CodeInvalidInput, "name is required", nil)
	}

	if res, held, err := e.registry.LookupExternalID(ctx, serverID, input.ExternalID); err != nil {
		return nil, err
	} else if held && res.OwnerID != member.ID {
		return nil, domainError(CodeDuplicateExternalID, "this id is already registered", nil)
	}

	sess := &session.Session{
		ID:          util.NewID("reg"),
		ServerID:    serverID,
		OwnerID:     member.ID,
		Kind:        session.KindRegistration,
		State:       session.StatePending,
		ExternalID:  input.ExternalID,
		GameName:    label.CleanName(input.GameName),
		RecruiterID: input.RecruiterID,
	}
	if err := e.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, session.ErrConflict) {
			return nil, domainError(CodeConflict, "you already have a pending registration", nil)
		}
		return nil, err
	}

	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindRegistration)
	if err != nil {
		return nil, err
	}
	reviewChannel := cfg.PanelChannelID
	if reviewChannel == "" {
		log.Printf("engine: no review channel configured for %s; registration %s awaits manual review", serverID, sess.ID)
		return sess, nil
	}

	err = e.call(ctx, func() error {
		msg, err := e.client.SendMessage(ctx, reviewChannel, platform.OutgoingMessage{
			Body: fmt.Sprintf("Registration from %s\nName: %s\nID: %s", member.Handle(), sess.GameName, sess.ExternalID),
			Buttons: []platform.Button{
				{CustomID: "reg_approve:" + sess.ID, Label: "Approve", Style: platform.ButtonSuccess},
				{CustomID: "reg_reject:" + sess.ID, Label: "Reject", Style: platform.ButtonDanger},
			},
		})
		if err != nil {
			return err
		}
		return e.sessions.BindMessage(ctx, serverID, sess.ID, msg.ID)
	})
	if err != nil {
		log.Printf("engine: post review card for %s: %v", sess.ID, err)
	}
	return sess, nil
}

// Approve grants membership. Ordering matters: the id reservation is the
// authoritative uniqueness check and must win before the state flips, so
// a duplicate id leaves the registration PENDING for correction. Once the
// CAS lands, role grant, relabel, recruiter credit and the DM are
// best-effort side effects.
func (e *Engine) Approve(ctx context.Context, serverID, sessionID string, actor platform.Member) error {
	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindRegistration)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, serverID, actor, cfg.ThresholdRoleID); err != nil {
		return err
	}

	sess, err := e.sessions.Get(ctx, serverID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return domainError(CodeInvalidTransition, "this registration was already handled", nil)
	}
	if err != nil {
		return err
	}
	if sess.Kind != session.KindRegistration {
		return domainError(CodeInvalidInput, "not a registration session", nil)
	}

	created, err := e.registry.ReserveExternalID(ctx, serverID, sess.ExternalID, sess.OwnerID, sess.ID)
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateExternalID) {
			return domainError(CodeDuplicateExternalID, "this id was registered to someone else", nil)
		}
		return err
	}

	updated, err := e.sessions.Transition(ctx, serverID, sessionID, session.EventApprove)
	if err != nil {
		// Losing the race against a concurrent approve is harmless: the
		// reservation is owner-idempotent and the winner holds the same
		// row. Losing against a reject would strand the row we just
		// created, so check the recorded outcome before keeping it.
		if created {
			e.releaseIfRejected(ctx, serverID, sess)
		}
		return transitionError(err)
	}
	sess = updated

	e.finishApproval(ctx, serverID, sess, cfg)
	e.disableReviewCard(ctx, serverID, sess, "Approved by "+actor.Handle())
	return nil
}

// releaseIfRejected drops a reservation that lost an approve/reject race.
// The terminal record lingers after the winning transition, so the losing
// approver can read which outcome won before deciding.
func (e *Engine) releaseIfRejected(ctx context.Context, serverID string, sess *session.Session) {
	final, err := e.sessions.Get(ctx, serverID, sess.ID)
	if err != nil {
		log.Printf("engine: read outcome for %s: %v; reservation %s may need manual release", sess.ID, err, sess.ExternalID)
		return
	}
	if final.State != session.StateRejected {
		return
	}
	if err := e.registry.ReleaseExternalID(ctx, serverID, sess.ExternalID, sess.OwnerID); err != nil {
		log.Printf("engine: release %s after rejected %s: %v", sess.ExternalID, sess.ID, err)
	}
}

func (e *Engine) finishApproval(ctx context.Context, serverID string, sess *session.Session, cfg *session.Settings) {
	var member platform.Member
	if err := e.call(ctx, func() error {
		var err error
		member, err = e.client.Member(ctx, serverID, sess.OwnerID)
		return err
	}); err != nil {
		log.Printf("engine: fetch approved member %s: %v", sess.OwnerID, err)
		member = platform.Member{ID: sess.OwnerID}
	}

	if cfg.MemberRoleID != "" {
		if err := e.call(ctx, func() error {
			return e.client.GrantRole(ctx, serverID, sess.OwnerID, cfg.MemberRoleID)
		}); err != nil {
			log.Printf("engine: grant member role to %s: %v", sess.OwnerID, err)
		} else {
			member.RoleIDs = append(member.RoleIDs, cfg.MemberRoleID)
		}
	}

	tag := e.rankTag(serverID, member, cfg)
	rendered := label.Render(tag, sess.GameName, sess.ExternalID, member.Username)
	if err := e.call(ctx, func() error {
		return e.client.SetDisplayLabel(ctx, serverID, sess.OwnerID, rendered)
	}); err != nil {
		log.Printf("engine: set label for %s: %v", sess.OwnerID, err)
	}

	if sess.RecruiterID != "" {
		if err := e.registry.IncrementRecruits(ctx, serverID, sess.RecruiterID); err != nil {
			log.Printf("engine: credit recruiter %s: %v", sess.RecruiterID, err)
		}
	}

	if err := e.call(ctx, func() error {
		return e.client.SendDirect(ctx, sess.OwnerID, "Your registration was approved. Welcome aboard!")
	}); err != nil {
		log.Printf("engine: welcome dm to %s: %v", sess.OwnerID, err)
	}
}

// Reject closes the registration and releases any reservation a
// concurrent or crashed approval left behind. The release is owner
// scoped, so an id legitimately held by another member is untouched.
func (e *Engine) Reject(ctx context.Context, serverID, sessionID string, actor platform.Member) error {
	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindRegistration)
	if err != nil {
		return err
	}
	if err := e.authorize(ctx, serverID, actor, cfg.ThresholdRoleID); err != nil {
		return err
	}

	sess, err := e.sessions.Transition(ctx, serverID, sessionID, session.EventReject)
	if err != nil {
		return transitionError(err)
	}

	if err := e.registry.ReleaseExternalID(ctx, serverID, sess.ExternalID, sess.OwnerID); err != nil {
		log.Printf("engine: release %s after rejecting %s: %v", sess.ExternalID, sess.ID, err)
	}

	e.disableReviewCard(ctx, serverID, sess, "Rejected by "+actor.Handle())

	if err := e.call(ctx, func() error {
		return e.client.SendDirect(ctx, sess.OwnerID, "Your registration was not approved. You can submit again with corrected details.")
	}); err != nil {
		log.Printf("engine: rejection dm to %s: %v", sess.OwnerID, err)
	}
	return nil
}

// disableReviewCard rewrites the review message with its buttons disabled
// so the verdict is visible and further clicks go nowhere.
func (e *Engine) disableReviewCard(ctx context.Context, serverID string, sess *session.Session, verdict string) {
	cfg, err := e.sessions.LoadSettings(ctx, serverID, session.KindRegistration)
	if err != nil || cfg.PanelChannelID == "" {
		return
	}
	for _, msgID := range sess.BoundMessageIDs {
		msgID := msgID
		if err := e.call(ctx, func() error {
			return e.client.EditMessage(ctx, cfg.PanelChannelID, msgID, platform.OutgoingMessage{
				Body: fmt.Sprintf("Registration from <@%s>\nName: %s\nID: %s\n%s", sess.OwnerID, sess.GameName, sess.ExternalID, verdict),
				Buttons: []platform.Button{
					{CustomID: "reg_done", Label: verdict, Style: platform.ButtonSecondary, Disabled: true},
				},
			})
		}); err != nil {
			log.Printf("engine: disable review card %s: %v", msgID, err)
		}
	}
}
