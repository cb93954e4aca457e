package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"gatehouse/bot/internal/engine"
	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/search"
	"gatehouse/bot/internal/session"
)

const handlerTimeout = 30 * time.Second

// Gateway routes discord events into the engine.
type Gateway struct {
	session *discordgo.Session
	adapter *Adapter
	engine  *engine.Engine
	search  *search.Service
}

func NewGateway(s *discordgo.Session, adapter *Adapter, eng *engine.Engine, searcher *search.Service) *Gateway {
	return &Gateway{session: s, adapter: adapter, engine: eng, search: searcher}
}

// Attach registers every gateway handler. Call before opening the
// session so no events are missed.
func (g *Gateway) Attach() {
	g.session.AddHandler(g.onGuildCreate)
	g.session.AddHandler(g.onRoleCreate)
	g.session.AddHandler(g.onRoleUpdate)
	g.session.AddHandler(g.onRoleDelete)
	g.session.AddHandler(g.onGuildUpdate)
	g.session.AddHandler(g.onMemberUpdate)
	g.session.AddHandler(g.onChannelDelete)
	g.session.AddHandler(g.onInteraction)
}

func (g *Gateway) onGuildCreate(_ *discordgo.Session, ev *discordgo.GuildCreate) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := g.engine.RecoverBindings(ctx, ev.ID); err != nil {
			log.Printf("discord: recover %s: %v", ev.ID, err)
		}
	}()
}

func (g *Gateway) onRoleCreate(_ *discordgo.Session, ev *discordgo.GuildRoleCreate) {
	g.roleTopologyChanged(ev.GuildID)
}

func (g *Gateway) onRoleUpdate(_ *discordgo.Session, ev *discordgo.GuildRoleUpdate) {
	g.roleTopologyChanged(ev.GuildID)
}

func (g *Gateway) onRoleDelete(_ *discordgo.Session, ev *discordgo.GuildRoleDelete) {
	g.roleTopologyChanged(ev.GuildID)
}

func (g *Gateway) onGuildUpdate(_ *discordgo.Session, ev *discordgo.GuildUpdate) {
	g.roleTopologyChanged(ev.ID)
}

func (g *Gateway) roleTopologyChanged(guildID string) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	g.engine.HandleRoleTopologyChange(ctx, guildID)
}

func (g *Gateway) onMemberUpdate(_ *discordgo.Session, ev *discordgo.GuildMemberUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	g.engine.HandleMemberUpdate(ctx, ev.GuildID, g.adapter.mapMember(ev.GuildID, ev.Member))
}

func (g *Gateway) onChannelDelete(_ *discordgo.Session, ev *discordgo.ChannelDelete) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	g.engine.HandleChannelDelete(ctx, ev.GuildID, ev.ID)
}

func (g *Gateway) onInteraction(s *discordgo.Session, ev *discordgo.InteractionCreate) {
	if ev.GuildID == "" || ev.Member == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch ev.Type {
	case discordgo.InteractionMessageComponent:
		g.handleComponent(ctx, s, ev)
	case discordgo.InteractionModalSubmit:
		g.handleModal(ctx, s, ev)
	case discordgo.InteractionApplicationCommand:
		g.handleCommand(ctx, s, ev)
	}
}

func (g *Gateway) handleComponent(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate) {
	customID := ev.MessageComponentData().CustomID

	if customID == "reg_open" {
		g.respondModal(s, ev)
		return
	}

	// Close and approve paths do archive uploads and database writes;
	// acknowledge before the 3-second interaction deadline.
	if !g.deferReply(s, ev) {
		return
	}
	reply, err := g.engine.HandleInteraction(ctx, platform.Interaction{
		ServerID:  ev.GuildID,
		ChannelID: ev.ChannelID,
		MessageID: ev.Message.ID,
		CustomID:  customID,
		Member:    g.adapter.mapMember(ev.GuildID, ev.Member),
	})
	g.respond(s, ev, reply, err)
}

func (g *Gateway) respondModal(s *discordgo.Session, ev *discordgo.InteractionCreate) {
	err := s.InteractionRespond(ev.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: "reg_submit",
			Title:    "Registration",
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{CustomID: "external_id", Label: "Game ID (numbers only)", Style: discordgo.TextInputShort, Required: true, MaxLength: 12},
				}},
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{CustomID: "game_name", Label: "In-game name", Style: discordgo.TextInputShort, Required: true, MaxLength: 64},
				}},
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{CustomID: "recruiter", Label: "Recruiter (optional)", Style: discordgo.TextInputShort, Required: false, MaxLength: 32},
				}},
			},
		},
	})
	if err != nil {
		log.Printf("discord: open registration modal: %v", err)
	}
}

func (g *Gateway) handleModal(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate) {
	data := ev.ModalSubmitData()
	if data.CustomID != "reg_submit" {
		return
	}
	if !g.deferReply(s, ev) {
		return
	}

	values := map[string]string{}
	for _, row := range data.Components {
		actions, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range actions.Components {
			if input, ok := comp.(*discordgo.TextInput); ok {
				values[input.CustomID] = strings.TrimSpace(input.Value)
			}
		}
	}

	_, err := g.engine.SubmitRegistration(ctx, ev.GuildID, g.adapter.mapMember(ev.GuildID, ev.Member), engine.RegistrationInput{
		ExternalID:  values["external_id"],
		GameName:    values["game_name"],
		RecruiterID: values["recruiter"],
	})
	g.respond(s, ev, "Registration submitted. You will be notified once it is reviewed.", err)
}

// deferReply acknowledges the interaction immediately with an ephemeral
// deferred response; respond later fills in the content. Handlers bail
// out when the ack itself fails, the interaction token is unusable.
func (g *Gateway) deferReply(s *discordgo.Session, ev *discordgo.InteractionCreate) bool {
	err := s.InteractionRespond(ev.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		log.Printf("discord: defer %s: %v", ev.ID, err)
		return false
	}
	return true
}

// respond edits the deferred acknowledgement into its final content,
// rendering domain errors as user-facing text instead of leaving the
// interaction hanging.
func (g *Gateway) respond(s *discordgo.Session, ev *discordgo.InteractionCreate, reply string, err error) {
	content := reply
	if err != nil {
		var de *engine.DomainError
		if errors.As(err, &de) {
			content = de.Message
		} else {
			log.Printf("discord: interaction %s: %v", ev.ID, err)
			content = "Something went wrong. Try again in a moment."
		}
	}
	if _, respErr := s.InteractionResponseEdit(ev.Interaction, &discordgo.WebhookEdit{
		Content: &content,
	}); respErr != nil {
		log.Printf("discord: respond to %s: %v", ev.ID, respErr)
	}
}

// RegisterCommands creates the admin command set for one guild.
func (g *Gateway) RegisterCommands(guildID string) error {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "gatehouse-setup",
			Description: "Configure the workflow engine for this server",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionRole, Name: "threshold", Description: "Minimum staff role", Required: true},
				{Type: discordgo.ApplicationCommandOptionRole, Name: "member-role", Description: "Role granted on approval", Required: true},
				{Type: discordgo.ApplicationCommandOptionChannel, Name: "review", Description: "Registration review channel", Required: true},
				{Type: discordgo.ApplicationCommandOptionChannel, Name: "category", Description: "Category for session channels", Required: false},
			},
		},
		{
			Name:        "gatehouse-panel",
			Description: "Post the session and registration panel here",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "scope", Description: "Session scope label", Required: false},
			},
		},
		{
			Name:        "gatehouse-recruiters",
			Description: "Show this month's recruiter leaderboard",
		},
		{
			Name:        "gatehouse-search",
			Description: "Search archived transcripts",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "query", Description: "Text to search for", Required: true},
			},
		},
	}
	for _, cmd := range commands {
		if _, err := g.session.ApplicationCommandCreate(g.session.State.User.ID, guildID, cmd); err != nil {
			return fmt.Errorf("register %s: %w", cmd.Name, err)
		}
	}
	return nil
}

func (g *Gateway) handleCommand(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate) {
	if !g.deferReply(s, ev) {
		return
	}
	data := ev.ApplicationCommandData()
	switch data.Name {
	case "gatehouse-setup":
		g.commandSetup(ctx, s, ev, data)
	case "gatehouse-panel":
		g.commandPanel(ctx, s, ev, data)
	case "gatehouse-recruiters":
		g.commandRecruiters(ctx, s, ev)
	case "gatehouse-search":
		g.commandSearch(ctx, s, ev, data)
	}
}

func optionMap(data discordgo.ApplicationCommandInteractionData) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, opt := range data.Options {
		out[opt.Name] = opt
	}
	return out
}

func (g *Gateway) commandSetup(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	actor := g.adapter.mapMember(ev.GuildID, ev.Member)
	if !actor.Admin {
		g.respond(s, ev, "", &engine.DomainError{Code: engine.CodeUnauthorized, Message: "Only administrators can configure the engine."})
		return
	}

	opts := optionMap(data)
	threshold := opts["threshold"].RoleValue(s, ev.GuildID).ID
	memberRole := opts["member-role"].RoleValue(s, ev.GuildID).ID
	review := opts["review"].ChannelValue(s).ID
	category := ""
	if opt, ok := opts["category"]; ok {
		category = opt.ChannelValue(s).ID
	}

	channelCfg := &session.Settings{ThresholdRoleID: threshold, CategoryID: category}
	if err := g.engine.Configure(ctx, ev.GuildID, session.KindChannel, channelCfg); err != nil {
		g.respond(s, ev, "", err)
		return
	}
	regCfg := &session.Settings{ThresholdRoleID: threshold, MemberRoleID: memberRole, PanelChannelID: review}
	if err := g.engine.Configure(ctx, ev.GuildID, session.KindRegistration, regCfg); err != nil {
		g.respond(s, ev, "", err)
		return
	}
	g.respond(s, ev, "Workflow settings saved.", nil)
}

func (g *Gateway) commandPanel(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	actor := g.adapter.mapMember(ev.GuildID, ev.Member)
	if !actor.Admin {
		g.respond(s, ev, "", &engine.DomainError{Code: engine.CodeUnauthorized, Message: "Only administrators can post the panel."})
		return
	}

	scope := "support"
	if opt, ok := optionMap(data)["scope"]; ok {
		scope = opt.StringValue()
	}

	_, err := g.adapter.SendMessage(ctx, ev.ChannelID, platform.OutgoingMessage{
		Body: "Open a private session or register as a member.",
		Buttons: []platform.Button{
			{CustomID: "panel_open:" + scope, Label: "Open session", Style: platform.ButtonPrimary},
			{CustomID: "reg_open", Label: "Register", Style: platform.ButtonSuccess},
		},
	})
	if err != nil {
		g.respond(s, ev, "", err)
		return
	}
	g.respond(s, ev, "Panel posted.", nil)
}

func (g *Gateway) commandRecruiters(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate) {
	top, err := g.engine.TopRecruiters(ctx, ev.GuildID, 10)
	if err != nil {
		g.respond(s, ev, "", err)
		return
	}
	if len(top) == 0 {
		g.respond(s, ev, "No recruits recorded this month.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("Recruiters this month:\n")
	for i, rc := range top {
		fmt.Fprintf(&b, "%d. <@%s>: %d\n", i+1, rc.RecruiterID, rc.Recruits)
	}
	g.respond(s, ev, b.String(), nil)
}

func (g *Gateway) commandSearch(ctx context.Context, s *discordgo.Session, ev *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	actor := g.adapter.mapMember(ev.GuildID, ev.Member)
	query := optionMap(data)["query"].StringValue()

	// Transcript contents are staff-only.
	if err := g.engine.AuthorizeStaff(ctx, ev.GuildID, actor); err != nil {
		g.respond(s, ev, "", err)
		return
	}

	resp := g.search.Search(ctx, search.Query{ServerID: ev.GuildID, Text: query, Limit: 5})
	if len(resp.Results) == 0 {
		g.respond(s, ev, "No transcripts matched.", nil)
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d transcripts matched %q:\n", resp.Total, query)
	for _, r := range resp.Results {
		fmt.Fprintf(&b, "- %s (owner <@%s>): %s\n", r.ObjectKey, r.OwnerID, r.Snippet)
	}
	g.respond(s, ev, b.String(), nil)
}
