package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gatehouse/bot/internal/hierarchy"
	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/registry"
	"gatehouse/bot/internal/session"
	"gatehouse/bot/internal/transcript"
)

// ---- fakes ----

type fakeSessions struct {
	mu        sync.Mutex
	byID      map[string]*session.Session
	markers   map[string]string
	byChannel map[string]string
	settings  map[string]*session.Settings
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		byID:      map[string]*session.Session{},
		markers:   map[string]string{},
		byChannel: map[string]string{},
		settings:  map[string]*session.Settings{},
	}
}

func (f *fakeSessions) markerKey(s *session.Session) string {
	return s.ServerID + "/" + s.OwnerID + "/" + string(s.Kind) + "/" + s.Scope
}

func (f *fakeSessions) Create(_ context.Context, s *session.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.markers[f.markerKey(s)]; taken {
		return session.ErrConflict
	}
	f.markers[f.markerKey(s)] = s.ID
	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	f.byID[s.ServerID+"/"+s.ID] = &cp
	if s.ChannelID != "" {
		f.byChannel[s.ServerID+"/"+s.ChannelID] = s.ID
	}
	return nil
}

func (f *fakeSessions) Get(_ context.Context, serverID, id string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[serverID+"/"+id]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) Transition(_ context.Context, serverID, id string, event session.Event) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[serverID+"/"+id]
	if !ok {
		return nil, session.ErrNotFound
	}
	next, err := session.Next(s.Kind, s.State, event)
	if err != nil {
		return nil, err
	}
	s.State = next
	cp := *s
	// Terminal records stay readable; only the marker and bindings go.
	if session.Terminal(next) {
		delete(f.markers, f.markerKey(s))
		delete(f.byChannel, serverID+"/"+s.ChannelID)
	}
	return &cp, nil
}

func (f *fakeSessions) BindChannel(_ context.Context, serverID, id, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[serverID+"/"+id]
	if !ok {
		return session.ErrNotFound
	}
	s.ChannelID = channelID
	f.byChannel[serverID+"/"+channelID] = id
	return nil
}

func (f *fakeSessions) BindMessage(_ context.Context, serverID, id, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[serverID+"/"+id]
	if !ok {
		return session.ErrNotFound
	}
	s.BoundMessageIDs = append(s.BoundMessageIDs, messageID)
	return nil
}

func (f *fakeSessions) FindByChannel(_ context.Context, serverID, channelID string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byChannel[serverID+"/"+channelID]
	if !ok {
		return nil, session.ErrNotFound
	}
	cp := *f.byID[serverID+"/"+id]
	return &cp, nil
}

func (f *fakeSessions) FindByMessage(context.Context, string, string) (*session.Session, error) {
	return nil, session.ErrNotFound
}

func (f *fakeSessions) ListActive(_ context.Context, serverID string) ([]*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*session.Session
	for key, s := range f.byID {
		if strings.HasPrefix(key, serverID+"/") && !session.Terminal(s.State) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessions) PruneDanglingMarkers(_ context.Context, serverID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pruned := 0
	for key, id := range f.markers {
		if !strings.HasPrefix(key, serverID+"/") {
			continue
		}
		if _, ok := f.byID[serverID+"/"+id]; !ok {
			delete(f.markers, key)
			pruned++
		}
	}
	return pruned, nil
}

func (f *fakeSessions) Remove(_ context.Context, serverID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[serverID+"/"+id]
	if !ok {
		return nil
	}
	delete(f.byID, serverID+"/"+id)
	delete(f.markers, f.markerKey(s))
	delete(f.byChannel, serverID+"/"+s.ChannelID)
	return nil
}

func (f *fakeSessions) SaveSettings(_ context.Context, serverID string, kind session.Kind, cfg *session.Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[serverID+"/"+string(kind)] = cfg
	return nil
}

func (f *fakeSessions) LoadSettings(_ context.Context, serverID string, kind session.Kind) (*session.Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.settings[serverID+"/"+string(kind)]; ok {
		return cfg, nil
	}
	return &session.Settings{}, nil
}

type reservation struct {
	ownerID   string
	sessionID string
}

type fakeRegistry struct {
	mu          sync.Mutex
	reserved    map[string]reservation
	recruits    map[string]int
	transcripts []registry.Transcript
	// reserveHook runs after a reserve completes, outside the lock, so
	// tests can interleave a competing action at the racy point.
	reserveHook func()
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{reserved: map[string]reservation{}, recruits: map[string]int{}}
}

func (f *fakeRegistry) ReserveExternalID(_ context.Context, serverID, externalID, ownerID, sessionID string) (bool, error) {
	f.mu.Lock()
	key := serverID + "/" + externalID
	if held, ok := f.reserved[key]; ok {
		f.mu.Unlock()
		if held.ownerID == ownerID {
			return false, nil
		}
		return false, registry.ErrDuplicateExternalID
	}
	f.reserved[key] = reservation{ownerID: ownerID, sessionID: sessionID}
	hook := f.reserveHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return true, nil
}

func (f *fakeRegistry) ReleaseExternalID(_ context.Context, serverID, externalID, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := serverID + "/" + externalID
	if held, ok := f.reserved[key]; ok && held.ownerID == ownerID {
		delete(f.reserved, key)
	}
	return nil
}

func (f *fakeRegistry) LookupExternalID(_ context.Context, serverID, externalID string) (registry.Reservation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	held, ok := f.reserved[serverID+"/"+externalID]
	if !ok {
		return registry.Reservation{}, false, nil
	}
	return registry.Reservation{ServerID: serverID, ExternalID: externalID, OwnerID: held.ownerID, SessionID: held.sessionID}, true, nil
}

func (f *fakeRegistry) IncrementRecruits(_ context.Context, serverID, recruiterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recruits[serverID+"/"+recruiterID]++
	return nil
}

func (f *fakeRegistry) TopRecruiters(_ context.Context, serverID, _ string, limit int) ([]registry.RecruiterCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registry.RecruiterCount
	for key, n := range f.recruits {
		if strings.HasPrefix(key, serverID+"/") {
			out = append(out, registry.RecruiterCount{RecruiterID: strings.TrimPrefix(key, serverID+"/"), Recruits: n})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRegistry) InsertTranscript(_ context.Context, tr *registry.Transcript) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcripts = append(f.transcripts, *tr)
	return nil
}

type fakePlatform struct {
	mu        sync.Mutex
	roles     []platform.Role
	members   map[string]platform.Member
	channels  map[string]platform.Channel
	labels    map[string]string
	granted   map[string][]string
	dms       map[string][]string
	messages  map[string][]platform.Message
	permEdits map[string]int
	deleted   []string
	nextID    int
	createErr error
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		members:   map[string]platform.Member{},
		channels:  map[string]platform.Channel{},
		labels:    map[string]string{},
		granted:   map[string][]string{},
		dms:       map[string][]string{},
		messages:  map[string][]platform.Message{},
		permEdits: map[string]int{},
	}
}

func (f *fakePlatform) Roles(context.Context, string) ([]platform.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]platform.Role(nil), f.roles...), nil
}

func (f *fakePlatform) Member(_ context.Context, _ string, userID string) (platform.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.members[userID]
	if !ok {
		return platform.Member{}, platform.ErrNotFound
	}
	return m, nil
}

func (f *fakePlatform) Channel(_ context.Context, _ string, channelID string) (platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return platform.Channel{}, platform.ErrNotFound
	}
	return ch, nil
}

func (f *fakePlatform) CreateChannel(_ context.Context, serverID string, req platform.CreateChannelRequest) (platform.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return platform.Channel{}, f.createErr
	}
	f.nextID++
	ch := platform.Channel{
		ID:       fmt.Sprintf("chan-%d", f.nextID),
		ServerID: serverID,
		ParentID: req.ParentID,
		Name:     req.Name,
		Topic:    req.Topic,
	}
	f.channels[ch.ID] = ch
	return ch, nil
}

func (f *fakePlatform) EditChannelPermissions(_ context.Context, _, channelID string, _ []platform.PermissionOverwrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permEdits[channelID]++
	return nil
}

func (f *fakePlatform) RenameChannel(_ context.Context, _, channelID, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return platform.ErrNotFound
	}
	ch.Name = name
	f.channels[channelID] = ch
	return nil
}

func (f *fakePlatform) DeleteChannel(_ context.Context, _, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return platform.ErrNotFound
	}
	delete(f.channels, channelID)
	f.deleted = append(f.deleted, channelID)
	return nil
}

func (f *fakePlatform) SendMessage(_ context.Context, channelID string, msg platform.OutgoingMessage) (platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := platform.Message{ID: fmt.Sprintf("msg-%d", f.nextID), ChannelID: channelID, Body: msg.Body}
	f.messages[channelID] = append(f.messages[channelID], m)
	return m, nil
}

func (f *fakePlatform) EditMessage(context.Context, string, string, platform.OutgoingMessage) error {
	return nil
}

func (f *fakePlatform) Messages(context.Context, string, string, int) ([]platform.Message, error) {
	return nil, nil
}

func (f *fakePlatform) GrantRole(_ context.Context, _, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.granted[userID] = append(f.granted[userID], roleID)
	return nil
}

func (f *fakePlatform) RevokeRole(context.Context, string, string, string) error { return nil }

func (f *fakePlatform) SetDisplayLabel(_ context.Context, _, userID, lbl string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[userID] = lbl
	return nil
}

func (f *fakePlatform) SendDirect(_ context.Context, userID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[userID] = append(f.dms[userID], body)
	return nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	captured []string
}

func (f *fakeArchiver) Capture(_ context.Context, sess *session.Session, _, _ string) (*transcript.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, sess.ID)
	return &transcript.Result{
		ObjectKey:    "transcripts/" + sess.ServerID + "/" + sess.ID + ".html",
		MessageCount: 3,
		Body:         "owner: hello\n",
	}, nil
}

// ---- harness ----

const testServer = "srv-1"

type harness struct {
	engine   *Engine
	sessions *fakeSessions
	registry *fakeRegistry
	client   *fakePlatform
	archiver *fakeArchiver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := newFakePlatform()
	client.roles = []platform.Role{
		{ID: testServer, Name: "@everyone", Rank: 0},
		{ID: "role-member", Name: "Member", Rank: 1},
		{ID: "role-staff", Name: "Staff", Rank: 5},
		{ID: "role-sup", Name: "Supervisor", Rank: 7},
	}
	client.members["user-1"] = platform.Member{ID: "user-1", Username: "jane"}
	client.members["user-2"] = platform.Member{ID: "user-2", Username: "mod", RoleIDs: []string{"role-staff"}}
	client.members["user-3"] = platform.Member{ID: "user-3", Username: "bob"}

	sessions := newFakeSessions()
	reg := newFakeRegistry()
	arch := &fakeArchiver{}
	hier := hierarchy.NewIndex()
	eng := New(client, platform.NewCaller(1000, 1), sessions, reg, hier, arch, nil)

	ctx := context.Background()
	if err := eng.Configure(ctx, testServer, session.KindChannel, &session.Settings{
		ThresholdRoleID: "role-staff",
		CategoryID:      "cat-1",
	}); err != nil {
		t.Fatalf("configure channel workflow: %v", err)
	}
	if err := eng.Configure(ctx, testServer, session.KindRegistration, &session.Settings{
		ThresholdRoleID: "role-staff",
		PanelChannelID:  "chan-review",
		MemberRoleID:    "role-member",
		RankTags:        map[string]string{"role-member": "Mem", "role-sup": "Sup"},
	}); err != nil {
		t.Fatalf("configure registration workflow: %v", err)
	}
	if err := eng.RebuildHierarchy(ctx, testServer); err != nil {
		t.Fatalf("rebuild hierarchy: %v", err)
	}
	return &harness{engine: eng, sessions: sessions, registry: reg, client: client, archiver: arch}
}

func (h *harness) member(id string) platform.Member { return h.client.members[id] }

func code(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// ---- channel lifecycle ----

func TestOpenSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if sess.State != session.StateOpen || sess.ChannelID == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	ch := h.client.channels[sess.ChannelID]
	if ch.Name != "support-jane" || ch.ParentID != "cat-1" {
		t.Errorf("unexpected channel: %+v", ch)
	}
	if len(h.client.messages[sess.ChannelID]) != 1 {
		t.Error("control message not posted")
	}

	// Second open in the same scope conflicts.
	_, err = h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	if code(err) != CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestOpenSessionChannelFailureReleasesSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.client.createErr = platform.ErrForbidden
	_, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	if code(err) != CodePlatformForbidden {
		t.Fatalf("expected PLATFORM_FORBIDDEN, got %v", err)
	}

	h.client.createErr = nil
	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support"); err != nil {
		t.Fatalf("retry should succeed after release, got %v", err)
	}
}

func TestCloseByOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-1")); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	got, err := h.sessions.Get(ctx, testServer, sess.ID)
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if got.State != session.StateClosed {
		t.Errorf("expected CLOSED, got %s", got.State)
	}
	if name := h.client.channels[sess.ChannelID].Name; name != "closed-support-jane" {
		t.Errorf("channel not renamed: %q", name)
	}
	if h.client.permEdits[sess.ChannelID] == 0 {
		t.Error("channel permissions not locked")
	}
	if len(h.archiver.captured) != 1 || h.archiver.captured[0] != sess.ID {
		t.Errorf("transcript not captured: %v", h.archiver.captured)
	}
	if len(h.registry.transcripts) != 1 || h.registry.transcripts[0].Incomplete {
		t.Errorf("transcript not recorded complete: %+v", h.registry.transcripts)
	}
}

func TestCloseUnauthorized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")

	err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-3"))
	if code(err) != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	got, _ := h.sessions.Get(ctx, testServer, sess.ID)
	if got.State != session.StateOpen {
		t.Errorf("unauthorized close must not change state, got %s", got.State)
	}
}

func TestCloseDeletedThresholdRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")

	// The threshold role was deleted after setup; staff are denied with
	// a message that points at the fix instead of a generic failure.
	if err := h.engine.Configure(ctx, testServer, session.KindChannel, &session.Settings{
		ThresholdRoleID: "role-gone",
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-2"))
	if code(err) != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	var de *DomainError
	if !errors.As(err, &de) || !strings.Contains(de.Message, "no longer exists") {
		t.Errorf("denial should name the missing role, got %v", err)
	}

	// The owner closes regardless of the broken threshold.
	if err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-1")); err != nil {
		t.Fatalf("owner close failed: %v", err)
	}
}

func TestCloseDoubleClick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	if err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-1")); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-1"))
	if code(err) != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
}

func TestReopen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	if err := h.engine.Close(ctx, testServer, sess.ChannelID, h.member("user-1")); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// Owner without the threshold role cannot reopen.
	if err := h.engine.Reopen(ctx, testServer, sess.ChannelID, h.member("user-1")); code(err) != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}

	if err := h.engine.Reopen(ctx, testServer, sess.ChannelID, h.member("user-2")); err != nil {
		t.Fatalf("staff reopen failed: %v", err)
	}
	got, _ := h.sessions.Get(ctx, testServer, sess.ID)
	if got.State != session.StateOpen {
		t.Errorf("expected OPEN, got %s", got.State)
	}
	if name := h.client.channels[sess.ChannelID].Name; name != "support-jane" {
		t.Errorf("closed prefix not stripped: %q", name)
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")

	// Unauthorized delete leaves everything in place.
	if err := h.engine.Delete(ctx, testServer, sess.ChannelID, h.member("user-3")); code(err) != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}
	if _, ok := h.client.channels[sess.ChannelID]; !ok {
		t.Fatal("channel must survive unauthorized delete")
	}

	if err := h.engine.Delete(ctx, testServer, sess.ChannelID, h.member("user-2")); err != nil {
		t.Fatalf("staff delete failed: %v", err)
	}
	if _, ok := h.client.channels[sess.ChannelID]; ok {
		t.Error("channel not deleted")
	}
	got, err := h.sessions.Get(ctx, testServer, sess.ID)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got.State != session.StateDeleted {
		t.Errorf("expected DELETED outcome, got %s", got.State)
	}
	if len(h.archiver.captured) != 1 {
		t.Error("delete should still archive a transcript")
	}

	// The slot is free again.
	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support"); err != nil {
		t.Fatalf("open after delete failed: %v", err)
	}
}

// ---- registration ----

func submit(t *testing.T, h *harness, userID, externalID, name, recruiter string) *session.Session {
	t.Helper()
	sess, err := h.engine.SubmitRegistration(context.Background(), testServer, h.member(userID), RegistrationInput{
		ExternalID:  externalID,
		GameName:    name,
		RecruiterID: recruiter,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return sess
}

func TestSubmitRegistrationValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.SubmitRegistration(ctx, testServer, h.member("user-1"), RegistrationInput{ExternalID: "abc", GameName: "Jane"})
	if code(err) != CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for non-numeric id, got %v", err)
	}
	_, err = h.engine.SubmitRegistration(ctx, testServer, h.member("user-1"), RegistrationInput{ExternalID: "77001", GameName: "  42  "})
	if code(err) != CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for empty name, got %v", err)
	}

	sess := submit(t, h, "user-1", "77001", "Jane Doe", "")
	if sess.State != session.StatePending {
		t.Fatalf("expected PENDING, got %s", sess.State)
	}
	if len(h.client.messages["chan-review"]) != 1 {
		t.Error("review card not posted")
	}

	// A second submission while pending conflicts.
	_, err = h.engine.SubmitRegistration(ctx, testServer, h.member("user-1"), RegistrationInput{ExternalID: "77002", GameName: "Jane"})
	if code(err) != CodeConflict {
		t.Fatalf("expected CONFLICT, got %v", err)
	}
}

func TestSubmitRegistrationAdvisoryDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := submit(t, h, "user-1", "77001", "Jane Doe", "")
	if err := h.engine.Approve(ctx, testServer, sess.ID, h.member("user-2")); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	_, err := h.engine.SubmitRegistration(ctx, testServer, h.member("user-3"), RegistrationInput{ExternalID: "77001", GameName: "Bob"})
	if code(err) != CodeDuplicateExternalID {
		t.Fatalf("expected DUPLICATE_EXTERNAL_ID, got %v", err)
	}
}

func TestApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := submit(t, h, "user-1", "77001", "Jane Doe (99) 123", "user-2")

	// Non-staff cannot approve.
	if err := h.engine.Approve(ctx, testServer, sess.ID, h.member("user-3")); code(err) != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED, got %v", err)
	}

	if err := h.engine.Approve(ctx, testServer, sess.ID, h.member("user-2")); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	if got := h.client.granted["user-1"]; len(got) != 1 || got[0] != "role-member" {
		t.Errorf("member role not granted: %v", got)
	}
	if got := h.client.labels["user-1"]; got != "Mem | Jane Doe | 77001" {
		t.Errorf("unexpected label %q", got)
	}
	if h.registry.recruits[testServer+"/user-2"] != 1 {
		t.Error("recruiter not credited")
	}
	if len(h.client.dms["user-1"]) != 1 {
		t.Error("welcome dm not sent")
	}
	if _, held, _ := h.registry.LookupExternalID(ctx, testServer, "77001"); !held {
		t.Error("external id not reserved")
	}

	// The record is terminal; a stale click reports as handled.
	if err := h.engine.Approve(ctx, testServer, sess.ID, h.member("user-2")); code(err) != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}
}

func TestApproveDuplicateExternalID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := submit(t, h, "user-1", "77001", "Jane Doe", "")
	second := submit(t, h, "user-3", "77001", "Bob Smith", "")

	if err := h.engine.Approve(ctx, testServer, first.ID, h.member("user-2")); err != nil {
		t.Fatalf("first approve failed: %v", err)
	}

	err := h.engine.Approve(ctx, testServer, second.ID, h.member("user-2"))
	if code(err) != CodeDuplicateExternalID {
		t.Fatalf("expected DUPLICATE_EXTERNAL_ID, got %v", err)
	}
	// The losing registration stays pending for correction.
	got, _ := h.sessions.Get(ctx, testServer, second.ID)
	if got == nil || got.State != session.StatePending {
		t.Errorf("losing registration should remain PENDING, got %+v", got)
	}
}

func TestApproveConcurrent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := submit(t, h, "user-1", "77001", "Jane Doe", "user-2")

	const clicks = 2
	errs := make(chan error, clicks)
	for i := 0; i < clicks; i++ {
		go func() {
			errs <- h.engine.Approve(ctx, testServer, sess.ID, h.member("user-2"))
		}()
	}

	var wins, handled int
	for i := 0; i < clicks; i++ {
		switch err := <-errs; {
		case err == nil:
			wins++
		case code(err) == CodeInvalidTransition:
			handled++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || handled != 1 {
		t.Fatalf("expected one winner and one already-handled, got %d/%d", wins, handled)
	}
	if h.registry.recruits[testServer+"/user-2"] != 1 {
		t.Errorf("recruiter credited %d times", h.registry.recruits[testServer+"/user-2"])
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := submit(t, h, "user-1", "77001", "Jane Doe", "user-2")
	if err := h.engine.Reject(ctx, testServer, sess.ID, h.member("user-2")); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	if _, held, _ := h.registry.LookupExternalID(ctx, testServer, "77001"); held {
		t.Error("reject must not reserve the external id")
	}
	if h.registry.recruits[testServer+"/user-2"] != 0 {
		t.Error("reject must not credit the recruiter")
	}
	if len(h.client.dms["user-1"]) != 1 {
		t.Error("rejection dm not sent")
	}

	// The member can submit again.
	submit(t, h, "user-1", "77002", "Jane Doe", "")
}

func TestApproveLosesRaceToReject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess := submit(t, h, "user-1", "77001", "Jane Doe", "user-2")

	// A reject lands between the approver's reservation and its state
	// flip; the approval must lose and give the reservation back.
	h.registry.reserveHook = func() {
		h.registry.reserveHook = nil
		if err := h.engine.Reject(ctx, testServer, sess.ID, h.member("user-2")); err != nil {
			t.Errorf("reject failed: %v", err)
		}
	}

	err := h.engine.Approve(ctx, testServer, sess.ID, h.member("user-2"))
	if code(err) != CodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}

	if _, held, _ := h.registry.LookupExternalID(ctx, testServer, "77001"); held {
		t.Error("rejected registration must not keep the external id")
	}
	if len(h.client.granted["user-1"]) != 0 {
		t.Errorf("losing approval must not grant roles: %v", h.client.granted["user-1"])
	}

	// The id is free for the next member.
	other := submit(t, h, "user-3", "77001", "Bob Smith", "")
	if err := h.engine.Approve(ctx, testServer, other.ID, h.member("user-2")); err != nil {
		t.Fatalf("approve after release failed: %v", err)
	}
}

// ---- events and recovery ----

func TestHandleInteractionRouting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	reply, err := h.engine.HandleInteraction(ctx, platform.Interaction{
		ServerID: testServer,
		CustomID: "panel_open:support",
		Member:   h.member("user-1"),
	})
	if err != nil {
		t.Fatalf("panel_open failed: %v", err)
	}
	if !strings.Contains(reply, "<#chan-") {
		t.Errorf("reply should mention the channel: %q", reply)
	}

	sess, _ := h.sessions.FindByChannel(ctx, testServer, "chan-1")
	if sess == nil {
		t.Fatal("session not created via interaction")
	}

	if _, err := h.engine.HandleInteraction(ctx, platform.Interaction{
		ServerID:  testServer,
		ChannelID: sess.ChannelID,
		CustomID:  "session_close",
		Member:    h.member("user-1"),
	}); err != nil {
		t.Fatalf("session_close failed: %v", err)
	}

	if _, err := h.engine.HandleInteraction(ctx, platform.Interaction{
		ServerID: testServer,
		CustomID: "bogus",
		Member:   h.member("user-1"),
	}); code(err) != CodeNotFound {
		t.Fatalf("expected NOT_FOUND for unknown component, got %v", err)
	}
}

func TestRecoverBindingsPrunesStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alive, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	stale, _ := h.engine.OpenSession(ctx, testServer, h.member("user-3"), "support")

	// The stale channel vanished while the process was down.
	delete(h.client.channels, stale.ChannelID)

	if err := h.engine.RecoverBindings(ctx, testServer); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	if _, err := h.sessions.Get(ctx, testServer, alive.ID); err != nil {
		t.Errorf("live session should survive recovery: %v", err)
	}
	if _, err := h.sessions.Get(ctx, testServer, stale.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("stale session should be pruned, got %v", err)
	}

	// The pruned owner's slot is free again.
	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-3"), "support"); err != nil {
		t.Fatalf("open after prune failed: %v", err)
	}
}

func TestRecoverBindingsClearsDanglingMarker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A crash between marker and record left the marker behind.
	h.sessions.mu.Lock()
	h.sessions.markers[testServer+"/user-1/channel/support"] = "ghost"
	h.sessions.mu.Unlock()

	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support"); code(err) != CodeConflict {
		t.Fatalf("expected CONFLICT from the dangling marker, got %v", err)
	}

	if err := h.engine.RecoverBindings(ctx, testServer); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support"); err != nil {
		t.Fatalf("open after recovery failed: %v", err)
	}
}

func TestRecoverBindingsPrunesChannellessSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A create that died before binding its channel, long past any
	// in-flight grace.
	half := &session.Session{
		ID:        "half-1",
		ServerID:  testServer,
		OwnerID:   "user-1",
		Kind:      session.KindChannel,
		State:     session.StateOpen,
		Scope:     "support",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := h.sessions.Create(ctx, half); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	// A pending registration never has a channel and must survive.
	reg := submit(t, h, "user-3", "77001", "Bob Smith", "")

	if err := h.engine.RecoverBindings(ctx, testServer); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}

	if _, err := h.sessions.Get(ctx, testServer, half.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("half-created session should be pruned, got %v", err)
	}
	if _, err := h.sessions.Get(ctx, testServer, reg.ID); err != nil {
		t.Errorf("pending registration should survive recovery: %v", err)
	}

	// The owner is no longer locked out.
	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support"); err != nil {
		t.Fatalf("open after prune failed: %v", err)
	}
}

func TestHandleChannelDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	h.engine.HandleChannelDelete(ctx, testServer, sess.ChannelID)

	if _, err := h.sessions.Get(ctx, testServer, sess.ID); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("session should be removed, got %v", err)
	}
	if _, err := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support"); err != nil {
		t.Fatalf("open after external delete failed: %v", err)
	}
}

func TestHandleMemberUpdateRelabels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Promotion to supervisor: the tag follows the highest tagged role.
	promoted := platform.Member{
		ID:           "user-1",
		Username:     "jane",
		DisplayLabel: "Mem | Jane Doe | 77001",
		RoleIDs:      []string{"role-member", "role-sup"},
	}
	h.engine.HandleMemberUpdate(ctx, testServer, promoted)
	if got := h.client.labels["user-1"]; got != "Sup | Jane Doe | 77001" {
		t.Errorf("unexpected label %q", got)
	}

	// No change means no platform call.
	h.client.labels = map[string]string{}
	settled := promoted
	settled.DisplayLabel = "Sup | Jane Doe | 77001"
	h.engine.HandleMemberUpdate(ctx, testServer, settled)
	if _, wrote := h.client.labels["user-1"]; wrote {
		t.Error("identical label should not be rewritten")
	}
}

func TestHandleRoleTopologyChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Staff loses its rank after a reorder below the threshold... the
	// threshold itself moves, so authorization must follow the new order.
	h.client.mu.Lock()
	h.client.roles = []platform.Role{
		{ID: testServer, Name: "@everyone", Rank: 0},
		{ID: "role-staff", Name: "Staff", Rank: 2},
		{ID: "role-sup", Name: "Supervisor", Rank: 7},
		{ID: "role-threshold", Name: "Gate", Rank: 5},
	}
	h.client.mu.Unlock()
	h.engine.HandleRoleTopologyChange(ctx, testServer)

	if err := h.engine.Configure(ctx, testServer, session.KindChannel, &session.Settings{
		ThresholdRoleID: "role-threshold",
	}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	sess, _ := h.engine.OpenSession(ctx, testServer, h.member("user-1"), "support")
	// Staff now ranks below the gate and is denied.
	if err := h.engine.Delete(ctx, testServer, sess.ChannelID, h.member("user-2")); code(err) != CodeUnauthorized {
		t.Fatalf("expected UNAUTHORIZED after reorder, got %v", err)
	}
}
