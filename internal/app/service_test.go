package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sigmax/connect/internal/config"
	"sigmax/connect/internal/oracle"
	"sigmax/connect/internal/store"
)

type fakeGateway struct {
	user     *store.User
	sessions []store.ChatSession
	watch    chan string

	saveUserErr          error
	saveConversationsErr error
	saveCount            int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions: store.DefaultSessions(time.Now().UnixMilli()),
		watch:    make(chan string),
	}
}

func (g *fakeGateway) GetUser(context.Context) (store.User, bool, error) {
	if g.user == nil {
		return store.User{}, false, nil
	}
	return *g.user, true, nil
}

func (g *fakeGateway) SaveUser(_ context.Context, user store.User) error {
	if g.saveUserErr != nil {
		return g.saveUserErr
	}
	g.user = &user
	return nil
}

func (g *fakeGateway) GetConversations(context.Context) ([]store.ChatSession, error) {
	out := make([]store.ChatSession, len(g.sessions))
	copy(out, g.sessions)
	return out, nil
}

func (g *fakeGateway) SaveConversations(_ context.Context, sessions []store.ChatSession) error {
	if g.saveConversationsErr != nil {
		return g.saveConversationsErr
	}
	g.saveCount++
	g.sessions = sessions
	return nil
}

func (g *fakeGateway) Watch(context.Context) <-chan string { return g.watch }
func (g *fakeGateway) Ping(context.Context) error          { return nil }

type fakeOracle struct {
	verdict      oracle.RiskVerdict
	verification oracle.Verification
	riskCalls    int
}

func (f *fakeOracle) VerifyIdentity(context.Context, string) oracle.Verification {
	return f.verification
}

func (f *fakeOracle) AnalyzeSecurityRisk(context.Context, string) oracle.RiskVerdict {
	f.riskCalls++
	return f.verdict
}

func (f *fakeOracle) TranslateText(_ context.Context, text, lang string) string {
	return "[" + lang + "] " + text
}

func (f *fakeOracle) SmartReplies(context.Context, []store.Message) []string {
	return []string{"Copy that."}
}

func (f *fakeOracle) IntelBrief(context.Context, []store.Message, store.User) string {
	return "# Brief"
}

func (f *fakeOracle) RefineDraft(_ context.Context, text, _ string) string { return text }

func (f *fakeOracle) AnalyzeImageIntel(context.Context, string) store.ImageIntel {
	return store.ImageIntel{ThreatLevel: "LOW", Analysis: "nothing notable"}
}

func (f *fakeOracle) SummarizeMeeting(context.Context, string) string { return "Decisions were made." }

func (f *fakeOracle) MiniAppConfig(context.Context, string) *store.MiniAppConfig { return nil }

func testConfig() config.Config {
	return config.Config{
		JWTSecret:    "test-secret",
		AccessTTL:    time.Hour,
		EphemeralTTL: 5 * time.Minute,
	}
}

func loginCitizen(t *testing.T, s *Service) store.User {
	t.Helper()
	session, err := s.Login(context.Background(), LoginInput{Name: "AGENT", PhoneNumber: "555-0100", Country: "IN"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return session.User
}

func loginAdmin(t *testing.T, s *Service, o *fakeOracle, channels ...string) store.User {
	t.Helper()
	o.verification = oracle.Verification{Verified: true, IdentityName: "SATYAKI HALDER", AdminChannels: channels}
	session, err := s.Login(context.Background(), LoginInput{Name: "x", PhoneNumber: "555-0101", FaceImage: "base64"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	o.verification = oracle.Verification{}
	return session.User
}

func TestLoginInstallsFilteredView(t *testing.T) {
	gw := newFakeGateway()
	s := New(testConfig(), gw, &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}})

	user := loginCitizen(t, s)
	if user.Role != store.RoleCitizen {
		t.Errorf("expected CITIZEN, got %s", user.Role)
	}

	visible := s.VisibleSessions()
	if len(visible) != 1 {
		t.Fatalf("citizen should see only the broadcast channel, got %d sessions", len(visible))
	}
	if visible[0].ID != store.BroadcastChannelID {
		t.Errorf("expected %s, got %s", store.BroadcastChannelID, visible[0].ID)
	}
	// The stored set keeps all channels; only the view is filtered.
	if len(gw.sessions) != 5 {
		t.Errorf("stored set changed: %d sessions", len(gw.sessions))
	}
}

func TestLoginFaceVerificationGrantsAdmin(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)

	user := loginAdmin(t, s, o, "admin_sigmax", "admin_rsd", "infinity_force")
	if user.Role != store.RoleAdmin {
		t.Fatalf("expected ADMIN, got %s", user.Role)
	}
	if user.Name != "SATYAKI HALDER" {
		t.Errorf("expected verified name, got %q", user.Name)
	}
	if user.SecurityLevel != 5 || user.TrustScore != 100 {
		t.Errorf("expected full clearance, got level %d trust %d", user.SecurityLevel, user.TrustScore)
	}

	visible := s.VisibleSessions()
	if len(visible) != 4 {
		t.Fatalf("expected broadcast plus 3 admin channels, got %d", len(visible))
	}
	for _, session := range visible {
		if session.ID == "admin_sir" {
			t.Error("admin_sir visible without membership")
		}
	}
}

func TestLoginTokenRoundTrip(t *testing.T) {
	gw := newFakeGateway()
	s := New(testConfig(), gw, &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}})

	session, err := s.Login(context.Background(), LoginInput{Name: "AGENT", PhoneNumber: "555-0100"})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	user, err := s.UserFromToken(session.Token)
	if err != nil {
		t.Fatalf("UserFromToken failed: %v", err)
	}
	if user.ID != session.User.ID {
		t.Errorf("token resolved to %s, want %s", user.ID, session.User.ID)
	}

	s.Logout()
	if _, err := s.UserFromToken(session.Token); err == nil {
		t.Error("token should not resolve after logout")
	}
}

func TestSendMessagePersistsThroughGateway(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	admin := loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{Content: "status report"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if msg.SenderID != admin.ID {
		t.Errorf("sender %s, want %s", msg.SenderID, admin.ID)
	}
	if o.riskCalls != 0 {
		t.Errorf("normal-priority send should not invoke the security check, got %d calls", o.riskCalls)
	}

	stored := findStored(t, gw, "admin_sigmax")
	if len(stored.Messages) != 2 {
		t.Fatalf("expected welcome + new message, got %d", len(stored.Messages))
	}
	if stored.Messages[1].Content != "status report" {
		t.Errorf("stored content %q", stored.Messages[1].Content)
	}
	// The touched conversation moves to the top of the stored set.
	if gw.sessions[0].ID != "admin_sigmax" {
		t.Errorf("expected admin_sigmax first after send, got %s", gw.sessions[0].ID)
	}
}

func TestSendMessageCriticalBlocked(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: false, Reason: "potential leak of troop positions"}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")
	o.verdict = oracle.RiskVerdict{Authorized: false, Reason: "potential leak of troop positions"}

	before := len(findStored(t, gw, "admin_sigmax").Messages)
	_, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{
		Content:  "troops move at dawn",
		Priority: store.PriorityCritical,
	})
	if err == nil {
		t.Fatal("expected the send to be blocked")
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %T", err)
	}
	if domainErr.Status != 403 || domainErr.Code != "SECURITY_BLOCK" {
		t.Errorf("unexpected error: %+v", domainErr)
	}
	if !strings.Contains(domainErr.Message, "leak") {
		t.Errorf("block reason not surfaced: %q", domainErr.Message)
	}
	if got := len(findStored(t, gw, "admin_sigmax").Messages); got != before {
		t.Errorf("blocked message reached storage: %d messages", got)
	}
}

func TestSendMessageCriticalFailOpen(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true, Reason: "bypass"}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	if _, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{
		Content:  "routine critical update",
		Priority: store.PriorityCritical,
	}); err != nil {
		t.Fatalf("authorized critical send failed: %v", err)
	}
	if o.riskCalls != 1 {
		t.Errorf("expected 1 security check, got %d", o.riskCalls)
	}
}

func TestSendMessagePostingGates(t *testing.T) {
	gw := newFakeGateway()
	s := New(testConfig(), gw, &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}})
	loginCitizen(t, s)

	_, err := s.SendMessage(context.Background(), store.BroadcastChannelID, SendMessageInput{Content: "hi all"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Errorf("citizen broadcast should be forbidden, got %v", err)
	}
}

func TestSendMessageSanitizesMarkup(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{
		Content: `before<script>alert("x")</script>after`,
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if strings.Contains(msg.Content, "<script>") {
		t.Errorf("markup survived sanitization: %q", msg.Content)
	}
	if !strings.Contains(msg.Content, "before") || !strings.Contains(msg.Content, "after") {
		t.Errorf("surrounding text lost: %q", msg.Content)
	}
}

func TestSendMessageEphemeralExpiry(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{
		Content:   "burn after reading",
		Ephemeral: true,
	})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !msg.IsEphemeral || msg.ExpiresAt <= msg.Timestamp {
		t.Fatalf("expected an expiry after the timestamp, got %+v", msg)
	}

	// Visible now, hidden after expiry, still stored.
	rendered, err := s.RenderedMessages("admin_sigmax")
	if err != nil {
		t.Fatalf("RenderedMessages failed: %v", err)
	}
	if !containsMessage(rendered, msg.ID) {
		t.Error("fresh ephemeral message not rendered")
	}

	stored := findStored(t, gw, "admin_sigmax")
	for i := range stored.Messages {
		if stored.Messages[i].ID == msg.ID {
			if !stored.Messages[i].Expired(msg.ExpiresAt + 1) {
				t.Error("message should report expired past its deadline")
			}
		}
	}
}

func TestReactionToggleSelfInverse(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{Content: "vote"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if err := s.ReactToMessage(context.Background(), "admin_sigmax", msg.ID, "👍"); err != nil {
		t.Fatalf("first toggle failed: %v", err)
	}
	stored := storedMessage(t, gw, "admin_sigmax", msg.ID)
	if len(stored.Reactions["👍"]) != 1 {
		t.Fatalf("expected one reactor, got %v", stored.Reactions)
	}

	if err := s.ReactToMessage(context.Background(), "admin_sigmax", msg.ID, "👍"); err != nil {
		t.Fatalf("second toggle failed: %v", err)
	}
	stored = storedMessage(t, gw, "admin_sigmax", msg.ID)
	if _, ok := stored.Reactions["👍"]; ok {
		t.Errorf("emoji key should disappear when the last reactor leaves: %v", stored.Reactions)
	}
}

func TestBlockUserSoftHides(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	// A second party's message lands in the channel.
	idx := -1
	for i := range gw.sessions {
		if gw.sessions[i].ID == "admin_sigmax" {
			idx = i
		}
	}
	gw.sessions[idx].Messages = append(gw.sessions[idx].Messages, store.Message{
		ID: "m_other", SenderID: "u_other", Content: "from the other side", Timestamp: time.Now().UnixMilli(),
	})
	// Refresh the local view from storage.
	if err := s.Resume(context.Background()); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	if err := s.BlockUser(context.Background(), "u_other"); err != nil {
		t.Fatalf("BlockUser failed: %v", err)
	}
	if gw.user == nil || !gw.user.HasBlocked("u_other") {
		t.Fatal("block list not persisted")
	}

	rendered, err := s.RenderedMessages("admin_sigmax")
	if err != nil {
		t.Fatalf("RenderedMessages failed: %v", err)
	}
	if containsMessage(rendered, "m_other") {
		t.Error("blocked sender's message rendered")
	}
	// Stored sequence untouched.
	if !containsMessage(findStored(t, gw, "admin_sigmax").Messages, "m_other") {
		t.Error("blocked sender's message deleted from storage")
	}
}

func TestAddParticipantSequentialWrites(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	if err := s.AddParticipant(context.Background(), "admin_sigmax", "111-222"); err != nil {
		t.Fatalf("first AddParticipant failed: %v", err)
	}
	if err := s.AddParticipant(context.Background(), "admin_sigmax", "333-444"); err != nil {
		t.Fatalf("second AddParticipant failed: %v", err)
	}

	// Each write re-reads storage first, so neither add clobbers the other.
	stored := findStored(t, gw, "admin_sigmax")
	if len(stored.Participants) != 2 {
		t.Fatalf("expected both participants persisted, got %d", len(stored.Participants))
	}

	// Adding the same phone twice is a no-op.
	if err := s.AddParticipant(context.Background(), "admin_sigmax", "111-222"); err != nil {
		t.Fatalf("duplicate AddParticipant failed: %v", err)
	}
	if got := len(findStored(t, gw, "admin_sigmax").Participants); got != 2 {
		t.Errorf("duplicate add changed participant count: %d", got)
	}
}

func TestAddParticipantRequiresChannelManagement(t *testing.T) {
	gw := newFakeGateway()
	s := New(testConfig(), gw, &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}})
	loginCitizen(t, s)

	err := s.AddParticipant(context.Background(), "admin_sigmax", "111-222")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestRemoveParticipant(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	if err := s.AddParticipant(context.Background(), "admin_sigmax", "111-222"); err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	memberID := findStored(t, gw, "admin_sigmax").Participants[0].ID

	if err := s.RemoveParticipant(context.Background(), "admin_sigmax", memberID); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	if got := len(findStored(t, gw, "admin_sigmax").Participants); got != 0 {
		t.Errorf("expected empty roster, got %d", got)
	}
}

func TestCreateConversationPrependsAndActivates(t *testing.T) {
	gw := newFakeGateway()
	s := New(testConfig(), gw, &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}})
	loginCitizen(t, s)

	created, err := s.CreateConversation(context.Background(), "999-888", false)
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if created.Type != store.SessionDirect || created.IsGroup {
		t.Errorf("unexpected session shape: %+v", created)
	}
	if len(created.Participants) != 1 || created.Participants[0].ID != "u_999888" {
		t.Errorf("unexpected placeholder participant: %+v", created.Participants)
	}
	if gw.sessions[0].ID != created.ID {
		t.Errorf("new conversation not first in storage, got %s", gw.sessions[0].ID)
	}
	if s.ActiveID() != created.ID {
		t.Errorf("new conversation not active, got %q", s.ActiveID())
	}
}

func TestRecordMeetingSummaryCreatesChannel(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.RecordMeetingSummary(context.Background(), "we discussed supply routes")
	if err != nil {
		t.Fatalf("RecordMeetingSummary failed: %v", err)
	}
	if msg.SenderID != store.SystemSenderID {
		t.Errorf("summary should come from the system identity, got %s", msg.SenderID)
	}
	if !strings.Contains(msg.Content, "CONFERENCE SUMMARY") || !strings.Contains(msg.Content, "Decisions were made.") {
		t.Errorf("unexpected summary content: %q", msg.Content)
	}

	logs := findStored(t, gw, store.MeetingLogChannelID)
	if logs.Name != "Meeting Logs" {
		t.Errorf("unexpected channel name: %q", logs.Name)
	}
	if s.ActiveID() != store.MeetingLogChannelID {
		t.Errorf("meeting log channel not activated, got %q", s.ActiveID())
	}

	// A second summary reuses the channel.
	if _, err := s.RecordMeetingSummary(context.Background(), "followup"); err != nil {
		t.Fatalf("second RecordMeetingSummary failed: %v", err)
	}
	count := 0
	for _, session := range gw.sessions {
		if session.ID == store.MeetingLogChannelID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected a single meeting-log channel, got %d", count)
	}
}

func TestTranslateMessageCachesTranslation(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{Content: "hello"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	translated, err := s.TranslateMessage(context.Background(), "admin_sigmax", msg.ID)
	if err != nil {
		t.Fatalf("TranslateMessage failed: %v", err)
	}
	if translated != "[English] hello" {
		t.Errorf("unexpected translation: %q", translated)
	}
	if got := storedMessage(t, gw, "admin_sigmax", msg.ID).TranslatedContent; got != translated {
		t.Errorf("translation not cached on the stored message: %q", got)
	}
}

func TestAnalyzeImageMessageRejectsText(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	msg, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{Content: "not an image"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	_, err = s.AnalyzeImageMessage(context.Background(), "admin_sigmax", msg.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Errorf("expected 422, got %v", err)
	}
}

func TestOperationsRequireSession(t *testing.T) {
	gw := newFakeGateway()
	s := New(testConfig(), gw, &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}})

	ctx := context.Background()
	calls := map[string]func() error{
		"SendMessage": func() error {
			_, err := s.SendMessage(ctx, store.BroadcastChannelID, SendMessageInput{Content: "x"})
			return err
		},
		"ReactToMessage": func() error { return s.ReactToMessage(ctx, "c", "m", "👍") },
		"CreateConversation": func() error {
			_, err := s.CreateConversation(ctx, "555", false)
			return err
		},
		"AddParticipant": func() error { return s.AddParticipant(ctx, "c", "555") },
		"BlockUser":      func() error { return s.BlockUser(ctx, "u_x") },
		"SetActive":      func() error { return s.SetActive("c") },
		"RenderedMessages": func() error {
			_, err := s.RenderedMessages("c")
			return err
		},
	}
	for name, call := range calls {
		err := call()
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Status != 401 {
			t.Errorf("%s without a session: expected 401, got %v", name, err)
		}
	}
}

func TestSendMessagePersistFailureSurfaces(t *testing.T) {
	gw := newFakeGateway()
	o := &fakeOracle{verdict: oracle.RiskVerdict{Authorized: true}}
	s := New(testConfig(), gw, o)
	loginAdmin(t, s, o, "admin_sigmax")

	gw.saveConversationsErr = errors.New("redis down")
	if _, err := s.SendMessage(context.Background(), "admin_sigmax", SendMessageInput{Content: "x"}); err == nil {
		t.Fatal("expected persist failure to surface")
	}
}

func findStored(t *testing.T, gw *fakeGateway, id string) store.ChatSession {
	t.Helper()
	for _, session := range gw.sessions {
		if session.ID == id {
			return session
		}
	}
	t.Fatalf("session %s not in storage", id)
	return store.ChatSession{}
}

func storedMessage(t *testing.T, gw *fakeGateway, sessionID, messageID string) store.Message {
	t.Helper()
	session := findStored(t, gw, sessionID)
	for _, msg := range session.Messages {
		if msg.ID == messageID {
			return msg
		}
	}
	t.Fatalf("message %s not in session %s", messageID, sessionID)
	return store.Message{}
}

func containsMessage(msgs []store.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}
