package app

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"sigmax/connect/internal/auth"
	"sigmax/connect/internal/authz"
	"sigmax/connect/internal/config"
	"sigmax/connect/internal/oracle"
	"sigmax/connect/internal/store"
	"sigmax/connect/internal/util"
)

// Session is the authenticated view handed to the HTTP layer after login.
type Session struct {
	Token     string
	User      store.User
	ExpiresAt time.Time
}

type LoginInput struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phoneNumber"`
	Country     string `json:"country"`
	Language    string `json:"language"`
	// FaceImage is an optional base64 JPEG; when present the oracle verdict
	// decides role, security level and admin channels.
	FaceImage string `json:"faceImage"`
}

type SendMessageInput struct {
	Content   string             `json:"content"`
	Type      store.MessageType  `json:"type"`
	Priority  store.Priority     `json:"priority"`
	MiniApp   *store.MiniAppData `json:"miniAppData"`
	Ephemeral bool               `json:"ephemeral"`
}

// MessagePatch carries the only mutations a stored message admits.
type MessagePatch struct {
	TranslatedContent *string            `json:"translatedContent"`
	ImageIntel        *store.ImageIntel  `json:"imageAnalysis"`
	MiniApp           *store.MiniAppData `json:"miniAppData"`
}

type gateway interface {
	GetUser(context.Context) (store.User, bool, error)
	SaveUser(context.Context, store.User) error
	GetConversations(context.Context) ([]store.ChatSession, error)
	SaveConversations(context.Context, []store.ChatSession) error
	Watch(context.Context) <-chan string
	Ping(context.Context) error
}

type oracleClient interface {
	VerifyIdentity(ctx context.Context, imageBase64 string) oracle.Verification
	AnalyzeSecurityRisk(ctx context.Context, text string) oracle.RiskVerdict
	TranslateText(ctx context.Context, text, targetLanguage string) string
	SmartReplies(ctx context.Context, recent []store.Message) []string
	IntelBrief(ctx context.Context, messages []store.Message, viewer store.User) string
	RefineDraft(ctx context.Context, text, tone string) string
	AnalyzeImageIntel(ctx context.Context, imageBase64 string) store.ImageIntel
	SummarizeMeeting(ctx context.Context, transcript string) string
	MiniAppConfig(ctx context.Context, description string) *store.MiniAppConfig
}

// Service is the session controller: it owns the current user, the
// post-filter conversation view and the active conversation, and it is the
// only writer to the persistence gateway. Every mutation re-reads the full
// set from the gateway, mutates, persists, then re-derives the filtered
// view — in-memory state is never the source of truth for a write.
type Service struct {
	cfg       config.Config
	store     gateway
	oracle    oracleClient
	sanitizer *bluemonday.Policy

	mu          sync.Mutex
	currentUser *store.User
	visible     []store.ChatSession
	activeID    string
}

func New(cfg config.Config, gw gateway, oc oracleClient) *Service {
	return &Service{
		cfg:       cfg,
		store:     gw,
		oracle:    oc,
		sanitizer: bluemonday.StrictPolicy(),
	}
}

var (
	errNoSession = domainError(401, "NO_SESSION", "No active user session", nil)
	nonDigits    = regexp.MustCompile(`\D`)
)

// Resume restores a previously saved user profile on startup and installs
// the filtered view, mirroring a returning instance. Absence of a saved
// profile is not an error.
func (s *Service) Resume(ctx context.Context) error {
	user, ok, err := s.store.GetUser(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	all, err := s.store.GetConversations(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = &user
	s.visible = authz.VisibleSessions(all, &user)
	return nil
}

// Login authenticates a user. There is no failure path for a fresh
// identity: absence of prior state simply starts with the pre-provisioned
// default channels. A face image routes through the oracle; a verified
// match is trusted blindly and grants admin access, anything else grants
// standard citizen access.
func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	user := store.NewUserTemplate()
	user.ID = "u_" + util.NewID("")
	user.Name = strings.TrimSpace(input.Name)
	user.PhoneNumber = strings.TrimSpace(input.PhoneNumber)
	if c := strings.TrimSpace(input.Country); c != "" {
		user.Country = c
	}
	if l := strings.TrimSpace(input.Language); l != "" {
		user.Language = l
	}
	if user.Name == "" {
		user.Name = user.PhoneNumber
	}
	user.IsVerified = true
	user.Status = "Available"

	if input.FaceImage != "" {
		verdict := s.oracle.VerifyIdentity(ctx, input.FaceImage)
		if verdict.Verified {
			user.Name = verdict.IdentityName
			user.Role = store.RoleAdmin
			user.SecurityLevel = 5
			user.TrustScore = 100
			user.AdminChannels = verdict.AdminChannels
		}
	}

	if err := s.store.SaveUser(ctx, user); err != nil {
		return Session{}, err
	}
	all, err := s.store.GetConversations(ctx)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	s.currentUser = &user
	s.visible = authz.VisibleSessions(all, &user)
	s.activeID = ""
	s.mu.Unlock()

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Name, string(user.Role), uuid.NewString(), expiresAt)
	if err != nil {
		return Session{}, err
	}
	return Session{Token: token, User: user, ExpiresAt: expiresAt}, nil
}

// Logout drops the in-memory session. Stored data stays; another login on
// this instance re-derives its view from the gateway.
func (s *Service) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentUser = nil
	s.visible = nil
	s.activeID = ""
}

// UserFromToken validates a bearer token against the installed session.
func (s *Service) UserFromToken(token string) (store.User, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return store.User{}, err
	}
	user, ok := s.CurrentUser()
	if !ok || user.ID != claims.Subject {
		return store.User{}, auth.ErrInvalidToken
	}
	return user, nil
}

// CurrentUser returns a copy of the installed user, if any.
func (s *Service) CurrentUser() (store.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return store.User{}, false
	}
	return *s.currentUser, true
}

// VisibleSessions returns the current post-filter conversation view in
// recency order.
func (s *Service) VisibleSessions() []store.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ChatSession, len(s.visible))
	copy(out, s.visible)
	return out
}

// ActiveID returns the id of the active conversation, empty when none.
func (s *Service) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// SetActive marks a conversation active. The id must be in the visible set.
func (s *Service) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return errNoSession
	}
	for _, session := range s.visible {
		if session.ID == id {
			s.activeID = id
			return nil
		}
	}
	return domainError(404, "NOT_FOUND", "Conversation not found", nil)
}

// RenderedMessages returns the messages of a visible conversation after the
// render-time filter: blocked senders and expired ephemerals are hidden,
// the stored sequence is untouched.
func (s *Service) RenderedMessages(conversationID string) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		return nil, errNoSession
	}
	for _, session := range s.visible {
		if session.ID == conversationID {
			return authz.VisibleMessages(session, *s.currentUser, time.Now().UnixMilli()), nil
		}
	}
	return nil, domainError(404, "NOT_FOUND", "Conversation not found", nil)
}

// SendMessage appends a message to a conversation. Critical-priority
// content must clear the oracle security check first; an explicit negative
// verdict aborts the send with the oracle's stated reason, while an oracle
// error fails open by design.
func (s *Service) SendMessage(ctx context.Context, conversationID string, input SendMessageInput) (store.Message, error) {
	user, ok := s.CurrentUser()
	if !ok {
		return store.Message{}, errNoSession
	}

	if input.Type == "" {
		input.Type = store.MessageText
	}
	if input.Priority == "" {
		input.Priority = store.PriorityNormal
	}

	content := input.Content
	if input.Type == store.MessageText {
		content = s.sanitizer.Sanitize(content)
	}
	if strings.TrimSpace(content) == "" && input.MiniApp == nil {
		return store.Message{}, domainError(422, "VALIDATION_ERROR", "Message content is required", nil)
	}

	// The one point where an external judgment gates a core mutation.
	if input.Priority == store.PriorityCritical {
		verdict := s.oracle.AnalyzeSecurityRisk(ctx, content)
		if !verdict.Authorized {
			securityBlocks.Inc()
			return store.Message{}, domainError(403, "SECURITY_BLOCK", "SECURITY BLOCK: "+verdict.Reason, verdict.Reason)
		}
	}

	now := time.Now().UnixMilli()
	msg := store.Message{
		ID:            util.NewID("m"),
		SenderID:      user.ID,
		Content:       content,
		Timestamp:     now,
		Type:          input.Type,
		Priority:      input.Priority,
		OriginCountry: user.Country,
		MiniApp:       input.MiniApp,
	}
	if input.Ephemeral {
		msg.IsEphemeral = true
		msg.ExpiresAt = now + s.cfg.EphemeralTTL.Milliseconds()
	}

	err := s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		idx := findSession(all, conversationID)
		if idx < 0 {
			return nil, domainError(404, "NOT_FOUND", "Conversation not found", nil)
		}
		session := all[idx]
		if !authz.CanPost(user, session) {
			return nil, domainError(403, "FORBIDDEN", "Not authorized to post to this channel", nil)
		}

		msg.DestCountry = destCountry(session, user)
		session.Messages = append(session.Messages, msg)
		session.LastMessageTimestamp = msg.Timestamp
		session.UnreadCount = 0 // the sender has read their own message
		all[idx] = session
		sortByRecency(all)
		return all, nil
	})
	if err != nil {
		return store.Message{}, err
	}
	messagesSent.Inc()
	return msg, nil
}

// UpdateMessage applies one of the permitted message mutations.
func (s *Service) UpdateMessage(ctx context.Context, conversationID, messageID string, patch MessagePatch) error {
	if _, ok := s.CurrentUser(); !ok {
		return errNoSession
	}
	return s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		idx := findSession(all, conversationID)
		if idx < 0 {
			return nil, domainError(404, "NOT_FOUND", "Conversation not found", nil)
		}
		for i, msg := range all[idx].Messages {
			if msg.ID != messageID {
				continue
			}
			if patch.TranslatedContent != nil {
				msg.TranslatedContent = *patch.TranslatedContent
			}
			if patch.ImageIntel != nil {
				msg.ImageIntel = patch.ImageIntel
			}
			if patch.MiniApp != nil {
				msg.MiniApp = patch.MiniApp
			}
			all[idx].Messages[i] = msg
			return all, nil
		}
		return nil, domainError(404, "NOT_FOUND", "Message not found", nil)
	})
}

// ReactToMessage toggles the current user's reaction. The toggle is
// self-inverse; an emoji key disappears when its last user removes it.
func (s *Service) ReactToMessage(ctx context.Context, conversationID, messageID, emoji string) error {
	user, ok := s.CurrentUser()
	if !ok {
		return errNoSession
	}
	if emoji == "" {
		return domainError(422, "VALIDATION_ERROR", "Emoji is required", nil)
	}
	return s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		idx := findSession(all, conversationID)
		if idx < 0 {
			return nil, domainError(404, "NOT_FOUND", "Conversation not found", nil)
		}
		for i, msg := range all[idx].Messages {
			if msg.ID != messageID {
				continue
			}
			all[idx].Messages[i] = toggleReaction(msg, emoji, user.ID)
			return all, nil
		}
		return nil, domainError(404, "NOT_FOUND", "Message not found", nil)
	})
}

// CreateConversation starts a new direct or group thread with a placeholder
// participant synthesized from the phone identifier, prepends it to the
// full set and marks it active.
func (s *Service) CreateConversation(ctx context.Context, phone string, isGroup bool) (store.ChatSession, error) {
	if _, ok := s.CurrentUser(); !ok {
		return store.ChatSession{}, errNoSession
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return store.ChatSession{}, domainError(422, "VALIDATION_ERROR", "Phone identifier is required", nil)
	}

	sessionType := store.SessionDirect
	var name string
	if isGroup {
		sessionType = store.SessionGroup
		name = "New Group"
	}
	newSession := store.ChatSession{
		ID:                   util.NewID("c"),
		Participants:         []store.User{placeholderParticipant(phone)},
		Messages:             []store.Message{},
		LastMessageTimestamp: time.Now().UnixMilli(),
		IsGroup:              isGroup,
		Name:                 name,
		Type:                 sessionType,
		EncryptionLevel:      store.EncryptionStandard,
	}

	err := s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		return append([]store.ChatSession{newSession}, all...), nil
	})
	if err != nil {
		return store.ChatSession{}, err
	}

	s.mu.Lock()
	s.activeID = newSession.ID
	s.mu.Unlock()
	return newSession, nil
}

// AddParticipant adds a placeholder member synthesized from a phone
// identifier. Admin-only sessions require channel-management permission.
func (s *Service) AddParticipant(ctx context.Context, conversationID, phone string) error {
	user, ok := s.CurrentUser()
	if !ok {
		return errNoSession
	}
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domainError(422, "VALIDATION_ERROR", "Phone identifier is required", nil)
	}
	return s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		idx := findSession(all, conversationID)
		if idx < 0 {
			return nil, domainError(404, "NOT_FOUND", "Conversation not found", nil)
		}
		if all[idx].AdminOnly && !authz.CanManageChannel(user, conversationID) {
			return nil, domainError(403, "FORBIDDEN", "Not authorized to manage this channel", nil)
		}
		member := placeholderParticipant(phone)
		for _, p := range all[idx].Participants {
			if p.ID == member.ID {
				return all, nil // already present
			}
		}
		all[idx].Participants = append(all[idx].Participants, member)
		return all, nil
	})
}

// RemoveParticipant removes a member by user id.
func (s *Service) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	user, ok := s.CurrentUser()
	if !ok {
		return errNoSession
	}
	return s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		idx := findSession(all, conversationID)
		if idx < 0 {
			return nil, domainError(404, "NOT_FOUND", "Conversation not found", nil)
		}
		if all[idx].AdminOnly && !authz.CanManageChannel(user, conversationID) {
			return nil, domainError(403, "FORBIDDEN", "Not authorized to manage this channel", nil)
		}
		kept := all[idx].Participants[:0]
		for _, p := range all[idx].Participants {
			if p.ID != userID {
				kept = append(kept, p)
			}
		}
		all[idx].Participants = kept
		return all, nil
	})
}

// BlockUser appends to the current user's block list and persists the user
// record. Conversation data is untouched: the blocked user stays a
// participant and their messages stay stored, hidden only at render time.
func (s *Service) BlockUser(ctx context.Context, userID string) error {
	user, ok := s.CurrentUser()
	if !ok {
		return errNoSession
	}
	if userID == "" || userID == user.ID {
		return domainError(422, "VALIDATION_ERROR", "Invalid user id", nil)
	}
	if user.HasBlocked(userID) {
		return nil
	}
	user.BlockedUsers = append(user.BlockedUsers, userID)
	if err := s.store.SaveUser(ctx, user); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser != nil && s.currentUser.ID == user.ID {
		s.currentUser = &user
	}
	return nil
}

// Broadcast posts to the public broadcast channel. Write access is enforced
// by the posting gate in SendMessage.
func (s *Service) Broadcast(ctx context.Context, content string) (store.Message, error) {
	return s.SendMessage(ctx, store.BroadcastChannelID, SendMessageInput{
		Content:  content,
		Type:     store.MessageText,
		Priority: store.PriorityNormal,
	})
}

// RecordMeetingSummary summarizes a conference transcript through the
// oracle and files it as a system message in the meeting-log channel,
// creating the channel on first use.
func (s *Service) RecordMeetingSummary(ctx context.Context, transcript string) (store.Message, error) {
	user, ok := s.CurrentUser()
	if !ok {
		return store.Message{}, errNoSession
	}
	if strings.TrimSpace(transcript) == "" {
		return store.Message{}, domainError(422, "VALIDATION_ERROR", "Transcript is required", nil)
	}

	summary := s.oracle.SummarizeMeeting(ctx, transcript)
	now := time.Now().UnixMilli()
	msg := store.Message{
		ID:        util.NewID("m_summary"),
		SenderID:  store.SystemSenderID,
		Content:   "**CONFERENCE SUMMARY**\n\n" + summary,
		Timestamp: now,
		Type:      store.MessageText,
		Priority:  store.PriorityNormal,
	}

	err := s.mutate(ctx, func(all []store.ChatSession) ([]store.ChatSession, error) {
		idx := findSession(all, store.MeetingLogChannelID)
		if idx < 0 {
			all = append([]store.ChatSession{{
				ID:              store.MeetingLogChannelID,
				Participants:    []store.User{user},
				Messages:        []store.Message{},
				IsGroup:         true,
				Name:            "Meeting Logs",
				Type:            store.SessionGroup,
				EncryptionLevel: store.EncryptionMilitary,
			}}, all...)
			idx = 0
		}
		all[idx].Messages = append(all[idx].Messages, msg)
		all[idx].LastMessageTimestamp = now
		sortByRecency(all)
		return all, nil
	})
	if err != nil {
		return store.Message{}, err
	}

	s.mu.Lock()
	s.activeID = store.MeetingLogChannelID
	s.mu.Unlock()
	return msg, nil
}

// TranslateMessage translates a stored message into the current user's
// language and caches the translation on the message.
func (s *Service) TranslateMessage(ctx context.Context, conversationID, messageID string) (string, error) {
	user, ok := s.CurrentUser()
	if !ok {
		return "", errNoSession
	}
	msgs, err := s.RenderedMessages(conversationID)
	if err != nil {
		return "", err
	}
	for _, msg := range msgs {
		if msg.ID != messageID {
			continue
		}
		translated := s.oracle.TranslateText(ctx, msg.Content, user.Language)
		if err := s.UpdateMessage(ctx, conversationID, messageID, MessagePatch{TranslatedContent: &translated}); err != nil {
			return "", err
		}
		return translated, nil
	}
	return "", domainError(404, "NOT_FOUND", "Message not found", nil)
}

// AnalyzeImageMessage runs oracle image intel over a stored image payload
// and attaches the annotation to the message.
func (s *Service) AnalyzeImageMessage(ctx context.Context, conversationID, messageID string) (store.ImageIntel, error) {
	if _, ok := s.CurrentUser(); !ok {
		return store.ImageIntel{}, errNoSession
	}
	msgs, err := s.RenderedMessages(conversationID)
	if err != nil {
		return store.ImageIntel{}, err
	}
	for _, msg := range msgs {
		if msg.ID != messageID {
			continue
		}
		if msg.Type != store.MessageImage {
			return store.ImageIntel{}, domainError(422, "VALIDATION_ERROR", "Not an image message", nil)
		}
		intel := s.oracle.AnalyzeImageIntel(ctx, msg.Content)
		if err := s.UpdateMessage(ctx, conversationID, messageID, MessagePatch{ImageIntel: &intel}); err != nil {
			return store.ImageIntel{}, err
		}
		return intel, nil
	}
	return store.ImageIntel{}, domainError(404, "NOT_FOUND", "Message not found", nil)
}

// SmartReplies suggests short responses to the recent traffic of a visible
// conversation.
func (s *Service) SmartReplies(ctx context.Context, conversationID string) ([]string, error) {
	msgs, err := s.RenderedMessages(conversationID)
	if err != nil {
		return nil, err
	}
	return s.oracle.SmartReplies(ctx, msgs), nil
}

// IntelBrief condenses a visible conversation into a markdown brief.
func (s *Service) IntelBrief(ctx context.Context, conversationID string) (string, error) {
	user, ok := s.CurrentUser()
	if !ok {
		return "", errNoSession
	}
	msgs, err := s.RenderedMessages(conversationID)
	if err != nil {
		return "", err
	}
	return s.oracle.IntelBrief(ctx, msgs, user), nil
}

// RefineDraft rewrites a draft in the requested tone.
func (s *Service) RefineDraft(ctx context.Context, text, tone string) (string, error) {
	if _, ok := s.CurrentUser(); !ok {
		return "", errNoSession
	}
	return s.oracle.RefineDraft(ctx, text, tone), nil
}

// GenerateMiniApp produces a generated-app config, nil on oracle failure.
func (s *Service) GenerateMiniApp(ctx context.Context, description string) (*store.MiniAppConfig, error) {
	if _, ok := s.CurrentUser(); !ok {
		return nil, errNoSession
	}
	return s.oracle.MiniAppConfig(ctx, description), nil
}

// Ping reports gateway reachability for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// mutate runs the write protocol: read the full set fresh from the gateway,
// apply the mutation, persist, then install the re-filtered view. The lock
// serializes mutations from this instance; cross-instance writers are
// reconciled through the sync path, last write wins.
func (s *Service) mutate(ctx context.Context, fn func([]store.ChatSession) ([]store.ChatSession, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.store.GetConversations(ctx)
	if err != nil {
		return err
	}
	updated, err := fn(all)
	if err != nil {
		return err
	}
	if err := s.store.SaveConversations(ctx, updated); err != nil {
		return err
	}
	s.visible = authz.VisibleSessions(updated, s.currentUser)
	return nil
}

func findSession(all []store.ChatSession, id string) int {
	for i, session := range all {
		if session.ID == id {
			return i
		}
	}
	return -1
}

func sortByRecency(all []store.ChatSession) {
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].LastMessageTimestamp > all[j].LastMessageTimestamp
	})
}

// destCountry resolves the destination affiliation stamped on a message:
// MULTI for groups, otherwise the other participant's country, UNKNOWN when
// unresolved.
func destCountry(session store.ChatSession, sender store.User) string {
	if session.IsGroup {
		return store.CountryMulti
	}
	for _, p := range session.Participants {
		if p.ID != sender.ID && p.Country != "" {
			return p.Country
		}
	}
	return store.CountryUnknown
}

func toggleReaction(msg store.Message, emoji, userID string) store.Message {
	reactions := msg.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	users := reactions[emoji]
	found := false
	kept := make([]string, 0, len(users))
	for _, id := range users {
		if id == userID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		kept = append(kept, userID)
	}
	if len(kept) == 0 {
		delete(reactions, emoji)
	} else {
		reactions[emoji] = kept
	}
	if len(reactions) == 0 {
		reactions = nil
	}
	msg.Reactions = reactions
	return msg
}

func placeholderParticipant(phone string) store.User {
	member := store.NewUserTemplate()
	member.ID = "u_" + nonDigits.ReplaceAllString(phone, "")
	member.Name = phone
	member.PhoneNumber = phone
	member.Status = "Available"
	return member
}
