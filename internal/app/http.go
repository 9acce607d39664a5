package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"sigmax/connect/internal/auth"
	"sigmax/connect/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiters   limiterPool
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiters: limiterPool{
			rps:   service.cfg.RateRPS,
			burst: service.cfg.RateBurst,
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", http.HandlerFunc(s.handle))
	return s.withMiddleware(mux)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"gateway": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(r.Context()); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["gateway"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{"ok": status == "ready", "status": status, "checks": checks})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body LoginInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.PhoneNumber) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "phoneNumber is required", nil)
			return
		}
		session, err := s.service.Login(r.Context(), body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"token":     session.Token,
			"user":      session.User,
			"expiresAt": session.ExpiresAt.Unix(),
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		user, err := s.service.UserFromToken(token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "user": user, "activeId": s.service.ActiveID()})
		return
	}

	// Everything below requires a valid session token.
	user, err := s.service.UserFromToken(bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		if !s.limiters.Allow(remoteKey(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
			return
		}
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/logout" {
		s.service.Logout()
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.URL.Path == "/api/conversations" {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"conversations": summarize(s.service.VisibleSessions())})
			return
		case http.MethodPost:
			var body struct {
				Phone   string `json:"phone"`
				IsGroup bool   `json:"isGroup"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			session, err := s.service.CreateConversation(r.Context(), body.Phone, body.IsGroup)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, session)
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/broadcast" {
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.service.Broadcast(r.Context(), body.Content)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/users/block" {
		var body struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.BlockUser(r.Context(), body.UserID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/meetings/summary" {
		var body struct {
			Transcript string `json:"transcript"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		msg, err := s.service.RecordMeetingSummary(r.Context(), body.Transcript)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/draft/refine" {
		var body struct {
			Text string `json:"text"`
			Tone string `json:"tone"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		refined, err := s.service.RefineDraft(r.Context(), body.Text, body.Tone)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": refined})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/mini-apps/generate" {
		var body struct {
			Description string `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		cfg, err := s.service.GenerateMiniApp(r.Context(), body.Description)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		if cfg == nil {
			writeJSON(w, http.StatusOK, map[string]any{"config": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
		return
	}

	if parts := splitPath(r.URL.Path); len(parts) >= 3 && parts[0] == "api" && parts[1] == "conversations" {
		s.handleConversation(w, r, user, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleConversation dispatches /api/conversations/{id}/... routes. The
// user argument is the authenticated session user; permission decisions
// happen in the service, not here.
func (s *HTTPServer) handleConversation(w http.ResponseWriter, r *http.Request, _ store.User, parts []string) {
	conversationID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 1 && rest[0] == "active" && r.Method == http.MethodPost:
		if err := s.service.SetActive(conversationID); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 1 && rest[0] == "messages":
		switch r.Method {
		case http.MethodGet:
			msgs, err := s.service.RenderedMessages(conversationID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
		case http.MethodPost:
			var body SendMessageInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			msg, err := s.service.SendMessage(r.Context(), conversationID, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, msg)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}

	case len(rest) == 1 && rest[0] == "smart-replies" && r.Method == http.MethodGet:
		replies, err := s.service.SmartReplies(r.Context(), conversationID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"replies": replies})

	case len(rest) == 1 && rest[0] == "intel-brief" && r.Method == http.MethodGet:
		brief, err := s.service.IntelBrief(r.Context(), conversationID)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"brief": brief})

	case len(rest) == 1 && rest[0] == "participants" && r.Method == http.MethodPost:
		var body struct {
			Phone string `json:"phone"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.AddParticipant(r.Context(), conversationID, body.Phone); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[0] == "participants" && r.Method == http.MethodDelete:
		if err := s.service.RemoveParticipant(r.Context(), conversationID, rest[1]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[0] == "messages" && r.Method == http.MethodPatch:
		var body MessagePatch
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.UpdateMessage(r.Context(), conversationID, rest[1], body); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 3 && rest[0] == "messages" && rest[2] == "reactions" && r.Method == http.MethodPost:
		var body struct {
			Emoji string `json:"emoji"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ReactToMessage(r.Context(), conversationID, rest[1], body.Emoji); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 3 && rest[0] == "messages" && rest[2] == "translate" && r.Method == http.MethodPost:
		translated, err := s.service.TranslateMessage(r.Context(), conversationID, rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"translatedContent": translated})

	case len(rest) == 3 && rest[0] == "messages" && rest[2] == "analyze" && r.Method == http.MethodPost:
		intel, err := s.service.AnalyzeImageMessage(r.Context(), conversationID, rest[1])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, intel)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// summarize flattens sessions into list entries; full message history is
// fetched per conversation.
func summarize(sessions []store.ChatSession) []map[string]any {
	items := make([]map[string]any, 0, len(sessions))
	for _, session := range sessions {
		items = append(items, map[string]any{
			"id":                   session.ID,
			"name":                 session.Name,
			"type":                 session.Type,
			"isGroup":              session.IsGroup,
			"adminOnly":            session.AdminOnly,
			"encryptionLevel":      session.EncryptionLevel,
			"lastMessageTimestamp": session.LastMessageTimestamp,
			"unreadCount":          session.UnreadCount,
			"participants":         len(session.Participants),
			"messages":             len(session.Messages),
		})
	}
	return items
}

// limiterPool keeps one token bucket per remote client for write routes.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   int
	burst int
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	l, ok := p.m[key]
	if !ok {
		rps := p.rps
		if rps <= 0 {
			rps = 5
		}
		burst := p.burst
		if burst <= 0 {
			burst = 10
		}
		l = rate.NewLimiter(rate.Limit(rps), burst)
		p.m[key] = l
	}
	return l.Allow()
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
