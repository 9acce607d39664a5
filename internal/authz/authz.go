// Package authz holds the visibility and permission predicates. Every
// enforcement point in the application routes through this package so the
// rules cannot drift between call sites.
package authz

import (
	"sigmax/connect/internal/store"
)

// VisibleSessions returns the subset of sessions the user may see. A nil
// user sees nothing. A session is visible iff it is not admin-only, or it is
// the public broadcast channel, or its id is in the user's admin-channel
// set. Input order is preserved; the function is total and never errors.
func VisibleSessions(all []store.ChatSession, user *store.User) []store.ChatSession {
	if user == nil {
		return []store.ChatSession{}
	}
	visible := make([]store.ChatSession, 0, len(all))
	for _, session := range all {
		if !session.AdminOnly || session.ID == store.BroadcastChannelID || user.HasAdminChannel(session.ID) {
			visible = append(visible, session)
		}
	}
	return visible
}

// CanManageChannel reports whether the user may post admin content to, or
// add/remove members of, the given session.
func CanManageChannel(user store.User, sessionID string) bool {
	return user.Role == store.RoleAdmin || user.HasAdminChannel(sessionID)
}

// CanBroadcast reports whether the user may post to the public broadcast
// channel. The channel is readable by everyone but write-restricted.
func CanBroadcast(user store.User) bool {
	return user.Role == store.RoleAdmin
}

// CanPost reports whether the user may append a message to the session.
// Direct and ordinary group sessions are open to any authenticated user;
// admin-only sessions and the broadcast channel are restricted.
func CanPost(user store.User, session store.ChatSession) bool {
	if session.ID == store.BroadcastChannelID || session.Type == store.SessionBroadcast {
		return CanBroadcast(user)
	}
	if session.AdminOnly {
		return CanManageChannel(user, session.ID)
	}
	return true
}

// VisibleMessages is the render-time message filter: it drops messages from
// senders the user has blocked and ephemeral messages past their expiry.
// The stored sequence is never modified — blocking and expiry are soft
// hides, not deletions.
func VisibleMessages(session store.ChatSession, user store.User, nowMillis int64) []store.Message {
	visible := make([]store.Message, 0, len(session.Messages))
	for _, msg := range session.Messages {
		if user.HasBlocked(msg.SenderID) {
			continue
		}
		if msg.Expired(nowMillis) {
			continue
		}
		visible = append(visible, msg)
	}
	return visible
}
