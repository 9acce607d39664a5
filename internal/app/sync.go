package app

import (
	"context"
	"encoding/json"
	"log"

	"sigmax/connect/internal/authz"
	"sigmax/connect/internal/store"
)

// RunSync consumes change notifications published by other running
// instances and reconciles the local view. The incoming payload is the full
// conversation list; the authorization filter is re-applied before anything
// reaches the view, so an external write can never surface admin-only
// content to an unauthorized viewer. Reconciliation is read-only: it never
// writes back, so a genuine race between two instances remains last-write-
// wins. Blocks until ctx is cancelled.
func (s *Service) RunSync(ctx context.Context) {
	for payload := range s.store.Watch(ctx) {
		s.applySyncPayload(payload)
	}
}

func (s *Service) applySyncPayload(payload string) {
	var incoming []store.ChatSession
	if err := json.Unmarshal([]byte(payload), &incoming); err != nil {
		// A malformed payload must not corrupt local state.
		log.Printf("sync: dropping malformed payload: %v", err)
		syncDropped.Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentUser == nil {
		// No user to filter for.
		syncDropped.Inc()
		return
	}
	s.visible = authz.VisibleSessions(incoming, s.currentUser)
	syncApplied.Inc()
}
