package mcpserver

import (
	"github.com/drasi-project/mcp-reaction/internal/store"
	"github.com/drasi-project/mcp-reaction/internal/uri"
)

// startFanout subscribes to the Resource Store's change-signal channel and
// turns each signal into notifications/resources/updated (and, for
// listChanged-advertising servers, notifications/resources/list_changed)
// pushes to every session subscribed to the affected URI.
func (s *Server) startFanout() {
	ch, cancel := s.store.Subscribe()
	s.stopFanout = cancel

	go func() {
		for sig := range ch {
			s.handleSignal(sig)
		}
	}()
}

func (s *Server) handleSignal(sig store.Signal) {
	switch {
	case sig.Entry != nil:
		s.notifyEntryChange(sig.Entry)
	case sig.List != nil:
		s.notifyListChange(sig.List)
	}
}

func (s *Server) notifyEntryChange(change *store.EntryChange) {
	parentURI := s.parentQueryURI(change.URI)

	n := Notification{
		JSONRPC: "2.0",
		Method:  "notifications/resources/updated",
		Params:  ResourcesUpdatedParams{URI: change.URI},
	}

	s.forEachSession(func(sess *session) {
		if sess.isSubscribed(change.URI) || (parentURI != "" && sess.isSubscribed(parentURI)) {
			sess.deliver(n)
		}
	})
}

func (s *Server) notifyListChange(change *store.ListChange) {
	n := Notification{
		JSONRPC: "2.0",
		Method:  "notifications/resources/updated",
		Params:  ResourcesUpdatedParams{URI: change.QueryURI},
	}

	s.forEachSession(func(sess *session) {
		if sess.isSubscribed(change.QueryURI) {
			sess.deliver(n)
		}
	})

	if s.listChanged && (len(change.AddedURIs) > 0 || len(change.RemovedURIs) > 0) {
		listChangedNotif := Notification{JSONRPC: "2.0", Method: "notifications/resources/list_changed"}
		s.forEachSession(func(sess *session) {
			if sess.isSubscribed(change.QueryURI) {
				sess.deliver(listChangedNotif)
			}
		})
	}
}

// parentQueryURI derives the owning query-collection URI for an entry URI,
// so entry notifications can also reach parent-collection subscribers per
// the subscription-isolation invariant.
func (s *Server) parentQueryURI(entryURI string) string {
	parsed, err := uri.Parse(entryURI)
	if err != nil || parsed.Kind != uri.Entry {
		return ""
	}
	return uri.QueryURI(parsed.ReactionName, parsed.QueryID).String()
}

func (s *Server) forEachSession(fn func(*session)) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	for _, sess := range s.sessions {
		fn(sess)
	}
}

// --- session registry ---

func (s *Server) createSession(id string) *session {
	sess := newSession(id)
	s.sessMu.Lock()
	s.sessions[id] = sess
	s.sessMu.Unlock()
	s.logger.Info("mcp session created", "session_id", id)
	return sess
}

func (s *Server) lookupSession(id string) *session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return s.sessions[id]
}

func (s *Server) closeSession(id string) {
	s.sessMu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.sessMu.Unlock()
	if ok {
		sess.close()
		s.logger.Info("mcp session closed", "session_id", id)
	}
}

func (s *Server) sessionCount() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}
