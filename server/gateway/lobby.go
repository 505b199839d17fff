package gateway

import "taskchat/server/session"

// lobby is the ungrouped channel: every session in lobby mode, no presence.
// Guarded by Gateway.mu.
type lobby struct {
	sessions map[string]*session.Session
	order    []string
}

func newLobby() *lobby {
	return &lobby{sessions: make(map[string]*session.Session)}
}

func (l *lobby) add(s *session.Session) {
	if _, ok := l.sessions[s.ID()]; ok {
		return
	}
	l.sessions[s.ID()] = s
	l.order = append(l.order, s.ID())
}

func (l *lobby) remove(s *session.Session) bool {
	if _, ok := l.sessions[s.ID()]; !ok {
		return false
	}
	delete(l.sessions, s.ID())
	for i, id := range l.order {
		if id == s.ID() {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// members returns lobby sessions in the order they joined.
func (l *lobby) members() []*session.Session {
	out := make([]*session.Session, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.sessions[id])
	}
	return out
}

func (l *lobby) len() int { return len(l.sessions) }
