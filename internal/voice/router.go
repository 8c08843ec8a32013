package voice

import (
	"context"
	"fmt"

	"github.com/asr-task-worker/internal/logging"
	"github.com/asr-task-worker/internal/wire"
)

// Router owns the session table of one connection and dispatches decoded
// messages to sessions. It is not safe for concurrent use: a single dispatch
// loop drives it, so a slow inference call for one session delays every
// other session on the connection.
type Router struct {
	deps     Deps
	sessions map[string]*Session
}

func NewRouter(deps Deps) *Router {
	return &Router{deps: deps.withDefaults(), sessions: make(map[string]*Session)}
}

// HandleMessage applies msg to its session. Sessions created here reply
// through out. An error concerns only the message's session.
func (r *Router) HandleMessage(ctx context.Context, out Sender, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.AudioFrame:
		if err := r.getOrCreate(m.SessionID, out).OnAudioFrame(ctx, m.Samples()); err != nil {
			return fmt.Errorf("session %s: audio frame: %w", m.SessionID, err)
		}
	case wire.Detect:
		if err := r.getOrCreate(m.SessionID, out).Detect(ctx, m.Words); err != nil {
			return fmt.Errorf("session %s: detect: %w", m.SessionID, err)
		}
	case wire.Finish:
		r.finish(m.SessionID)
	case wire.Unknown:
		logging.Warnw("router: unknown message type", "type", m.Type, "session_id", m.SessionID)
	default:
		return fmt.Errorf("router: unhandled message %T", msg)
	}
	return nil
}

func (r *Router) getOrCreate(id string, out Sender) *Session {
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := NewSession(id, r.deps, out)
	r.sessions[id] = s
	r.deps.Metrics.RecordSessionCreated()
	r.deps.Metrics.SetActiveSessions(len(r.sessions))
	logging.Debugw("router: session created", "session_id", id, "active", len(r.sessions))
	return s
}

func (r *Router) finish(id string) {
	if _, ok := r.sessions[id]; !ok {
		logging.Debugw("router: finish for unknown session", "session_id", id)
		return
	}
	delete(r.sessions, id)
	r.deps.Metrics.RecordSessionFinished()
	r.deps.Metrics.SetActiveSessions(len(r.sessions))
	logging.Infow("router: session finished", "session_id", id)
}

// Session returns the live session for id, if any.
func (r *Router) Session(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Router) Len() int { return len(r.sessions) }

// Reset discards every session.
func (r *Router) Reset() {
	n := len(r.sessions)
	r.sessions = make(map[string]*Session)
	r.deps.Metrics.RecordSessionsDropped(n)
	r.deps.Metrics.SetActiveSessions(0)
	if n > 0 {
		logging.Infow("router: dropped all sessions", "count", n)
	}
}
