package registry

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/krobus00/ticker-gateway/internal/entity"
	"github.com/sirupsen/logrus"
)

// Session is one connected client. Send must be safe for concurrent use;
// a Send error marks the session dead and evicts it from the registry.
type Session interface {
	ID() string
	Send(payload []byte) error
	Close() error
}

// Registry tracks which session wants which symbols and fans ticks out.
// The two index maps (session->symbols, symbol->sessions) are exact
// inverses and are only ever mutated together under one mutex. Network
// sends happen outside the critical section so slow clients never block
// subscribe/unsubscribe calls.
type Registry struct {
	mu             sync.Mutex
	sessions       map[string]Session
	sessionSymbols map[string]map[string]struct{}
	symbolSessions map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		sessions:       make(map[string]Session),
		sessionSymbols: make(map[string]map[string]struct{}),
		symbolSessions: make(map[string]map[string]struct{}),
	}
}

// Connect registers a session with an empty interest set. Calling it
// twice for the same session is a no-op.
func (r *Registry) Connect(session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := session.ID()
	if _, ok := r.sessions[id]; ok {
		return
	}

	r.sessions[id] = session
	r.sessionSymbols[id] = make(map[string]struct{})
}

// Disconnect removes the session from every symbol set and drops its own
// entry. Safe to call for unknown or already removed sessions.
func (r *Registry) Disconnect(session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(session.ID())
}

func (r *Registry) Subscribe(session Session, symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := session.ID()
	if _, ok := r.sessions[id]; !ok {
		return
	}

	for _, symbol := range symbols {
		r.sessionSymbols[id][symbol] = struct{}{}
		if r.symbolSessions[symbol] == nil {
			r.symbolSessions[symbol] = make(map[string]struct{})
		}
		r.symbolSessions[symbol][id] = struct{}{}
	}
}

func (r *Registry) Unsubscribe(session Session, symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := session.ID()
	if _, ok := r.sessions[id]; !ok {
		return
	}

	for _, symbol := range symbols {
		delete(r.sessionSymbols[id], symbol)
		r.detachSymbolLocked(symbol, id)
	}
}

// AllSubscribedSymbols returns the union of every session's interest set.
func (r *Registry) AllSubscribedSymbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for _, symbols := range r.sessionSymbols {
		for symbol := range symbols {
			seen[symbol] = struct{}{}
		}
	}

	result := make([]string, 0, len(seen))
	for symbol := range seen {
		result = append(result, symbol)
	}

	return result
}

func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// BroadcastTick delivers the tick to every session subscribed to the
// symbol at call time. Delivery is at-most-once with no retry; sessions
// whose send fails are evicted from both maps within this call.
func (r *Registry) BroadcastTick(symbol string, tick entity.Tick) {
	payload, err := json.Marshal(tick)
	if err != nil {
		logrus.Errorf("failed to marshal tick for %s: %v", symbol, err)
		return
	}

	r.mu.Lock()
	targets := make([]Session, 0, len(r.symbolSessions[symbol]))
	for id := range r.symbolSessions[symbol] {
		if session, ok := r.sessions[id]; ok {
			targets = append(targets, session)
		}
	}
	r.mu.Unlock()

	r.deliver(targets, payload)
}

// BroadcastStatus announces the feed state to every registered session.
func (r *Registry) BroadcastStatus(connected bool, source string) {
	payload, err := json.Marshal(entity.StatusFrame{
		Type:      entity.FrameTypeStatus,
		Connected: connected,
		Source:    source,
	})
	if err != nil {
		logrus.Errorf("failed to marshal status frame: %v", err)
		return
	}

	r.deliver(r.snapshotAll(), payload)
}

// BroadcastAll relays an already encoded payload verbatim to every
// registered session, regardless of symbol interest.
func (r *Registry) BroadcastAll(payload []byte) {
	r.deliver(r.snapshotAll(), payload)
}

func (r *Registry) snapshotAll() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		targets = append(targets, session)
	}

	return targets
}

func (r *Registry) deliver(targets []Session, payload []byte) {
	var dead []Session
	for _, session := range targets {
		if err := session.Send(payload); err != nil {
			dead = append(dead, session)
		}
	}

	if len(dead) == 0 {
		return
	}

	r.mu.Lock()
	for _, session := range dead {
		r.removeLocked(session.ID())
	}
	r.mu.Unlock()

	for _, session := range dead {
		logrus.WithField("session_id", session.ID()).Info("evicted dead session")
		_ = session.Close()
	}
}

func (r *Registry) removeLocked(id string) {
	for symbol := range r.sessionSymbols[id] {
		r.detachSymbolLocked(symbol, id)
	}
	delete(r.sessionSymbols, id)
	delete(r.sessions, id)
}

func (r *Registry) detachSymbolLocked(symbol, id string) {
	sessions, ok := r.symbolSessions[symbol]
	if !ok {
		return
	}

	delete(sessions, id)
	if len(sessions) == 0 {
		delete(r.symbolSessions, symbol)
	}
}
