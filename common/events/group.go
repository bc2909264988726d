// Package events provides the event-group mechanism other components use to
// observe rack connect/disconnect without polling the connection registry.
package events

import "sync"

// Type of connection lifecycle event.
type Type int

const (
	Connected Type = iota
	Disconnected
)

func (t Type) String() string {
	if t == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event describes one rack session change.
type Event struct {
	Type     Type
	SystemID string
	Endpoint string
	Process  string
}

// Listener consumes events. Listeners must be fast or dispatch their own
// work; Notify invokes them synchronously.
type Listener func(Event)

// Group is a set of subscribers to connection events.
type Group struct {
	mu     sync.Mutex
	subs   map[int]Listener
	nextID int
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{subs: make(map[int]Listener)}
}

// Subscribe registers fn and returns a function that removes it again.
func (g *Group) Subscribe(fn Listener) (unsubscribe func()) {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	g.subs[id] = fn
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		delete(g.subs, id)
		g.mu.Unlock()
	}
}

// Notify delivers e to every current subscriber.
func (g *Group) Notify(e Event) {
	g.mu.Lock()
	listeners := make([]Listener, 0, len(g.subs))
	for _, fn := range g.subs {
		listeners = append(listeners, fn)
	}
	g.mu.Unlock()

	for _, fn := range listeners {
		fn(e)
	}
}

// Len returns the number of subscribers.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
