package listener

import "sync"

// notification is one parsed entry waiting for the drain loop.
type notification struct {
	Channel string
	Action  Action
	ID      string
}

type pendingKey struct {
	name    string
	payload string
}

// pendingSet buffers notifications between receipt and handler dispatch,
// keeping at most one queued entry per identical (wire name, payload) pair.
// Repeats arriving before the previous one is processed collapse to one.
type pendingSet struct {
	mu    sync.Mutex
	seen  map[pendingKey]struct{}
	queue []notification
}

func newPendingSet() *pendingSet {
	return &pendingSet{seen: make(map[pendingKey]struct{})}
}

// Add queues a notification unless an identical one is already pending.
// Reports whether the entry was added.
func (p *pendingSet) Add(name, payload string, n notification) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pendingKey{name: name, payload: payload}
	if _, dup := p.seen[key]; dup {
		return false
	}
	p.seen[key] = struct{}{}
	p.queue = append(p.queue, n)
	return true
}

// PopAll removes and returns every pending notification in arrival order.
func (p *pendingSet) PopAll() []notification {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.queue
	p.queue = nil
	p.seen = make(map[pendingKey]struct{})
	return out
}

// Len returns the number of queued entries.
func (p *pendingSet) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
