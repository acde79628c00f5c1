package lifecycle

import "sync"

// gate orders child writes against the deletion of their parent. Child
// writers hold a key shared; a deleting parent drains the key once it is
// committed to Deleting, after which new writers observe the state and
// back off. Entries are dropped once nobody holds or waits on them.
type gate struct {
	mu   sync.Mutex
	keys map[string]*gateEntry
}

type gateEntry struct {
	rw   sync.RWMutex
	refs int
}

func newGate() *gate {
	return &gate{keys: make(map[string]*gateEntry)}
}

// share holds key shared until the returned function is called.
func (g *gate) share(key string) func() {
	e := g.acquire(key)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		g.release(key, e)
	}
}

// drain waits for every writer holding key to finish.
func (g *gate) drain(key string) {
	e := g.acquire(key)
	e.rw.Lock()
	e.rw.Unlock() //nolint:staticcheck // waits out shared holders
	g.release(key, e)
}

// held reports how many keys have a holder or waiter.
func (g *gate) held() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.keys)
}

func (g *gate) acquire(key string) *gateEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.keys[key]
	if !ok {
		e = &gateEntry{}
		g.keys[key] = e
	}
	e.refs++
	return e
}

func (g *gate) release(key string, e *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.keys, key)
	}
}
