// Package registry tracks which downstream clients are subscribed to which
// (symbol, source) keys. It is the single source of truth for reference
// counting upstream subscriptions: first client in triggers an upstream
// subscribe, last client out triggers an unsubscribe.
package registry

import (
	"sync"

	"github.com/timmye/neurosensefx-sub013/internal/market"
)

// Key identifies one upstream data stream.
type Key struct {
	Symbol string
	Source market.Source
}

// Subscriber is a downstream client handle. Enqueue must be non-blocking
// and report false when the client's send buffer is full.
type Subscriber interface {
	ID() string
	Enqueue(msg []byte) bool
}

// Registry holds both sides of the subscription relation plus the
// session-level M1-bar stream set. All maps are guarded by one mutex;
// fan-out readers get a copied subscriber slice so the lock is never held
// during socket writes.
type Registry struct {
	mu         sync.Mutex
	clientSubs map[Subscriber]map[string]struct{}
	sourceSubs map[Key]map[Subscriber]struct{}
	barStreams map[Key]struct{}
}

func New() *Registry {
	return &Registry{
		clientSubs: make(map[Subscriber]map[string]struct{}),
		sourceSubs: make(map[Key]map[Subscriber]struct{}),
		barStreams: make(map[Key]struct{}),
	}
}

// Register makes a client known without any subscriptions yet.
func (r *Registry) Register(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clientSubs[sub]; !ok {
		r.clientSubs[sub] = make(map[string]struct{})
	}
}

// Add subscribes sub to (symbol, source). Returns true when this is the
// first client on the key, which is the caller's cue to subscribe
// upstream.
func (r *Registry) Add(sub Subscriber, symbol string, source market.Source) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clientSubs[sub]; !ok {
		r.clientSubs[sub] = make(map[string]struct{})
	}
	r.clientSubs[sub][symbol] = struct{}{}

	key := Key{Symbol: symbol, Source: source}
	set, ok := r.sourceSubs[key]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.sourceSubs[key] = set
	}
	set[sub] = struct{}{}
	return len(set) == 1
}

// Remove unsubscribes sub from symbol on every source. Returns the keys
// whose subscriber set dropped to zero so the caller can unsubscribe
// upstream.
func (r *Registry) Remove(sub Subscriber, symbol string) (nowEmpty []Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.clientSubs[sub]; ok {
		delete(set, symbol)
	}
	for _, source := range []market.Source{market.SourceCTrader, market.SourceTradingView} {
		key := Key{Symbol: symbol, Source: source}
		if set, ok := r.sourceSubs[key]; ok {
			if _, had := set[sub]; had {
				delete(set, sub)
				if len(set) == 0 {
					delete(r.sourceSubs, key)
					nowEmpty = append(nowEmpty, key)
				}
			}
		}
	}
	return nowEmpty
}

// RemoveClient drops every subscription held by sub (client disconnect).
// Returns the keys that went empty.
func (r *Registry) RemoveClient(sub Subscriber) (nowEmpty []Key) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clientSubs, sub)
	for key, set := range r.sourceSubs {
		if _, had := set[sub]; had {
			delete(set, sub)
			if len(set) == 0 {
				delete(r.sourceSubs, key)
				nowEmpty = append(nowEmpty, key)
			}
		}
	}
	return nowEmpty
}

// Get returns a copy of the subscriber set for fan-out. The copy is cheap
// relative to holding the lock across client writes.
func (r *Registry) Get(symbol string, source market.Source) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sourceSubs[Key{Symbol: symbol, Source: source}]
	if !ok {
		return nil
	}
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// Count returns the number of subscribers on a key.
func (r *Registry) Count(symbol string, source market.Source) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sourceSubs[Key{Symbol: symbol, Source: source}])
}

// Symbols returns the symbols sub is currently subscribed to.
func (r *Registry) Symbols(sub Subscriber) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.clientSubs[sub]
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	return symbols
}

// MarkBarStream records that the session now delivers live M1 bars for
// key. Returns true the first time; bar streams are session-level, not
// per-client, which is why they live in a separate set.
func (r *Registry) MarkBarStream(symbol string, source market.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := Key{Symbol: symbol, Source: source}
	if _, ok := r.barStreams[key]; ok {
		return false
	}
	r.barStreams[key] = struct{}{}
	return true
}

// ClearBarStream forgets a session-level M1 stream (upstream unsubscribe
// or session reconnect).
func (r *Registry) ClearBarStream(symbol string, source market.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.barStreams, Key{Symbol: symbol, Source: source})
}
