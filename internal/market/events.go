package market

// Event is the closed set of notifications a session or derived-data
// service can emit. Consumers switch over the concrete types; adding a new
// kind means touching every switch, which is the point.
type Event interface {
	isEvent()
}

// TickEvent carries a normalized quote.
type TickEvent struct {
	Tick Tick
}

// M1BarEvent carries a live one-minute bar.
type M1BarEvent struct {
	Bar M1Bar
}

// PackageEvent carries a completed bootstrap package. Provider B emits it
// asynchronously once both chart subseries have completed.
type PackageEvent struct {
	Package *SymbolDataPackage
}

// StatusEvent signals a session lifecycle transition, including staleness
// edges ("stale" / "tick_resumed") which are distinct from disconnects.
type StatusEvent struct {
	Source  Source
	State   SessionState
	Stale   bool
	Resumed bool
	Message string
}

// SymbolErrorEvent is an error isolated to a single symbol: not found,
// empty series on completion, completion timeout. Other symbols are
// unaffected.
type SymbolErrorEvent struct {
	Source  Source
	Symbol  string
	Message string
}

func (TickEvent) isEvent()        {}
func (M1BarEvent) isEvent()       {}
func (PackageEvent) isEvent()     {}
func (StatusEvent) isEvent()      {}
func (SymbolErrorEvent) isEvent() {}

// EmitFunc receives events from a session. It must not block; slow
// downstream work is queued behind per-client buffers, not here.
type EmitFunc func(Event)
