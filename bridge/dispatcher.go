package bridge

import (
	"reflect"
	"sync"
)

// Registration pairs a long-lived host context object with the callback
// member the dispatch table resolves from it. The context must stay valid
// for the whole instance lifetime; the dispatcher releases its reference
// exactly once, when Close is called.
type Registration struct {
	Context any
}

// Callbacks is the full set of registrations an instance is created with.
type Callbacks struct {
	Event  Registration
	Logger Registration
	Pubkey Registration
}

// Dispatcher owns one instance's callback targets and drives every
// engine-to-host invocation through the attach guard, the dispatch cache
// and the marshaling layer. It is safe for concurrent use from any number
// of engine workers.
type Dispatcher struct {
	rt Runtime

	mu       sync.RWMutex
	event    any
	logger   any
	pubkey   any
	released bool

	eventEntry  *entry
	loggerEntry *entry
	pubkeyEntry *entry
}

// NewDispatcher resolves all three callback targets eagerly and returns a
// dispatcher holding them. Resolution failure aborts construction: the
// instance being built must not come into existence with an unresolvable
// callback.
func NewDispatcher(rt Runtime, cbs Callbacks) (*Dispatcher, error) {
	eventEntry, err := resolve(cbs.Event.Context, KindEvent)
	if err != nil {
		return nil, err
	}
	loggerEntry, err := resolve(cbs.Logger.Context, KindLogger)
	if err != nil {
		return nil, err
	}
	pubkeyEntry, err := resolve(cbs.Pubkey.Context, KindPubkey)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		rt:          rt,
		event:       cbs.Event.Context,
		logger:      cbs.Logger.Context,
		pubkey:      cbs.Pubkey.Context,
		eventEntry:  eventEntry,
		loggerEntry: loggerEntry,
		pubkeyEntry: pubkeyEntry,
	}, nil
}

// Event delivers a JSON event string to the host. Fire-and-forget: if the
// dispatcher is closed or the calling worker cannot be attached, the
// notification is dropped.
func (d *Dispatcher) Event(payload string) {
	target, ok := d.context(&d.event)
	if !ok {
		return
	}

	g, err := attach(d.rt)
	if err != nil {
		return
	}
	defer g.release()

	d.eventEntry.call(target, reflect.ValueOf(payload))
}

// Log delivers one log line to the host at the given level. Levels with no
// cached host enum value drop the line rather than raising an error.
func (d *Dispatcher) Log(level LogLevel, message string) {
	target, ok := d.context(&d.logger)
	if !ok {
		return
	}

	hostLevel, ok := d.loggerEntry.hostLevel(level)
	if !ok {
		return
	}

	g, err := attach(d.rt)
	if err != nil {
		return
	}
	defer g.release()

	d.loggerEntry.call(target, hostLevel, reflect.ValueOf(message))
}

// Pubkey asks the host for the public key of the peer at the given IP; the
// empty string requests the engine's own key. The host writes all
// PubkeySize bytes into a buffer allocated for this call, which is copied
// into out and dropped. Returns the callback's status: 0 on success,
// non-zero when the key is unavailable (including when the host itself is
// unreachable).
func (d *Dispatcher) Pubkey(ip string, out *[PubkeySize]byte) int {
	target, ok := d.context(&d.pubkey)
	if !ok {
		return 1
	}

	g, err := attach(d.rt)
	if err != nil {
		return 1
	}
	defer g.release()

	buf := newPubkeyBuffer()
	results := d.pubkeyEntry.call(target, reflect.ValueOf(ip), reflect.ValueOf(buf))

	// The buffer is copied back unconditionally; the engine only uses it
	// when the status says success.
	copy(out[:], buf)

	status := results[0]
	return int(status.Convert(reflect.TypeOf(int(0))).Int())
}

// Close releases the three context references. Idempotent: only the first
// call releases; the references are dropped exactly once per dispatcher.
// In-flight invocations holding a snapshot complete normally.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return
	}
	d.released = true
	d.event = nil
	d.logger = nil
	d.pubkey = nil
}

// context snapshots one of the three target references under the read
// lock. Reports false after Close.
func (d *Dispatcher) context(slot *any) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.released || *slot == nil {
		return nil, false
	}
	return *slot, true
}
