package bridge

import (
	"reflect"
	"sync"
	"sync/atomic"
)

// Kind identifies one of the three callback kinds the engine invokes on
// the host.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	KindLogger
	KindPubkey
)

// methodName returns the member resolved on the host object for this kind.
func (k Kind) methodName() string {
	switch k {
	case KindEvent:
		return "HandleEvent"
	case KindLogger:
		return "HandleLog"
	case KindPubkey:
		return "HandlePubkey"
	default:
		return ""
	}
}

// entryKey identifies a dispatch cache slot: the host object's concrete
// type stands in for the class identity, the kind for the member.
type entryKey struct {
	typ  reflect.Type
	kind Kind
}

// entry is a resolved dispatch target. Populated at most once, immutable
// afterwards, safe for concurrent reads.
type entry struct {
	once sync.Once
	err  error

	method reflect.Method

	// levels maps each defined LogLevel to the host's native enum value,
	// pre-converted at resolution time. Logger entries only.
	levels map[LogLevel]reflect.Value
}

var (
	// dispatchTable is process-wide and append-only. Reflective lookups
	// are expensive relative to a single notification; caching amortizes
	// them to a map read after the first call per (type, kind).
	dispatchTable sync.Map // entryKey -> *entry

	// resolutionCount tracks how many cache slots have been populated.
	resolutionCount atomic.Int64
)

// resolve returns the dispatch entry for the target's type and the given
// kind, populating the cache slot on first use. Repeated resolution is
// idempotent; each slot is populated under its own latch, not a global
// lock.
func resolve(target any, kind Kind) (*entry, error) {
	if target == nil {
		return nil, newError(ClassNotResolved, "no host object registered for %s callback", kind.methodName())
	}

	typ := reflect.TypeOf(target)
	v, _ := dispatchTable.LoadOrStore(entryKey{typ: typ, kind: kind}, &entry{})
	e := v.(*entry)
	e.once.Do(func() {
		e.populate(typ, kind)
		resolutionCount.Add(1)
	})
	if e.err != nil {
		return nil, e.err
	}
	return e, nil
}

// populate performs the reflective lookup and signature validation for a
// single cache slot.
func (e *entry) populate(typ reflect.Type, kind Kind) {
	name := kind.methodName()
	method, ok := typ.MethodByName(name)
	if !ok {
		e.err = newError(MethodNotResolved, "%s has no method %s", typ, name)
		return
	}

	// In(0) is the receiver.
	mt := method.Type
	switch kind {
	case KindEvent:
		if mt.NumIn() != 2 || mt.In(1).Kind() != reflect.String || mt.NumOut() != 0 {
			e.err = newError(MethodNotResolved, "%s.%s must have shape func(string)", typ, name)
			return
		}

	case KindLogger:
		if mt.NumIn() != 3 || !isIntegerKind(mt.In(1)) || mt.In(2).Kind() != reflect.String || mt.NumOut() != 0 {
			e.err = newError(MethodNotResolved, "%s.%s must have shape func(<integer level>, string)", typ, name)
			return
		}
		levelType := mt.In(1)
		e.levels = make(map[LogLevel]reflect.Value, int(LevelTrace))
		for l := LevelCritical; l <= LevelTrace; l++ {
			e.levels[l] = reflect.ValueOf(int(l)).Convert(levelType)
		}

	case KindPubkey:
		if mt.NumIn() != 3 ||
			mt.In(1).Kind() != reflect.String ||
			mt.In(2) != reflect.TypeOf([]byte(nil)) ||
			mt.NumOut() != 1 || !isIntegerKind(mt.Out(0)) {
			e.err = newError(MethodNotResolved, "%s.%s must have shape func(string, []byte) int", typ, name)
			return
		}

	default:
		e.err = newError(MethodNotResolved, "unknown callback kind %d", kind)
		return
	}

	e.method = method
}

// call invokes the resolved member on the given host object.
func (e *entry) call(target any, args ...reflect.Value) []reflect.Value {
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, reflect.ValueOf(target))
	in = append(in, args...)
	return e.method.Func.Call(in)
}

// hostLevel returns the host's native enum value for the given level.
// Levels outside the defined range have no cached value; the caller drops
// the log line in that case.
func (e *entry) hostLevel(l LogLevel) (reflect.Value, bool) {
	v, ok := e.levels[l]
	return v, ok
}

func isIntegerKind(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	default:
		return false
	}
}
