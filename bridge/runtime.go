package bridge

// Env represents a single worker's execution context within the host
// runtime. It is opaque to the bridge; the concrete value is whatever the
// runtime implementation hands out on attachment.
type Env any

// Runtime models the managed host runtime the engine's workers must be
// associated with before any callback can fire. It is the analog of a
// virtual machine handle: Current queries the calling goroutine's existing
// association, Attach establishes one, Detach tears it down.
//
// Implementations must tolerate concurrent calls from many goroutines.
// Attach must fail rather than double-attach an already associated caller;
// the bridge always checks Current first, so a failing Attach on an
// attached caller indicates a runtime bug, not a bridge one.
type Runtime interface {
	// Current returns the environment already bound to the calling
	// goroutine, if any.
	Current() (Env, bool)

	// Attach binds the calling goroutine to the runtime and returns its
	// environment. Fails if the runtime is shut down.
	Attach() (Env, error)

	// Detach releases the calling goroutine's binding.
	Detach() error
}

// guard is the scoped attachment acquired at callback entry and released
// on every exit path. It remembers whether this invocation performed the
// attach; only then does release detach.
type guard struct {
	rt       Runtime
	env      Env
	attached bool
}

// attach associates the calling goroutine with the host runtime. A nil
// runtime means there is no host to notify; callers treat the returned
// AttachFailed error as a silent drop.
func attach(rt Runtime) (guard, error) {
	if rt == nil {
		return guard{}, newError(AttachFailed, "host runtime unavailable")
	}

	if env, ok := rt.Current(); ok {
		return guard{rt: rt, env: env}, nil
	}

	env, err := rt.Attach()
	if err != nil {
		return guard{}, newError(AttachFailed, "%v", err)
	}
	return guard{rt: rt, env: env, attached: true}, nil
}

// release detaches the calling goroutine iff this guard performed the
// attach. Safe to call on the zero guard.
func (g guard) release() {
	if g.attached {
		_ = g.rt.Detach()
	}
}
