package bridge

import (
	"errors"
	"unicode/utf8"
)

// PubkeySize is the exact length of the public-key buffer handed to the
// pubkey callback. The callback contract is that all PubkeySize bytes are
// written; there is no provision for partial writes.
const PubkeySize = 32

// ErrInvalidString indicates a native byte string that is not valid UTF-8
// and therefore cannot cross into the host.
var ErrInvalidString = errors.New("byte string is not valid UTF-8")

// StringFromNative converts a native byte string into a host string. The
// native convention is UTF-8, optionally NUL-terminated; a single trailing
// NUL is stripped. A nil slice is a missing required argument, not an
// empty string - absent optional strings must be passed as explicit
// zero-length slices.
func StringFromNative(b []byte) (string, error) {
	if b == nil {
		return "", newError(NullRequiredArgument, "nil byte string")
	}
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidString
	}
	return string(b), nil
}

// StringToNative converts a host string into a freshly allocated native
// byte string. The copy belongs to the caller; nothing retains it past the
// invocation that produced it.
func StringToNative(s string) []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// newPubkeyBuffer allocates the host-side destination buffer for one
// pubkey lookup. It lives only for that invocation: the callback fills
// it, the result is copied back into the engine's buffer, and the
// allocation is dropped.
func newPubkeyBuffer() []byte {
	return make([]byte, PubkeySize)
}
