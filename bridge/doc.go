// Package bridge implements the boundary layer between the filedrop engine
// and a managed host runtime.
//
// The engine runs its own worker goroutines for networking, encryption and
// disk IO. Whenever one of those workers needs to notify the embedding
// application - an event, a log line, or a public-key lookup - the call
// crosses this boundary: the worker is attached to the host runtime's
// execution context, the callback target is resolved through a process-wide
// dispatch cache, arguments are marshaled into host representations, and the
// host callback is invoked synchronously.
//
// Three callback kinds exist:
//
//	event:  HandleEvent(json string)
//	logger: HandleLog(level L, message string)   // L is the host's level enum
//	pubkey: HandlePubkey(ip string, pubkey []byte) int
//
// Targets are plain host objects; their callback methods are resolved by
// name and shape via reflection, once per concrete type, and cached for the
// lifetime of the process.
//
// Notifications are fire-and-forget best effort: if the host runtime is
// unavailable or the calling worker cannot be attached, the notification is
// dropped and the engine proceeds.
package bridge
