// Package filedrop is a peer-to-peer file transfer engine with a native
// callback bridge to a managed host runtime.
//
// The host creates an Instance with three callback registrations (event,
// logger, public-key lookup) and its 32-byte private key, then drives it
// through the forwarding operations: start, stop, new transfer, download,
// cancel, reject, purge, and history queries. Engine notifications travel
// back through the bridge package: event JSON, log lines, and public-key
// lookups all cross the boundary under a scoped runtime attachment.
//
// Example:
//
//	inst, err := filedrop.New(filedrop.Options{
//		Runtime:    vm,
//		Event:      bridge.Registration{Context: app},
//		Logger:     bridge.Registration{Context: app},
//		Pubkey:     bridge.Registration{Context: keyStore},
//		LogLevel:   bridge.LevelInfo,
//		PrivateKey: privKey,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Destroy()
//
//	if err := inst.Start("0.0.0.0:49111", "{}"); err != nil {
//		return err
//	}
//	id, err := inst.NewTransfer("192.0.2.7", `[{"path":"/tmp/report.pdf"}]`)
//
// The capi package wraps the same surface behind opaque uint64 handles and
// plain result codes for foreign-function embeddings.
package filedrop
