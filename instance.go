package filedrop

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/filedrop/bridge"
	"github.com/opd-ai/filedrop/crypto"
	"github.com/opd-ai/filedrop/storage"
	"github.com/opd-ai/filedrop/transfer"
)

// Options configures a new Instance. Runtime may be nil, in which case
// notifications degrade into silent drops.
type Options struct {
	Runtime bridge.Runtime
	Event   bridge.Registration
	Logger  bridge.Registration
	Pubkey  bridge.Registration

	// LogLevel bounds which engine log lines reach the host logger.
	LogLevel bridge.LogLevel

	// PrivateKey is the instance's 32-byte static private key.
	PrivateKey []byte
}

// Instance is one running engine bound to a host through its bridge
// dispatcher.
type Instance struct {
	log        *logrus.Logger
	dispatcher *bridge.Dispatcher
	keys       *crypto.KeyPair

	mu        sync.Mutex
	started   bool
	destroyed bool
	listener  net.Listener
	cancel    context.CancelFunc
	runCtx    context.Context
	group     *errgroup.Group
	events    chan Event
	manager   *transfer.Manager
	store     *storage.Store

	sessionMu sync.RWMutex
	sessions  map[string]*peerSession
}

// New creates an instance. The three callback registrations are resolved
// eagerly; any resolution failure aborts construction.
func New(opts Options) (*Instance, error) {
	keys, err := crypto.FromSecretKeyBytes(opts.PrivateKey)
	if err != nil {
		return nil, newError(CodeInvalidPrivkey, err, "deriving instance key pair")
	}

	dispatcher, err := bridge.NewDispatcher(opts.Runtime, bridge.Callbacks{
		Event:  opts.Event,
		Logger: opts.Logger,
		Pubkey: opts.Pubkey,
	})
	if err != nil {
		return nil, err
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.TraceLevel)
	log.AddHook(bridge.NewLogHook(dispatcher, opts.LogLevel))

	i := &Instance{
		log:        log,
		dispatcher: dispatcher,
		keys:       keys,
		sessions:   make(map[string]*peerSession),
	}
	log.WithFields(logrus.Fields{
		"function": "New",
		"version":  Version,
	}).Info("instance created")
	return i, nil
}

// PublicKey returns the instance's static public key.
func (i *Instance) PublicKey() []byte {
	out := make([]byte, crypto.KeySize)
	copy(out, i.keys.Public[:])
	return out
}

// Start parses the config, opens storage, and brings up the listener and
// event pump.
func (i *Instance) Start(listenAddr, configJSON string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return newError(CodeInstanceStart, nil, "instance already started")
	}

	cfg, err := ParseConfig(configJSON)
	if err != nil {
		return err
	}
	if _, err := net.ResolveTCPAddr("tcp", listenAddr); err != nil {
		return newError(CodeBadInput, err, "parsing listen address %q", listenAddr)
	}

	store, err := storage.Open(cfg.StoragePath, i.log)
	if err != nil {
		return newError(CodeDbError, err, "opening transfer history")
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return newError(CodeAddrInUse, err, "listening on %q", listenAddr)
		}
		return newError(CodeInstanceStart, err, "listening on %q", listenAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	i.store = store
	i.manager = transfer.NewManager(transfer.Limits{
		DirDepth: cfg.DirDepthLimit,
		Files:    cfg.TransferFileLimit,
	}, i.log)
	i.listener = listener
	i.cancel = cancel
	i.runCtx = ctx
	i.group = group
	i.events = make(chan Event, 256)
	i.started = true

	group.Go(func() error { i.eventPump(ctx); return nil })
	group.Go(func() error { i.acceptLoop(ctx, listener); return nil })

	i.log.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     listener.Addr().String(),
	}).Info("instance started")
	return nil
}

// ListenAddr returns the bound listen address of a started instance.
func (i *Instance) ListenAddr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener == nil {
		return ""
	}
	return i.listener.Addr().String()
}

// Stop shuts the listener and workers down.
func (i *Instance) Stop() error {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return newError(CodeNotStarted, nil, "instance not started")
	}
	listener := i.listener
	cancel := i.cancel
	group := i.group
	i.started = false
	i.listener = nil
	i.mu.Unlock()

	cancel()
	closeErr := listener.Close()
	if err := group.Wait(); err != nil {
		return newError(CodeInstanceStop, err, "stopping workers")
	}
	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return newError(CodeInstanceStop, closeErr, "closing listener")
	}

	i.log.WithFields(logrus.Fields{"function": "Stop"}).Info("instance stopped")
	return nil
}

// Destroy releases the callback context references exactly once. The
// instance is unusable afterwards.
func (i *Instance) Destroy() {
	i.mu.Lock()
	alreadyDestroyed := i.destroyed
	i.destroyed = true
	started := i.started
	i.mu.Unlock()

	if started {
		if err := i.Stop(); err != nil {
			i.log.WithFields(logrus.Fields{
				"function": "Destroy",
				"error":    err.Error(),
			}).Error("stopping instance during destroy")
		}
	}
	if !alreadyDestroyed {
		i.dispatcher.Close()
	}
}

// NewTransfer registers an outgoing transfer from descriptor JSON and
// starts its worker. It returns the transfer ID.
func (i *Instance) NewTransfer(peer, descriptorsJSON string) (string, error) {
	i.mu.Lock()
	started := i.started
	manager := i.manager
	ctx := i.runCtx
	group := i.group
	i.mu.Unlock()
	if !started {
		return "", newError(CodeNotStarted, nil, "instance not started")
	}

	descriptors, err := transfer.ParseDescriptors(descriptorsJSON)
	if err != nil {
		return "", newError(CodeJsonParse, err, "parsing descriptors")
	}

	t, err := manager.NewOutgoing(peer, descriptors)
	if err != nil {
		return "", newError(CodeTransferCreate, err, "creating transfer to %q", peer)
	}
	if err := i.store.Insert(t); err != nil {
		manager.Remove(t.ID)
		return "", newError(CodeDbError, err, "recording transfer")
	}

	files := make([]QueuedFile, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, QueuedFile{ID: f.ID, Path: f.RelativePath, Size: f.Size, State: string(transfer.StatePending)})
	}
	i.emit(eventRequestQueued(RequestQueuedData{Peer: peer, Transfer: t.ID, Files: files}))

	group.Go(func() error {
		i.runOutgoing(ctx, t, peer)
		return nil
	})
	return t.ID, nil
}

// Download requests one file of an incoming transfer into destPath.
func (i *Instance) Download(transferID, fileID, destPath string) error {
	return i.sendCommand(transferID, command{kind: cmdDownload, fileID: fileID, destPath: destPath})
}

// CancelTransfer cancels a live transfer.
func (i *Instance) CancelTransfer(transferID string) error {
	return i.sendCommand(transferID, command{kind: cmdCancelTransfer})
}

// CancelFile cancels one file of a live transfer.
func (i *Instance) CancelFile(transferID, fileID string) error {
	return i.sendCommand(transferID, command{kind: cmdCancelFile, fileID: fileID})
}

// RejectFile rejects one file of a live transfer.
func (i *Instance) RejectFile(transferID, fileID string) error {
	return i.sendCommand(transferID, command{kind: cmdRejectFile, fileID: fileID})
}

// PurgeTransfers removes the listed transfers from the history.
func (i *Instance) PurgeTransfers(idsJSON string) error {
	store, err := i.openStore()
	if err != nil {
		return err
	}
	var ids []string
	if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
		return newError(CodeJsonParse, err, "parsing transfer ID list")
	}
	if err := store.Purge(ids); err != nil {
		return newError(CodeDbError, err, "purging transfers")
	}
	return nil
}

// PurgeTransfersUntil removes history entries created before the given
// Unix time in seconds.
func (i *Instance) PurgeTransfersUntil(untilSeconds int64) error {
	store, err := i.openStore()
	if err != nil {
		return err
	}
	if err := store.PurgeUntil(untilSeconds); err != nil {
		return newError(CodeDbError, err, "purging transfers")
	}
	return nil
}

// TransfersSince returns the JSON history of transfers created at or
// after the given Unix time in seconds.
func (i *Instance) TransfersSince(sinceSeconds int64) (string, error) {
	store, err := i.openStore()
	if err != nil {
		return "", err
	}
	records := store.TransfersSince(sinceSeconds)
	if records == nil {
		records = []*transfer.Transfer{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return "", newError(CodeError, err, "encoding transfer history")
	}
	return string(raw), nil
}

// RemoveTransferFile deletes a rejected file from the history.
func (i *Instance) RemoveTransferFile(transferID, fileID string) error {
	store, err := i.openStore()
	if err != nil {
		return err
	}
	switch err := store.RemoveFile(transferID, fileID); {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDatabase):
		return newError(CodeDbError, err, "removing file %q", fileID)
	default:
		return newError(CodeBadInput, err, "removing file %q from transfer %q", fileID, transferID)
	}
}

func (i *Instance) openStore() (*storage.Store, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.store == nil {
		return nil, newError(CodeNotStarted, nil, "instance not started")
	}
	return i.store, nil
}

func (i *Instance) sendCommand(transferID string, c command) error {
	i.mu.Lock()
	started := i.started
	i.mu.Unlock()
	if !started {
		return newError(CodeNotStarted, nil, "instance not started")
	}

	i.sessionMu.RLock()
	ps, ok := i.sessions[transferID]
	i.sessionMu.RUnlock()
	if !ok {
		return newError(CodeBadInput, nil, "no live transfer %q", transferID)
	}

	select {
	case ps.commands <- c:
		return nil
	default:
		return newError(CodeError, nil, "transfer %q is busy", transferID)
	}
}

func (i *Instance) trackSession(ps *peerSession) {
	i.sessionMu.Lock()
	defer i.sessionMu.Unlock()
	i.sessions[ps.transferID] = ps
}

func (i *Instance) dropSession(transferID string) {
	i.sessionMu.Lock()
	defer i.sessionMu.Unlock()
	delete(i.sessions, transferID)
}

// acceptLoop serves inbound peer connections until the listener closes.
func (i *Instance) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		i.group.Go(func() error {
			i.serveConn(ctx, conn)
			return nil
		})
	}
}

// eventPump delivers events to the host strictly in order, one at a time.
func (i *Instance) eventPump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-i.events:
			payload, err := ev.Marshal()
			if err != nil {
				i.log.WithFields(logrus.Fields{
					"function": "eventPump",
					"type":     ev.Type,
					"error":    err.Error(),
				}).Error("encoding event")
				continue
			}
			i.dispatcher.Event(payload)
		}
	}
}

// emit queues an event for delivery, giving up when the instance is
// shutting down.
func (i *Instance) emit(ev Event) {
	select {
	case i.events <- ev:
	case <-i.runCtx.Done():
	}
}
