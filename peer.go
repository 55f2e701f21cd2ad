package filedrop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/filedrop/bridge"
	"github.com/opd-ai/filedrop/transfer"
	"github.com/opd-ai/filedrop/transport"
)

// DefaultPort is used when a peer address carries no port.
const DefaultPort = 49111

// chunkSize is the plaintext payload size of one data frame.
const chunkSize = 16 * 1024

// frameType discriminates the control frames exchanged over a session.
type frameType string

const (
	frameOffer    frameType = "offer"
	frameDownload frameType = "download"
	frameChunk    frameType = "chunk"
	frameDone     frameType = "done"
	frameReject   frameType = "reject"
	frameCancel   frameType = "cancel"
	frameFail     frameType = "fail"
)

// wireFile describes one offered file on the wire.
type wireFile struct {
	ID   string `json:"id"`
	Path string `json:"path"`
	Size uint64 `json:"size"`
}

// frame is one protocol message. Fields are populated per type: offer
// carries Files, file-scoped frames carry File, chunk carries Data.
type frame struct {
	Type     frameType  `json:"type"`
	Transfer string     `json:"transfer,omitempty"`
	Files    []wireFile `json:"files,omitempty"`
	File     string     `json:"file,omitempty"`
	Data     []byte     `json:"data,omitempty"`
	Status   int        `json:"status,omitempty"`
}

type commandKind int

const (
	cmdDownload commandKind = iota + 1
	cmdCancelTransfer
	cmdCancelFile
	cmdRejectFile
)

// command is a local API request routed to the transfer's worker.
type command struct {
	kind     commandKind
	fileID   string
	destPath string
}

// peerSession is one live transfer bound to its encrypted channel.
type peerSession struct {
	transferID string
	session    *transport.Session
	commands   chan command
	frames     chan frame
}

func newPeerSession(transferID string, s *transport.Session) *peerSession {
	return &peerSession{
		transferID: transferID,
		session:    s,
		commands:   make(chan command, 16),
		frames:     make(chan frame, 16),
	}
}

// readLoop decodes incoming frames until the session fails, closes, or
// the instance shuts down.
func (p *peerSession) readLoop(ctx context.Context, log *logrus.Logger) {
	defer close(p.frames)
	for {
		raw, err := p.session.Recv()
		if err != nil {
			if err != io.EOF {
				log.WithFields(logrus.Fields{
					"function": "readLoop",
					"transfer": p.transferID,
					"error":    err.Error(),
				}).Debug("session closed")
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.WithFields(logrus.Fields{
				"function": "readLoop",
				"transfer": p.transferID,
				"error":    err.Error(),
			}).Warn("dropping malformed frame")
			continue
		}
		select {
		case p.frames <- f:
		case <-ctx.Done():
			return
		}
	}
}

func (p *peerSession) sendFrame(f frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", f.Type, err)
	}
	return p.session.Send(raw)
}

// peerAddr normalizes a peer identifier into a dial address and its host
// part. A bare host gets the default port.
func peerAddr(peer string) (addr, host string, err error) {
	host, _, splitErr := net.SplitHostPort(peer)
	if splitErr != nil {
		host = peer
		peer = net.JoinHostPort(peer, strconv.Itoa(DefaultPort))
	}
	if host == "" {
		return "", "", fmt.Errorf("empty peer address")
	}
	return peer, host, nil
}

// lookupPeerKey asks the host for a peer's public key through the pubkey
// callback.
func (i *Instance) lookupPeerKey(host string) ([]byte, error) {
	var key [bridge.PubkeySize]byte
	if status := i.dispatcher.Pubkey(host, &key); status != 0 {
		return nil, fmt.Errorf("pubkey lookup for %q returned status %d", host, status)
	}
	return key[:], nil
}

// verifyPeer checks a handshake static key against the host's key store.
func (i *Instance) verifyPeer(host string) transport.KeyVerifier {
	return func(remoteStatic []byte) error {
		known, err := i.lookupPeerKey(host)
		if err != nil {
			return err
		}
		if !bytes.Equal(known, remoteStatic) {
			return fmt.Errorf("static key mismatch for %q", host)
		}
		return nil
	}
}

// runOutgoing drives one outgoing transfer: dial, offer, then serve peer
// requests until the transfer reaches a terminal state.
func (i *Instance) runOutgoing(ctx context.Context, t *transfer.Transfer, peer string) {
	addr, host, err := peerAddr(peer)
	if err != nil {
		i.failTransfer(t, int(CodeBadInput))
		return
	}

	peerKey, err := i.lookupPeerKey(host)
	if err != nil {
		i.log.WithFields(logrus.Fields{
			"function": "runOutgoing",
			"transfer": t.ID,
			"peer":     host,
			"error":    err.Error(),
		}).Warn("peer key unavailable")
		i.failTransfer(t, int(CodeError))
		return
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		i.failTransfer(t, int(CodeError))
		return
	}
	session, err := transport.Client(conn, i.keys, peerKey)
	if err != nil {
		conn.Close()
		i.failTransfer(t, int(CodeError))
		return
	}

	ps := newPeerSession(t.ID, session)
	i.trackSession(ps)
	defer i.dropSession(t.ID)
	defer session.Close()
	go ps.readLoop(ctx, i.log)

	offer := frame{Type: frameOffer, Transfer: t.ID}
	for _, f := range t.Files {
		offer.Files = append(offer.Files, wireFile{ID: f.ID, Path: f.RelativePath, Size: f.Size})
	}
	if err := ps.sendFrame(offer); err != nil {
		i.failTransfer(t, int(CodeError))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-ps.frames:
			if !ok {
				return
			}
			if done := i.handleSenderFrame(ctx, ps, t, f); done {
				return
			}
		case c := <-ps.commands:
			if done := i.handleSenderCommand(ps, t, c); done {
				return
			}
		}
	}
}

// handleSenderFrame reacts to receiver requests on the sending side.
func (i *Instance) handleSenderFrame(ctx context.Context, ps *peerSession, t *transfer.Transfer, f frame) bool {
	switch f.Type {
	case frameDownload:
		i.sendFile(ctx, ps, t, f.File)
		return false
	case frameReject:
		i.rejectFile(t, f.File, true)
		return false
	case frameCancel:
		if f.File != "" {
			i.failFile(t, f.File, f.Status)
			return false
		}
		i.cancelTransfer(t, true)
		return true
	default:
		return false
	}
}

func (i *Instance) handleSenderCommand(ps *peerSession, t *transfer.Transfer, c command) bool {
	switch c.kind {
	case cmdCancelTransfer:
		ps.sendFrame(frame{Type: frameCancel, Transfer: t.ID})
		i.cancelTransfer(t, false)
		return true
	case cmdRejectFile:
		ps.sendFrame(frame{Type: frameReject, Transfer: t.ID, File: c.fileID})
		i.rejectFile(t, c.fileID, false)
		return false
	case cmdCancelFile:
		ps.sendFrame(frame{Type: frameCancel, Transfer: t.ID, File: c.fileID})
		i.failFile(t, c.fileID, int(CodeError))
		return false
	default:
		return false
	}
}

// sendFile streams one file to the peer in chunk frames.
func (i *Instance) sendFile(ctx context.Context, ps *peerSession, t *transfer.Transfer, fileID string) {
	f, err := t.File(fileID)
	if err != nil {
		ps.sendFrame(frame{Type: frameFail, Transfer: t.ID, File: fileID, Status: int(CodeBadInput)})
		return
	}

	src, err := os.Open(filepath.Join(f.BasePath, f.RelativePath))
	if err != nil {
		i.failFile(t, fileID, int(CodeError))
		ps.sendFrame(frame{Type: frameFail, Transfer: t.ID, File: fileID, Status: int(CodeError)})
		return
	}
	defer src.Close()

	if err := t.PushFileState(fileID, transfer.Entry(transfer.StateStarted)); err == nil {
		i.emit(eventTransferStarted(t.ID, fileID))
	}
	i.persist(t)

	var sent uint64
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			chunk := frame{Type: frameChunk, Transfer: t.ID, File: fileID, Data: buf[:n]}
			if sendErr := ps.sendFrame(chunk); sendErr != nil {
				i.failFile(t, fileID, int(CodeError))
				return
			}
			sent += uint64(n)
			i.emit(eventTransferProgress(t.ID, fileID, sent))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			i.failFile(t, fileID, int(CodeError))
			ps.sendFrame(frame{Type: frameFail, Transfer: t.ID, File: fileID, Status: int(CodeError)})
			return
		}
	}

	if err := ps.sendFrame(frame{Type: frameDone, Transfer: t.ID, File: fileID}); err != nil {
		i.failFile(t, fileID, int(CodeError))
		return
	}
	if err := t.PushFileState(fileID, transfer.Entry(transfer.StateCompleted)); err == nil {
		i.emit(eventTransferFinished(t.ID, "FileUploaded", FileUploadedData{File: fileID}))
	}
	i.persist(t)
}

// serveConn handles one inbound connection: handshake, offer intake, then
// the receiving side of the protocol.
func (i *Instance) serveConn(ctx context.Context, conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}

	session, err := transport.Server(conn, i.keys, i.verifyPeer(host))
	if err != nil {
		conn.Close()
		i.log.WithFields(logrus.Fields{
			"function": "serveConn",
			"peer":     host,
			"error":    err.Error(),
		}).Warn("rejecting inbound session")
		return
	}
	defer session.Close()

	raw, err := session.Recv()
	if err != nil {
		return
	}
	var offer frame
	if err := json.Unmarshal(raw, &offer); err != nil || offer.Type != frameOffer || offer.Transfer == "" {
		return
	}

	t := i.adoptOffer(offer, host)
	if t == nil {
		return
	}

	ps := newPeerSession(t.ID, session)
	i.trackSession(ps)
	defer i.dropSession(t.ID)
	go ps.readLoop(ctx, i.log)

	files := make([]QueuedFile, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, QueuedFile{ID: f.ID, Path: f.RelativePath, Size: f.Size, State: string(transfer.StatePending)})
	}
	i.emit(eventRequestReceived(RequestReceivedData{Peer: host, Transfer: t.ID, Files: files}))

	i.receiveLoop(ctx, ps, t)
}

// adoptOffer registers a peer's offer as an incoming transfer under the
// peer's transfer ID.
func (i *Instance) adoptOffer(offer frame, host string) *transfer.Transfer {
	t := transfer.New(host, transfer.DirectionIncoming)
	t.ID = offer.Transfer
	for _, f := range offer.Files {
		t.AddFile(f.Path, "", f.Size)
	}
	if err := i.manager.RegisterIncoming(t); err != nil {
		i.log.WithFields(logrus.Fields{
			"function": "adoptOffer",
			"transfer": offer.Transfer,
			"peer":     host,
			"error":    err.Error(),
		}).Warn("refusing offer")
		return nil
	}
	if err := i.store.Insert(t); err != nil {
		i.log.WithFields(logrus.Fields{
			"function": "adoptOffer",
			"transfer": t.ID,
			"error":    err.Error(),
		}).Error("recording incoming transfer")
	}
	return t
}

// receiveLoop serves the receiving side of one transfer.
func (i *Instance) receiveLoop(ctx context.Context, ps *peerSession, t *transfer.Transfer) {
	dests := make(map[string]*os.File)
	paths := make(map[string]string)
	received := make(map[string]uint64)
	defer func() {
		for _, f := range dests {
			f.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-ps.frames:
			if !ok {
				return
			}
			if done := i.handleReceiverFrame(ps, t, f, dests, paths, received); done {
				return
			}
		case c := <-ps.commands:
			if done := i.handleReceiverCommand(ps, t, c, dests, paths, received); done {
				return
			}
		}
	}
}

// discardPartial closes and removes a half-written destination after a
// file stopped short of completion.
func discardPartial(fileID string, dests map[string]*os.File, paths map[string]string, received map[string]uint64) {
	if out, ok := dests[fileID]; ok {
		out.Close()
		os.Remove(paths[fileID])
		delete(dests, fileID)
	}
	delete(paths, fileID)
	delete(received, fileID)
}

func (i *Instance) handleReceiverCommand(ps *peerSession, t *transfer.Transfer, c command, dests map[string]*os.File, paths map[string]string, received map[string]uint64) bool {
	switch c.kind {
	case cmdDownload:
		if _, err := t.File(c.fileID); err != nil {
			i.log.WithFields(logrus.Fields{
				"function": "handleReceiverCommand",
				"transfer": t.ID,
				"file":     c.fileID,
			}).Warn("download request for unknown file")
			return false
		}
		out, err := os.Create(c.destPath)
		if err != nil {
			i.failFile(t, c.fileID, int(CodeError))
			return false
		}
		dests[c.fileID] = out
		paths[c.fileID] = c.destPath
		if err := ps.sendFrame(frame{Type: frameDownload, Transfer: t.ID, File: c.fileID}); err != nil {
			discardPartial(c.fileID, dests, paths, received)
			i.failFile(t, c.fileID, int(CodeError))
			return false
		}
		return false
	case cmdRejectFile:
		ps.sendFrame(frame{Type: frameReject, Transfer: t.ID, File: c.fileID})
		discardPartial(c.fileID, dests, paths, received)
		i.rejectFile(t, c.fileID, false)
		return false
	case cmdCancelFile:
		ps.sendFrame(frame{Type: frameCancel, Transfer: t.ID, File: c.fileID})
		discardPartial(c.fileID, dests, paths, received)
		i.failFile(t, c.fileID, int(CodeError))
		return false
	case cmdCancelTransfer:
		ps.sendFrame(frame{Type: frameCancel, Transfer: t.ID})
		i.cancelTransfer(t, false)
		return true
	default:
		return false
	}
}

func (i *Instance) handleReceiverFrame(ps *peerSession, t *transfer.Transfer, f frame, dests map[string]*os.File, paths map[string]string, received map[string]uint64) bool {
	switch f.Type {
	case frameChunk:
		out, ok := dests[f.File]
		if !ok {
			return false
		}
		if received[f.File] == 0 {
			if err := t.PushFileState(f.File, transfer.Entry(transfer.StateStarted)); err == nil {
				i.emit(eventTransferStarted(t.ID, f.File))
			}
			i.persist(t)
		}
		if _, err := out.Write(f.Data); err != nil {
			discardPartial(f.File, dests, paths, received)
			i.failFile(t, f.File, int(CodeError))
			return false
		}
		received[f.File] += uint64(len(f.Data))
		i.emit(eventTransferProgress(t.ID, f.File, received[f.File]))
		return false
	case frameDone:
		out, ok := dests[f.File]
		if !ok {
			return false
		}
		out.Close()
		delete(dests, f.File)
		final := paths[f.File]
		delete(paths, f.File)
		delete(received, f.File)
		entry := transfer.Entry(transfer.StateCompleted)
		entry.FinalPath = final
		if err := t.PushFileState(f.File, entry); err == nil {
			i.emit(eventTransferFinished(t.ID, "FileDownloaded", FileDownloadedData{File: f.File, FinalPath: final}))
		}
		i.persist(t)
		return false
	case frameReject:
		discardPartial(f.File, dests, paths, received)
		i.rejectFile(t, f.File, true)
		return false
	case frameFail:
		discardPartial(f.File, dests, paths, received)
		i.failFile(t, f.File, f.Status)
		return false
	case frameCancel:
		if f.File != "" {
			discardPartial(f.File, dests, paths, received)
			i.failFile(t, f.File, f.Status)
			return false
		}
		i.cancelTransfer(t, true)
		return true
	default:
		return false
	}
}

// rejectFile records a rejection and notifies the host.
func (i *Instance) rejectFile(t *transfer.Transfer, fileID string, byPeer bool) {
	entry := transfer.Entry(transfer.StateReject)
	entry.ByPeer = &byPeer
	if err := t.PushFileState(fileID, entry); err != nil {
		return
	}
	i.emit(eventTransferFinished(t.ID, "FileRejected", FileRejectedData{File: fileID, ByPeer: byPeer}))
	i.persist(t)
}

// failFile records a failure and notifies the host.
func (i *Instance) failFile(t *transfer.Transfer, fileID string, status int) {
	entry := transfer.Entry(transfer.StateFailed)
	entry.Status = &status
	if err := t.PushFileState(fileID, entry); err != nil {
		return
	}
	i.emit(eventTransferFinished(t.ID, "FileFailed", FileFailedData{File: fileID, Status: status}))
	i.persist(t)
}

// failTransfer marks the whole transfer failed.
func (i *Instance) failTransfer(t *transfer.Transfer, status int) {
	entry := transfer.Entry(transfer.StateFailed)
	entry.Status = &status
	if err := t.PushState(entry); err != nil {
		return
	}
	i.emit(eventTransferFinished(t.ID, "TransferFailed", TransferFailedData{Status: status}))
	i.persist(t)
	i.manager.Remove(t.ID)
}

// cancelTransfer marks the transfer canceled and drops it from the live set.
func (i *Instance) cancelTransfer(t *transfer.Transfer, byPeer bool) {
	entry := transfer.Entry(transfer.StateCanceled)
	entry.ByPeer = &byPeer
	if err := t.PushState(entry); err != nil {
		return
	}
	i.emit(eventTransferFinished(t.ID, "TransferCanceled", TransferCanceledData{ByPeer: byPeer}))
	i.persist(t)
	i.manager.Remove(t.ID)
}

// persist writes the transfer's current history to storage, logging
// failures without interrupting the protocol.
func (i *Instance) persist(t *transfer.Transfer) {
	if err := i.store.Update(t); err != nil {
		i.log.WithFields(logrus.Fields{
			"function": "persist",
			"transfer": t.ID,
			"error":    err.Error(),
		}).Error("persisting transfer history")
	}
}
