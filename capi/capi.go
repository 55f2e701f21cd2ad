// Package capi exposes the flat, handle-based boundary surface of the
// engine.
//
// Hosts hold opaque uint64 handles instead of Go pointers; every byte
// string crossing the boundary is validated before the engine is invoked,
// and every operation reports a plain ResultCode. The package mirrors the
// shape a C shared-library binding would export.
package capi

import (
	"sync"

	"github.com/sirupsen/logrus"

	filedrop "github.com/opd-ai/filedrop"
	"github.com/opd-ai/filedrop/bridge"
)

// Handle identifies one live instance at the boundary.
type Handle uint64

var (
	instances  = make(map[Handle]*filedrop.Instance)
	nextHandle Handle = 1
	mu         sync.RWMutex
)

// New creates an instance and registers it. A construction failure
// produces no handle.
func New(opts filedrop.Options) (Handle, error) {
	inst, err := filedrop.New(opts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "New",
			"error":    err.Error(),
		}).Error("instance construction failed")
		return 0, err
	}

	mu.Lock()
	defer mu.Unlock()
	h := nextHandle
	nextHandle++
	instances[h] = inst
	return h, nil
}

// Destroy releases the instance behind the handle. The callback context
// references are released exactly once; destroying an unknown handle is a
// no-op reported as BadInput.
func Destroy(h Handle) filedrop.ResultCode {
	mu.Lock()
	inst, ok := instances[h]
	delete(instances, h)
	mu.Unlock()
	if !ok {
		return filedrop.CodeBadInput
	}
	inst.Destroy()
	return filedrop.CodeOk
}

// Start brings the instance up with a listen address and JSON config.
func Start(h Handle, listenAddr, configJSON []byte) filedrop.ResultCode {
	addr, code := decode(listenAddr)
	if code != filedrop.CodeOk {
		return code
	}
	cfg, code := decode(configJSON)
	if code != filedrop.CodeOk {
		return code
	}
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(inst.Start(addr, cfg))
}

// Stop shuts the instance down.
func Stop(h Handle) filedrop.ResultCode {
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(inst.Stop())
}

// NewTransfer creates an outgoing transfer and returns its ID, or nil with
// a failure code.
func NewTransfer(h Handle, peer, descriptorsJSON []byte) ([]byte, filedrop.ResultCode) {
	peerStr, code := decode(peer)
	if code != filedrop.CodeOk {
		return nil, code
	}
	descriptors, code := decode(descriptorsJSON)
	if code != filedrop.CodeOk {
		return nil, code
	}
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return nil, code
	}
	id, err := inst.NewTransfer(peerStr, descriptors)
	if err != nil {
		return nil, filedrop.CodeOf(err)
	}
	return bridge.StringToNative(id), filedrop.CodeOk
}

// Download requests one file of an incoming transfer into a destination
// path.
func Download(h Handle, transferID, fileID, destPath []byte) filedrop.ResultCode {
	tid, code := decode(transferID)
	if code != filedrop.CodeOk {
		return code
	}
	fid, code := decode(fileID)
	if code != filedrop.CodeOk {
		return code
	}
	dest, code := decode(destPath)
	if code != filedrop.CodeOk {
		return code
	}
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(inst.Download(tid, fid, dest))
}

// CancelTransfer cancels a live transfer.
func CancelTransfer(h Handle, transferID []byte) filedrop.ResultCode {
	tid, code := decode(transferID)
	if code != filedrop.CodeOk {
		return code
	}
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(inst.CancelTransfer(tid))
}

// CancelFile cancels one file of a live transfer.
func CancelFile(h Handle, transferID, fileID []byte) filedrop.ResultCode {
	return fileOp(h, transferID, fileID, (*filedrop.Instance).CancelFile)
}

// RejectFile rejects one file of a live transfer.
func RejectFile(h Handle, transferID, fileID []byte) filedrop.ResultCode {
	return fileOp(h, transferID, fileID, (*filedrop.Instance).RejectFile)
}

// RemoveTransferFile deletes a rejected file from the history.
func RemoveTransferFile(h Handle, transferID, fileID []byte) filedrop.ResultCode {
	return fileOp(h, transferID, fileID, (*filedrop.Instance).RemoveTransferFile)
}

// PurgeTransfers removes the transfers in the JSON ID array from the
// history.
func PurgeTransfers(h Handle, idsJSON []byte) filedrop.ResultCode {
	ids, code := decode(idsJSON)
	if code != filedrop.CodeOk {
		return code
	}
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(inst.PurgeTransfers(ids))
}

// PurgeTransfersUntil removes history entries created before the given
// Unix time in seconds.
func PurgeTransfersUntil(h Handle, untilSeconds int64) filedrop.ResultCode {
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(inst.PurgeTransfersUntil(untilSeconds))
}

// GetTransfersSince returns the JSON transfer history since the given Unix
// time in seconds.
func GetTransfersSince(h Handle, sinceSeconds int64) ([]byte, filedrop.ResultCode) {
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return nil, code
	}
	history, err := inst.TransfersSince(sinceSeconds)
	if err != nil {
		return nil, filedrop.CodeOf(err)
	}
	return bridge.StringToNative(history), filedrop.CodeOk
}

// Version returns the library version. It needs no handle.
func Version() []byte {
	return bridge.StringToNative(filedrop.Version)
}

func fileOp(h Handle, transferID, fileID []byte, op func(*filedrop.Instance, string, string) error) filedrop.ResultCode {
	tid, code := decode(transferID)
	if code != filedrop.CodeOk {
		return code
	}
	fid, code := decode(fileID)
	if code != filedrop.CodeOk {
		return code
	}
	inst, code := lookup(h)
	if code != filedrop.CodeOk {
		return code
	}
	return filedrop.CodeOf(op(inst, tid, fid))
}

// decode validates a boundary byte string before the engine sees it.
func decode(raw []byte) (string, filedrop.ResultCode) {
	s, err := bridge.StringFromNative(raw)
	if err != nil {
		return "", filedrop.CodeInvalidString
	}
	return s, filedrop.CodeOk
}

func lookup(h Handle) (*filedrop.Instance, filedrop.ResultCode) {
	mu.RLock()
	defer mu.RUnlock()
	inst, ok := instances[h]
	if !ok {
		return nil, filedrop.CodeBadInput
	}
	return inst, filedrop.CodeOk
}
