// Package hostvm provides an in-process reference implementation of the
// bridge.Runtime contract.
//
// A VM models the execution context of a managed host runtime: engine
// workers must attach before invoking host callbacks and detach when they
// performed the attach themselves. Attachment is tracked per goroutine,
// since the engine's workers are goroutines; the VM keeps running totals
// of attaches and detaches so embedders and tests can verify that no
// attachment leaks.
package hostvm

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/opd-ai/filedrop/bridge"
)

var (
	// ErrShutDown indicates the VM was closed; nothing can attach anymore.
	ErrShutDown = errors.New("host runtime is shut down")
	// ErrAlreadyAttached indicates a double attach from the same goroutine.
	ErrAlreadyAttached = errors.New("caller is already attached")
	// ErrNotAttached indicates a detach without a prior attach.
	ErrNotAttached = errors.New("caller is not attached")
)

// Env identifies one attached goroutine within a VM.
type Env struct {
	vm        *VM
	goroutine uint64
}

// VM is an in-process host runtime. The zero value is not usable; create
// one with New.
type VM struct {
	mu       sync.Mutex
	attached map[uint64]*Env
	closed   bool

	attaches atomic.Int64
	detaches atomic.Int64
}

// New creates a running VM ready to accept attachments.
func New() *VM {
	return &VM{attached: make(map[uint64]*Env)}
}

// Current returns the environment bound to the calling goroutine, if any.
func (vm *VM) Current() (bridge.Env, bool) {
	id := goroutineID()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	env, ok := vm.attached[id]
	if !ok {
		return nil, false
	}
	return env, true
}

// Attach binds the calling goroutine to the VM. Attaching an already
// attached goroutine is an error: callers are expected to consult Current
// first.
func (vm *VM) Attach() (bridge.Env, error) {
	id := goroutineID()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed {
		return nil, ErrShutDown
	}
	if _, ok := vm.attached[id]; ok {
		return nil, ErrAlreadyAttached
	}

	env := &Env{vm: vm, goroutine: id}
	vm.attached[id] = env
	vm.attaches.Add(1)
	return env, nil
}

// Detach releases the calling goroutine's binding.
func (vm *VM) Detach() error {
	id := goroutineID()

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.attached[id]; !ok {
		return ErrNotAttached
	}
	delete(vm.attached, id)
	vm.detaches.Add(1)
	return nil
}

// Close shuts the VM down. Existing attachments are discarded and any
// later Attach fails, which makes pending engine notifications degrade
// into silent drops.
func (vm *VM) Close() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.closed = true
	vm.attached = make(map[uint64]*Env)
}

// AttachTotal returns the number of attaches performed over the VM's
// lifetime.
func (vm *VM) AttachTotal() int64 { return vm.attaches.Load() }

// DetachTotal returns the number of detaches performed over the VM's
// lifetime.
func (vm *VM) DetachTotal() int64 { return vm.detaches.Load() }

// AttachedCount returns the number of currently attached goroutines.
func (vm *VM) AttachedCount() int {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return len(vm.attached)
}

// goroutineID extracts the calling goroutine's ID from its stack header.
// The header has the fixed form "goroutine N [status]:".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
