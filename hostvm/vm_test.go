package hostvm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachDetachCycle(t *testing.T) {
	vm := New()

	_, ok := vm.Current()
	assert.False(t, ok, "fresh VM should have no attachment for this goroutine")

	env, err := vm.Attach()
	require.NoError(t, err)
	require.NotNil(t, env)

	cur, ok := vm.Current()
	assert.True(t, ok)
	assert.Equal(t, env, cur)

	require.NoError(t, vm.Detach())
	_, ok = vm.Current()
	assert.False(t, ok)

	assert.Equal(t, int64(1), vm.AttachTotal())
	assert.Equal(t, int64(1), vm.DetachTotal())
}

func TestDoubleAttachRejected(t *testing.T) {
	vm := New()

	_, err := vm.Attach()
	require.NoError(t, err)

	_, err = vm.Attach()
	assert.ErrorIs(t, err, ErrAlreadyAttached)

	require.NoError(t, vm.Detach())
}

func TestDetachWithoutAttach(t *testing.T) {
	vm := New()
	assert.ErrorIs(t, vm.Detach(), ErrNotAttached)
}

func TestAttachmentIsPerGoroutine(t *testing.T) {
	vm := New()

	_, err := vm.Attach()
	require.NoError(t, err)
	defer vm.Detach()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := vm.Current(); ok {
			t.Error("other goroutine should not inherit attachment")
			return
		}
		env, err := vm.Attach()
		if err != nil || env == nil {
			t.Errorf("attach from second goroutine: %v", err)
			return
		}
		if err := vm.Detach(); err != nil {
			t.Errorf("detach from second goroutine: %v", err)
		}
	}()
	<-done

	assert.Equal(t, 1, vm.AttachedCount())
}

func TestCloseStopsAttachment(t *testing.T) {
	vm := New()

	_, err := vm.Attach()
	require.NoError(t, err)

	vm.Close()

	assert.Equal(t, 0, vm.AttachedCount())
	_, ok := vm.Current()
	assert.False(t, ok)

	_, err = vm.Attach()
	assert.ErrorIs(t, err, ErrShutDown)
}

func TestConcurrentAttachBalance(t *testing.T) {
	vm := New()

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			env, err := vm.Attach()
			if err != nil || env == nil {
				t.Errorf("attach: %v", err)
				return
			}
			if err := vm.Detach(); err != nil {
				t.Errorf("detach: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(workers), vm.AttachTotal())
	assert.Equal(t, vm.AttachTotal(), vm.DetachTotal())
	assert.Equal(t, 0, vm.AttachedCount())
}
