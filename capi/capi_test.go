package capi

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	filedrop "github.com/opd-ai/filedrop"
	"github.com/opd-ai/filedrop/bridge"
	"github.com/opd-ai/filedrop/crypto"
	"github.com/opd-ai/filedrop/hostvm"
)

type eventSink struct {
	mu     sync.Mutex
	events []string
}

func (s *eventSink) HandleEvent(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, payload)
}

type logSink struct{}

func (logSink) HandleLog(level int, message string) {}

type keyDirectory struct{ own []byte }

func (k *keyDirectory) HandlePubkey(ip string, pubkey []byte) int {
	if ip == "" {
		copy(pubkey, k.own)
		return 0
	}
	return 1
}

func newHandle(t *testing.T) Handle {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	h, err := New(filedrop.Options{
		Runtime:    hostvm.New(),
		Event:      bridge.Registration{Context: &eventSink{}},
		Logger:     bridge.Registration{Context: logSink{}},
		Pubkey:     bridge.Registration{Context: &keyDirectory{own: keys.Public[:]}},
		LogLevel:   bridge.LevelInfo,
		PrivateKey: keys.Private[:],
	})
	require.NoError(t, err)
	require.NotZero(t, h)
	t.Cleanup(func() { Destroy(h) })
	return h
}

func TestNewAndDestroy(t *testing.T) {
	h := newHandle(t)
	assert.Equal(t, filedrop.CodeOk, Destroy(h))
	assert.Equal(t, filedrop.CodeBadInput, Destroy(h), "double destroy reports the unknown handle")
}

func TestConstructionFailureProducesNoHandle(t *testing.T) {
	h, err := New(filedrop.Options{
		Runtime:    hostvm.New(),
		Event:      bridge.Registration{Context: struct{}{}},
		Logger:     bridge.Registration{Context: logSink{}},
		Pubkey:     bridge.Registration{Context: &keyDirectory{}},
		PrivateKey: make([]byte, crypto.KeySize),
	})
	require.Error(t, err)
	assert.Zero(t, h)
}

func TestInvalidStringsSkipTheEngine(t *testing.T) {
	h := newHandle(t)
	bad := []byte{0xff, 0xfe}

	assert.Equal(t, filedrop.CodeInvalidString, Start(h, bad, []byte("{}")))
	assert.Equal(t, filedrop.CodeInvalidString, Start(h, []byte("127.0.0.1:0"), bad))

	_, code := NewTransfer(h, bad, []byte("[]"))
	assert.Equal(t, filedrop.CodeInvalidString, code)
	assert.Equal(t, filedrop.CodeInvalidString, Download(h, bad, []byte("f"), []byte("/tmp/d")))
	assert.Equal(t, filedrop.CodeInvalidString, CancelTransfer(h, nil),
		"nil byte string is not a valid argument")
}

func TestUnknownHandle(t *testing.T) {
	const ghost = Handle(1 << 40)
	assert.Equal(t, filedrop.CodeBadInput, Start(ghost, []byte("127.0.0.1:0"), []byte("{}")))
	assert.Equal(t, filedrop.CodeBadInput, Stop(ghost))
	_, code := GetTransfersSince(ghost, 0)
	assert.Equal(t, filedrop.CodeBadInput, code)
	assert.Equal(t, filedrop.CodeBadInput, PurgeTransfersUntil(ghost, 0))
}

func TestStartStopRoundTrip(t *testing.T) {
	h := newHandle(t)

	assert.Equal(t, filedrop.CodeOk, Start(h, []byte("127.0.0.1:0"), []byte("{}")))
	assert.Equal(t, filedrop.CodeJsonParse, func() filedrop.ResultCode {
		other := newHandle(t)
		return Start(other, []byte("127.0.0.1:0"), []byte("{broken"))
	}())

	history, code := GetTransfersSince(h, 0)
	assert.Equal(t, filedrop.CodeOk, code)
	assert.Equal(t, "[]", string(history))

	assert.Equal(t, filedrop.CodeOk, PurgeTransfers(h, []byte(`[]`)))
	assert.Equal(t, filedrop.CodeJsonParse, PurgeTransfers(h, []byte(`{`)))

	assert.Equal(t, filedrop.CodeOk, Stop(h))
	assert.Equal(t, filedrop.CodeNotStarted, Stop(h))
}

func TestOperationsBeforeStart(t *testing.T) {
	h := newHandle(t)

	_, code := NewTransfer(h, []byte("127.0.0.1"), []byte(`[{"path":"/tmp/x"}]`))
	assert.Equal(t, filedrop.CodeNotStarted, code)
	assert.Equal(t, filedrop.CodeNotStarted, RemoveTransferFile(h, []byte("t"), []byte("f")))
}

func TestVersion(t *testing.T) {
	assert.Equal(t, filedrop.Version, string(Version()))
}
