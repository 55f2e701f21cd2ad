package filedrop

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/filedrop/bridge"
	"github.com/opd-ai/filedrop/crypto"
	"github.com/opd-ai/filedrop/hostvm"
)

// eventSink records event callback payloads.
type eventSink struct {
	mu     sync.Mutex
	events []string
}

func (s *eventSink) HandleEvent(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, payload)
}

func (s *eventSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// typed returns the decoded events of one type, in arrival order.
func (s *eventSink) typed(eventType string) []map[string]any {
	var out []map[string]any
	for _, raw := range s.snapshot() {
		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if json.Unmarshal([]byte(raw), &ev) != nil || ev.Type != eventType {
			continue
		}
		var data map[string]any
		if json.Unmarshal(ev.Data, &data) == nil {
			out = append(out, data)
		}
	}
	return out
}

type logSink struct{}

func (logSink) HandleLog(level int, message string) {}

// keyDirectory answers pubkey lookups from a fixed table.
type keyDirectory struct {
	own   []byte
	peers map[string][]byte
}

func (k *keyDirectory) HandlePubkey(ip string, pubkey []byte) int {
	if ip == "" {
		copy(pubkey, k.own)
		return 0
	}
	key, ok := k.peers[ip]
	if !ok {
		return 1
	}
	copy(pubkey, key)
	return 0
}

// testHost is one side of a loopback pair.
type testHost struct {
	instance *Instance
	events   *eventSink
	vm       *hostvm.VM
}

func newTestHost(t *testing.T, keys *crypto.KeyPair, peers map[string][]byte) *testHost {
	t.Helper()

	sink := &eventSink{}
	vm := hostvm.New()
	inst, err := New(Options{
		Runtime:    vm,
		Event:      bridge.Registration{Context: sink},
		Logger:     bridge.Registration{Context: logSink{}},
		Pubkey:     bridge.Registration{Context: &keyDirectory{own: keys.Public[:], peers: peers}},
		LogLevel:   bridge.LevelInfo,
		PrivateKey: keys.Private[:],
	})
	require.NoError(t, err)
	t.Cleanup(inst.Destroy)
	return &testHost{instance: inst, events: sink, vm: vm}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNewInvalidPrivateKey(t *testing.T) {
	vm := hostvm.New()
	opts := Options{
		Runtime:    vm,
		Event:      bridge.Registration{Context: &eventSink{}},
		Logger:     bridge.Registration{Context: logSink{}},
		Pubkey:     bridge.Registration{Context: &keyDirectory{}},
		PrivateKey: []byte{1, 2, 3},
	}
	_, err := New(opts)
	assert.Equal(t, CodeInvalidPrivkey, CodeOf(err))

	opts.PrivateKey = make([]byte, crypto.KeySize)
	_, err = New(opts)
	assert.Equal(t, CodeInvalidPrivkey, CodeOf(err), "all-zero key is unusable")
}

func TestNewUnresolvableCallbackAbortsConstruction(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = New(Options{
		Runtime:    hostvm.New(),
		Event:      bridge.Registration{Context: struct{}{}},
		Logger:     bridge.Registration{Context: logSink{}},
		Pubkey:     bridge.Registration{Context: &keyDirectory{}},
		PrivateKey: keys.Private[:],
	})
	require.Error(t, err)
	assert.True(t, bridge.IsKind(err, bridge.MethodNotResolved))
}

func TestStartErrors(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	host := newTestHost(t, keys, nil)

	err = host.instance.Start("127.0.0.1:0", "{not json")
	assert.Equal(t, CodeJsonParse, CodeOf(err))

	err = host.instance.Start("not an address::::", "{}")
	assert.Equal(t, CodeBadInput, CodeOf(err))

	require.NoError(t, host.instance.Start("127.0.0.1:0", "{}"))
	err = host.instance.Start("127.0.0.1:0", "{}")
	assert.Equal(t, CodeInstanceStart, CodeOf(err), "double start")

	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	second := newTestHost(t, other, nil)
	err = second.instance.Start(host.instance.ListenAddr(), "{}")
	assert.Equal(t, CodeAddrInUse, CodeOf(err))

	require.NoError(t, host.instance.Stop())
}

func TestStopWithoutStart(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	host := newTestHost(t, keys, nil)

	err = host.instance.Stop()
	assert.Equal(t, CodeNotStarted, CodeOf(err))
	_, err = host.instance.NewTransfer("127.0.0.1", `[{"path":"/tmp/x"}]`)
	assert.Equal(t, CodeNotStarted, CodeOf(err))
}

func TestDestroyLogsShutdown(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	host := newTestHost(t, keys, nil)
	hook := logtest.NewLocal(host.instance.log)
	require.NoError(t, host.instance.Start("127.0.0.1:0", "{}"))

	host.instance.Destroy()

	var stopped bool
	for _, e := range hook.AllEntries() {
		if e.Message == "instance stopped" {
			stopped = true
		}
		assert.NotEqual(t, logrus.ErrorLevel, e.Level,
			"a clean destroy must not report a stop failure: %s", e.Message)
	}
	assert.True(t, stopped, "destroy routes through Stop and records the shutdown")
}

func TestDestroyIsIdempotent(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	host := newTestHost(t, keys, nil)
	require.NoError(t, host.instance.Start("127.0.0.1:0", "{}"))

	host.instance.Destroy()
	host.instance.Destroy()

	assert.Equal(t, host.vm.AttachTotal(), host.vm.DetachTotal(),
		"no attachment may leak across destroy")
}

func TestLoopbackTransferScenario(t *testing.T) {
	senderKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	receiverKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	sender := newTestHost(t, senderKeys, map[string][]byte{"127.0.0.1": receiverKeys.Public[:]})
	receiver := newTestHost(t, receiverKeys, map[string][]byte{"127.0.0.1": senderKeys.Public[:]})

	require.NoError(t, sender.instance.Start("127.0.0.1:0", "{}"))
	require.NoError(t, receiver.instance.Start("127.0.0.1:0", "{}"))

	payload := []byte("forty two bytes of entirely test payload")
	src := filepath.Join(t.TempDir(), "sample.bin")
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	transferID, err := sender.instance.NewTransfer(
		receiver.instance.ListenAddr(),
		fmt.Sprintf(`[{"path":%q}]`, src),
	)
	require.NoError(t, err)
	_, err = uuid.Parse(transferID)
	require.NoError(t, err, "transfer ID should be a well-formed UUID")

	// The sender announces the queued transfer with its files pending.
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.events.typed("RequestQueued")) > 0
	}, "RequestQueued on sender")
	queued := sender.events.typed("RequestQueued")[0]
	assert.Equal(t, transferID, queued["transfer"])
	files := queued["files"].([]any)
	require.Len(t, files, 1)
	fileInfo := files[0].(map[string]any)
	assert.Equal(t, "pending", fileInfo["state"])
	fileID := fileInfo["id"].(string)

	// The receiver sees the same transfer offered.
	waitFor(t, 5*time.Second, func() bool {
		return len(receiver.events.typed("RequestReceived")) > 0
	}, "RequestReceived on receiver")
	received := receiver.events.typed("RequestReceived")[0]
	assert.Equal(t, transferID, received["transfer"])

	dest := filepath.Join(t.TempDir(), "sample.out")
	require.NoError(t, receiver.instance.Download(transferID, fileID, dest))

	// Pending precedes started on both sides.
	waitFor(t, 5*time.Second, func() bool {
		return len(sender.events.typed("TransferStarted")) > 0 &&
			len(receiver.events.typed("TransferStarted")) > 0
	}, "TransferStarted on both sides")
	started := receiver.events.typed("TransferStarted")[0]
	assert.Equal(t, transferID, started["transfer"])
	assert.Equal(t, "started", started["state"])

	waitFor(t, 5*time.Second, func() bool {
		return len(receiver.events.typed("TransferFinished")) > 0
	}, "FileDownloaded on receiver")
	finished := receiver.events.typed("TransferFinished")[0]
	assert.Equal(t, "FileDownloaded", finished["reason"])

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	waitFor(t, 5*time.Second, func() bool {
		for _, f := range sender.events.typed("TransferFinished") {
			if f["reason"] == "FileUploaded" {
				return true
			}
		}
		return false
	}, "FileUploaded on sender")

	// History reflects the exchange on both sides.
	history, err := receiver.instance.TransfersSince(0)
	require.NoError(t, err)
	assert.Contains(t, history, transferID)

	require.NoError(t, sender.instance.Stop())
	require.NoError(t, receiver.instance.Stop())

	assert.Equal(t, sender.vm.AttachTotal(), sender.vm.DetachTotal())
	assert.Equal(t, receiver.vm.AttachTotal(), receiver.vm.DetachTotal())
}

func TestFailedDownloadLeavesNoDestinationFile(t *testing.T) {
	senderKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	receiverKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	sender := newTestHost(t, senderKeys, map[string][]byte{"127.0.0.1": receiverKeys.Public[:]})
	receiver := newTestHost(t, receiverKeys, map[string][]byte{"127.0.0.1": senderKeys.Public[:]})

	require.NoError(t, sender.instance.Start("127.0.0.1:0", "{}"))
	require.NoError(t, receiver.instance.Start("127.0.0.1:0", "{}"))

	src := filepath.Join(t.TempDir(), "vanishing.bin")
	require.NoError(t, os.WriteFile(src, []byte("gone soon"), 0o600))

	transferID, err := sender.instance.NewTransfer(
		receiver.instance.ListenAddr(),
		fmt.Sprintf(`[{"path":%q}]`, src),
	)
	require.NoError(t, err)

	waitFor(t, 5*time.Second, func() bool {
		return len(receiver.events.typed("RequestReceived")) > 0
	}, "RequestReceived on receiver")
	received := receiver.events.typed("RequestReceived")[0]
	fileID := received["files"].([]any)[0].(map[string]any)["id"].(string)

	// The source disappears before the download request, so the sender
	// answers with a failure instead of chunks.
	require.NoError(t, os.Remove(src))

	dest := filepath.Join(t.TempDir(), "vanishing.out")
	require.NoError(t, receiver.instance.Download(transferID, fileID, dest))

	waitFor(t, 5*time.Second, func() bool {
		for _, f := range receiver.events.typed("TransferFinished") {
			if f["reason"] == "FileFailed" {
				return true
			}
		}
		return false
	}, "FileFailed on receiver")

	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err), "aborted download must not leave a destination file")

	// A download for a file that is not part of the transfer creates
	// nothing either.
	bogus := filepath.Join(t.TempDir(), "bogus.out")
	require.NoError(t, receiver.instance.Download(transferID, "no-such-file", bogus))
	time.Sleep(200 * time.Millisecond)
	_, err = os.Stat(bogus)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, sender.instance.Stop())
	require.NoError(t, receiver.instance.Stop())
}

func TestPurgeSubsetProperty(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	host := newTestHost(t, keys, nil)
	require.NoError(t, host.instance.Start("127.0.0.1:0", "{}"))
	defer host.instance.Stop()

	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o600))
	// Peer key lookups fail here; the transfer still enters the history.
	_, err = host.instance.NewTransfer("127.0.0.1", fmt.Sprintf(`[{"path":%q}]`, src))
	require.NoError(t, err)

	before, err := host.instance.TransfersSince(0)
	require.NoError(t, err)
	require.NoError(t, host.instance.PurgeTransfersUntil(time.Now().Unix()+10))
	after, err := host.instance.TransfersSince(0)
	require.NoError(t, err)

	var beforeIDs, afterIDs []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(before), &beforeIDs))
	require.NoError(t, json.Unmarshal([]byte(after), &afterIDs))

	known := make(map[string]bool)
	for _, tr := range beforeIDs {
		known[tr.ID] = true
	}
	for _, tr := range afterIDs {
		assert.True(t, known[tr.ID], "purge must only remove transfers")
	}
	assert.Empty(t, afterIDs)
}

func TestTransfersSinceFuture(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	host := newTestHost(t, keys, nil)
	require.NoError(t, host.instance.Start("127.0.0.1:0", "{}"))
	defer host.instance.Stop()

	history, err := host.instance.TransfersSince(time.Now().Unix() + 3600)
	require.NoError(t, err)
	assert.Equal(t, "[]", history)
}
