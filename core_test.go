package nearby

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/nearby/channel"
	"github.com/opd-ai/nearby/config"
	"github.com/opd-ai/nearby/executor"
	"github.com/opd-ai/nearby/factory"
	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/medium"
	"github.com/opd-ai/nearby/medium/sim"
	"github.com/opd-ai/nearby/payload"
	"github.com/opd-ai/nearby/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testService = "com.example.nearby"

// events collects Core callbacks.
type events struct {
	connected    chan string
	payloads     chan *payload.Payload
	disconnected chan string

	mu      sync.Mutex
	updates []transfer.Update
}

func watch(c *Core) *events {
	ev := &events{
		connected:    make(chan string, 4),
		payloads:     make(chan *payload.Payload, 4),
		disconnected: make(chan string, 4),
	}
	c.OnEndpointConnected(func(id string, _ medium.Kind, _ channel.Direction) { ev.connected <- id })
	c.OnPayloadReceived(func(_ string, p *payload.Payload) { ev.payloads <- p })
	c.OnEndpointDisconnected(func(id string, _ error) { ev.disconnected <- id })
	c.OnTransferUpdate(func(_ string, u transfer.Update) {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		ev.updates = append(ev.updates, u)
	})
	return ev
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func newTestCore(t *testing.T, air *sim.Air, name string) *Core {
	t.Helper()
	cfg := config.Default()
	cfg.Payload.ChunkSize = 16
	cfg.Payload.DownloadDir = t.TempDir()

	f := factory.NewMediumFactory(cfg)
	f.SwitchToSimulation(air, name)
	set, err := f.CreateMediumSet()
	require.NoError(t, err)

	c, err := New(cfg, set)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// connectPair advertises on bob, discovers from alice and connects.
func connectPair(t *testing.T, alice, bob *Core) (aliceID string, bobEvents *events) {
	t.Helper()
	bobEvents = watch(bob)
	require.NoError(t, bob.StartAdvertising(medium.WifiLan, testService, "bob"))
	require.NoError(t, bob.StartAcceptingConnections(medium.WifiLan, testService))

	found := make(chan medium.ServiceInfo, 1)
	require.NoError(t, alice.StartDiscovery(medium.WifiLan, testService, medium.DiscoveredServiceCallback{
		OnFound: func(info medium.ServiceInfo) { found <- info },
	}))
	info := receive(t, found)
	assert.Equal(t, "bob", info.Name)

	id, err := alice.Connect(context.Background(), medium.WifiLan, info, testService)
	require.NoError(t, err)
	receive(t, bobEvents.connected)
	return id, bobEvents
}

func TestCoreSendBytes(t *testing.T) {
	air := sim.NewAir()
	alice := newTestCore(t, air, "alice")
	bob := newTestCore(t, air, "bob")
	aliceID, bobEvents := connectPair(t, alice, bob)
	assert.Equal(t, []string{aliceID}, alice.Endpoints())

	data := bytes.Repeat([]byte("0123456789"), 10)
	p := payload.NewBytes(data)
	future, err := alice.SendPayload(aliceID, p)
	require.NoError(t, err)

	got, err := future.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, p.ID(), got)

	received := receive(t, bobEvents.payloads)
	assert.Equal(t, p.ID(), received.ID())
	assert.Equal(t, data, received.Bytes())

	// The final progress report follows the payload callback.
	assert.Eventually(t, func() bool {
		bobEvents.mu.Lock()
		defer bobEvents.mu.Unlock()
		n := len(bobEvents.updates)
		return n > 0 && bobEvents.updates[n-1].State == transfer.StateCompleted &&
			bobEvents.updates[n-1].Transferred == int64(len(data))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCoreSendFile(t *testing.T) {
	air := sim.NewAir()
	alice := newTestCore(t, air, "alice")
	bob := newTestCore(t, air, "bob")
	aliceID, bobEvents := connectPair(t, alice, bob)

	src := filepath.Join(t.TempDir(), "notes.txt")
	content := bytes.Repeat([]byte("file body "), 50)
	require.NoError(t, os.WriteFile(src, content, 0o600))
	p, err := payload.OpenFile(src)
	require.NoError(t, err)

	future, err := alice.SendPayload(aliceID, p)
	require.NoError(t, err)
	_, err = future.Get(context.Background())
	require.NoError(t, err)

	received := receive(t, bobEvents.payloads)
	assert.Equal(t, payload.KindFile, received.Kind())
	assert.Equal(t, "notes.txt", received.FileName())
	landed, err := os.ReadFile(received.FilePath())
	require.NoError(t, err)
	assert.Equal(t, content, landed)
}

func TestCoreSendStream(t *testing.T) {
	air := sim.NewAir()
	alice := newTestCore(t, air, "alice")
	bob := newTestCore(t, air, "bob")
	aliceID, bobEvents := connectPair(t, alice, bob)

	data := bytes.Repeat([]byte("stream"), 40)
	future, err := alice.SendPayload(aliceID, payload.NewStream(io.NopCloser(bytes.NewReader(data))))
	require.NoError(t, err)

	received := receive(t, bobEvents.payloads)
	require.Equal(t, payload.KindStream, received.Kind())
	got, err := io.ReadAll(received.Stream())
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = future.Get(context.Background())
	require.NoError(t, err)
}

func TestCoreDisconnect(t *testing.T) {
	air := sim.NewAir()
	alice := newTestCore(t, air, "alice")
	bob := newTestCore(t, air, "bob")
	aliceEvents := watch(alice)
	aliceID, bobEvents := connectPair(t, alice, bob)

	require.NoError(t, alice.Disconnect(aliceID))
	assert.Equal(t, aliceID, receive(t, aliceEvents.disconnected))
	receive(t, bobEvents.disconnected)

	assert.Eventually(t, func() bool { return len(bob.Endpoints()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.Endpoints())

	_, err := alice.SendPayload(aliceID, payload.NewBytes([]byte("late")))
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
	assert.ErrorIs(t, alice.Disconnect(aliceID), ErrUnknownEndpoint)
}

func TestCoreMediumErrors(t *testing.T) {
	air := sim.NewAir()
	c := newTestCore(t, air, "solo")

	err := c.StartAdvertising(medium.BLE, testService, "solo")
	assert.ErrorIs(t, err, medium.ErrUnavailable, "BLE is not in the set")

	require.NoError(t, c.StartAdvertising(medium.WifiLan, testService, "solo"))
	assert.ErrorIs(t, c.StartAdvertising(medium.WifiLan, testService, "solo"), medium.ErrAlreadyActive)
	c.StopAdvertising(medium.WifiLan, testService)
	require.NoError(t, c.StartAdvertising(medium.WifiLan, testService, "solo"))

	_, err = c.Connect(context.Background(), medium.WifiLan, medium.ServiceInfo{Address: "nobody/WIFI_LAN"}, testService)
	assert.ErrorIs(t, err, sim.ErrNoAcceptor)
	assert.Empty(t, c.Endpoints())
}

func TestCoreClose(t *testing.T) {
	air := sim.NewAir()
	alice := newTestCore(t, air, "alice")
	bob := newTestCore(t, air, "bob")
	aliceEvents := watch(alice)
	aliceID, _ := connectPair(t, alice, bob)

	require.NoError(t, alice.Close())
	assert.Equal(t, aliceID, receive(t, aliceEvents.disconnected))
	assert.NoError(t, alice.Close(), "Close is idempotent")

	assert.ErrorIs(t, alice.StartAdvertising(medium.WifiLan, testService, "alice"), ErrCoreClosed)
	_, err := alice.SendPayload(aliceID, payload.NewBytes([]byte("x")))
	assert.ErrorIs(t, err, ErrCoreClosed)
	assert.Equal(t, 1, air.CallCount("alice/WIFI_LAN", "Close"))
}

// closeRecorder is a stream source that records Close.
type closeRecorder struct {
	io.Reader
	closed chan struct{}
}

func (r *closeRecorder) Close() error {
	close(r.closed)
	return nil
}

func TestCoreSendRejectedByExecutorReleasesPayload(t *testing.T) {
	air := sim.NewAir()
	alice := newTestCore(t, air, "alice")
	bob := newTestCore(t, air, "bob")
	aliceID, _ := connectPair(t, alice, bob)

	alice.exec.Shutdown()

	src := &closeRecorder{Reader: bytes.NewReader([]byte("never sent")), closed: make(chan struct{})}
	f, err := alice.SendPayload(aliceID, payload.NewStream(src))
	require.NoError(t, err)

	_, err = f.Get(context.Background())
	assert.ErrorIs(t, err, executor.ErrShutdown)
	receive(t, src.closed)

	alice.mu.Lock()
	defer alice.mu.Unlock()
	assert.Empty(t, alice.sending)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(config.Default(), nil)
	assert.ErrorIs(t, err, medium.ErrInvalidArgument)

	cfg := config.Default()
	cfg.Payload.ChunkSize = 0
	_, err = New(cfg, medium.NewSet())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestChunkSizeForBLE(t *testing.T) {
	cfg := config.Default()
	cfg.Payload.DownloadDir = t.TempDir()
	c, err := New(cfg, medium.NewSet())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, limits.BLEChunkSize, c.chunkSizeFor(medium.BLE))
	assert.Equal(t, cfg.Payload.ChunkSize, c.chunkSizeFor(medium.WifiLan))
}
