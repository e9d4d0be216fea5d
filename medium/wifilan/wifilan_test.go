package wifilan

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/nearby/medium"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testService = "com.example.lan"

func loopbackConfig() Config {
	return Config{
		DiscoveryListenAddr: "127.0.0.1:0",
		AcceptListenAddr:    "127.0.0.1:0",
		AnnounceInterval:    50 * time.Millisecond,
		ServiceTTL:          400 * time.Millisecond,
		PreambleTimeout:     time.Second,
	}
}

func TestLoopbackDiscoveryAndConnect(t *testing.T) {
	bobRadio := New(loopbackConfig())
	bob := medium.New(medium.WifiLan, bobRadio)
	defer bob.Close()

	found := make(chan medium.ServiceInfo, 4)
	lost := make(chan medium.ServiceInfo, 4)
	require.NoError(t, bob.StartDiscovery(testService, medium.DiscoveredServiceCallback{
		OnFound: func(info medium.ServiceInfo) { found <- info },
		OnLost:  func(info medium.ServiceInfo) { lost <- info },
	}))
	discoveryAddr := bobRadio.DiscoveryAddr()
	require.NotNil(t, discoveryAddr)

	aliceCfg := loopbackConfig()
	aliceCfg.AnnounceTargets = []string{discoveryAddr.String()}
	aliceRadio := New(aliceCfg)
	alice := medium.New(medium.WifiLan, aliceRadio)
	defer alice.Close()

	accepted := make(chan medium.Socket, 1)
	require.NoError(t, alice.StartAcceptingConnections(testService, func(_ string, s medium.Socket) {
		accepted <- s
	}))
	require.NoError(t, alice.StartAdvertising(testService, medium.ServiceInfo{Name: "alice"}))

	var info medium.ServiceInfo
	select {
	case info = <-found:
	case <-time.After(3 * time.Second):
		t.Fatal("advertisement not discovered")
	}
	assert.Equal(t, "alice", info.Name)
	assert.Equal(t, testService, info.ServiceID)

	_, port, err := net.SplitHostPort(info.Address)
	require.NoError(t, err)
	_, acceptPort, err := net.SplitHostPort(aliceRadio.AcceptAddr().String())
	require.NoError(t, err)
	assert.Equal(t, acceptPort, port)

	sock, err := bob.Connect(context.Background(), info, testService)
	require.NoError(t, err)
	defer sock.Close()
	assert.Equal(t, medium.WifiLan, sock.Kind())

	var remote medium.Socket
	select {
	case remote = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatal("connection not accepted")
	}
	defer remote.Close()

	_, err = sock.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	alice.StopAdvertising(testService)
	select {
	case l := <-lost:
		assert.Equal(t, "alice", l.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("goodbye not reported as lost")
	}
}

func TestServiceExpiresWithoutAnnouncements(t *testing.T) {
	radio := New(loopbackConfig())
	lost := make(chan medium.ServiceInfo, 1)
	found := make(chan medium.ServiceInfo, 1)
	require.NoError(t, radio.StartDiscovery(testService, medium.DiscoveredServiceCallback{
		OnFound: func(info medium.ServiceInfo) { found <- info },
		OnLost:  func(info medium.ServiceInfo) { lost <- info },
	}))
	defer radio.Close()

	// A single announcement that is never refreshed.
	pkt := announcement{flags: flagAnnounce, port: 1234, instance: [instanceIDSize]byte{9}, serviceID: testService, name: "ghost"}
	data, err := pkt.marshal()
	require.NoError(t, err)
	conn, err := net.Dial("udp4", radio.DiscoveryAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(data)
	require.NoError(t, err)

	select {
	case info := <-found:
		assert.Equal(t, "ghost", info.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("announcement not seen")
	}
	select {
	case info := <-lost:
		assert.Equal(t, "ghost", info.Name)
	case <-time.After(3 * time.Second):
		t.Fatal("silent service never expired")
	}
}

func TestAcceptRejectsOtherServices(t *testing.T) {
	radio := New(loopbackConfig())
	defer radio.Close()

	accepted := make(chan medium.Socket, 1)
	require.NoError(t, radio.StartAcceptingConnections(testService, func(_ string, s medium.Socket) {
		accepted <- s
	}))

	remote := medium.ServiceInfo{Address: radio.AcceptAddr().String()}
	sock, err := radio.Connect(context.Background(), remote, "some.other.service")
	require.NoError(t, err)
	defer sock.Close()

	// The acceptor hangs up without handing the socket over.
	buf := make([]byte, 1)
	_, err = sock.Read(buf)
	assert.Error(t, err)
	select {
	case <-accepted:
		t.Fatal("socket for another service was accepted")
	default:
	}
}

func TestConnectFailsForUnreachablePeer(t *testing.T) {
	radio := New(loopbackConfig())
	defer radio.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = radio.Connect(context.Background(), medium.ServiceInfo{Address: addr}, testService)
	assert.Error(t, err)

	_, err = radio.Connect(context.Background(), medium.ServiceInfo{}, testService)
	assert.ErrorIs(t, err, medium.ErrInvalidArgument)
}

func TestCloseInvalidatesRadio(t *testing.T) {
	radio := New(loopbackConfig())
	require.NoError(t, radio.StartAcceptingConnections(testService, func(string, medium.Socket) {}))
	require.NoError(t, radio.Close())
	assert.False(t, radio.IsValid())
	assert.Nil(t, radio.AcceptAddr())
}

func TestRepeatedAnnouncementsReportOnce(t *testing.T) {
	var found, lost []medium.ServiceInfo
	d := &discoverer{
		cfg:       loopbackConfig(),
		self:      [instanceIDSize]byte{9},
		serviceID: testService,
		callback: medium.DiscoveredServiceCallback{
			OnFound: func(info medium.ServiceInfo) { found = append(found, info) },
			OnLost:  func(info medium.ServiceInfo) { lost = append(lost, info) },
		},
		seen: make(map[[instanceIDSize]byte]*seenService),
	}
	peer := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	pkt := announcement{
		flags:     flagAnnounce,
		port:      40001,
		instance:  [instanceIDSize]byte{1},
		serviceID: testService,
		name:      "bob",
	}
	data, err := pkt.marshal()
	require.NoError(t, err)

	now := time.Now()
	d.handlePacket(data, peer, now)
	d.handlePacket(data, peer, now.Add(10*time.Millisecond))
	require.Len(t, found, 1)
	assert.Empty(t, lost)
	assert.Equal(t, "127.0.0.1:40001", found[0].Address)

	pkt.name = "bob renamed"
	data, err = pkt.marshal()
	require.NoError(t, err)
	d.handlePacket(data, peer, now.Add(20*time.Millisecond))
	require.Len(t, found, 2)
	require.Len(t, lost, 1)
	assert.Equal(t, "bob", lost[0].Name)
	assert.Equal(t, "bob renamed", found[1].Name)
}
