package channel

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/nearby/limits"
	"github.com/opd-ai/nearby/medium"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	sa, sb, _ := socketPair(medium.WifiLan)
	out := CreateOutgoing("alice", sa)
	in := CreateIncoming("bob", sb)
	defer out.Close()
	defer in.Close()

	assert.Equal(t, Outgoing, out.Direction())
	assert.Equal(t, Incoming, in.Direction())
	assert.Equal(t, medium.WifiLan, in.Medium())
	assert.Equal(t, "bob", in.Name())

	frames := [][]byte{
		[]byte("x"),
		[]byte("hello, nearby"),
		make([]byte, 64*1024),
	}
	frames[2][100] = 7

	errCh := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := out.Write(f); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for _, want := range frames {
		got, err := in.Read()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	require.NoError(t, <-errCh)

	assert.False(t, in.LastReadTime().IsZero())
	assert.False(t, out.LastWriteTime().IsZero())
	assert.True(t, in.LastWriteTime().IsZero())
}

func TestWriteRejectsBadFrames(t *testing.T) {
	sa, _, _ := socketPair(medium.WifiLan)
	c := CreateOutgoing("a", sa, WithMaxFrameSize(16))
	defer c.Close()

	err := c.Write(make([]byte, 17))
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	err = c.Write(nil)
	assert.ErrorIs(t, err, ErrFrameEmpty)
}

func TestReadRejectsOversizedFrameAndStaysFailed(t *testing.T) {
	sa, sb, _ := socketPair(medium.BluetoothClassic)
	in := CreateIncoming("b", sb)
	defer in.Close()
	defer sa.Close()

	go func() {
		var header [limits.FrameLengthPrefix]byte
		binary.BigEndian.PutUint32(header[:], limits.MaxFrameSize+1)
		_, _ = sa.Write(header[:])
	}()

	_, err := in.Read()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	var chErr *Error
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, "read", chErr.Op)
	assert.Equal(t, medium.BluetoothClassic, chErr.Medium)

	_, again := in.Read()
	assert.Same(t, err, again, "terminal read error must be sticky")
}

func TestPeerCloseIsReportedAsEOF(t *testing.T) {
	sa, sb, _ := socketPair(medium.WifiLan)
	in := CreateIncoming("b", sb)
	defer in.Close()

	require.NoError(t, sa.Close())

	_, err := in.Read()
	assert.ErrorIs(t, err, io.EOF)
	assert.False(t, errors.Is(err, ErrChannelClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	sa, _, conn := socketPair(medium.WifiDirect)
	c := CreateOutgoing("a", sa)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()
	c.Close()

	assert.True(t, c.IsClosed())
	assert.Equal(t, int32(1), conn.closes.Load())
}

func TestIOAfterCloseFails(t *testing.T) {
	sa, _, _ := socketPair(medium.WifiLan)
	c := CreateOutgoing("a", sa)
	c.Close()

	_, err := c.Read()
	assert.ErrorIs(t, err, ErrChannelClosed)

	err = c.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrChannelClosed)

	var chErr *Error
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, "write", chErr.Op)
	assert.Contains(t, chErr.Error(), "WIFI_LAN")
}

func TestCloseUnblocksPendingRead(t *testing.T) {
	_, sb, _ := socketPair(medium.WifiLan)
	in := CreateIncoming("b", sb)

	done := make(chan error, 1)
	go func() {
		_, err := in.Read()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	in.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
}

func TestPauseHoldsWritesUntilResume(t *testing.T) {
	sa, sb, _ := socketPair(medium.WifiLan)
	out := CreateOutgoing("a", sa)
	in := CreateIncoming("b", sb)
	defer out.Close()
	defer in.Close()

	out.Pause()
	assert.True(t, out.IsPaused())

	written := make(chan error, 1)
	go func() { written <- out.Write([]byte("held")) }()

	select {
	case <-written:
		t.Fatal("write completed while paused")
	case <-time.After(30 * time.Millisecond):
	}

	out.Resume()
	got, err := in.Read()
	require.NoError(t, err)
	assert.Equal(t, "held", string(got))
	assert.NoError(t, <-written)
}

func TestCloseReleasesPausedWrite(t *testing.T) {
	sa, _, _ := socketPair(medium.WifiLan)
	out := CreateOutgoing("a", sa)
	out.Pause()

	written := make(chan error, 1)
	go func() { written <- out.Write([]byte("never")) }()

	time.Sleep(20 * time.Millisecond)
	out.Close()

	select {
	case err := <-written:
		assert.ErrorIs(t, err, ErrChannelClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("paused Write did not return after Close")
	}
}
