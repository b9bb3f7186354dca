package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLoopbackPair builds a connected client/server Channel pair over a
// real loopback TCP listener, exercising the full Connector handshake
// (spec.md §8 scenario 1: basic round-trip).
func newLoopbackPair(t *testing.T) (client, server *Channel, cleanup func()) {
	t.Helper()

	reactor := NewIOReactor()
	sessionID := NewSessionID()

	serverSession, err := NewServerSession("test-session", sessionID, "127.0.0.1:0", reactor, DefaultConfig())
	require.NoError(t, err)

	serverChannel, err := NewServerChannel(serverSession, "B", "A", reactor, DefaultConfig())
	require.NoError(t, err)

	clientSession := NewClientSession("test-session", sessionID, serverSession.Addr(), reactor, DefaultConfig())
	clientChannel, err := NewClientChannel(clientSession, "A", "B", reactor, DefaultConfig())
	require.NoError(t, err)

	ok, err := clientChannel.WaitForConnection(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = serverChannel.WaitForConnection(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	return clientChannel, serverChannel, func() {
		serverSession.Close()
		reactor.Close()
	}
}

func TestBasicRoundTrip(t *testing.T) {
	client, server, cleanup := newLoopbackPair(t)
	defer cleanup()

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	sendDone := make(chan struct{})
	client.Send(NewSendOp(payload, func(err error, n int) {
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		close(sendDone)
	}))

	recvBuf := make([]byte, len(payload))
	recvDone := make(chan struct{})
	server.Recv(NewRecvOp(recvBuf, func(err error, n int) {
		require.NoError(t, err)
		assert.Equal(t, len(payload), n)
		close(recvDone)
	}))

	select {
	case <-sendDone:
	case <-time.After(2 * time.Second):
		t.Fatal("send did not complete")
	}
	select {
	case <-recvDone:
	case <-time.After(2 * time.Second):
		t.Fatal("recv did not complete")
	}

	assert.Equal(t, payload, recvBuf)
	assert.EqualValues(t, len(payload), client.GetTotalDataSent())
	assert.EqualValues(t, len(payload), server.GetTotalDataRecv())
}

func TestPreConnectEnqueueOrdering(t *testing.T) {
	// spec.md §8 scenario 2: ops enqueued before the handshake completes
	// must still complete in enqueue order once it does.
	reactor := NewIOReactor()
	sessionID := NewSessionID()

	serverSession, err := NewServerSession("order-session", sessionID, "127.0.0.1:0", reactor, DefaultConfig())
	require.NoError(t, err)
	defer serverSession.Close()
	defer reactor.Close()

	serverChannel, err := NewServerChannel(serverSession, "B", "A", reactor, DefaultConfig())
	require.NoError(t, err)

	clientSession := NewClientSession("order-session", sessionID, serverSession.Addr(), reactor, DefaultConfig())
	clientChannel, err := NewClientChannel(clientSession, "A", "B", reactor, DefaultConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	const n = 10
	doneCh := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		i := i
		clientChannel.Send(NewSendOp([]byte{byte(i)}, func(err error, _ int) {
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			doneCh <- struct{}{}
		}))
	}

	for i := 0; i < n; i++ {
		select {
		case <-doneCh:
		case <-time.After(3 * time.Second):
			t.Fatal("send ops did not all complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "send completions must fire in enqueue order")
	}

	ok, err := serverChannel.WaitForConnection(2 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClientRetriesAgainstClosedPortThenConnects(t *testing.T) {
	// spec.md §8 scenario 4: client created before the server starts
	// listening must retry until the server comes up.
	reactor := NewIOReactor()
	defer reactor.Close()
	sessionID := NewSessionID()

	// Reserve a port, then release it immediately so the client dials a
	// closed port at first.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 30 * time.Millisecond

	clientSession := NewClientSession("race-session", sessionID, addr, reactor, cfg)
	clientChannel, err := NewClientChannel(clientSession, "A", "B", reactor, cfg)
	require.NoError(t, err)

	assert.False(t, clientChannel.IsConnected())

	time.Sleep(100 * time.Millisecond)

	serverSession, err := NewServerSession("race-session", sessionID, addr, reactor, cfg)
	require.NoError(t, err)
	defer serverSession.Close()

	serverChannel, err := NewServerChannel(serverSession, "B", "A", reactor, cfg)
	require.NoError(t, err)

	ok, err := clientChannel.WaitForConnection(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, clientChannel.IsConnected())

	ok, err = serverChannel.WaitForConnection(5 * time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCancelDuringRetry(t *testing.T) {
	// spec.md §8 scenario 5: cancel while retrying against a closed port.
	reactor := NewIOReactor()
	defer reactor.Close()
	sessionID := NewSessionID()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := DefaultConfig()
	cfg.InitialBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 30 * time.Millisecond

	clientSession := NewClientSession("cancel-session", sessionID, addr, reactor, cfg)
	clientChannel, err := NewClientChannel(clientSession, "A", "B", reactor, cfg)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	clientChannel.Cancel()
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 500*time.Millisecond, "cancel should return promptly")

	_, err = clientChannel.WaitForConnection(WaitForever)
	require.Error(t, err)
	var connErr *SocketConnectError
	assert.ErrorAs(t, err, &connErr)

	assert.Equal(t, StatusCancelled, clientChannel.Status())
}

func TestGracefulCloseDrainsPendingSends(t *testing.T) {
	// spec.md §8 scenario 6: 10 queued sends all complete before the
	// close rendezvous fires; a second close is idempotent.
	client, server, cleanup := newLoopbackPair(t)
	defer cleanup()

	const n = 10
	var completed int32
	var mu sync.Mutex
	recvCount := 0

	for i := 0; i < n; i++ {
		server.Recv(NewRecvOp(make([]byte, 1), func(err error, _ int) {
			if err == nil {
				mu.Lock()
				recvCount++
				mu.Unlock()
			}
		}))
	}

	doneCh := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		client.Send(NewSendOp([]byte{byte(i)}, func(err error, _ int) {
			require.NoError(t, err)
			doneCh <- struct{}{}
		}))
	}

	closeDone := make(chan struct{})
	client.AsyncClose(func() { close(closeDone); atomic_incr(&completed) })

	for i := 0; i < n; i++ {
		select {
		case <-doneCh:
		case <-time.After(3 * time.Second):
			t.Fatal("not all sends completed before close")
		}
	}
	select {
	case <-closeDone:
	case <-time.After(3 * time.Second):
		t.Fatal("asyncClose did not fire")
	}

	// Second close is idempotent: done still fires, immediately.
	secondDone := make(chan struct{})
	client.AsyncClose(func() { close(secondDone) })
	select {
	case <-secondDone:
	case <-time.After(1 * time.Second):
		t.Fatal("second asyncClose did not fire done")
	}

	assert.Equal(t, StatusClosed, client.Status())
}

func atomic_incr(p *int32) { atomic.AddInt32(p, 1) }

func TestByteAccounting(t *testing.T) {
	client, server, cleanup := newLoopbackPair(t)
	defer cleanup()

	total := 0
	const n = 5
	doneCh := make(chan struct{}, n)
	for i := 1; i <= n; i++ {
		buf := make([]byte, i)
		total += i
		client.Send(NewSendOp(buf, func(err error, bn int) {
			require.NoError(t, err)
			doneCh <- struct{}{}
		}))
		server.Recv(NewRecvOp(make([]byte, i), func(err error, _ int) {}))
	}
	for i := 0; i < n; i++ {
		<-doneCh
	}

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, total, client.GetTotalDataSent())
	assert.EqualValues(t, total, server.GetTotalDataRecv())
}

func TestCancelAfterConnectedDoesNotRaceSocket(t *testing.T) {
	// Connector.cancel() must be a no-op once the connect handshake has
	// already completed, so it cannot nil out core.socket out from under
	// an in-flight pipeline op driven on a different strand.
	client, server, cleanup := newLoopbackPair(t)
	defer cleanup()

	require.True(t, client.IsConnected())

	client.Cancel()

	assert.Equal(t, StatusCancelled, client.Status())
	// The connector's own error state must still reflect the successful
	// handshake, not a spurious post-hoc cancellation.
	assert.True(t, client.core.connector.complete)
	assert.NoError(t, client.core.connector.err)
}
