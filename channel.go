package channel

import (
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Status is the coarse state label of spec.md §3.
type Status int32

const (
	StatusNormal Status = iota
	StatusClosing
	StatusCancelling
	StatusClosed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusClosing:
		return "closing"
	case StatusCancelling:
		return "cancelling"
	case StatusClosed:
		return "closed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) stopped() bool {
	return s == StatusClosing || s == StatusCancelling || s == StatusClosed || s == StatusCancelled
}

// WaitForever tells WaitForConnection to block indefinitely.
const WaitForever time.Duration = -1

// channelCore is the root object described in spec.md §3, reference-shared
// between the user-facing Channel handle and every callback posted on its
// behalf (Go's garbage collector gives us that sharing for free; each
// closure captures core directly).
type channelCore struct {
	localName, remoteName string
	session               *Session
	reactor               *IOReactor
	config                *Config

	// socket becomes non-nil exactly once (set by the Connector on success,
	// or immediately for a raw-socket Channel) and is cleared on close.
	socket *streamSocket

	sendStrand      *strandExecutor
	recvStrand      *strandExecutor
	connectorStrand *strandExecutor

	sendPipeline *pipeline
	recvPipeline *pipeline

	connector *connector // nil for a Channel built from an already-connected socket

	closeCount    int32
	closeOnce     sync.Once
	closeCallback func()
	closeDone     chan struct{}

	statusMu sync.Mutex
	status   Status
}

// Channel is the user-facing handle onto a bidirectional, reliable, ordered
// message pipe. Construct with NewClientChannel, NewServerChannel, or
// NewChannelFromConn.
type Channel struct {
	core *channelCore
}

func newChannelCore(session *Session, localName, remoteName string, reactor *IOReactor, config *Config) *channelCore {
	core := &channelCore{
		localName:  localName,
		remoteName: remoteName,
		session:    session,
		reactor:    reactor,
		config:     config,
		status:     StatusNormal,
		closeDone:  make(chan struct{}),
	}
	core.sendStrand = newStrand(reactor)
	core.recvStrand = newStrand(reactor)
	core.connectorStrand = newStrand(reactor)
	core.sendPipeline = newPipeline(core, core.sendStrand, "send")
	core.recvPipeline = newPipeline(core, core.recvStrand, "recv")
	return core
}

func validateNames(localName, remoteName string) error {
	if strings.ContainsRune(localName, '`') || strings.ContainsRune(remoteName, '`') {
		return ErrNameHasSeparator
	}
	return nil
}

// NewClientChannel constructs a Channel that dials session.RemoteAddr,
// performs the client handshake, and only then begins draining any ops
// enqueued ahead of connection completion (spec.md §4.4 Construction
// (Client)).
func NewClientChannel(session *Session, localName, remoteName string, reactor *IOReactor, config *Config) (*Channel, error) {
	if config == nil {
		config = session.config
	}
	if err := config.Verify(); err != nil {
		return nil, errors.Wrap(err, "channel: invalid config")
	}
	if err := validateNames(localName, remoteName); err != nil {
		return nil, err
	}

	core := newChannelCore(session, localName, remoteName, reactor, config)
	core.connector = newConnector(core, modeClient)

	core.connector.start()
	core.sendPipeline.Enqueue(&startSocketOp{forSend: true})
	core.recvPipeline.Enqueue(&startSocketOp{forSend: false})

	return &Channel{core: core}, nil
}

// NewServerChannel constructs a Channel that registers with session's
// Acceptor and waits for a matching incoming connection (spec.md §4.4
// Construction (Server)).
func NewServerChannel(session *Session, localName, remoteName string, reactor *IOReactor, config *Config) (*Channel, error) {
	if config == nil {
		config = session.config
	}
	if err := config.Verify(); err != nil {
		return nil, errors.Wrap(err, "channel: invalid config")
	}
	if err := validateNames(localName, remoteName); err != nil {
		return nil, err
	}
	if session.acceptor == nil {
		return nil, errors.New("channel: server channel requires a Session with an Acceptor")
	}

	core := newChannelCore(session, localName, remoteName, reactor, config)
	core.connector = newConnector(core, modeServer)

	core.connector.start()
	core.sendPipeline.Enqueue(&startSocketOp{forSend: true})
	core.recvPipeline.Enqueue(&startSocketOp{forSend: false})

	return &Channel{core: core}, nil
}

// NewChannelFromConn seeds a Channel with an already-connected socket: no
// Connector is installed, and both pipelines start idle and ready
// immediately (spec.md §4.4 Construction (raw socket)).
func NewChannelFromConn(conn net.Conn, reactor *IOReactor, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	core := newChannelCore(nil, "", "", reactor, config)
	core.socket = newStreamSocket(conn)
	return &Channel{core: core}
}

// Send enqueues op onto the send pipeline and returns immediately.
// Completion is delivered through op's own callback.
func (c *Channel) Send(op SendOperation) {
	c.core.sendPipeline.Enqueue(op)
}

// Recv enqueues op onto the recv pipeline and returns immediately.
// Completion is delivered through op's own callback.
func (c *Channel) Recv(op RecvOperation) {
	c.core.recvPipeline.Enqueue(op)
}

// IsConnected is true iff there is no Connector, or the Connector has
// completed without error.
func (c *Channel) IsConnected() bool {
	if c.core.connector == nil {
		return true
	}
	return c.core.connector.isConnected()
}

// WaitForConnection blocks the calling goroutine up to timeout (or
// indefinitely, if timeout == WaitForever). Returns true on success, false
// on timeout, and a *SocketConnectError on terminal connect failure.
func (c *Channel) WaitForConnection(timeout time.Duration) (bool, error) {
	if c.core.connector == nil {
		return true, nil
	}

	result := make(chan error, 1)
	c.core.connector.addWaiter(func(err error) { result <- err })

	if timeout == WaitForever {
		if err := <-result; err != nil {
			return false, &SocketConnectError{Err: err}
		}
		return true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			return false, &SocketConnectError{Err: err}
		}
		return true, nil
	case <-timer.C:
		return false, nil
	}
}

// OnConnect registers handle to fire once with the connect result, or
// immediately with success if there is no Connector.
func (c *Channel) OnConnect(handle func(err error)) {
	if c.core.connector == nil {
		c.core.reactor.Post(func() { handle(nil) })
		return
	}
	c.core.connector.addWaiter(handle)
}

// installCloseCallback wires the rendezvous callback that fires exactly
// once, after both pipelines have drained through their CloseOp, updating
// status and releasing the socket.
func (core *channelCore) installCloseCallback(done func()) {
	core.closeCallback = func() {
		core.closeOnce.Do(func() {
			core.statusMu.Lock()
			if core.status == StatusCancelling {
				core.status = StatusCancelled
			} else {
				core.status = StatusClosed
			}
			core.statusMu.Unlock()

			if core.socket != nil {
				core.socket.close()
				core.socket = nil
			}
			close(core.closeDone)
			if done != nil {
				done()
			}
		})
	}
}

// noteCloseArrival implements the closeCount rendezvous of spec.md §4.3:
// the pipeline that observes the post-increment value 2 (the second side to
// finish draining) fires closeCallback.
func (core *channelCore) noteCloseArrival() {
	if atomic.AddInt32(&core.closeCount, 1) == 2 {
		if core.closeCallback != nil {
			core.closeCallback()
		}
	}
}

// AsyncClose gracefully drains all already-enqueued ops, then invokes done
// exactly once. A second call on an already-closing/closed/cancelling
// channel logs a warning and invokes done immediately.
func (c *Channel) AsyncClose(done func()) {
	core := c.core

	core.statusMu.Lock()
	if core.status.stopped() {
		already := core.status
		core.statusMu.Unlock()
		logger.Warnw("AsyncClose called on an already closing/closed channel",
			"local", core.localName, "remote", core.remoteName, "status", already.String())
		if done != nil {
			core.reactor.Post(done)
		}
		return
	}
	core.status = StatusClosing
	core.statusMu.Unlock()

	core.installCloseCallback(done)

	core.sendPipeline.Enqueue(&closeOp{})
	core.recvPipeline.Enqueue(&closeOp{})
}

// Close is the synchronous form of AsyncClose.
func (c *Channel) Close() {
	done := make(chan struct{})
	c.AsyncClose(func() { close(done) })
	<-done
}

// AsyncCancel aborts the in-flight op and drops all queued ops, each
// reported with ErrCloseChannel, then invokes done exactly once.
func (c *Channel) AsyncCancel(done func()) {
	core := c.core

	core.statusMu.Lock()
	if core.status.stopped() {
		already := core.status
		core.statusMu.Unlock()
		logger.Warnw("AsyncCancel called on an already closing/closed channel",
			"local", core.localName, "remote", core.remoteName, "status", already.String())
		if done != nil {
			core.reactor.Post(done)
		}
		return
	}
	core.status = StatusCancelling
	core.statusMu.Unlock()

	core.installCloseCallback(done)

	if core.connector != nil {
		core.connector.cancel()
	}
	if core.socket != nil {
		core.socket.close()
	}

	core.sendStrand.Post(func() {
		core.sendPipeline.queue.Push(&closeOp{})
		if front := core.sendPipeline.queue.Front(); !core.sendPipeline.idle && front != nil {
			front.AsyncCancelPending(core)
		} else {
			core.sendPipeline.cancelQueue()
		}
	})
	core.recvStrand.Post(func() {
		core.recvPipeline.queue.Push(&closeOp{})
		if front := core.recvPipeline.queue.Front(); !core.recvPipeline.idle && front != nil {
			front.AsyncCancelPending(core)
		} else {
			core.recvPipeline.cancelQueue()
		}
	})
}

// Cancel is the synchronous form of AsyncCancel.
func (c *Channel) Cancel() {
	done := make(chan struct{})
	c.AsyncCancel(func() { close(done) })
	<-done
}

// GetTotalDataSent reads the send byte counter via a dispatch-and-wait on
// sendStrand, for a coherent snapshot.
func (c *Channel) GetTotalDataSent() uint64 {
	result := make(chan uint64, 1)
	c.core.sendStrand.Post(func() { result <- atomic.LoadUint64(&c.core.sendPipeline.totalBytes) })
	return <-result
}

// GetTotalDataRecv reads the recv byte counter via a dispatch-and-wait on
// recvStrand, for a coherent snapshot.
func (c *Channel) GetTotalDataRecv() uint64 {
	result := make(chan uint64, 1)
	c.core.recvStrand.Post(func() { result <- atomic.LoadUint64(&c.core.recvPipeline.totalBytes) })
	return <-result
}

// ResetStats zeroes both byte counters. Per spec.md §4.4, no strand
// synchronization is performed: calling this against an active channel
// races with in-flight transfers by contract, not by oversight.
func (c *Channel) ResetStats() {
	atomic.StoreUint64(&c.core.sendPipeline.totalBytes, 0)
	atomic.StoreUint64(&c.core.recvPipeline.totalBytes, 0)
}

// Status returns the channel's coarse state label.
func (c *Channel) Status() Status {
	c.core.statusMu.Lock()
	defer c.core.statusMu.Unlock()
	return c.core.status
}

// LocalName returns the name this Channel is known by within its Session.
func (c *Channel) LocalName() string { return c.core.localName }

// RemoteName returns the peer's name within the Session.
func (c *Channel) RemoteName() string { return c.core.remoteName }

// Session returns the owning Session, or nil for a raw-socket Channel.
func (c *Channel) Session() *Session { return c.core.session }
