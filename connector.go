package channel

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	stderrors "errors"
)

type connectorMode int

const (
	modeClient connectorMode = iota
	modeServer
)

// connector is the one-shot state machine of spec.md §4.2: it produces a
// connected, handshake-complete socket (or a terminal failure) exactly
// once per Channel, then hands off to the send/recv pipelines. All of its
// mutable state is touched only from within its own strand.
type connector struct {
	core   *channelCore
	mode   connectorMode
	strand *strandExecutor

	ctx       context.Context
	cancelCtx context.CancelFunc

	complete  bool
	cancelled bool
	err       error

	pendingSend ioCompletion
	sendParked  bool
	pendingRecv ioCompletion
	recvParked  bool

	waiters []func(error)

	backoff  *backoff.ExponentialBackOff
	timer    canceller
	inFlight *streamSocket

	// attemptCancel releases the per-attempt context created in
	// asyncConnectToServer once that attempt settles (success, failure, or
	// cancellation), so HandshakeTimeout's timer doesn't linger.
	attemptCancel context.CancelFunc
}

// canceller matches the subset of *time.Timer this package needs, so tests
// can stub it out if ever necessary.
type canceller interface {
	Stop() bool
}

func newConnector(core *channelCore, mode connectorMode) *connector {
	ctx, cancel := context.WithCancel(context.Background())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = core.config.InitialBackoff
	b.Multiplier = core.config.BackoffMultiplier
	b.MaxInterval = core.config.MaxBackoff
	b.MaxElapsedTime = 0 // unbounded retries, per spec.md §4.2
	b.RandomizationFactor = 0
	b.Reset()

	c := &connector{
		core:      core,
		mode:      mode,
		ctx:       ctx,
		cancelCtx: cancel,
		backoff:   b,
	}
	c.strand = core.connectorStrand
	return c
}

// start kicks off the client connect attempt or registers with the Session's
// Acceptor for server mode.
func (c *connector) start() {
	if c.mode == modeClient {
		c.asyncConnectToServer()
	} else {
		c.core.session.acceptor.asyncGetSocket(c.core)
	}
}

func (c *connector) asyncConnectToServer() {
	// HandshakeTimeout bounds this whole attempt — dial through greeting
	// through handshake — not just the dial, so the deadline is applied to
	// the socket itself once connected rather than re-derived per step.
	attemptCtx, cancel := context.WithTimeout(c.ctx, c.core.config.HandshakeTimeout)
	c.attemptCancel = cancel

	c.core.reactor.Post(func() {
		var dialer net.Dialer
		conn, err := dialer.DialContext(attemptCtx, "tcp", c.core.session.RemoteAddr)
		c.strand.Post(func() { c.onConnectResult(conn, err, attemptCtx) })
	})
}

// endAttempt releases the per-attempt HandshakeTimeout context. Safe to call
// more than once; context.CancelFunc is idempotent.
func (c *connector) endAttempt() {
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
}

func (c *connector) onConnectResult(conn net.Conn, err error, attemptCtx context.Context) {
	if c.cancelled || stderrors.Is(err, context.Canceled) {
		if conn != nil {
			conn.Close()
		}
		c.endAttempt()
		c.setSocket(nil, ErrCancelled)
		return
	}
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = errors.Wrap(err, "channel: handshake timeout during dial")
		}
		c.retryConnect(err)
		return
	}

	sock := newStreamSocket(conn)
	c.inFlight = sock
	if err := sock.setNoDelay(); err != nil {
		c.retryConnect(err)
		return
	}
	if deadline, ok := attemptCtx.Deadline(); ok {
		sock.conn.SetDeadline(deadline)
	}
	c.recvServerGreeting(sock)
}

func (c *connector) recvServerGreeting(sock *streamSocket) {
	buf := make([]byte, 1)
	sock.asyncReceive(c.core.reactor, buf, func(err error, n int) {
		c.strand.Post(func() {
			if c.cancelled {
				sock.close()
				c.endAttempt()
				c.setSocket(nil, ErrCancelled)
				return
			}
			if err != nil || n != 1 {
				c.retryConnect(timeoutWrap(err, "greeting"))
				return
			}
			if buf[0] != 'q' {
				// A protocol mismatch, not a transport failure: spec.md
				// §4.2/§6 call for the same deliberate downgrade as an
				// explicit cancel here, not a distinct error, so callers
				// checking errors.Is(err, ErrCancelled) see it.
				sock.close()
				c.endAttempt()
				c.setSocket(nil, ErrCancelled)
				return
			}
			c.sendHandshake(sock)
		})
	})
}

func (c *connector) sendHandshake(sock *streamSocket) {
	s := c.core.session
	identity := fmt.Sprintf("%s`%s`%s`%s", s.Name, s.ID, c.core.localName, c.core.remoteName)

	sock.sendHandshake(c.core.reactor, identity, func(err error, n int) {
		c.strand.Post(func() {
			if c.cancelled {
				sock.close()
				c.endAttempt()
				c.setSocket(nil, ErrCancelled)
				return
			}
			if err != nil || n != len(identity) {
				c.retryConnect(timeoutWrap(err, "handshake"))
				return
			}
			sock.conn.SetDeadline(time.Time{})
			c.endAttempt()
			c.setSocket(sock, nil)
		})
	})
}

// timeoutWrap annotates a socket error with which handshake step hit the
// per-attempt HandshakeTimeout deadline, for the retry-cap diagnostic.
func timeoutWrap(err error, step string) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errors.Wrapf(err, "channel: handshake timeout during %s", step)
	}
	return err
}

// retryConnect implements spec.md §4.2's Retry state: close the half-open
// socket, schedule a timer for the current backoff, grow the backoff
// (capped), and emit a diagnostic once the cap is reached for any error
// that isn't a deliberate downgrade (cancelled, connection refused).
func (c *connector) retryConnect(cause error) {
	if c.inFlight != nil {
		c.inFlight.close()
		c.inFlight = nil
	}
	c.endAttempt()

	delay := c.backoff.NextBackOff()
	atCap := delay >= c.core.config.MaxBackoff

	if atCap && !isQuietRetryError(cause) {
		logger.Warnw("client socket connect error",
			"local", c.core.localName, "remote", c.core.session.RemoteAddr, "error", cause)
	}

	c.timer = c.core.reactor.AfterFunc(delay, func() {
		c.strand.Post(func() {
			if c.cancelled {
				c.setSocket(nil, ErrCancelled)
				return
			}
			c.asyncConnectToServer()
		})
	})
}

func isQuietRetryError(err error) bool {
	if err == nil {
		return true
	}
	if stderrors.Is(err, ErrCancelled) || stderrors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "connection refused")
}

// setSocket implements the completion discipline of spec.md §4.2: guard
// against a cancel/delivery race in server mode, otherwise publish the
// result to the Channel and resolve every parked waiter exactly once.
func (c *connector) setSocket(sock *streamSocket, ec error) {
	if c.cancelled && sock != nil {
		if c.mode == modeClient {
			sock.close()
		}
		// Server mode: ignore this delivery and wait for the Acceptor's
		// explicit cancel-delivery (ec=ErrCancelled, sock=nil). Preserved
		// exactly as specified; see DESIGN.md Open Question.
		return
	}
	if c.complete {
		// Already settled: a repeat delivery (for example a dial aborted
		// after cancel() resolved the connector) changes nothing.
		return
	}

	c.core.socket = sock
	c.inFlight = nil
	c.err = ec
	c.complete = true

	waiters := c.waiters
	c.waiters = nil
	for _, w := range waiters {
		waiter := w
		c.core.reactor.Post(func() { waiter(ec) })
	}

	if c.sendParked {
		c.sendParked = false
		pending := c.pendingSend
		c.pendingSend = nil
		pending(ec, 0)
	}
	if c.recvParked {
		c.recvParked = false
		pending := c.pendingRecv
		c.pendingRecv = nil
		pending(ec, 0)
	}
}

// awaitConnect parks complete until the Connector settles, or resolves it
// immediately (on the strand) if already settled. forSend selects which of
// pendingSend/pendingRecv this call occupies, mirroring StartSocketOp's
// separate send/recv completion handles in the original source.
func (c *connector) awaitConnect(forSend bool, complete ioCompletion) {
	c.strand.Post(func() {
		if c.complete {
			complete(c.err, 0)
			return
		}
		if forSend {
			c.pendingSend = complete
			c.sendParked = true
		} else {
			c.pendingRecv = complete
			c.recvParked = true
		}
	})
}

// addWaiter registers fn to be called once with the connect result, or
// immediately if already settled.
func (c *connector) addWaiter(fn func(error)) {
	c.strand.Post(func() {
		if c.complete {
			ec := c.err
			c.core.reactor.Post(func() { fn(ec) })
			return
		}
		c.waiters = append(c.waiters, fn)
	})
}

func (c *connector) isConnected() bool {
	result := make(chan bool, 1)
	c.strand.Post(func() { result <- (c.complete && c.err == nil) })
	return <-result
}

// cancel implements spec.md §4.2's Cancel: mark cancelled, ask the
// Acceptor to drop a pending server-mode registration or close the
// in-flight client socket, and stop any pending retry timer.
func (c *connector) cancel() {
	c.strand.Post(func() {
		if c.cancelled || c.complete {
			// Mirrors Channel.cpp's `mIsComplete == false && canceled() ==
			// false` guard: once setSocket has fired once (success or
			// failure), cancel() is a no-op. Without this, cancelling an
			// already-connected Channel would post a second setSocket(nil,
			// ErrCancelled) that races core.socket to nil against in-flight
			// pipeline ops reading it on a different strand.
			return
		}
		c.cancelled = true
		c.cancelCtx()

		if c.timer != nil {
			c.timer.Stop()
		}

		if c.mode == modeServer {
			if c.core.session != nil && c.core.session.acceptor != nil {
				c.core.session.acceptor.cancelPendingChannel(c.core)
			}
			return
		}

		if c.inFlight != nil {
			// A connected-but-not-yet-handshaken socket: closing it aborts
			// the in-flight recvServerGreeting/sendHandshake read or write,
			// which observes c.cancelled and calls setSocket itself.
			c.inFlight.close()
			return
		}

		// No in-flight socket: the connector is either dialing (the dial is
		// aborted via cancelCtx) or waiting on its backoff timer (stopped
		// above). Settle here to unblock WaitForConnection/addWaiter; the
		// later setSocket from onConnectResult or an already-fired timer is
		// then ignored by setSocket's complete check.
		c.setSocket(nil, ErrCancelled)
	})
}
