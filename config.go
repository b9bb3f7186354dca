package channel

import (
	"time"

	"github.com/pkg/errors"
)

// Config carries the tunable knobs of a Session/Channel pair. Mirrors the
// teacher's own small plain-struct-plus-verify pattern rather than reaching
// for a config-file library: there is no file to parse, only a handful of
// in-process tunables passed by the embedding program.
type Config struct {
	// AcceptBacklog is checked by Verify but is not applied to the listener:
	// a server Session's Acceptor listens with the system default backlog.
	AcceptBacklog int

	// HandshakeTimeout bounds a single connect attempt (dial + greeting +
	// handshake exchange) before it is treated as a failed attempt subject
	// to retry.
	HandshakeTimeout time.Duration

	// InitialBackoff, BackoffMultiplier and MaxBackoff parameterize the
	// Connector's retry policy: exponential backoff starting at
	// InitialBackoff, multiplied by BackoffMultiplier per failed attempt,
	// capped at MaxBackoff. Retries are unbounded in count.
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultConfig returns the configuration described by the spec: 10ms
// initial backoff, 1.2x multiplier, 1000ms cap.
func DefaultConfig() *Config {
	return &Config{
		AcceptBacklog:     128,
		HandshakeTimeout:  10 * time.Second,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 1.2,
		MaxBackoff:        1000 * time.Millisecond,
	}
}

// Verify sanity-checks a Config before it is used to build a Session or Channel.
func (c *Config) Verify() error {
	if c.AcceptBacklog <= 0 {
		return errors.New("channel: AcceptBacklog must be positive")
	}
	if c.HandshakeTimeout <= 0 {
		return errors.New("channel: HandshakeTimeout must be positive")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("channel: InitialBackoff must be positive")
	}
	if c.BackoffMultiplier <= 1.0 {
		return errors.New("channel: BackoffMultiplier must exceed 1.0")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("channel: MaxBackoff must be >= InitialBackoff")
	}
	return nil
}
