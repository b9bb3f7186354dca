package channel

import "github.com/google/uuid"

// SessionMode mirrors the Channel's own Client/Server distinction: a client
// Session dials out to a remote Acceptor; a server Session owns one.
type SessionMode int

const (
	SessionClient SessionMode = iota
	SessionServer
)

// Session is the minimal, real stand-in for the spec's external
// Session/Acceptor directory (spec.md §1 out-of-scope collaborator). It is
// not a multiplexing directory — that remains out of scope per spec.md
// Non-goals — but it does implement the exact collaborator surface the
// Connector documents calling: asyncGetSocket, cancelPendingChannel, and
// the Name/ID/RemoteAddr fields used by the handshake.
type Session struct {
	Name       string
	ID         string
	RemoteAddr string // dial target; only meaningful for SessionClient
	Mode       SessionMode

	reactor  *IOReactor
	config   *Config
	acceptor *Acceptor
}

// NewSessionID returns a fresh session identifier. Both the client and
// server Session of a logical pairing must be constructed with the same
// ID, the way two peers of a real Session directory already agree on one.
func NewSessionID() string {
	return uuid.NewString()
}

// NewClientSession builds a Session that dials remoteAddr to connect its
// Channels.
func NewClientSession(name, sessionID, remoteAddr string, reactor *IOReactor, config *Config) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	return &Session{
		Name:       name,
		ID:         sessionID,
		RemoteAddr: remoteAddr,
		Mode:       SessionClient,
		reactor:    reactor,
		config:     config,
	}
}

// NewServerSession builds a Session that listens on listenAddr and matches
// incoming handshakes against Channels registered via asyncGetSocket.
func NewServerSession(name, sessionID, listenAddr string, reactor *IOReactor, config *Config) (*Session, error) {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Session{
		Name:    name,
		ID:      sessionID,
		Mode:    SessionServer,
		reactor: reactor,
		config:  config,
	}
	acceptor, err := newAcceptor(s, listenAddr)
	if err != nil {
		return nil, err
	}
	s.acceptor = acceptor
	return s, nil
}

// Addr returns the Acceptor's bound listen address, for server Sessions
// started on an ephemeral port.
func (s *Session) Addr() string {
	if s.acceptor == nil {
		return ""
	}
	return s.acceptor.listener.Addr().String()
}

// Close tears down the Session's Acceptor, if any. Channels already
// established are unaffected; close them individually.
func (s *Session) Close() error {
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.close()
}
