// Package channel implements a bidirectional, reliable, ordered message
// pipe between two endpoints of a logical Session, layered on top of a
// TCP byte stream.
//
// A Channel turns a raw stream endpoint into a pair of independently
// progressing send and receive operation queues. Connection
// establishment (handshake, retry with backoff), FIFO execution of
// queued send/recv operations, graceful close and abrupt cancel, and
// byte accounting are all handled here. Message framing beyond the
// handshake, encryption, and multiplexing several channels over one
// stream are out of scope: Session/Acceptor pair many Channels through one
// listening socket, but each Channel has its own connection.
package channel
