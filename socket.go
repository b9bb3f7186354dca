package channel

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/sagernet/sing/common/bufio"
)

// ioCompletion is invoked exactly once when an async socket operation
// finishes, carrying the transport error (nil on success) and the number
// of bytes actually transferred.
type ioCompletion func(err error, n int)

// streamSocket adapts a connected net.Conn to the async_send/async_receive/
// close contract the spec's "stream socket adapter" collaborator exposes.
// Blocking net.Conn calls are run on the reactor's worker pool; completion
// is delivered back to the caller's chosen strand.
type streamSocket struct {
	conn net.Conn
}

func newStreamSocket(conn net.Conn) *streamSocket {
	return &streamSocket{conn: conn}
}

func (s *streamSocket) setNoDelay() error {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		return tc.SetNoDelay(true)
	}
	return nil
}

// asyncSend writes buf fully, posting the result to r.
func (s *streamSocket) asyncSend(r *IOReactor, buf []byte, done ioCompletion) {
	r.Post(func() {
		n, err := writeFull(s.conn, buf)
		done(err, n)
	})
}

// asyncReceive reads len(buf) bytes fully, posting the result to r.
func (s *streamSocket) asyncReceive(r *IOReactor, buf []byte, done ioCompletion) {
	r.Post(func() {
		n, err := io.ReadFull(s.conn, buf)
		done(err, n)
	})
}

// sendHandshake writes the size-prefixed identity string described in
// spec.md §6 as a single scatter/gather write when the underlying writer
// supports vectorised I/O, grounded on the teacher's own sendLoop use of
// sing/common/bufio's vectorised writer.
func (s *streamSocket) sendHandshake(r *IOReactor, identity string, done ioCompletion) {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(identity)))
	payload := []byte(identity)

	r.Post(func() {
		if bw, ok := bufio.CreateVectorisedWriter(s.conn); ok {
			vec := [][]byte{header, payload}
			n, err := bufio.WriteVectorised(bw, vec)
			n -= len(header)
			if n < 0 {
				n = 0
			}
			done(err, n)
			return
		}

		buf := make([]byte, 0, len(header)+len(payload))
		buf = append(buf, header...)
		buf = append(buf, payload...)
		n, err := writeFull(s.conn, buf)
		n -= len(header)
		if n < 0 {
			n = 0
		}
		done(err, n)
	})
}

func (s *streamSocket) close() error {
	return s.conn.Close()
}

func writeFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
