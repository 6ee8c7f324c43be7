package session

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// Stream is one multiplexed sub-stream, tagged with its kind and a
// session-locally unique id. It implements net.Conn.
type Stream struct {
	kind domain.StreamKind
	id   uint32
	conn net.Conn

	closeOnce sync.Once
	onClose   func()
}

// Kind returns the stream's declared kind.
func (st *Stream) Kind() domain.StreamKind { return st.kind }

// ID returns the session-local stream id.
func (st *Stream) ID() uint32 { return st.id }

// Read implements io.Reader.
func (st *Stream) Read(p []byte) (int, error) { return st.conn.Read(p) }

// Write implements io.Writer.
func (st *Stream) Write(p []byte) (int, error) { return st.conn.Write(p) }

// Close closes the stream. It never affects sibling streams.
func (st *Stream) Close() error {
	err := st.conn.Close()
	st.closeOnce.Do(func() {
		if st.onClose != nil {
			st.onClose()
		}
	})
	return err
}

// LocalAddr returns the transport's local address.
func (st *Stream) LocalAddr() net.Addr { return st.conn.LocalAddr() }

// RemoteAddr returns the transport's remote address.
func (st *Stream) RemoteAddr() net.Addr { return st.conn.RemoteAddr() }

// SetDeadline sets read and write deadlines.
func (st *Stream) SetDeadline(t time.Time) error { return st.conn.SetDeadline(t) }

// SetReadDeadline sets the read deadline.
func (st *Stream) SetReadDeadline(t time.Time) error { return st.conn.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline.
func (st *Stream) SetWriteDeadline(t time.Time) error { return st.conn.SetWriteDeadline(t) }

// writeKindByte declares the stream kind to the peer. Sent before any
// payload on every freshly opened stream.
func writeKindByte(conn net.Conn, kind domain.StreamKind) error {
	if _, err := conn.Write([]byte{byte(kind)}); err != nil {
		return fmt.Errorf("declare stream kind: %w", err)
	}
	return nil
}

// readKindByte reads the peer's stream kind declaration, bounded by a
// deadline so an idle opener cannot pin the acceptor.
func readKindByte(conn net.Conn, timeout time.Duration) (domain.StreamKind, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, fmt.Errorf("read stream kind: %w", err)
	}
	kind := domain.StreamKind(b[0])
	if !kind.Valid() {
		return 0, domain.ErrUnknownStreamType.WithDetails(fmt.Sprintf("kind byte %d", b[0]))
	}
	return kind, nil
}
