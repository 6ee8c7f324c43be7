package secure

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// MaxRecordSize is the maximum plaintext carried by one sealed record.
const MaxRecordSize = 64 * 1024

// Conn is an encrypted, identity-authenticated connection. It implements
// net.Conn; all application bytes are carried in sealed records.
type Conn struct {
	raw    net.Conn
	remote domain.NodeID

	writeMu   sync.Mutex
	sendAEAD  cipher.AEAD
	sendNonce uint64

	readMu    sync.Mutex
	recvAEAD  cipher.AEAD
	recvNonce uint64
	readBuf   []byte // leftover plaintext from the last record
}

func newConn(raw net.Conn, remote domain.NodeID, sendKey, recvKey []byte) (*Conn, error) {
	sendAEAD, err := chacha20poly1305.New(sendKey)
	if err != nil {
		return nil, fmt.Errorf("secure: send aead: %w", err)
	}
	recvAEAD, err := chacha20poly1305.New(recvKey)
	if err != nil {
		return nil, fmt.Errorf("secure: recv aead: %w", err)
	}
	return &Conn{
		raw:      raw,
		remote:   remote,
		sendAEAD: sendAEAD,
		recvAEAD: recvAEAD,
	}, nil
}

// RemoteID returns the verified identity of the peer.
func (c *Conn) RemoteID() domain.NodeID {
	return c.remote
}

// writeRecord seals and writes one record. Caller must not exceed
// MaxRecordSize bytes of plaintext.
func (c *Conn) writeRecord(plaintext []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.sendNonce)
	c.sendNonce++

	sealed := c.sendAEAD.Seal(nil, nonce, plaintext, nil)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := c.raw.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.raw.Write(sealed)
	return err
}

// readRecord reads and opens one record.
func (c *Conn) readRecord() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.raw, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxRecordSize+uint32(c.recvAEAD.Overhead()) {
		return nil, errors.New("secure: record exceeds size limit")
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(c.raw, sealed); err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], c.recvNonce)
	c.recvNonce++

	plaintext, err := c.recvAEAD.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("secure: open record: %w", err)
	}
	return plaintext, nil
}

// Read implements io.Reader, surfacing record plaintext as a byte stream.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.readBuf) == 0 {
		plaintext, err := c.readRecord()
		if err != nil {
			return 0, err
		}
		c.readBuf = plaintext
	}

	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// Write implements io.Writer, chunking large writes into records.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > MaxRecordSize {
			chunk = chunk[:MaxRecordSize]
		}
		if err := c.writeRecord(chunk); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// LocalAddr returns the underlying local address.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// RemoteAddr returns the underlying remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetDeadline sets read and write deadlines on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.raw.SetDeadline(t) }

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.raw.SetReadDeadline(t) }

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }
