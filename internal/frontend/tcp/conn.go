// Package tcp serves the relay protocol over plain TCP: one JSON envelope
// per line in each direction.
package tcp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// MaxLineLength is the longest inbound line accepted, excluding the terminator.
const MaxLineLength = 64 * 1024

// ErrLineTooLong is returned by ReadLine when a line exceeds MaxLineLength.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Conn wraps a TCP connection with newline framing and per-operation deadlines.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, MaxLineLength+2),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadLine returns the next line without its "\n" or "\r\n" terminator.
// The returned slice is owned by the caller.
//
// Postcondition: Returns the line, ErrLineTooLong, or the read error (including io.EOF).
func (c *Conn) ReadLine() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	line, err := c.reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, ErrLineTooLong
	}
	if err != nil {
		return nil, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) > MaxLineLength {
		return nil, ErrLineTooLong
	}
	return append([]byte(nil), line...), nil
}

// WriteLine sends data followed by "\n".
//
// Precondition: data must not contain a newline.
func (c *Conn) WriteLine(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	_, err := c.raw.Write(buf)
	return err
}

// Close closes the underlying TCP connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
