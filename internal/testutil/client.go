// Package testutil provides protocol-level test clients for the relay transports.
package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/cory-johannsen/sketchrelay/internal/protocol"
)

// LineClient speaks the newline-delimited JSON protocol over TCP.
type LineClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      testing.TB
}

// NewLineClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected LineClient or fails the test.
func NewLineClient(t testing.TB, addr string) *LineClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("line client connected to %s [%s]", addr, time.Since(start))
	return &LineClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// Send encodes an envelope and writes it as one line.
func (c *LineClient) Send(evType string, payload any) {
	c.t.Helper()
	data, err := protocol.Encode(evType, payload)
	if err != nil {
		c.t.Fatalf("encoding %s: %v", evType, err)
	}
	c.SendRaw(string(data))
}

// SendRaw writes text followed by "\n" without validation.
func (c *LineClient) SendRaw(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.conn.Write([]byte(text + "\n")); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Next reads the next envelope, failing the test on timeout or bad framing.
func (c *LineClient) Next(timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("reading envelope: got %q, error: %v", line, err)
	}
	env, err := protocol.DecodeEnvelope(line)
	if err != nil {
		c.t.Fatalf("decoding %q: %v", line, err)
	}
	return env
}

// Expect reads envelopes until one of type evType arrives, skipping others.
func (c *LineClient) Expect(evType string, timeout time.Duration) protocol.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for %s", evType)
		}
		env := c.Next(remaining)
		if env.Type == evType {
			return env
		}
	}
}

// ExpectClosed waits for the server to close the connection.
func (c *LineClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, err := c.reader.ReadBytes('\n'); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.t.Fatalf("connection still open after %s", timeout)
			}
			return
		}
	}
}

// Close closes the underlying connection.
func (c *LineClient) Close() {
	c.conn.Close()
}
