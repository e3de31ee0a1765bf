package tcp

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConn(server, 2*time.Second, 2*time.Second), client
}

func TestConn_ReadLineTrimsTerminators(t *testing.T) {
	conn, client := pipeConn(t)
	go func() {
		_, _ = client.Write([]byte("{\"type\":\"a\"}\r\n{\"type\":\"b\"}\n"))
	}()

	line, err := conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"a"}`, string(line))

	line, err = conn.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"type":"b"}`, string(line))
}

func TestConn_ReadLineEOF(t *testing.T) {
	conn, client := pipeConn(t)
	go func() {
		_, _ = client.Write([]byte("partial"))
		client.Close()
	}()
	_, err := conn.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, isClosed(err))
}

func TestConn_ReadLineTooLong(t *testing.T) {
	conn, client := pipeConn(t)
	go func() {
		_, _ = client.Write([]byte(strings.Repeat("x", MaxLineLength+10) + "\n"))
	}()
	_, err := conn.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestConn_ReadLineTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	conn := NewConn(server, 20*time.Millisecond, 0)

	_, err := conn.ReadLine()
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestConn_WriteLine(t *testing.T) {
	conn, client := pipeConn(t)
	go func() {
		_ = conn.WriteLine([]byte(`{"type":"x"}`))
	}()
	buf := make([]byte, 64)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"x\"}\n", string(buf[:n]))
}

func TestProperty_ReadLineRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching(`[ -~]{0,200}`), 1, 10).Draw(rt, "lines")
		crlf := rapid.Bool().Draw(rt, "crlf")

		server, client := net.Pipe()
		defer server.Close()
		defer client.Close()
		conn := NewConn(server, 2*time.Second, 0)

		term := "\n"
		if crlf {
			term = "\r\n"
		}
		go func() {
			for _, l := range lines {
				_, _ = client.Write([]byte(l + term))
			}
		}()
		for i, want := range lines {
			got, err := conn.ReadLine()
			if err != nil {
				rt.Fatalf("line %d: %v", i, err)
			}
			if string(got) != strings.TrimRight(want, "\r") {
				rt.Fatalf("line %d: got %q want %q", i, got, want)
			}
		}
	})
}
