package sheepdog

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeConnections() (*Connection, *Connection) {
	a, b := net.Pipe()
	return &Connection{conn: &statConn{Conn: a}}, &Connection{conn: &statConn{Conn: b}}
}

func TestWriteAllReadAllRoundTrip(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	msg := []byte("sheepdog wire payload")
	done := make(chan error, 1)
	go func() { done <- client.writeAll(msg[:5], msg[5:]) }()

	got := make([]byte, len(msg))
	require.NoError(t, server.readAll(got))
	require.NoError(t, <-done)
	require.Equal(t, msg, got)
}

func TestReadAllShortRead(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	go func() {
		client.conn.Write([]byte{1, 2})
		time.Sleep(10 * time.Millisecond)
		client.conn.Write([]byte{3, 4, 5})
	}()

	buf := make([]byte, 5)
	require.NoError(t, server.readAll(buf))
	require.Equal(t, []byte{1, 2, 3, 4, 5}, buf)
}

func TestReadAllConnectionClosed(t *testing.T) {
	client, server := pipeConnections()
	client.Close()

	buf := make([]byte, 4)
	err := server.readAll(buf)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestBytesCounters(t *testing.T) {
	client, server := pipeConnections()
	defer client.Close()
	defer server.Close()

	go client.writeAll([]byte("abcd"))
	buf := make([]byte, 4)
	require.NoError(t, server.readAll(buf))

	require.Equal(t, int64(4), client.BytesSent())
	require.Equal(t, int64(4), server.BytesRecv())
}
