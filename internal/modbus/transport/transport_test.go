package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPTransport_ConnectReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 3)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write([]byte{0xAA, 0xBB})
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewTCP(addr.IP.String(), addr.Port, time.Second)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	assert.True(t, tr.Connected())

	require.NoError(t, tr.Write(ctx, []byte{1, 2, 3}))

	reply := make([]byte, 2)
	require.NoError(t, tr.ReadFull(ctx, reply))
	assert.Equal(t, []byte{0xAA, 0xBB}, reply)

	require.NoError(t, tr.Close())
	assert.False(t, tr.Connected())
	<-done
}

func TestTCPTransport_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close() // nothing listening now

	tr := NewTCP(addr.IP.String(), addr.Port, 200*time.Millisecond)
	err = tr.Connect(context.Background())
	require.Error(t, err)
}

func TestTCPTransport_ReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(500 * time.Millisecond)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr := NewTCP(addr.IP.String(), addr.Port, 50*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	buf := make([]byte, 4)
	err = tr.ReadFull(ctx, buf)
	require.Error(t, err)
}
