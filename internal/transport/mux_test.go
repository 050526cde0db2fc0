package transport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoopbackMux(t *testing.T) *Mux {
	t.Helper()
	m, err := New(Config{Network: "udp4", Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDatagramRoundTrip(t *testing.T) {
	a := newLoopbackMux(t)
	b := newLoopbackMux(t)

	_, err := a.WriteTo([]byte("d1:ad2:id2:xxe1:q4:ping1:t2:aa1:y1:qe"), b.LocalAddr())
	require.NoError(t, err)

	buf := make([]byte, 1500)
	n, from, err := b.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, a.LocalAddr().Port, from.Port)
	assert.Contains(t, string(buf[:n]), "ping")
}

func TestStreamAndDatagramShareSocket(t *testing.T) {
	a := newLoopbackMux(t)
	b := newLoopbackMux(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := b.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := a.Dial(ctx, b.LocalAddr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	srv := <-accepted
	defer srv.Close()
	line, err := bufio.NewReader(srv).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestSetSelectsByFamily(t *testing.T) {
	v4 := newLoopbackMux(t)
	set := NewSet(v4, nil)

	require.Len(t, set.All(), 1)
	assert.Len(t, set.LocalAddrs(), 1)

	assert.Equal(t, v4, set.For(&net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 1}))
	assert.Nil(t, set.For(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}))

	assert.True(t, v4.Matches(&net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 1}))
	assert.False(t, v4.Matches(&net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 1}))
}
