package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, packets ...protocol.Packet) []byte {
	t.Helper()
	var out []byte
	for _, p := range packets {
		var err error
		out, err = protocol.AppendEncode(out, p)
		require.NoError(t, err)
	}
	return out
}

func startSession(t *testing.T, dev *Device) net.Conn {
	t.Helper()
	srv, err := NewServer(dev, ServerConfig{})
	require.NoError(t, err)

	client, server := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.ServeConn(ctx, server)
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-done
	})
	return client
}

func TestSessionReassemblesFragmentedStream(t *testing.T) {
	dev := newTestDevice(t, nil)
	conn := startSession(t, dev)

	stream := encode(t,
		protocol.NewMemWrite(8, []byte{1, 2, 3, 4}),
		protocol.NewMemReadRequest(8, 4),
	)

	// Writes on a pipe block until read, so feed the stream from a goroutine.
	go func() {
		for i := 0; i < len(stream); i += 3 {
			end := i + 3
			if end > len(stream) {
				end = len(stream)
			}
			if _, err := conn.Write(stream[i:end]); err != nil {
				return
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ack, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdAck, ack.Command)

	rsp, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.CmdMemReadRsp, rsp.Command)
	assert.Equal(t, []byte{1, 2, 3, 4}, rsp.Mem().Data)
}

func TestSessionNaksLengthMismatchAndContinues(t *testing.T) {
	dev := newTestDevice(t, nil)
	conn := startSession(t, dev)

	bad := []byte{1, 0, 6, byte(protocol.CmdSetGlobalWorkSize), 0, 0}
	stream := append(bad, encode(t, protocol.NewGlobalWorkSize(2, 2, 1))...)

	go func() { _, _ = conn.Write(stream) }()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	first, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdNak, first.Command)

	second, err := protocol.ReadPacket(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdAck, second.Command)
}

func TestServeAcceptsSequentialSessions(t *testing.T) {
	dev := newTestDevice(t, nil)
	srv, err := NewServer(dev, ServerConfig{})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		require.NoError(t, protocol.WritePacket(conn, protocol.NewMemWrite(uint32(i), []byte{byte(i + 1)})))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		rsp, err := protocol.ReadPacket(conn)
		require.NoError(t, err)
		assert.Equal(t, protocol.CmdAck, rsp.Command)
		require.NoError(t, conn.Close())
	}

	got, err := dev.Memory().Read(0, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, got)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeThrottlesConnections(t *testing.T) {
	dev := newTestDevice(t, nil)
	srv, err := NewServer(dev, ServerConfig{AcceptRate: 1, AcceptBurst: 1})
	require.NoError(t, err)

	client, server := net.Pipe()
	defer client.Close()
	assert.True(t, srv.admit(server))
	assert.False(t, srv.admit(server))
}
