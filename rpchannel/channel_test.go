package rpchannel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/driftloom/corerpc/packet"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu      sync.Mutex
	packets []packet.Packet
	closed  bool
	closedN int
	closedC chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{closedC: make(chan struct{})}
}

func (r *recordingListener) OnPacket(ch *Channel, pkt packet.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, pkt)
}

func (r *recordingListener) OnClosed(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedN++
	if !r.closed {
		r.closed = true
		close(r.closedC)
	}
}

func (r *recordingListener) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

func newPipePair(t *testing.T, clientListener, serverListener Listener) (client, server *Channel) {
	t.Helper()
	c1, c2 := net.Pipe()

	var err error
	client, err = New(c1, Options{Role: RoleClient, Listener: clientListener})
	require.NoError(t, err)
	server, err = New(c2, Options{Role: RoleServer, Listener: serverListener})
	require.NoError(t, err)
	return client, server
}

func TestSendDeliversPacketToPeer(t *testing.T) {
	serverRecv := newRecordingListener()
	client, server := newPipePair(t, nil, serverRecv)
	defer client.Close()
	defer server.Close()

	id := client.NextPacketID()
	err := client.Send(packet.Header{
		Magic: packet.MagicRequest, Opcode: packet.OpCall, PacketID: id,
	}, []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return serverRecv.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "hello", string(serverRecv.packets[0].Body))
	require.Equal(t, id, serverRecv.packets[0].Header.PacketID)
}

func TestCloseNotifiesListenerExactlyOnce(t *testing.T) {
	clientRecv := newRecordingListener()
	client, server := newPipePair(t, clientRecv, nil)
	defer server.Close()

	require.NoError(t, client.Close())
	require.NoError(t, client.Close()) // idempotent, must not double-notify

	select {
	case <-clientRecv.closedC:
	case <-time.After(time.Second):
		t.Fatal("OnClosed was never called")
	}

	clientRecv.mu.Lock()
	defer clientRecv.mu.Unlock()
	require.Equal(t, 1, clientRecv.closedN)
}

func TestIsActiveFalseAfterClose(t *testing.T) {
	client, server := newPipePair(t, nil, nil)
	defer server.Close()

	require.True(t, client.IsActive())
	client.Close()
	require.False(t, client.IsActive())
}

func TestSendAfterCloseFails(t *testing.T) {
	client, server := newPipePair(t, nil, nil)
	defer server.Close()
	client.Close()

	err := client.Send(packet.Header{Magic: packet.MagicRequest, Opcode: packet.OpCall}, nil)
	require.Error(t, err)
}

func TestOfflineIsNoOpOnClientRole(t *testing.T) {
	client, server := newPipePair(t, nil, nil)
	defer client.Close()
	defer server.Close()

	client.Offline() // must not panic or affect state
	require.True(t, client.IsActive())
}

func TestServerOfflineSetsPeerOfflineFlag(t *testing.T) {
	clientRecv := newRecordingListener()
	client, server := newPipePair(t, clientRecv, nil)
	defer client.Close()
	defer server.Close()

	server.Offline()

	require.Eventually(t, func() bool { return client.IsOffline() }, time.Second, 5*time.Millisecond)
}
