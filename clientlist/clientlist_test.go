package clientlist

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/rpchannel"
	"github.com/stretchr/testify/require"
)

// fakeListener records OnClosed/OnRecovered calls for assertions.
type fakeListener struct {
	mu        sync.Mutex
	closed    []string
	recovered []string
}

func (f *fakeListener) OnClosed(host string, wasOffline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, host)
}

func (f *fakeListener) OnRecovered(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, host)
}

func (f *fakeListener) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

// echoServer starts a bare TCP listener that wraps every accepted
// connection in a server-role rpchannel.Channel and never replies to a
// CALL; good enough to let a DirectClient dial successfully. stop closes
// the listener and every accepted channel.
func echoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var chans []*rpchannel.Channel

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ch, err := rpchannel.New(conn, rpchannel.Options{Role: rpchannel.RoleServer})
			if err != nil {
				conn.Close()
				continue
			}
			mu.Lock()
			chans = append(chans, ch)
			mu.Unlock()
		}
	}()

	return ln.Addr().String(), func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range chans {
			ch.Close()
		}
	}
}

func dialDirect(host string, onClosed directclient.ClosedListener) (*directclient.DirectClient, error) {
	return directclient.Dial(host, directclient.Options{
		DialTimeout: time.Second,
		OnClosed:    onClosed,
	})
}

func TestNewAllHostsReachable(t *testing.T) {
	addr1, stop1 := echoServer(t)
	defer stop1()
	addr2, stop2 := echoServer(t)
	defer stop2()

	l, err := New([]string{addr1, addr2}, Options{Dial: dialDirect})
	require.NoError(t, err)
	defer l.Close()

	require.NotNil(t, l.Get(0))
	require.NotNil(t, l.Get(1))
	require.Equal(t, 2, l.Len())
}

func TestNewFailsWhenNoHostReachable(t *testing.T) {
	_, err := New([]string{"127.0.0.1:1"}, Options{Dial: dialDirect, RescueInterval: time.Millisecond})
	require.ErrorIs(t, err, ErrNoActiveClient)
}

func TestNewPartialReachabilityStartsRescue(t *testing.T) {
	addr1, stop1 := echoServer(t)
	defer stop1()

	listener := &fakeListener{}
	l, err := New([]string{addr1, "127.0.0.1:1"}, Options{
		Dial:           dialDirect,
		Listener:       listener,
		RescueInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()

	require.NotNil(t, l.Get(0))
	require.Nil(t, l.Get(1))
	require.True(t, l.rescueRunning.Load())
}

func TestGetAvailableClientExcludesAndSamples(t *testing.T) {
	addr1, stop1 := echoServer(t)
	defer stop1()
	addr2, stop2 := echoServer(t)
	defer stop2()

	l, err := New([]string{addr1, addr2}, Options{Dial: dialDirect})
	require.NoError(t, err)
	defer l.Close()

	dc := l.GetAvailableClient(0)
	require.NotNil(t, dc)
	require.Equal(t, addr2, dc.Host())

	require.Nil(t, l.GetAvailableClient(0, 1))
}

func TestOrAvailableClientFallsBackOnDeadSlot(t *testing.T) {
	addr1, stop1 := echoServer(t)
	defer stop1()
	addr2, stop2 := echoServer(t)

	listener := &fakeListener{}
	l, err := New([]string{addr1, addr2}, Options{
		Dial:           dialDirect,
		Listener:       listener,
		RescueInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer l.Close()

	// Kill host 1's server so its DirectClient's channel dies and the
	// proactive OnClientClosed path fires.
	stop2()

	require.Eventually(t, func() bool {
		return listener.closedCount() > 0
	}, 2*time.Second, 10*time.Millisecond)

	dc := l.OrAvailableClient(1)
	require.NotNil(t, dc)
	require.Equal(t, addr1, dc.Host())
}

func TestCloseIsIdempotentAndTearsDownClients(t *testing.T) {
	addr1, stop1 := echoServer(t)
	defer stop1()

	l, err := New([]string{addr1}, Options{Dial: dialDirect})
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	require.Nil(t, l.Get(0))
}

func TestRescueTimeInitiallyZero(t *testing.T) {
	addr1, stop1 := echoServer(t)
	defer stop1()

	l, err := New([]string{addr1}, Options{Dial: dialDirect})
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, int64(0), l.RescueTime(0))
}
