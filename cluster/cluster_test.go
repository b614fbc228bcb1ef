package cluster

import (
	"net"
	"testing"
	"time"

	"github.com/driftloom/corerpc/clientlist"
	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/dispatcher"
	"github.com/stretchr/testify/require"
)

// EchoService is a trivial rpcservice target used across cluster tests.
type EchoService struct{}

func (EchoService) Echo(s string) (string, error) { return s, nil }

// startEchoServer reserves a loopback port, then starts a dispatcher
// bound to it in the background. The brief window between reserving the
// port and Serve re-binding it is a known, accepted race in this test
// style since dispatcher.Serve does not expose its listener.
func startEchoServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = probe.Addr().String()
	probe.Close()

	srv := dispatcher.New(dispatcher.Options{})
	require.NoError(t, srv.Register(&EchoService{}, "EchoService"))

	go srv.Serve("tcp", addr)
	time.Sleep(50 * time.Millisecond)

	return addr, func() { srv.Offline() }
}

func dialCluster(host string, onClosed directclient.ClosedListener) (*directclient.DirectClient, error) {
	return directclient.Dial(host, directclient.Options{
		DialTimeout: time.Second,
		OnClosed:    onClosed,
	})
}

func TestSkipProbabilityTable(t *testing.T) {
	now := time.Now()
	require.Equal(t, 0.70, skipProbability(now.UnixMilli()))
	require.Equal(t, 0.0, skipProbability(0))
	require.Equal(t, 0.0, skipProbability(now.Add(-2*time.Minute).UnixMilli()))
}

func TestNextCyclesEvenlyAcrossFleet(t *testing.T) {
	addr1, stop1 := startEchoServer(t)
	defer stop1()
	addr2, stop2 := startEchoServer(t)
	defer stop2()

	list, err := clientlist.New([]string{addr1, addr2}, clientlist.Options{Dial: dialCluster})
	require.NoError(t, err)
	defer list.Close()

	c := New(list)

	seen := map[int]int{}
	for i := 0; i < 20; i++ {
		seen[c.next()]++
	}
	require.Len(t, seen, 2)
	require.Equal(t, seen[0], seen[1])
}

func TestExecuteRoutesSuccessfulCall(t *testing.T) {
	addr1, stop1 := startEchoServer(t)
	defer stop1()
	addr2, stop2 := startEchoServer(t)
	defer stop2()

	list, err := clientlist.New([]string{addr1, addr2}, clientlist.Options{Dial: dialCluster})
	require.NoError(t, err)
	defer list.Close()

	c := New(list)
	for i := 0; i < 10; i++ {
		result, err := c.Execute(directclient.Call{
			Target: "EchoService", MethodID: "Echo(string)",
			Args: []interface{}{"hi"}, Timeout: time.Second,
		})
		require.NoError(t, err)
		require.Equal(t, "hi", result)
	}
}

func TestExecuteSurfacesNonRetryableError(t *testing.T) {
	addr, stop := startEchoServer(t)
	defer stop()

	list, err := clientlist.New([]string{addr}, clientlist.Options{Dial: dialCluster})
	require.NoError(t, err)
	defer list.Close()

	c := New(list)
	_, err = c.Execute(directclient.Call{
		Target: "EchoService", MethodID: "NoSuchMethod(string)",
		Args: []interface{}{"hi"}, Timeout: time.Second,
	})
	require.Error(t, err)
}
