package broadcast

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/driftloom/corerpc/clientlist"
	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/dispatcher"
	"github.com/stretchr/testify/require"
)

type EchoService struct{}

func (EchoService) Echo(s string) (string, error) { return s, nil }

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

func dialBroadcast(host string, onClosed directclient.ClosedListener) (*directclient.DirectClient, error) {
	return directclient.Dial(host, directclient.Options{
		DialTimeout: time.Second,
		OnClosed:    onClosed,
	})
}

type recordingListener struct {
	mu      sync.Mutex
	success map[string]int
	fail    map[string]int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{success: map[string]int{}, fail: map[string]int{}}
}

func (r *recordingListener) OnSuccess(host string, result interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.success[host]++
}

func (r *recordingListener) OnFail(host string, resp Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail[host]++
}

// TestExecuteClassifiesThreeHostScenario mirrors the literal "3 hosts,
// kill host 2" broadcast scenario: one healthy host, one host that is
// configured but currently down, and one host never configured at all.
func TestExecuteClassifiesThreeHostScenario(t *testing.T) {
	addr1, stop1 := startEchoServer(t)
	defer stop1()
	addr2, stop2 := startEchoServer(t)

	list, err := clientlist.New([]string{addr1, addr2}, clientlist.Options{
		Dial:           dialBroadcast,
		RescueInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer list.Close()

	listener := newRecordingListener()
	c := New(list, Options{Listener: listener})

	// Kill host 2 so its slot goes dead, but keep it in the configured
	// fleet so it classifies as INVALID_HOST rather than UNKNOWN_HOST.
	stop2()
	time.Sleep(100 * time.Millisecond)

	results := c.Execute([]string{addr1, addr2, "127.0.0.1:59999"}, directclient.Call{
		Target: "EchoService", MethodID: "Echo(string)",
		Args: []interface{}{"hi"}, Timeout: time.Second,
	})

	require.Equal(t, Success, results[addr1].Kind)
	require.Equal(t, "hi", results[addr1].Result)
	require.Equal(t, InvalidHost, results[addr2].Kind)
	require.Equal(t, UnknownHost, results["127.0.0.1:59999"].Kind)

	require.Equal(t, 1, listener.success[addr1])
	require.Equal(t, 1, listener.fail[addr2])
	require.Equal(t, 1, listener.fail["127.0.0.1:59999"])
}

func TestExecuteAllSuccess(t *testing.T) {
	addr1, stop1 := startEchoServer(t)
	defer stop1()
	addr2, stop2 := startEchoServer(t)
	defer stop2()

	list, err := clientlist.New([]string{addr1, addr2}, clientlist.Options{Dial: dialBroadcast})
	require.NoError(t, err)
	defer list.Close()

	c := New(list, Options{})
	results := c.Execute([]string{addr1, addr2}, directclient.Call{
		Target: "EchoService", MethodID: "Echo(string)",
		Args: []interface{}{"hi"}, Timeout: time.Second,
	})

	require.Len(t, results, 2)
	for host, resp := range results {
		require.Equalf(t, Success, resp.Kind, "host %s", host)
		require.Equal(t, "hi", resp.Result)
	}
}

func TestKindString(t *testing.T) {
	require.Equal(t, "SUCCESS", Success.String())
	require.Equal(t, "UNKNOWN_HOST", UnknownHost.String())
	require.Equal(t, "INVALID_HOST", InvalidHost.String())
	require.Equal(t, "ERROR", Error.String())
}
