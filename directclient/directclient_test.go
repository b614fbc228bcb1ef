package directclient

import (
	"net"
	"testing"
	"time"

	"github.com/driftloom/corerpc/dispatcher"
	"github.com/driftloom/corerpc/rpchannel"
	"github.com/stretchr/testify/require"
)

type ArithService struct{}

func (ArithService) Add(a, b int) (int, error) { return a + b, nil }

func startArithServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = probe.Addr().String()
	probe.Close()

	srv := dispatcher.New(dispatcher.Options{})
	require.NoError(t, srv.Register(&ArithService{}, "ArithService"))

	go srv.Serve("tcp", addr)
	time.Sleep(50 * time.Millisecond)

	return addr, func() { srv.Offline() }
}

// startSilentServer accepts connections and wraps them in a server-role
// channel that never replies to a CALL, to exercise the client's
// timeout path.
func startSilentServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

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
			_ = ch
		}
	}()

	return ln.Addr().String(), func() { ln.Close() }
}

func TestExecuteSuccess(t *testing.T) {
	addr, stop := startArithServer(t)
	defer stop()

	dc, err := Dial(addr, Options{DialTimeout: time.Second})
	require.NoError(t, err)
	defer dc.Close()

	result, err := dc.Execute(Call{
		Target: "ArithService", MethodID: "Add(int,int)",
		Args: []interface{}{2, 3}, Timeout: time.Second,
	})
	require.NoError(t, err)
	require.EqualValues(t, 5, result)
}

func TestExecuteTimeout(t *testing.T) {
	addr, stop := startSilentServer(t)
	defer stop()

	dc, err := Dial(addr, Options{DialTimeout: time.Second})
	require.NoError(t, err)
	defer dc.Close()

	_, err = dc.Execute(Call{
		Target: "ArithService", MethodID: "Add(int,int)",
		Args: []interface{}{2, 3}, Timeout:50 * time.Millisecond,
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestExecuteEmptyMethodIDIsIllegalState(t *testing.T) {
	addr, stop := startArithServer(t)
	defer stop()

	dc, err := Dial(addr, Options{DialTimeout: time.Second})
	require.NoError(t, err)
	defer dc.Close()

	_, err = dc.Execute(Call{Target: "ArithService", Timeout: time.Second})
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestExecuteAfterCloseIsIllegalState(t *testing.T) {
	addr, stop := startArithServer(t)
	defer stop()

	dc, err := Dial(addr, Options{DialTimeout: time.Second})
	require.NoError(t, err)
	require.NoError(t, dc.Close())

	_, err = dc.Execute(Call{
		Target: "ArithService", MethodID: "Add(int,int)",
		Args: []interface{}{1, 1}, Timeout: time.Second,
	})
	require.ErrorIs(t, err, ErrIllegalState)
}

func TestOnClosedNotifiesListener(t *testing.T) {
	addr, stop := startArithServer(t)
	defer stop()

	notified := make(chan bool, 1)
	listener := closedListenerFunc(func(host string, wasOffline bool) {
		notified <- wasOffline
	})

	dc, err := Dial(addr, Options{DialTimeout: time.Second, OnClosed: listener})
	require.NoError(t, err)
	defer dc.Close()

	// A local close ends the channel at once; a server Offline would only
	// mark it offline and close it after the 60s grace period.
	dc.Close()

	select {
	case wasOffline := <-notified:
		require.False(t, wasOffline)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed was never called")
	}
}

func TestSanitizeArgsRejectsFunc(t *testing.T) {
	_, err := sanitizeArgs([]interface{}{func() {}})
	require.Error(t, err)
}

func TestSanitizeArgsCopiesSliceAndMap(t *testing.T) {
	out, err := sanitizeArgs([]interface{}{
		[]interface{}{1, 2, 3},
		map[string]interface{}{"a": 1},
	})
	require.NoError(t, err)
	require.Equal(t, []interface{}{1, 2, 3}, out[0])
	require.Equal(t, map[string]interface{}{"a": 1}, out[1])
}

type closedListenerFunc func(host string, wasOffline bool)

func (f closedListenerFunc) OnClientClosed(host string, wasOffline bool) { f(host, wasOffline) }
