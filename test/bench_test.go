package test

import (
	"net"
	"testing"
	"time"

	"github.com/driftloom/corerpc/directclient"
	"github.com/driftloom/corerpc/dispatcher"
)

// BenchmarkDirectClientCall measures single-host call throughput over a
// real loopback TCP connection, end to end through the wire codec,
// transcoder, and worker pool — not a mocked channel.
func BenchmarkDirectClientCall(b *testing.B) {
	addr := freeAddrB(b)
	srv := dispatcher.New(dispatcher.Options{})
	if err := srv.Register(&ArithService{}, "ArithService"); err != nil {
		b.Fatal(err)
	}
	go srv.Serve("tcp", addr)
	time.Sleep(50 * time.Millisecond)
	defer srv.Offline()

	dc, err := directclient.Dial(addr, directclient.Options{DialTimeout: time.Second})
	if err != nil {
		b.Fatal(err)
	}
	defer dc.Close()

	call := directclient.Call{
		Target: "ArithService", MethodID: "Add(int,int)",
		Args: []interface{}{2, 3}, Timeout: time.Second,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := dc.Execute(call); err != nil {
			b.Fatal(err)
		}
	}
}

func freeAddrB(b *testing.B) string {
	b.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}
