//go:build !windows

package rpchannel

import (
	"net"
	"syscall"
)

// socketSendBufferSize reads SO_SNDBUF once at channel startup and uses
// it as the write-merge threshold. Falls back to defaultSendBufferSize
// for non-TCP connections (e.g. net.Pipe in tests) or if the syscall
// fails.
func socketSendBufferSize(conn net.Conn) int {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return defaultSendBufferSize
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return defaultSendBufferSize
	}

	var size int
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		size, sockErr = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF)
	})
	if ctrlErr != nil || sockErr != nil || size <= 0 {
		return defaultSendBufferSize
	}
	return size
}
