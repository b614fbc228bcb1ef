//go:build windows

package rpchannel

import "net"

// socketSendBufferSize has no portable syscall.GetsockoptInt on windows in
// the standard library; fall back to the documented default.
func socketSendBufferSize(conn net.Conn) int {
	return defaultSendBufferSize
}
