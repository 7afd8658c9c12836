//go:build !unix

package udpsock

import "syscall"

// The runtime already enables broadcast on datagram sockets here.
func control(Options) func(network, address string, c syscall.RawConn) error {
	return nil
}
