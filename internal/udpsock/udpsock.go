// Package udpsock opens IPv4 UDP sockets with the socket options the
// console needs.
package udpsock

import (
	"context"
	"net"
	"strconv"

	"github.com/go-faster/errors"
)

type Options struct {
	Broadcast bool
	ReuseAddr bool
}

// Listen opens a UDP socket on addr, applying opts before bind.
func Listen(ctx context.Context, addr string, opts Options) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: control(opts)}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return pc.(*net.UDPConn), nil
}

// ListenPort binds all interfaces on port.
func ListenPort(ctx context.Context, port uint16, opts Options) (*net.UDPConn, error) {
	return Listen(ctx, net.JoinHostPort("", strconv.Itoa(int(port))), opts)
}
