package listener

import (
	"context"
	"net"
	"os"
)

// LocalAddrs returns the IPv4 addresses this host name resolves to and
// the addresses of every IPv4 interface, loopback included.
func LocalAddrs(ctx context.Context) []net.IP {
	var ips []net.IP
	add := func(ip net.IP) {
		ip4 := ip.To4()
		if ip4 == nil {
			return
		}
		for _, seen := range ips {
			if seen.Equal(ip4) {
				return
			}
		}
		ips = append(ips, ip4)
	}

	if name, err := os.Hostname(); err == nil {
		if addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", name); err == nil {
			for _, ip := range addrs {
				add(ip)
			}
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			add(ipnet.IP)
		}
	}
	return ips
}

// broadcastAddrs returns the directed broadcast address of every IPv4
// interface network.
func broadcastAddrs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var bcasts []net.IP
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil || len(ipnet.Mask) != net.IPv4len {
			continue
		}
		bcast := make(net.IP, net.IPv4len)
		for i := range ip4 {
			bcast[i] = ip4[i] | ^ipnet.Mask[i]
		}
		bcasts = append(bcasts, bcast)
	}
	return bcasts
}
