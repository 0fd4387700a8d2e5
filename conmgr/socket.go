package conmgr

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// sockaddrFor resolves a bind host, returning the address family to use.
func sockaddrFor(host string, port int) (unix.Sockaddr, int, error) {
	if host == "" || host == "*" {
		return &unix.SockaddrInet4{Port: port}, unix.AF_INET, nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
		if err != nil {
			return nil, 0, fmt.Errorf("conmgr: resolve %q: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, 0, fmt.Errorf("conmgr: resolve %q: no addresses", host)
		}
		addr = addrs[0]
	}
	return sockaddrOf(netip.AddrPortFrom(addr, uint16(port)))
}

func sockaddrOf(ap netip.AddrPort) (unix.Sockaddr, int, error) {
	addr := ap.Addr().Unmap()
	switch {
	case addr.Is4():
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, unix.AF_INET, nil
	case addr.Is6():
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, unix.AF_INET6, nil
	default:
		return nil, 0, fmt.Errorf("conmgr: invalid address %v", ap)
	}
}

func addrPortOf(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}
