//go:build !linux

package conmgr

import (
	"net/netip"

	"github.com/joeycumines/go-dobj/netpoll"
)

func listenSocket(bool, string, int, int) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, netpoll.ErrUnsupported
}

func acceptSocket(int) (int, netip.AddrPort, error) {
	return -1, netip.AddrPort{}, netpoll.ErrUnsupported
}
