package conmgr

import (
	"errors"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-dobj/netpoll"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

const maxAcceptsPerEvent = 64

// TCPAcceptor accepts connections on a listening socket, registering each
// with the manager. Peers over the accept rate limits are closed at once.
type TCPAcceptor struct {
	mgr      *Manager
	logger   *logiface.Logger[logiface.Event]
	addr     netip.AddrPort
	fd       int
	accepted atomic.Uint64
}

func (a *TCPAcceptor) Addr() netip.AddrPort { return a.addr }

func (a *TCPAcceptor) HandleEvent(when time.Time, _ netpoll.IOEvents) int {
	for i := 0; i < maxAcceptsPerEvent; i++ {
		fd, remote, err := acceptSocket(a.fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			default:
				a.logger.Err().Err(err).Log("conmgr: accept failed")
			}
			return 0
		}
		if !a.mgr.allowAccept(remote.Addr()) {
			_ = unix.Close(fd)
			a.mgr.refuse()
			continue
		}
		a.accepted.Add(1)
		c, err := a.mgr.Adopt(fd, remote)
		if err != nil {
			continue
		}
		c.lastActivity.Store(when.UnixNano())
	}
	return 0
}

func (a *TCPAcceptor) CheckIdle(time.Time) bool { return false }

func (a *TCPAcceptor) BecameIdle() {}

func (a *TCPAcceptor) stats() ListenerStats {
	return ListenerStats{Network: "tcp", Addr: a.addr, Accepted: a.accepted.Load()}
}

func (a *TCPAcceptor) close() { _ = unix.Close(a.fd) }

func (a *TCPAcceptor) fileDescriptor() int { return a.fd }

// UDPAcceptor reads datagrams from a bound socket into a DatagramHandler.
type UDPAcceptor struct {
	mgr      *Manager
	handler  DatagramHandler
	logger   *logiface.Logger[logiface.Event]
	addr     netip.AddrPort
	fd       int
	received atomic.Uint64
}

func (a *UDPAcceptor) Addr() netip.AddrPort { return a.addr }

func (a *UDPAcceptor) HandleEvent(_ time.Time, _ netpoll.IOEvents) int {
	buf := a.mgr.readBuf
	var total int
	for i := 0; i < maxReadsPerEvent; i++ {
		n, sa, err := unix.Recvfrom(a.fd, buf, 0)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
			case errors.Is(err, unix.EINTR):
				continue
			default:
				a.logger.Err().Err(err).Log("conmgr: recvfrom failed")
			}
			return total
		}
		total += n
		a.received.Add(1)
		a.mgr.recordIn(n, 1)
		if a.handler == nil {
			continue
		}
		from := addrPortOf(sa)
		a.mgr.safeRun(func() { a.handler.HandleDatagram(a, from, buf[:n]) })
	}
	return total
}

// SendTo writes one datagram. It is safe for concurrent use.
func (a *UDPAcceptor) SendTo(to netip.AddrPort, p []byte) error {
	sa, _, err := sockaddrOf(to)
	if err != nil {
		return err
	}
	if err := unix.Sendto(a.fd, p, 0, sa); err != nil {
		return err
	}
	a.mgr.counters.msgsOut.Add(1)
	a.mgr.recordOut(len(p))
	return nil
}

func (a *UDPAcceptor) CheckIdle(time.Time) bool { return false }

func (a *UDPAcceptor) BecameIdle() {}

func (a *UDPAcceptor) stats() ListenerStats {
	return ListenerStats{Network: "udp", Addr: a.addr, Accepted: a.received.Load()}
}

func (a *UDPAcceptor) close() { _ = unix.Close(a.fd) }

func (a *UDPAcceptor) fileDescriptor() int { return a.fd }
