//go:build linux

package netpoll

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller manages I/O event registration using epoll.
type epollPoller struct {
	eventBuf [256]unix.EpollEvent
	epfd     int
	closed   atomic.Bool
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd}, nil
}

func (p *epollPoller) Add(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Modify(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Delete(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(out []Readiness, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	buf := p.eventBuf[:min(len(out), len(p.eventBuf))]
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := unix.EpollWait(p.epfd, buf, timeoutMillis(timeout))
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		out[i] = Readiness{FD: int(buf[i].Fd), Events: epollToEvents(buf[i].Events)}
	}
	return n, nil
}

func (p *epollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func timeoutMillis(d time.Duration) int {
	switch {
	case d < 0:
		return -1
	case d == 0:
		return 0
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	return ms
}

func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= EventHangup
	}
	return events
}
