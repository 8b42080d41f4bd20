//go:build linux

package server

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// epoll is the Linux poller.  Registration is level-triggered; an
// eventfd carries wake-ups.
type epoll struct {
	fd   int
	wfd  int
	evs  []unix.EpollEvent
	wbuf [8]byte
}

func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &epoll{fd: fd, wfd: wfd}
	if err := p.add(wfd); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, err
	}
	return p, nil
}

func (p *epoll) add(fd int) error { return p.ctl(unix.EPOLL_CTL_ADD, fd, true, false) }

func (p *epoll) modify(fd int, read, write bool) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, read, write)
}

func (p *epoll) remove(fd int) error {
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}))
}

func (p *epoll) ctl(op, fd int, read, write bool) error {
	ev := unix.EpollEvent{Fd: int32(fd)}
	if read {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		ev.Events |= unix.EPOLLOUT
	}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, op, fd, &ev))
}

func (p *epoll) wait(events []event, msec int) (int, error) {
	if len(p.evs) < len(events) {
		p.evs = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(p.fd, p.evs[:len(events)], msec)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	k := 0
	for _, ev := range p.evs[:n] {
		fd := int(ev.Fd)
		if fd == p.wfd {
			p.drain()
			continue
		}
		events[k] = event{
			fd:       fd,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
			hangup:   ev.Events&unix.EPOLLHUP != 0,
		}
		k++
	}
	return k, nil
}

func (p *epoll) wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil // counter already non-zero
	}
	return os.NewSyscallError("write eventfd", err)
}

func (p *epoll) drain() {
	unix.Read(p.wfd, p.wbuf[:]) //nolint:errcheck
}

func (p *epoll) close() error {
	err1 := unix.Close(p.wfd)
	err2 := unix.Close(p.fd)
	if err2 != nil {
		return os.NewSyscallError("close", err2)
	}
	return os.NewSyscallError("close", err1)
}
