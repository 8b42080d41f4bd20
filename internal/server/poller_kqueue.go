//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package server

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	interestRead uint8 = 1 << iota
	interestWrite
)

// kqueue is the BSD/macOS poller.  A non-blocking pipe carries
// wake-ups since EVFILT_USER is not available everywhere.
type kqueue struct {
	fd       int
	wr, ww   int
	interest map[int]uint8
	changes  []unix.Kevent_t
	evs      []unix.Kevent_t
}

func newPoller() (poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(fd)

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, pfd := range pipe {
		unix.CloseOnExec(pfd)
		if err := unix.SetNonblock(pfd, true); err != nil {
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			unix.Close(fd)
			return nil, os.NewSyscallError("setnonblock", err)
		}
	}

	p := &kqueue{fd: fd, wr: pipe[0], ww: pipe[1], interest: make(map[int]uint8)}
	if err := p.add(p.wr); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *kqueue) add(fd int) error { return p.modify(fd, true, false) }

func (p *kqueue) modify(fd int, read, write bool) error {
	cur := p.interest[fd]
	var want uint8
	if read {
		want |= interestRead
	}
	if write {
		want |= interestWrite
	}

	p.changes = p.changes[:0]
	p.change(fd, unix.EVFILT_READ, cur&interestRead != 0, read)
	p.change(fd, unix.EVFILT_WRITE, cur&interestWrite != 0, write)
	if len(p.changes) > 0 {
		if _, err := unix.Kevent(p.fd, p.changes, nil, nil); err != nil && err != unix.ENOENT {
			return os.NewSyscallError("kevent", err)
		}
	}
	p.interest[fd] = want
	return nil
}

func (p *kqueue) change(fd, filter int, have, want bool) {
	if have == want {
		return
	}
	var kev unix.Kevent_t
	if want {
		unix.SetKevent(&kev, fd, filter, unix.EV_ADD|unix.EV_ENABLE)
	} else {
		unix.SetKevent(&kev, fd, filter, unix.EV_DELETE)
	}
	p.changes = append(p.changes, kev)
}

func (p *kqueue) remove(fd int) error {
	err := p.modify(fd, false, false)
	delete(p.interest, fd)
	return err
}

func (p *kqueue) wait(events []event, msec int) (int, error) {
	if len(p.evs) < len(events) {
		p.evs = make([]unix.Kevent_t, len(events))
	}
	var ts *unix.Timespec
	if msec >= 0 {
		t := unix.NsecToTimespec(int64(msec) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.evs[:len(events)], ts)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("kevent", err)
	}

	k := 0
	for _, ev := range p.evs[:n] {
		fd := int(ev.Ident)
		if fd == p.wr {
			p.drain()
			continue
		}
		e := event{fd: fd}
		switch ev.Filter {
		case unix.EVFILT_READ:
			e.readable = true
		case unix.EVFILT_WRITE:
			e.writable = true
			e.hangup = ev.Flags&unix.EV_EOF != 0
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			e.readable = true
		}
		events[k] = e
		k++
	}
	return k, nil
}

func (p *kqueue) wake() error {
	_, err := unix.Write(p.ww, []byte{1})
	if err == unix.EAGAIN {
		return nil // pipe already full of wake-ups
	}
	return os.NewSyscallError("write pipe", err)
}

func (p *kqueue) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wr, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (p *kqueue) close() error {
	unix.Close(p.wr)
	unix.Close(p.ww)
	return os.NewSyscallError("close", unix.Close(p.fd))
}
