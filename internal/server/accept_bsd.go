//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package server

import (
	"os"

	"golang.org/x/sys/unix"
)

func acceptConn(lfd int) (int, string, error) {
	fd, sa, err := unix.Accept(lfd)
	if err != nil {
		return -1, "", err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", os.NewSyscallError("setnonblock", err)
	}
	return fd, remoteString(sa), nil
}
