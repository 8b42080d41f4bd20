//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package server

import (
	"errors"
	"net"
)

func newPoller() (poller, error) { return nil, errors.ErrUnsupported }

func listenTCP(string) (int, *net.TCPAddr, error) { return -1, nil, errors.ErrUnsupported }

func acceptConn(int) (int, string, error) { return -1, "", errors.ErrUnsupported }

func readFd(int, []byte) (int, error) { return 0, errors.ErrUnsupported }

func writeFd(int, []byte) (int, error) { return 0, errors.ErrUnsupported }

func closeFd(int) error { return errors.ErrUnsupported }

func wouldBlock(error) bool { return false }

func acceptRetry(error) bool { return false }
