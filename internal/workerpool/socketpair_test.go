// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package workerpool

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair returns a connected pair of *net.UnixConn backed by a real
// SOCK_STREAM socketpair, so tests can exercise WriteMsgUnix/ReadMsgUnix
// (including SCM_RIGHTS) without touching the filesystem for a socket
// path.
func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	a, err := fdToUnixConn(fds[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := fdToUnixConn(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "socketpair")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return c.(*net.UnixConn), nil
}
