// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// NewSocketpair returns a connected pair of *net.UnixConn backed by a real
// SOCK_STREAM socketpair: one half for the dispatcher's end of a worker
// slot's data or ack pipe, the other for the stage worker goroutine that
// plays the forked child's role (spec.md §4.6). Exported so cmd/sockd can
// build real worker slots with the same primitive mother_test.go uses to
// fake one.
func NewSocketpair() (dispatcher, child *net.UnixConn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}

	dispatcher, err = fdToUnixConn(fds[0])
	if err != nil {
		return nil, nil, err
	}
	child, err = fdToUnixConn(fds[1])
	if err != nil {
		dispatcher.Close()
		return nil, nil, err
	}
	return dispatcher, child, nil
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
