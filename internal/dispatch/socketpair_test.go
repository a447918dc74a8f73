// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import "net"

// rawSocketpair mirrors the workerpool package's test helper so
// mother_test.go can fake a child's data pipe without a real fork; it is
// just NewSocketpair under the name these tests were already written
// against.
func rawSocketpair() (*net.UnixConn, *net.UnixConn, error) {
	return NewSocketpair()
}
