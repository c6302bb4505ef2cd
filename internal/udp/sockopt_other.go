//go:build !unix

package udp

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
