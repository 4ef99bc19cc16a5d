//go:build linux

package netinfo

import "golang.org/x/sys/unix"

// querySendBuffer reads SO_SNDBUF off a scratch UDP socket, grounded on the
// SO_RCVMARK sockopt dance in orbstack-swift-nio's scon/mdns/socket_linux.go.
func querySendBuffer() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF)
}
