package reactor

import (
	"fmt"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// sockaddrBytes constructs raw sockaddr bytes for addr, suitable for handing
// to an io_uring connect submission. The returned slice's lifetime must be
// pinned by the caller for the duration of the in-flight connect.
func sockaddrBytes(addr netip.AddrPort) ([]byte, int32, error) {
	if addr.Addr().Is4() {
		sa := unix.RawSockaddrInet4{
			Family: unix.AF_INET,
			Port:   htons(addr.Port()),
			Addr:   addr.Addr().As4(),
		}
		buf := make([]byte, unix.SizeofSockaddrInet4)
		*(*unix.RawSockaddrInet4)(unsafe.Pointer(&buf[0])) = sa
		return buf, unix.AF_INET, nil
	}
	if addr.Addr().Is6() {
		sa := unix.RawSockaddrInet6{
			Family: unix.AF_INET6,
			Port:   htons(addr.Port()),
			Addr:   addr.Addr().As16(),
		}
		buf := make([]byte, unix.SizeofSockaddrInet6)
		*(*unix.RawSockaddrInet6)(unsafe.Pointer(&buf[0])) = sa
		return buf, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("sockaddr: unrecognized address family for %s", addr)
}

func htons(port uint16) uint16 {
	return (port << 8) | (port >> 8)
}
