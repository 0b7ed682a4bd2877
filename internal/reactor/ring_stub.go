//go:build !linux

package reactor

import "errors"

// NewGiouringRing is unavailable on non-Linux platforms: io_uring is a Linux
// kernel facility.
func NewGiouringRing(entries uint32) (Ring, error) {
	return nil, errors.New("reactor: io_uring is only available on linux")
}
