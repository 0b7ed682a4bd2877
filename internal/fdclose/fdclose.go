// Package fdclose provides the single quiet-close helper through which
// every descriptor close in this reactor is routed: it reports failures but
// never retries on interruption, per spec's descriptor-ownership discipline.
package fdclose

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/reverseproxyd/internal/interfaces"
)

// Quiet closes fd, logging (not retrying) on failure. fd < 0 is a no-op;
// callers routinely hold sentinel -1 for an unset descriptor.
func Quiet(logger interfaces.Logger, fd int, context string) {
	if fd < 0 {
		return
	}
	if err := unix.Close(fd); err != nil {
		if logger != nil {
			logger.Debugf("fdclose: close(%d) during %s: %v", fd, context, err)
		}
	}
}
