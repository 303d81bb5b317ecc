//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package route

import (
	"fmt"
	"net/netip"
	"runtime"
)

func get(netip.Addr) (Route, error) {
	return Route{}, fmt.Errorf("%w: route lookup is not supported on %s", ErrNoRoute, runtime.GOOS)
}
