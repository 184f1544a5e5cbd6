//go:build !giouring
// +build !giouring

package mmio

import "fmt"

// OpenRingSource is available when built with -tags giouring.
func OpenRingSource(path string) (InterruptSource, error) {
	return nil, fmt.Errorf("giouring not enabled; build with -tags giouring")
}
