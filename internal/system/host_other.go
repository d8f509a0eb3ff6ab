//go:build !linux && !darwin && !windows

package system

import "github.com/cockroachdb/errors"

func readHostMemory() (HostMemory, error) {
	return HostMemory{}, errors.New("host memory unavailable on this platform")
}
