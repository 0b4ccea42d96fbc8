//go:build !linux

package acquire

import "fmt"

func openRawDevice(path string, grab bool) (DeviceReader, error) {
	return nil, fmt.Errorf("open %s: %w", path, ErrUnavailable)
}

func deviceGone(err error) bool { return false }
