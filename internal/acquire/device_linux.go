//go:build linux

package acquire

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const eviocgrab = 0x40044590

// rawDevice reads records straight from a non-blocking evdev descriptor.
// The fd is kept out of the runtime poller so reads return EAGAIN instead of
// parking the goroutine.
type rawDevice struct {
	fd int
}

func openRawDevice(path string, grab bool) (DeviceReader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	if grab {
		if err := unix.IoctlSetInt(fd, eviocgrab, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("grab %s: %w", path, err)
		}
	}
	return &rawDevice{fd: fd}, nil
}

func (d *rawDevice) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (d *rawDevice) Close() error {
	return unix.Close(d.fd)
}

// deviceGone reports whether err means the device was unplugged.
func deviceGone(err error) bool {
	return errors.Is(err, unix.ENODEV)
}
