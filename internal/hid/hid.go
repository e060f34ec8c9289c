// Package hid writes reports to the USB gadget's HID character devices.
// ConfigFS bring-up and the report descriptors live outside this process;
// the devices appear pre-configured at /dev/hidg*.
package hid

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/mokulua/kvm/internal/logging"
)

var log = logging.DefaultLogger.WithTag("hid")

const (
	DefaultKeyboardPath = "/dev/hidg0"
	DefaultMousePath    = "/dev/hidg1"
)

// Device is one HID gadget endpoint. Writes are serialized; reports from
// concurrent clients interleave whole, last-write-wins.
type Device struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

func Open(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &Device{path: path, f: f}, nil
}

// WriteReport sends one complete report to the host.
func (d *Device) WriteReport(report []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.Errorf("%s is closed", d.path)
	}
	_, err := d.f.Write(report)
	return errors.Wrapf(err, "write %s", d.path)
}

// Close releases the device. Idempotent; part of the shutdown path.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	log.Debug("closing %s", d.path)
	return d.f.Close()
}
