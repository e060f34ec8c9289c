package main

import (
	"context"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/mokulua/kvm/internal/hid"
	"github.com/mokulua/kvm/internal/input"
	"github.com/mokulua/kvm/internal/server"
)

// shutdownHandle owns everything the signal handler must tear down. The
// handler captures it by reference; there are no ambient globals to
// clean up.
type shutdownHandle struct {
	once sync.Once

	cancel   context.CancelFunc
	server   *server.Server
	injector *input.Injector
	keyboard *hid.Device
	mouse    *hid.Device
	epaper   bool
}

// Shutdown is idempotent: signals and fatal-error paths may both reach
// it.
func (h *shutdownHandle) Shutdown() {
	h.once.Do(h.shutdown)
}

func (h *shutdownHandle) shutdown() {
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Stop the pump first so no more frames hit the hub.
	h.cancel()

	// Release any held keys so the attached host is not left with a key
	// stuck down, then close the gadget endpoints.
	if h.injector != nil {
		h.injector.ReleaseAll()
	}
	if h.keyboard != nil {
		h.keyboard.Close()
	}
	if h.mouse != nil {
		h.mouse.Close()
	}

	if h.epaper {
		// The e-paper panel is driven by a separate process; it blanks
		// itself when the daemon's systemd unit stops.
		log.Info("leaving display power-down to the panel driver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h.server.Shutdown(ctx)
}
