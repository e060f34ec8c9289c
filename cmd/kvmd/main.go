// kvmd is the KVM-over-IP appliance daemon: it captures the attached
// host's HDMI output, hardware-encodes it to H.264, streams it to
// browsers over TLS WebSocket, and injects keyboard/mouse events back
// through the USB HID gadget.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/mokulua/kvm/internal/config"
	"github.com/mokulua/kvm/internal/hid"
	"github.com/mokulua/kvm/internal/hub"
	"github.com/mokulua/kvm/internal/input"
	"github.com/mokulua/kvm/internal/logging"
	"github.com/mokulua/kvm/internal/server"
	"github.com/mokulua/kvm/internal/session"
	"github.com/mokulua/kvm/web"
)

var log = logging.DefaultLogger.WithTag("kvmd")

// Populated via -ldflags="-X ...". See Makefile.
var GitRevisionId string

var (
	flagCert       = pflag.String("cert", "", "TLS certificate path")
	flagKey        = pflag.String("key", "", "TLS private key path")
	flagPort       = pflag.Int("port", 8443, "HTTPS listen port")
	flagListen     = pflag.String("listen", "0.0.0.0", "HTTPS listen address")
	flagDevice     = pflag.String("device", "/dev/video0", "HDMI capture device")
	flagEncoder    = pflag.String("encoder", "/dev/video11", "H.264 M2M encoder device")
	flagBitrate    = pflag.Int("bitrate", 1_000_000, "Encoder bitrate, bits per second")
	flagGOP        = pflag.Int("gop", 3, "Keyframe interval, frames")
	flagBuffers    = pflag.Int("buffers", 6, "Shared DMA buffers between capture and encoder")
	flagMaxClients = pflag.Int("max-clients", 32, "Concurrent connection limit")
	flagKeyboard   = pflag.String("keyboard", "/dev/hidg0", "HID keyboard gadget device")
	flagMouse      = pflag.String("mouse", "/dev/hidg1", "HID mouse gadget device")
	flagConfig     = pflag.String("config", "", "Optional TOML config file")
	flagNoEpaper   = pflag.Bool("no-epaper", false, "Skip the e-paper status display")
	flagVersion    = pflag.BoolP("version", "v", false, "Print version and exit")
)

func main() {
	pflag.Parse()

	if *flagVersion {
		fmt.Println("kvmd", GitRevisionId)
		os.Exit(0)
	}

	cfg := loadConfig()
	if cfg.Cert == "" || cfg.Key == "" {
		log.Fatal("--cert and --key are required")
	}

	color.New(color.FgCyan, color.Bold).Fprintln(os.Stderr, "kvmd "+GitRevisionId)

	// HID gadget endpoints. Video streaming still works when the gadget
	// is absent, so failures here only disable input injection.
	keyboard := openReportWriter(cfg.Keyboard)
	mouse := openReportWriter(cfg.Mouse)
	injector := input.NewInjector(keyboard.writer(), mouse.writer())

	h := hub.New()

	supervisor := session.New(session.Config{
		CaptureDevice: cfg.Device,
		EncoderDevice: cfg.Encoder,
		Bitrate:       cfg.Bitrate,
		GOPSize:       cfg.GOP,
		Buffers:       cfg.Buffers,
	}, h)

	// New viewers get a keyframe immediately instead of waiting out the
	// current GOP.
	h.SetJoinHook(supervisor.ForceKeyFrame)

	srv, err := server.New(server.Config{
		Addr:       net.JoinHostPort(cfg.Listen, strconv.Itoa(cfg.Port)),
		CertFile:   cfg.Cert,
		KeyFile:    cfg.Key,
		MaxClients: cfg.MaxClients,
		Assets:     web.Assets,
	}, h, injector)
	if err != nil {
		log.Fatal("server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	shutdown := &shutdownHandle{
		cancel:   cancel,
		server:   srv,
		injector: injector,
		keyboard: keyboard.device,
		mouse:    mouse.device,
		epaper:   !cfg.NoEpaper,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Info("caught %s, shutting down", sig)
		shutdown.Shutdown()
		os.Exit(0)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatal("https: %v", err)
		}
	}()

	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := supervisor.Run(ctx); err != nil {
		log.Error("video pipeline: %v", err)
		shutdown.Shutdown()
		os.Exit(1)
	}
}

// loadConfig merges defaults, the optional config file, and explicit
// flags, in ascending precedence.
func loadConfig() config.Config {
	cfg := config.Default()
	if *flagConfig != "" {
		loaded, err := config.Load(*flagConfig)
		if err != nil {
			log.Fatal("config: %v", err)
		}
		cfg = loaded
	}

	pflag.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "cert":
			cfg.Cert = *flagCert
		case "key":
			cfg.Key = *flagKey
		case "port":
			cfg.Port = *flagPort
		case "listen":
			cfg.Listen = *flagListen
		case "device":
			cfg.Device = *flagDevice
		case "encoder":
			cfg.Encoder = *flagEncoder
		case "bitrate":
			cfg.Bitrate = *flagBitrate
		case "gop":
			cfg.GOP = *flagGOP
		case "buffers":
			cfg.Buffers = *flagBuffers
		case "max-clients":
			cfg.MaxClients = *flagMaxClients
		case "keyboard":
			cfg.Keyboard = *flagKeyboard
		case "mouse":
			cfg.Mouse = *flagMouse
		case "no-epaper":
			cfg.NoEpaper = *flagNoEpaper
		}
	})

	return cfg
}

// hidEndpoint pairs an opened device with a fallback that swallows
// reports when the gadget is unavailable.
type hidEndpoint struct {
	device *hid.Device
	path   string
}

func openReportWriter(path string) hidEndpoint {
	dev, err := hid.Open(path)
	if err != nil {
		log.Warn("hid %s unavailable, input disabled on it: %v", path, err)
		return hidEndpoint{path: path}
	}
	return hidEndpoint{device: dev, path: path}
}

func (e hidEndpoint) writer() input.ReportWriter {
	if e.device == nil {
		return discardReports{}
	}
	return e.device
}

type discardReports struct{}

func (discardReports) WriteReport([]byte) error { return nil }
