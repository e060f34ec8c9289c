// Translate control messages from browser clients into USB HID reports.
//
// Messages are UTF-8 JSON, one event per WebSocket text frame. Unknown
// message types are logged and ignored; unknown fields are ignored for
// forward compatibility; unknown event strings are rejected.
package input

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/mokulua/kvm/internal/logging"
	"github.com/mokulua/kvm/internal/metrics"
)

var log = logging.DefaultLogger.WithTag("input")

// ReportWriter is the sink for assembled HID reports. *hid.Device
// satisfies it.
type ReportWriter interface {
	WriteReport(report []byte) error
}

const maxCoordinate = 32767

// Keyboard reports hold at most six concurrently pressed non-modifier
// keys.
const maxPressedKeys = 6

type envelope struct {
	Type string `json:"type"`
}

type modifiers struct {
	Ctrl  bool `json:"ctrl"`
	Alt   bool `json:"alt"`
	Shift bool `json:"shift"`
	Meta  bool `json:"meta"`
}

func (m modifiers) bits() byte {
	var b byte
	if m.Ctrl {
		b |= 0x01
	}
	if m.Shift {
		b |= 0x02
	}
	if m.Alt {
		b |= 0x04
	}
	if m.Meta {
		b |= 0x08
	}
	return b
}

type keyboardEvent struct {
	Event     string    `json:"event"`
	Key       string    `json:"key"`
	Code      string    `json:"code"`
	Modifiers modifiers `json:"modifiers"`
}

type mouseEvent struct {
	Event  string `json:"event"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Button int    `json:"button"`
	Delta  int    `json:"delta"`
}

var errUnknownEvent = errors.New("unknown event")

// Injector turns parsed events into HID reports. One injector serves all
// clients; its state is the single shared keyboard/mouse of the attached
// host, so concurrent clients race last-write-wins by design.
type Injector struct {
	keyboard ReportWriter
	mouse    ReportWriter

	mu sync.Mutex

	// Keyboard state.
	heldModifiers byte
	pressed       []byte

	// Mouse state.
	buttons byte
	x, y    int
}

func NewInjector(keyboard, mouse ReportWriter) *Injector {
	return &Injector{
		keyboard: keyboard,
		mouse:    mouse,
		pressed:  make([]byte, 0, maxPressedKeys),
	}
}

// Handle processes one control message. Each valid event yields exactly
// one HID report, in receive order.
func (in *Injector) Handle(msg []byte) error {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return errors.Wrap(err, "control message")
	}

	switch env.Type {
	case "keyboard":
		var ev keyboardEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return errors.Wrap(err, "keyboard event")
		}
		return in.handleKeyboard(ev)
	case "mouse":
		var ev mouseEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			return errors.Wrap(err, "mouse event")
		}
		return in.handleMouse(ev)
	default:
		log.Warn("ignoring message type %q", env.Type)
		return nil
	}
}

func (in *Injector) handleKeyboard(ev keyboardEvent) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	down := false
	switch ev.Event {
	case "keydown":
		down = true
	case "keyup":
	default:
		return errors.Wrapf(errUnknownEvent, "keyboard %q", ev.Event)
	}

	if bit, ok := modifierBitForCode[ev.Code]; ok {
		if down {
			in.heldModifiers |= bit
		} else {
			in.heldModifiers &^= bit
		}
	} else if usage, ok := usageForCode[ev.Code]; ok {
		if down {
			in.press(usage)
		} else {
			in.release(usage)
		}
	} else {
		log.Debug("no usage for code %q", ev.Code)
	}

	report := [8]byte{ev.Modifiers.bits() | in.heldModifiers, 0}
	copy(report[2:], in.pressed)

	metrics.InputEvents.WithLabelValues("keyboard").Inc()
	return in.keyboard.WriteReport(report[:])
}

func (in *Injector) press(usage byte) {
	for _, k := range in.pressed {
		if k == usage {
			return
		}
	}
	if len(in.pressed) == maxPressedKeys {
		// Oldest key rolls off; the host sees it released.
		in.pressed = append(in.pressed[1:], usage)
		return
	}
	in.pressed = append(in.pressed, usage)
}

func (in *Injector) release(usage byte) {
	for i, k := range in.pressed {
		if k == usage {
			in.pressed = append(in.pressed[:i], in.pressed[i+1:]...)
			return
		}
	}
}

func (in *Injector) handleMouse(ev mouseEvent) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	var wheel int8
	switch ev.Event {
	case "move":
		in.x = clampCoordinate(ev.X)
		in.y = clampCoordinate(ev.Y)
	case "down":
		in.x = clampCoordinate(ev.X)
		in.y = clampCoordinate(ev.Y)
		in.buttons |= buttonBit(ev.Button)
	case "up":
		in.x = clampCoordinate(ev.X)
		in.y = clampCoordinate(ev.Y)
		in.buttons &^= buttonBit(ev.Button)
	case "wheel":
		wheel = clampWheel(ev.Delta)
	default:
		return errors.Wrapf(errUnknownEvent, "mouse %q", ev.Event)
	}

	report := [6]byte{
		in.buttons,
		byte(in.x), byte(in.x >> 8),
		byte(in.y), byte(in.y >> 8),
		byte(wheel),
	}

	metrics.InputEvents.WithLabelValues("mouse").Inc()
	return in.mouse.WriteReport(report[:])
}

// ReleaseAll clears all held keys and buttons, e.g. on shutdown so the
// host is not left with a stuck key.
func (in *Injector) ReleaseAll() error {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.heldModifiers = 0
	in.pressed = in.pressed[:0]
	in.buttons = 0

	var kbd [8]byte
	if err := in.keyboard.WriteReport(kbd[:]); err != nil {
		return err
	}
	mouse := [6]byte{0, byte(in.x), byte(in.x >> 8), byte(in.y), byte(in.y >> 8), 0}
	return in.mouse.WriteReport(mouse[:])
}

func clampCoordinate(v int) int {
	if v < 0 {
		return 0
	}
	if v > maxCoordinate {
		return maxCoordinate
	}
	return v
}

func clampWheel(delta int) int8 {
	if delta < -127 {
		return -127
	}
	if delta > 127 {
		return 127
	}
	return int8(delta)
}

// Buttons 0/1/2 are left/middle/right, matching the gadget's report
// descriptor bit order.
func buttonBit(button int) byte {
	if button < 0 || button > 2 {
		return 0
	}
	return 1 << uint(button)
}
