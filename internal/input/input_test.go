package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	reports [][]byte
}

func (r *recorder) WriteReport(report []byte) error {
	r.reports = append(r.reports, append([]byte(nil), report...))
	return nil
}

func newTestInjector() (*Injector, *recorder, *recorder) {
	kbd := &recorder{}
	mouse := &recorder{}
	return NewInjector(kbd, mouse), kbd, mouse
}

func TestKeyboardShiftedKeydown(t *testing.T) {
	in, kbd, _ := newTestInjector()

	err := in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"KeyA","modifiers":{"shift":true}}`))
	assert.NoError(t, err)
	assert.Len(t, kbd.reports, 1)
	assert.Equal(t, []byte{0x02, 0, 0x04, 0, 0, 0, 0, 0}, kbd.reports[0])
}

func TestKeyboardKeyupClearsKey(t *testing.T) {
	in, kbd, _ := newTestInjector()

	in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"KeyZ","modifiers":{}}`))
	in.Handle([]byte(`{"type":"keyboard","event":"keyup","code":"KeyZ","modifiers":{}}`))

	assert.Len(t, kbd.reports, 2)
	assert.Equal(t, []byte{0, 0, 0x1d, 0, 0, 0, 0, 0}, kbd.reports[0])
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, kbd.reports[1])
}

// Held modifier keys contribute bits even when the browser's modifier
// object misses them.
func TestKeyboardHeldModifierKey(t *testing.T) {
	in, kbd, _ := newTestInjector()

	in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"ControlLeft","modifiers":{}}`))
	in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"KeyC","modifiers":{}}`))

	assert.Equal(t, []byte{0x01, 0, 0, 0, 0, 0, 0, 0}, kbd.reports[0])
	assert.Equal(t, []byte{0x01, 0, 0x06, 0, 0, 0, 0, 0}, kbd.reports[1])
}

// A seventh concurrent key rolls the oldest one off the report.
func TestKeyboardRollover(t *testing.T) {
	in, kbd, _ := newTestInjector()

	for _, code := range []string{"KeyA", "KeyB", "KeyC", "KeyD", "KeyE", "KeyF", "KeyG"} {
		in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"` + code + `","modifiers":{}}`))
	}

	last := kbd.reports[len(kbd.reports)-1]
	assert.Equal(t, []byte{0, 0, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a}, last)
}

func TestMouseMoveReport(t *testing.T) {
	in, _, mouse := newTestInjector()

	err := in.Handle([]byte(`{"type":"mouse","event":"move","x":16384,"y":8192,"button":0,"delta":0}`))
	assert.NoError(t, err)
	assert.Equal(t, []byte{0, 0x00, 0x40, 0x00, 0x20, 0}, mouse.reports[0])
}

func TestMouseButtonsAndWheel(t *testing.T) {
	in, _, mouse := newTestInjector()

	in.Handle([]byte(`{"type":"mouse","event":"down","x":100,"y":100,"button":2,"delta":0}`))
	in.Handle([]byte(`{"type":"mouse","event":"up","x":100,"y":100,"button":2,"delta":0}`))
	in.Handle([]byte(`{"type":"mouse","event":"wheel","x":0,"y":0,"button":0,"delta":-500}`))

	assert.Equal(t, byte(0x04), mouse.reports[0][0])
	assert.Equal(t, byte(0x00), mouse.reports[1][0])
	// Wheel delta clamps to signed 8-bit.
	assert.Equal(t, byte(0x81), mouse.reports[2][5])
}

func TestMouseCoordinateClamp(t *testing.T) {
	in, _, mouse := newTestInjector()

	in.Handle([]byte(`{"type":"mouse","event":"move","x":99999,"y":-5,"button":0,"delta":0}`))
	assert.Equal(t, []byte{0, 0xff, 0x7f, 0x00, 0x00, 0}, mouse.reports[0])
}

// Unknown message types are ignored; unknown event strings are rejected;
// unknown fields pass through silently.
func TestMessageTolerance(t *testing.T) {
	in, kbd, mouse := newTestInjector()

	assert.NoError(t, in.Handle([]byte(`{"type":"clipboard","data":"x"}`)))
	assert.Empty(t, kbd.reports)
	assert.Empty(t, mouse.reports)

	assert.Error(t, in.Handle([]byte(`{"type":"keyboard","event":"keypress","code":"KeyA"}`)))
	assert.Error(t, in.Handle([]byte(`{"type":"mouse","event":"drag","x":1,"y":1}`)))
	assert.Error(t, in.Handle([]byte(`not json`)))

	assert.NoError(t, in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"KeyA","modifiers":{},"future":"field"}`)))
	assert.Len(t, kbd.reports, 1)
}

func TestReleaseAll(t *testing.T) {
	in, kbd, mouse := newTestInjector()

	in.Handle([]byte(`{"type":"keyboard","event":"keydown","code":"KeyA","modifiers":{}}`))
	in.Handle([]byte(`{"type":"mouse","event":"down","x":5,"y":5,"button":0,"delta":0}`))
	assert.NoError(t, in.ReleaseAll())

	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, kbd.reports[len(kbd.reports)-1])
	assert.Equal(t, byte(0), mouse.reports[len(mouse.reports)-1][0])
}
