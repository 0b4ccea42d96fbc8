package remap

import (
	"fmt"
	"strings"

	evdev "github.com/holoplot/go-evdev"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// FnMode selects how FN+key combinations are handled.
type FnMode int

const (
	// FnDisabled keeps FN detection but never fires combos.
	FnDisabled FnMode = iota
	// FnCaptureOnly records FN activity and fires the installed combos.
	FnCaptureOnly
	// FnRestoreWithModifier is reserved for treating FN as an ordinary
	// modifier in shortcut detection. Combos behave as in FnCaptureOnly.
	FnRestoreWithModifier
	// FnMapToFKeys maps FN plus the number row to F1-F12.
	FnMapToFKeys
	// FnMapToMedia maps FN plus arrows and a few others to media keys.
	FnMapToMedia
)

var fnModeNames = map[FnMode]string{
	FnDisabled:            "disabled",
	FnCaptureOnly:         "capture-only",
	FnRestoreWithModifier: "restore-with-modifier",
	FnMapToFKeys:          "map-to-fkeys",
	FnMapToMedia:          "map-to-media",
}

func (m FnMode) String() string {
	if s, ok := fnModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("FnMode(%d)", int(m))
}

// ParseFnMode parses the names produced by FnMode.String.
func ParseFnMode(s string) (FnMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range fnModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown fn mode %q", s)
}

func (m FnMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *FnMode) UnmarshalText(b []byte) error {
	v, err := ParseFnMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// UnknownPolicy controls what happens to keys missing from the key table.
type UnknownPolicy int

const (
	// PassThrough leaves unknown keys unchanged.
	PassThrough UnknownPolicy = iota
	// CaptureAndPassThrough is the default.
	CaptureAndPassThrough
	// Block suppresses unknown keys.
	Block
)

var policyNames = map[UnknownPolicy]string{
	PassThrough:           "pass-through",
	CaptureAndPassThrough: "capture",
	Block:                 "block",
}

func (p UnknownPolicy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("UnknownPolicy(%d)", int(p))
}

// ParseUnknownPolicy parses the names produced by UnknownPolicy.String.
func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown key policy %q", s)
}

func (p UnknownPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *UnknownPolicy) UnmarshalText(b []byte) error {
	v, err := ParseUnknownPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// DefaultFnScancodes are the vendor FN scancodes seen on common laptops.
var DefaultFnScancodes = []keymap.KeyCode{464, 480}

func code(c evdev.EvCode) keymap.KeyCode { return keymap.KeyCode(c) }

var fkeyCombos = map[keymap.KeyCode]keymap.KeyCode{
	code(evdev.KEY_1):         code(evdev.KEY_F1),
	code(evdev.KEY_2):         code(evdev.KEY_F2),
	code(evdev.KEY_3):         code(evdev.KEY_F3),
	code(evdev.KEY_4):         code(evdev.KEY_F4),
	code(evdev.KEY_5):         code(evdev.KEY_F5),
	code(evdev.KEY_6):         code(evdev.KEY_F6),
	code(evdev.KEY_7):         code(evdev.KEY_F7),
	code(evdev.KEY_8):         code(evdev.KEY_F8),
	code(evdev.KEY_9):         code(evdev.KEY_F9),
	code(evdev.KEY_0):         code(evdev.KEY_F10),
	code(evdev.KEY_MINUS):     code(evdev.KEY_F11),
	code(evdev.KEY_EQUAL):     code(evdev.KEY_F12),
	code(evdev.KEY_BACKSPACE): code(evdev.KEY_DELETE),
}

var mediaCombos = map[keymap.KeyCode]keymap.KeyCode{
	code(evdev.KEY_LEFT):  code(evdev.KEY_PREVIOUSSONG),
	code(evdev.KEY_RIGHT): code(evdev.KEY_NEXTSONG),
	code(evdev.KEY_UP):    code(evdev.KEY_VOLUMEUP),
	code(evdev.KEY_DOWN):  code(evdev.KEY_VOLUMEDOWN),
	code(evdev.KEY_SPACE): code(evdev.KEY_PLAYPAUSE),
	code(evdev.KEY_ESC):   code(evdev.KEY_SLEEP),
}

// PresetCombos returns a fresh copy of the combo table installed for mode.
// FnDisabled returns nil: the current table is left in place.
func PresetCombos(mode FnMode) map[keymap.KeyCode]keymap.KeyCode {
	out := make(map[keymap.KeyCode]keymap.KeyCode)
	switch mode {
	case FnDisabled:
		return nil
	case FnMapToFKeys:
		copyInto(out, fkeyCombos)
	case FnMapToMedia:
		copyInto(out, mediaCombos)
	default:
		copyInto(out, fkeyCombos)
		copyInto(out, mediaCombos)
	}
	return out
}

func copyInto(dst, src map[keymap.KeyCode]keymap.KeyCode) {
	for k, v := range src {
		dst[k] = v
	}
}
