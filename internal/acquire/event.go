// Package acquire reads keyboard transitions from the host.
//
// The primary source decodes raw evdev records from /dev/input; a hook based
// source is used when no device can be opened. Both emit KeyEvents in the
// evdev scancode space with autorepeat removed and duplicate transitions
// filtered.
package acquire

import (
	"encoding/binary"
	"fmt"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// Kind is the direction of a key transition.
type Kind uint8

const (
	Press Kind = iota + 1
	Release
)

func (k Kind) String() string {
	switch k {
	case Press:
		return "press"
	case Release:
		return "release"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// KeyEvent is one physical key transition.
type KeyEvent struct {
	Key       keymap.KeyCode `json:"key"`
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	// Delta is the time since the previous poll of the producing source.
	Delta  time.Duration `json:"delta"`
	Device string        `json:"device,omitempty"`
}

// Pressed reports whether e is a press.
func (e KeyEvent) Pressed() bool { return e.Kind == Press }

// RecordSize is the size of one kernel input_event on 64-bit hosts.
const RecordSize = 24

// Key transition values carried in an EV_KEY record.
const (
	valueRelease    = 0
	valuePress      = 1
	valueAutorepeat = 2
)

// Record is a decoded kernel input_event.
type Record struct {
	Sec   int64
	Usec  int64
	Type  evdev.EvType
	Code  evdev.EvCode
	Value int32
}

// DecodeRecord decodes one little-endian record from b, which must hold at
// least RecordSize bytes.
func DecodeRecord(b []byte) Record {
	_ = b[RecordSize-1]
	return Record{
		Sec:   int64(binary.LittleEndian.Uint64(b[0:8])),
		Usec:  int64(binary.LittleEndian.Uint64(b[8:16])),
		Type:  evdev.EvType(binary.LittleEndian.Uint16(b[16:18])),
		Code:  evdev.EvCode(binary.LittleEndian.Uint16(b[18:20])),
		Value: int32(binary.LittleEndian.Uint32(b[20:24])),
	}
}

// EncodeRecord writes r into b in the kernel layout. It is the inverse of
// DecodeRecord and is mostly useful for feeding synthetic devices.
func EncodeRecord(b []byte, r Record) {
	_ = b[RecordSize-1]
	binary.LittleEndian.PutUint64(b[0:8], uint64(r.Sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.Usec))
	binary.LittleEndian.PutUint16(b[16:18], uint16(r.Type))
	binary.LittleEndian.PutUint16(b[18:20], uint16(r.Code))
	binary.LittleEndian.PutUint32(b[20:24], uint32(r.Value))
}

// edgeTracker is the pressed set of one device. It turns key values into
// transitions, dropping autorepeat and duplicates.
type edgeTracker struct {
	pressed map[keymap.KeyCode]struct{}
}

func newEdgeTracker() *edgeTracker {
	return &edgeTracker{pressed: make(map[keymap.KeyCode]struct{})}
}

func (t *edgeTracker) apply(code keymap.KeyCode, value int32) (Kind, bool) {
	_, down := t.pressed[code]
	switch value {
	case valuePress:
		if down {
			return 0, false
		}
		t.pressed[code] = struct{}{}
		return Press, true
	case valueRelease:
		if !down {
			return 0, false
		}
		delete(t.pressed, code)
		return Release, true
	default:
		return 0, false
	}
}

// drain clears the set and returns the codes that were down.
func (t *edgeTracker) drain() []keymap.KeyCode {
	codes := make([]keymap.KeyCode, 0, len(t.pressed))
	for c := range t.pressed {
		codes = append(codes, c)
	}
	t.pressed = make(map[keymap.KeyCode]struct{})
	return codes
}

func (t *edgeTracker) reset() {
	t.pressed = make(map[keymap.KeyCode]struct{})
}
