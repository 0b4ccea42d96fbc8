// Package keymap holds the canonical key metadata used across the pipeline.
//
// Key codes live in the evdev scancode space. Sources that report keys in a
// different space translate at their boundary before anything reaches the
// remapper or classifier.
package keymap

import (
	"sort"
	"strconv"
	"strings"

	evdev "github.com/holoplot/go-evdev"
)

// KeyCode identifies a physical key in the evdev scancode space.
type KeyCode uint16

func (k KeyCode) String() string {
	return strconv.Itoa(int(k))
}

// KeyInfo is the display metadata for a key on a standard US layout.
type KeyInfo struct {
	Name  string  `json:"name"`
	Label string  `json:"label"`
	Row   uint8   `json:"row"`
	Col   uint8   `json:"col"`
	Width float32 `json:"width"`
}

// Unknown is returned by Info for codes that are not in the table.
var Unknown = KeyInfo{Name: "Unknown", Label: "?", Width: 1}

// Table is an immutable lookup from key code to metadata. Build one with
// NewTable or Standard and share the pointer.
type Table struct {
	keys map[KeyCode]KeyInfo
}

// NewTable copies entries into a new Table.
func NewTable(entries map[KeyCode]KeyInfo) *Table {
	keys := make(map[KeyCode]KeyInfo, len(entries))
	for k, v := range entries {
		keys[k] = v
	}
	return &Table{keys: keys}
}

// Lookup returns the metadata for code and whether it is a recognized key.
func (t *Table) Lookup(code KeyCode) (KeyInfo, bool) {
	info, ok := t.keys[code]
	return info, ok
}

// Info returns the metadata for code, or Unknown.
func (t *Table) Info(code KeyCode) KeyInfo {
	if info, ok := t.keys[code]; ok {
		return info
	}
	return Unknown
}

// Known reports whether code is a recognized standard key.
func (t *Table) Known(code KeyCode) bool {
	_, ok := t.keys[code]
	return ok
}

// Len returns the number of recognized keys.
func (t *Table) Len() int {
	return len(t.keys)
}

// Codes returns all recognized codes in ascending order.
func (t *Table) Codes() []KeyCode {
	codes := make([]KeyCode, 0, len(t.keys))
	for k := range t.keys {
		codes = append(codes, k)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Name returns a human readable name for code. Codes outside the table fall
// back to the kernel constant name (KEY_VOLUMEDOWN becomes "Volumedown"),
// then to the numeric scancode.
func (t *Table) Name(code KeyCode) string {
	if info, ok := t.keys[code]; ok {
		return info.Name
	}
	return KernelName(code)
}

// KernelName returns the kernel's name for code without the KEY_ prefix,
// lower-cased after the first letter of each word.
func KernelName(code KeyCode) string {
	if name, ok := evdev.KEYToString[evdev.EvCode(code)]; ok {
		name = strings.TrimPrefix(name, "KEY_")
		name = strings.TrimPrefix(name, "BTN_")
		if name != "" {
			return titleCase(name)
		}
	}
	return "Scancode " + code.String()
}

func titleCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "")
}
