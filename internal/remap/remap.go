// Package remap translates raw key transitions into remap outcomes.
//
// A Remapper tracks the FN modifier, applies FN+key combos and direct
// mappings, and records vendor or otherwise unrecognized keys in a capture
// table. It is not safe for concurrent use; the pipeline owns one and
// serializes access to it.
package remap

import (
	"sort"
	"time"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// FnLabel is attached to captured FN key activity.
const FnLabel = "Fn"

// CapturedKey is the capture table entry for one scancode.
type CapturedKey struct {
	Scancode   keymap.KeyCode `json:"scancode"`
	Timestamp  time.Time      `json:"timestamp"`
	Pressed    bool           `json:"pressed"`
	PressCount uint32         `json:"press_count"`
	Label      string         `json:"label,omitempty"`
}

// Mapping is a single source to target pair.
type Mapping struct {
	From keymap.KeyCode `json:"from" toml:"from" yaml:"from"`
	To   keymap.KeyCode `json:"to" toml:"to" yaml:"to"`
}

// Remapper is the stateful key translator.
type Remapper struct {
	keys     *keymap.Table
	now      func() time.Time
	enabled  bool
	mode     FnMode
	policy   UnknownPolicy
	fnHeld   bool
	fnCodes  map[keymap.KeyCode]struct{}
	mappings map[keymap.KeyCode]keymap.KeyCode
	combos   map[keymap.KeyCode]keymap.KeyCode
	captured map[keymap.KeyCode]*CapturedKey
}

// Option configures a Remapper.
type Option func(*Remapper)

// WithClock overrides the clock used to timestamp captures made by Process.
func WithClock(now func() time.Time) Option {
	return func(r *Remapper) { r.now = now }
}

// New returns a Remapper with remapping enabled, FnCaptureOnly mode, the
// default FN scancodes, CaptureAndPassThrough policy and the full default
// combo table. keys is used to decide which codes are unknown; nil selects
// keymap.Standard.
func New(keys *keymap.Table, opts ...Option) *Remapper {
	if keys == nil {
		keys = keymap.Standard()
	}
	r := &Remapper{
		keys:     keys,
		now:      time.Now,
		enabled:  true,
		mode:     FnCaptureOnly,
		policy:   CaptureAndPassThrough,
		fnCodes:  make(map[keymap.KeyCode]struct{}),
		mappings: make(map[keymap.KeyCode]keymap.KeyCode),
		combos:   PresetCombos(FnCaptureOnly),
		captured: make(map[keymap.KeyCode]*CapturedKey),
	}
	for _, c := range DefaultFnScancodes {
		r.fnCodes[c] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewWithOEMFixes returns a Remapper set up for keyboards that lost their
// FN row after the vendor software was removed.
func NewWithOEMFixes(keys *keymap.Table, opts ...Option) *Remapper {
	r := New(keys, opts...)
	r.ApplyPreset(FnMapToFKeys)
	return r
}

// Process translates one transition using the wall clock for captures.
func (r *Remapper) Process(code keymap.KeyCode, pressed bool) Result {
	return r.ProcessAt(code, pressed, r.now())
}

// ProcessAt translates one transition observed at ts. Rules are tried in
// order: FN key, FN combo, direct mapping, unknown key, unchanged.
func (r *Remapper) ProcessAt(code keymap.KeyCode, pressed bool, ts time.Time) Result {
	if r.IsFnKey(code) {
		r.fnHeld = pressed
		r.capture(code, pressed, FnLabel, ts)
		return FnModifier{Pressed: pressed}
	}

	if r.fnHeld && pressed && r.mode != FnDisabled {
		if target, ok := r.combos[code]; ok {
			r.capture(code, pressed, "", ts)
			return FnCombo{Original: code, Result: target}
		}
	}

	if r.enabled {
		if target, ok := r.mappings[code]; ok {
			return Remapped{From: code, To: target}
		}
	}

	if !r.keys.Known(code) {
		r.capture(code, pressed, "", ts)
		if r.policy == Block {
			return Blocked{Code: code}
		}
	}

	return Unchanged{Code: code}
}

func (r *Remapper) capture(code keymap.KeyCode, pressed bool, label string, ts time.Time) {
	c, ok := r.captured[code]
	if !ok {
		c = &CapturedKey{Scancode: code, Label: label}
		r.captured[code] = c
	} else if label != "" {
		c.Label = label
	}
	c.Timestamp = ts
	c.Pressed = pressed
	if pressed {
		c.PressCount++
	}
}

// SetEnabled turns direct mappings on or off. FN handling is unaffected.
func (r *Remapper) SetEnabled(enabled bool) { r.enabled = enabled }

// Enabled reports whether direct mappings are applied.
func (r *Remapper) Enabled() bool { return r.enabled }

// SetFnMode changes the mode without touching the combo table.
func (r *Remapper) SetFnMode(mode FnMode) { r.mode = mode }

// FnMode returns the current FN mode.
func (r *Remapper) FnMode() FnMode { return r.mode }

// ApplyPreset switches to mode and installs its preset combo table.
// FnDisabled keeps the current table.
func (r *Remapper) ApplyPreset(mode FnMode) {
	r.mode = mode
	if combos := PresetCombos(mode); combos != nil {
		r.combos = combos
	}
}

// SetUnknownPolicy sets the handling for keys missing from the key table.
func (r *Remapper) SetUnknownPolicy(p UnknownPolicy) { r.policy = p }

// UnknownPolicy returns the current unknown key policy.
func (r *Remapper) UnknownPolicy() UnknownPolicy { return r.policy }

// SetFnScancodes replaces the set of codes recognized as FN.
func (r *Remapper) SetFnScancodes(codes []keymap.KeyCode) {
	r.fnCodes = make(map[keymap.KeyCode]struct{}, len(codes))
	for _, c := range codes {
		r.fnCodes[c] = struct{}{}
	}
}

// AddFnScancode adds code to the FN set.
func (r *Remapper) AddFnScancode(code keymap.KeyCode) { r.fnCodes[code] = struct{}{} }

// FnScancodes returns the FN set in ascending order.
func (r *Remapper) FnScancodes() []keymap.KeyCode {
	out := make([]keymap.KeyCode, 0, len(r.fnCodes))
	for c := range r.fnCodes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsFnKey reports whether code is treated as FN.
func (r *Remapper) IsFnKey(code keymap.KeyCode) bool {
	_, ok := r.fnCodes[code]
	return ok
}

// FnHeld reports whether FN is currently down.
func (r *Remapper) FnHeld() bool { return r.fnHeld }

// AddMapping maps from to to. It takes effect on the next event.
func (r *Remapper) AddMapping(from, to keymap.KeyCode) { r.mappings[from] = to }

// RemoveMapping deletes the mapping for from and returns its old target.
func (r *Remapper) RemoveMapping(from keymap.KeyCode) (keymap.KeyCode, bool) {
	to, ok := r.mappings[from]
	delete(r.mappings, from)
	return to, ok
}

// ClearMappings removes all direct mappings.
func (r *Remapper) ClearMappings() {
	r.mappings = make(map[keymap.KeyCode]keymap.KeyCode)
}

// LoadMappings adds every pair, overwriting existing sources.
func (r *Remapper) LoadMappings(pairs []Mapping) {
	for _, m := range pairs {
		r.mappings[m.From] = m.To
	}
}

// ExportMappings returns the direct mappings sorted by source.
func (r *Remapper) ExportMappings() []Mapping {
	return sortedPairs(r.mappings)
}

// AddCombo registers FN+key to result.
func (r *Remapper) AddCombo(key, result keymap.KeyCode) { r.combos[key] = result }

// RemoveCombo deletes the combo for key and returns its old result.
func (r *Remapper) RemoveCombo(key keymap.KeyCode) (keymap.KeyCode, bool) {
	res, ok := r.combos[key]
	delete(r.combos, key)
	return res, ok
}

// ClearCombos removes every combo.
func (r *Remapper) ClearCombos() {
	r.combos = make(map[keymap.KeyCode]keymap.KeyCode)
}

// Combos returns the combo table sorted by key.
func (r *Remapper) Combos() []Mapping {
	return sortedPairs(r.combos)
}

func sortedPairs(m map[keymap.KeyCode]keymap.KeyCode) []Mapping {
	out := make([]Mapping, 0, len(m))
	for k, v := range m {
		out = append(out, Mapping{From: k, To: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Captured returns a copy of the capture table sorted by scancode.
func (r *Remapper) Captured() []CapturedKey {
	out := make([]CapturedKey, 0, len(r.captured))
	for _, c := range r.captured {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scancode < out[j].Scancode })
	return out
}

// RecentCaptured returns up to n captures, most recent first.
func (r *Remapper) RecentCaptured(n int) []CapturedKey {
	out := r.Captured()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// ClearCaptured empties the capture table.
func (r *Remapper) ClearCaptured() {
	r.captured = make(map[keymap.KeyCode]*CapturedKey)
}

// ResetState clears the FN-held flag and the capture table. Mappings, combos
// and settings are kept.
func (r *Remapper) ResetState() {
	r.fnHeld = false
	r.ClearCaptured()
}
