package remap

import (
	"fmt"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// Result is the outcome of processing one key transition. The concrete type
// is one of Unchanged, Remapped, Blocked, FnModifier or FnCombo.
type Result interface {
	// Outcome is a short stable name for the variant.
	Outcome() string
	isResult()
}

// Unchanged passes the key through as reported.
type Unchanged struct {
	Code keymap.KeyCode `json:"code"`
}

// Remapped replaces From with To for both press and release.
type Remapped struct {
	From keymap.KeyCode `json:"from"`
	To   keymap.KeyCode `json:"to"`
}

// Blocked suppresses an unknown key.
type Blocked struct {
	Code keymap.KeyCode `json:"code"`
}

// FnModifier reports a change of the FN-held state.
type FnModifier struct {
	Pressed bool `json:"pressed"`
}

// FnCombo translates Original, pressed while FN was held, into Result.
type FnCombo struct {
	Original keymap.KeyCode `json:"original"`
	Result   keymap.KeyCode `json:"result"`
}

func (Unchanged) Outcome() string  { return "unchanged" }
func (Remapped) Outcome() string   { return "remapped" }
func (Blocked) Outcome() string    { return "blocked" }
func (FnModifier) Outcome() string { return "fn_modifier" }
func (FnCombo) Outcome() string    { return "fn_combo" }

func (Unchanged) isResult()  {}
func (Remapped) isResult()   {}
func (Blocked) isResult()    {}
func (FnModifier) isResult() {}
func (FnCombo) isResult()    {}

func (r Unchanged) String() string  { return fmt.Sprintf("Unchanged(%d)", r.Code) }
func (r Remapped) String() string   { return fmt.Sprintf("Remapped(%d->%d)", r.From, r.To) }
func (r Blocked) String() string    { return fmt.Sprintf("Blocked(%d)", r.Code) }
func (r FnModifier) String() string { return fmt.Sprintf("FnModifier(pressed=%t)", r.Pressed) }
func (r FnCombo) String() string    { return fmt.Sprintf("FnCombo(%d->%d)", r.Original, r.Result) }

// Effective returns the key code downstream consumers should see for r, and
// false when the event carries no key for them (FN state changes and blocked
// keys).
func Effective(r Result) (keymap.KeyCode, bool) {
	switch v := r.(type) {
	case Unchanged:
		return v.Code, true
	case Remapped:
		return v.To, true
	case FnCombo:
		return v.Result, true
	default:
		return 0, false
	}
}

// Stats counts processed results by outcome.
type Stats struct {
	Total    uint64 `json:"total_processed"`
	Remapped uint64 `json:"remapped"`
	FnCombo  uint64 `json:"fn_combo"`
	Blocked  uint64 `json:"blocked"`
}

// Record folds r into s.
func (s *Stats) Record(r Result) {
	s.Total++
	switch r.(type) {
	case Remapped:
		s.Remapped++
	case FnCombo:
		s.FnCombo++
	case Blocked:
		s.Blocked++
	}
}
