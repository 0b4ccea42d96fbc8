// Package pipeline runs key events through the remapper and the
// authenticity classifier and keeps the results for the API.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/acquire"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/config"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/detect"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/metrics"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/remap"
	"github.com/kase1111-hash/Keyboard-TestKit/internal/store"
)

const (
	DefaultHistory    = 256
	subscriberBacklog = 64
)

// ProfileStore persists remap changes made at runtime.
type ProfileStore interface {
	LoadProfile() (store.Profile, error)
	PutMapping(from, to keymap.KeyCode) error
	DeleteMapping(from keymap.KeyCode) error
	PutCombo(key, result keymap.KeyCode) error
	DeleteCombo(key keymap.KeyCode) error
	PutFnScancode(code keymap.KeyCode) error
	PutSetting(key, value string) error
}

// Processed is the outcome of one key event.
type Processed struct {
	Event          acquire.KeyEvent      `json:"event"`
	Name           string                `json:"name"`
	Outcome        string                `json:"outcome"`
	Detail         string                `json:"detail"`
	Result         remap.Result          `json:"-"`
	Effective      keymap.KeyCode        `json:"effective"`
	Forwarded      bool                  `json:"forwarded"`
	Suspicious     bool                  `json:"suspicious"`
	Classification detect.Classification `json:"classification"`
}

// Counts summarises the traffic seen so far.
type Counts struct {
	Presses  uint64      `json:"presses"`
	Releases uint64      `json:"releases"`
	Remap    remap.Stats `json:"remap"`
}

// RemapSettings is the mutable top-level remapper state.
type RemapSettings struct {
	Enabled       bool                `json:"enabled"`
	FnMode        remap.FnMode        `json:"fn_mode"`
	UnknownPolicy remap.UnknownPolicy `json:"unknown_policy"`
	FnScancodes   []keymap.KeyCode    `json:"fn_scancodes"`
}

// Options configures an Engine.
type Options struct {
	Keys       *keymap.Table
	Remapper   *remap.Remapper
	Thresholds detect.Thresholds
	Metrics    *metrics.Metrics
	Store      ProfileStore
	History    int
	Logger     *slog.Logger
}

// Engine is safe for concurrent use. Handle is normally called from a
// single goroutine via Run.
type Engine struct {
	mu         sync.Mutex
	keys       *keymap.Table
	remapper   *remap.Remapper
	classifier *detect.Classifier
	metrics    *metrics.Metrics
	store      ProfileStore
	log        *slog.Logger

	counts  Counts
	pressed map[keymap.KeyCode]struct{}

	history []Processed
	next    int
	full    bool

	subs map[chan Processed]struct{}
}

// New builds an Engine. A nil Remapper gets remap.New with the same key
// table.
func New(opts Options) *Engine {
	if opts.Keys == nil {
		opts.Keys = keymap.Standard()
	}
	if opts.Remapper == nil {
		opts.Remapper = remap.New(opts.Keys)
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		keys:     opts.Keys,
		remapper: opts.Remapper,
		metrics:  opts.Metrics,
		store:    opts.Store,
		log:      opts.Logger,
		pressed:  make(map[keymap.KeyCode]struct{}),
		history:  make([]Processed, opts.History),
		subs:     make(map[chan Processed]struct{}),
	}
	e.setClassifier(detect.New(opts.Thresholds))
	return e
}

func (e *Engine) setClassifier(c *detect.Classifier) {
	c.OnAnomaly(func(a detect.Anomaly) {
		e.metrics.ObserveAnomaly(a.Severity.String())
		e.log.Warn("input anomaly", "description", a.Description, "severity", a.Severity)
	})
	e.classifier = c
}

// Handle processes one event.
func (e *Engine) Handle(ev acquire.KeyEvent) Processed {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.handleLocked(ev)
	for ch := range e.subs {
		select {
		case ch <- p:
		default:
		}
	}
	return p
}

func (e *Engine) handleLocked(ev acquire.KeyEvent) Processed {
	pressed := ev.Pressed()
	res := e.remapper.ProcessAt(ev.Key, pressed, ev.Timestamp)
	e.counts.Remap.Record(res)

	eff, forwarded := remap.Effective(res)
	p := Processed{
		Event:     ev,
		Name:      e.keys.Name(ev.Key),
		Outcome:   res.Outcome(),
		Detail:    fmt.Sprint(res),
		Result:    res,
		Effective: eff,
		Forwarded: forwarded,
	}

	if pressed {
		e.counts.Presses++
		e.pressed[ev.Key] = struct{}{}
	} else {
		e.counts.Releases++
		delete(e.pressed, ev.Key)
	}

	// Only presses that produce a key reach the classifier.
	if pressed && forwarded {
		p.Suspicious = e.classifier.Press(ev.Timestamp)
		if ms, ok := e.classifier.LastInterval(); ok {
			e.metrics.ObserveInterval(time.Duration(ms * float64(time.Millisecond)))
		}
	}
	p.Classification = e.classifier.Classification()

	e.metrics.ObserveEvent(ev.Kind.String())
	e.metrics.ObserveResult(p.Outcome)
	e.metrics.SetPressed(len(e.pressed))
	e.metrics.SetClassification(int(p.Classification))

	e.history[e.next] = p
	e.next = (e.next + 1) % len(e.history)
	if e.next == 0 {
		e.full = true
	}

	if p.Suspicious {
		e.log.Debug("suspicious press", "key", p.Name, "classification", p.Classification)
	}
	return p
}

// Run handles events from ch until it closes or ctx is done.
func (e *Engine) Run(ctx context.Context, ch <-chan acquire.KeyEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e.Handle(ev)
		}
	}
}

// Subscribe returns a channel receiving every processed event and a function
// that cancels the subscription. Slow subscribers miss events.
func (e *Engine) Subscribe() (<-chan Processed, func()) {
	ch := make(chan Processed, subscriberBacklog)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			e.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n processed events, newest first. n <= 0 means all.
func (e *Engine) Recent(n int) []Processed {
	e.mu.Lock()
	defer e.mu.Unlock()

	size := e.next
	if e.full {
		size = len(e.history)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Processed, 0, n)
	for i := 1; i <= n; i++ {
		idx := (e.next - i + len(e.history)) % len(e.history)
		out = append(out, e.history[idx])
	}
	return out
}

// Pressed returns the physical keys currently held, sorted.
func (e *Engine) Pressed() []keymap.KeyCode {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]keymap.KeyCode, 0, len(e.pressed))
	for c := range e.pressed {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KeyName returns the display name of code.
func (e *Engine) KeyName(code keymap.KeyCode) string { return e.keys.Name(code) }

func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

// Report returns the classifier snapshot.
func (e *Engine) Report() detect.Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.classifier.Report()
}

// Anomalies returns up to n anomalies, newest first. n <= 0 means all.
func (e *Engine) Anomalies(n int) []detect.Anomaly {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 {
		n = -1
	}
	return e.classifier.RecentAnomalies(n)
}

// Captured returns captured unknown keys. n > 0 limits the result to the n
// most recent.
func (e *Engine) Captured(n int) []remap.CapturedKey {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n > 0 {
		return e.remapper.RecentCaptured(n)
	}
	return e.remapper.Captured()
}

func (e *Engine) Mappings() []remap.Mapping {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remapper.ExportMappings()
}

func (e *Engine) Combos() []remap.Mapping {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remapper.Combos()
}

// AddMapping installs a direct mapping and persists it.
func (e *Engine) AddMapping(from, to keymap.KeyCode) error {
	e.mu.Lock()
	e.remapper.AddMapping(from, to)
	e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.PutMapping(from, to)
}

// RemoveMapping deletes a direct mapping. The boolean is false if none
// existed.
func (e *Engine) RemoveMapping(from keymap.KeyCode) (bool, error) {
	e.mu.Lock()
	_, ok := e.remapper.RemoveMapping(from)
	e.mu.Unlock()
	if !ok || e.store == nil {
		return ok, nil
	}
	return true, e.store.DeleteMapping(from)
}

func (e *Engine) AddCombo(key, result keymap.KeyCode) error {
	e.mu.Lock()
	e.remapper.AddCombo(key, result)
	e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.PutCombo(key, result)
}

func (e *Engine) RemoveCombo(key keymap.KeyCode) (bool, error) {
	e.mu.Lock()
	_, ok := e.remapper.RemoveCombo(key)
	e.mu.Unlock()
	if !ok || e.store == nil {
		return ok, nil
	}
	return true, e.store.DeleteCombo(key)
}

func (e *Engine) RemapSettings() RemapSettings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return RemapSettings{
		Enabled:       e.remapper.Enabled(),
		FnMode:        e.remapper.FnMode(),
		UnknownPolicy: e.remapper.UnknownPolicy(),
		FnScancodes:   e.remapper.FnScancodes(),
	}
}

// UpdateRemapSettings applies s. A changed FN mode installs that mode's
// preset combo table. FN scancodes are only ever added.
func (e *Engine) UpdateRemapSettings(s RemapSettings) error {
	e.mu.Lock()
	if s.FnMode != e.remapper.FnMode() {
		e.remapper.ApplyPreset(s.FnMode)
	}
	e.remapper.SetEnabled(s.Enabled)
	e.remapper.SetUnknownPolicy(s.UnknownPolicy)
	var added []keymap.KeyCode
	for _, c := range s.FnScancodes {
		if !e.remapper.IsFnKey(c) {
			e.remapper.AddFnScancode(c)
			added = append(added, c)
		}
	}
	e.mu.Unlock()

	if e.store == nil {
		return nil
	}
	enabled := "false"
	if s.Enabled {
		enabled = "true"
	}
	for _, kv := range [][2]string{
		{store.SettingEnabled, enabled},
		{store.SettingFnMode, s.FnMode.String()},
		{store.SettingUnknownPolicy, s.UnknownPolicy.String()},
	} {
		if err := e.store.PutSetting(kv[0], kv[1]); err != nil {
			return err
		}
	}
	for _, c := range added {
		if err := e.store.PutFnScancode(c); err != nil {
			return err
		}
	}
	return nil
}

// ApplyConfig reconfigures the remapper from cfg and layers the saved
// profile on top. The classifier is rebuilt only when its thresholds change.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	var profile store.Profile
	if e.store != nil {
		p, err := e.store.LoadProfile()
		if err != nil {
			return err
		}
		profile = p
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	cfg.ApplyRemap(e.remapper)
	if err := profile.Apply(e.remapper); err != nil {
		return err
	}
	// A saved fn_mode different from the config's replaces the preset, so
	// the config combos go back on top, then the saved ones.
	for _, c := range cfg.Remap.Combos {
		e.remapper.AddCombo(c.From, c.To)
	}
	for _, c := range profile.Combos {
		e.remapper.AddCombo(c.From, c.To)
	}
	if th := detect.New(cfg.Thresholds()).Thresholds(); th != e.classifier.Thresholds() {
		e.log.Info("classifier thresholds changed, resetting analysis")
		e.setClassifier(detect.New(th))
	}
	return nil
}

// Reset clears counters, history, captures and classifier state. Mappings
// and settings are kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remapper.ResetState()
	e.classifier.Reset()
	e.counts = Counts{}
	e.pressed = make(map[keymap.KeyCode]struct{})
	e.history = make([]Processed, len(e.history))
	e.next = 0
	e.full = false
	e.metrics.SetPressed(0)
	e.metrics.SetClassification(int(e.classifier.Classification()))
}
