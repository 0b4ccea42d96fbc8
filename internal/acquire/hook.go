package acquire

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	gohook "github.com/robotn/gohook"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// HookOptions configures a HookSource.
type HookOptions struct {
	Clock  func() time.Time
	Logger *slog.Logger
	// Start and End replace the global hook, mainly for tests.
	Start func() chan gohook.Event
	End   func()
}

// HookSource is the lower fidelity fallback. A global hook keeps the set of
// held keys current and Poll reports differences against the previous poll,
// so a tap shorter than one poll interval can be missed.
type HookSource struct {
	mu       sync.Mutex
	held     map[keymap.KeyCode]struct{}
	reported map[keymap.KeyCode]struct{}
	lastPoll time.Time
	clock    func() time.Time
	log      *slog.Logger
	end      func()
	done     chan struct{}
}

// NewHookSource starts the global hook. It fails with ErrUnavailable when
// no display server is reachable.
func NewHookSource(opts HookOptions) (*HookSource, error) {
	if opts.Start == nil {
		if runtime.GOOS == "linux" && os.Getenv("DISPLAY") == "" {
			return nil, fmt.Errorf("hook input needs an X display: %w", ErrUnavailable)
		}
		opts.Start = gohook.Start
		opts.End = gohook.End
	}
	if opts.End == nil {
		opts.End = func() {}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	h := &HookSource{
		held:     make(map[keymap.KeyCode]struct{}),
		reported: make(map[keymap.KeyCode]struct{}),
		clock:    opts.Clock,
		log:      opts.Logger.With("component", "hook"),
		end:      opts.End,
		done:     make(chan struct{}),
	}

	h.log.Info("starting global key hook")
	evChan := opts.Start()
	go h.run(evChan)
	return h, nil
}

func (h *HookSource) run(evChan chan gohook.Event) {
	defer close(h.done)
	for ev := range evChan {
		var down bool
		switch ev.Kind {
		case gohook.KeyHold:
			down = true
		case gohook.KeyUp:
			down = false
		default:
			continue
		}
		code, ok := FromUiohook(ev.Keycode)
		if !ok {
			h.log.Debug("untranslated hook key", "keycode", ev.Keycode, "rawcode", ev.Rawcode)
			continue
		}
		h.mu.Lock()
		if down {
			h.held[code] = struct{}{}
		} else {
			delete(h.held, code)
		}
		h.mu.Unlock()
	}
}

// Name identifies the source.
func (h *HookSource) Name() string { return "hook" }

// Poll emits releases, then presses, for keys whose state changed since the
// previous poll.
func (h *HookSource) Poll(emit func(KeyEvent)) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock()
	var delta time.Duration
	if !h.lastPoll.IsZero() {
		delta = now.Sub(h.lastPoll)
	}
	h.lastPoll = now

	var released, pressed []keymap.KeyCode
	for c := range h.reported {
		if _, ok := h.held[c]; !ok {
			released = append(released, c)
		}
	}
	for c := range h.held {
		if _, ok := h.reported[c]; !ok {
			pressed = append(pressed, c)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	sort.Slice(pressed, func(i, j int) bool { return pressed[i] < pressed[j] })

	for _, c := range released {
		delete(h.reported, c)
		emit(KeyEvent{Key: c, Kind: Release, Timestamp: now, Delta: delta, Device: "hook"})
	}
	for _, c := range pressed {
		h.reported[c] = struct{}{}
		emit(KeyEvent{Key: c, Kind: Press, Timestamp: now, Delta: delta, Device: "hook"})
	}
	return len(released) + len(pressed)
}

// Pressed returns the keys reported as held.
func (h *HookSource) Pressed() []keymap.KeyCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return sortedCodes(h.reported)
}

// Close stops the hook and waits for the reader to finish.
func (h *HookSource) Close() error {
	h.end()
	select {
	case <-h.done:
	case <-time.After(time.Second):
		h.log.Warn("hook reader did not stop")
	}
	return nil
}

// uiohook virtual key codes share the set 1 scancode values for the main
// block. Extended keys carry a 0x0E00 or 0xE000 prefix.
var uiohookExtended = map[uint16]keymap.KeyCode{
	0x0E1C: 96,  // keypad enter
	0x0E1D: 97,  // right ctrl
	0x0E35: 98,  // keypad divide
	0x0E37: 99,  // print screen
	0x0E38: 100, // right alt
	0x0E45: 119, // pause
	0x0E47: 102, // home
	0x0E49: 104, // page up
	0x0E4F: 107, // end
	0x0E51: 109, // page down
	0x0E52: 110, // insert
	0x0E53: 111, // delete
	0x0E5B: 125, // left meta
	0x0E5C: 126, // right meta
	0x0E5D: 127, // menu
	0xE048: 103, // up
	0xE04B: 105, // left
	0xE04D: 106, // right
	0xE050: 108, // down
	0x0E48: 103,
	0x0E4B: 105,
	0x0E4D: 106,
	0x0E50: 108,
}

// FromUiohook translates a uiohook virtual key code into the evdev space.
func FromUiohook(vc uint16) (keymap.KeyCode, bool) {
	if vc > 0 && vc <= 0x58 {
		return keymap.KeyCode(vc), true
	}
	code, ok := uiohookExtended[vc]
	return code, ok
}
