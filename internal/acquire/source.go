package acquire

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// Source produces key transitions when polled.
type Source interface {
	Name() string
	// Poll delivers everything that happened since the previous call and
	// returns the number of events delivered. It never blocks.
	Poll(emit func(KeyEvent)) int
	Pressed() []keymap.KeyCode
	Close() error
}

// Open returns the best available source: the evdev session when any
// keyboard can be opened, otherwise the hook source when fallback is true.
// The reason for falling back is logged.
func Open(opts Options, fallback bool) (Source, error) {
	s, err := OpenSession(opts)
	if err == nil {
		return s, nil
	}
	if !fallback {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h, herr := NewHookSource(HookOptions{Clock: opts.Clock, Logger: log})
	if herr != nil {
		return nil, errors.Join(err, herr)
	}
	log.Warn("evdev unavailable, using hook input", "err", err)
	var perm *PermissionDeniedError
	if errors.As(err, &perm) {
		log.Warn(perm.Remediation())
	}
	return h, nil
}

// DefaultPollInterval is the tick of the acquisition loop.
const DefaultPollInterval = time.Millisecond

// Pump moves events from a Source onto a bounded channel. When the channel
// is full the oldest queued event is dropped so polling never stalls.
type Pump struct {
	src      Source
	out      chan KeyEvent
	interval time.Duration
	dropped  atomic.Uint64
	onDrop   func(KeyEvent)
}

// NewPump returns a Pump with a channel of the given capacity.
func NewPump(src Source, interval time.Duration, capacity int) *Pump {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Pump{src: src, out: make(chan KeyEvent, capacity), interval: interval}
}

// OnDrop registers fn to be called for every discarded event. It must be
// set before Run.
func (p *Pump) OnDrop(fn func(KeyEvent)) { p.onDrop = fn }

// Events is the consumer side of the pump. It is closed when Run returns.
func (p *Pump) Events() <-chan KeyEvent { return p.out }

// Dropped returns the number of events discarded under backpressure.
func (p *Pump) Dropped() uint64 { return p.dropped.Load() }

// Run polls until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	defer close(p.out)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.src.Poll(p.offer)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Pump) offer(ev KeyEvent) {
	select {
	case p.out <- ev:
		return
	default:
	}
	select {
	case old := <-p.out:
		p.drop(old)
	default:
	}
	select {
	case p.out <- ev:
	default:
		p.drop(ev)
	}
}

func (p *Pump) drop(ev KeyEvent) {
	p.dropped.Add(1)
	if p.onDrop != nil {
		p.onDrop(ev)
	}
}
