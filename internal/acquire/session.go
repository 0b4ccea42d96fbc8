package acquire

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

// DefaultBufferRecords is how many records one read can return.
const DefaultBufferRecords = 64

// ErrDeviceGone may be returned by a DeviceReader whose device disappeared.
var ErrDeviceGone = errors.New("device gone")

// DeviceReader is an open device node. Read must not block: it returns what
// is available, or an error such as EAGAIN when nothing is.
type DeviceReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// OpenFunc opens a device node for non-blocking reads.
type OpenFunc func(path string, grab bool) (DeviceReader, error)

// Options configures a Session.
type Options struct {
	Discover      DiscoverOptions
	BufferRecords int
	Grab          bool
	Open          OpenFunc
	Clock         func() time.Time
	Logger        *slog.Logger
}

type device struct {
	path  string
	name  string
	r     DeviceReader
	edges *edgeTracker
}

// Session polls every open evdev keyboard from a single goroutine.
type Session struct {
	mu       sync.Mutex
	opts     Options
	log      *slog.Logger
	devices  []*device
	buf      []byte
	lastPoll time.Time
	enabled  bool
	pending  []KeyEvent
	onCount  func(n int)
}

// OpenSession discovers keyboards and opens each one. Devices that fail to
// open are skipped; if none opens the error is a *PermissionDeniedError
// naming every candidate. It wraps a permission error when one occurred,
// otherwise the last open error.
func OpenSession(opts Options) (*Session, error) {
	cands, err := Discover(opts.Discover)
	if err != nil {
		return nil, err
	}

	s := newSession(opts)

	var (
		failed  []string
		permErr error
		lastErr error
	)
	for _, c := range cands {
		if err := s.Attach(c); err != nil {
			if errors.Is(err, os.ErrPermission) {
				permErr = err
			}
			failed = append(failed, c.Path)
			lastErr = err
			s.log.Warn("skipping keyboard", "path", c.Path, "name", c.Name, "err", err)
		}
	}

	if len(s.devices) == 0 {
		if permErr == nil {
			permErr = lastErr
		}
		return nil, &PermissionDeniedError{Paths: failed, Err: permErr}
	}
	return s, nil
}

func newSession(opts Options) *Session {
	if opts.BufferRecords <= 0 {
		opts.BufferRecords = DefaultBufferRecords
	}
	if opts.Open == nil {
		opts.Open = openRawDevice
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		opts:    opts,
		log:     opts.Logger.With("component", "acquire"),
		buf:     make([]byte, opts.BufferRecords*RecordSize),
		enabled: true,
	}
}

// Name identifies the source.
func (s *Session) Name() string { return "evdev" }

// Attach opens c and adds it to the poll set. Attaching an open path is a
// no-op.
func (s *Session) Attach(c Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range s.devices {
		if d.path == c.Path {
			return nil
		}
	}
	r, err := s.opts.Open(c.Path, s.opts.Grab)
	if err != nil {
		return err
	}
	s.devices = append(s.devices, &device{path: c.Path, name: c.Name, r: r, edges: newEdgeTracker()})
	s.countChanged()
	s.log.Info("opened keyboard", "path", c.Path, "name", c.Name, "keys", c.KeyCount, "basis", c.Basis)
	return nil
}

// Detach closes path. Keys it still had down are released on the next poll.
func (s *Session) Detach(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, d := range s.devices {
		if d.path == path {
			s.remove(i, s.opts.Clock())
			return true
		}
	}
	return false
}

// remove drops devices[i], queueing releases for its held keys.
func (s *Session) remove(i int, now time.Time) {
	d := s.devices[i]
	codes := d.edges.drain()
	sort.Slice(codes, func(a, b int) bool { return codes[a] < codes[b] })
	for _, c := range codes {
		s.pending = append(s.pending, KeyEvent{Key: c, Kind: Release, Timestamp: now, Device: d.path})
	}
	if err := d.r.Close(); err != nil {
		s.log.Debug("close device", "path", d.path, "err", err)
	}
	s.devices = append(s.devices[:i], s.devices[i+1:]...)
	s.log.Info("keyboard removed", "path", d.path, "released", len(codes))
	s.countChanged()
}

// OnDeviceCount registers fn to receive the number of open devices after
// every attach or removal, including removals found while polling. fn runs
// with the session locked and must not call back into it.
func (s *Session) OnDeviceCount(fn func(n int)) {
	s.mu.Lock()
	s.onCount = fn
	s.mu.Unlock()
}

func (s *Session) countChanged() {
	if s.onCount != nil {
		s.onCount(len(s.devices))
	}
}

// Poll drains every device once and calls emit for each accepted
// transition. It returns the number of events emitted. I/O errors stop the
// current device for this tick and are otherwise ignored.
func (s *Session) Poll(emit func(KeyEvent)) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock()
	var delta time.Duration
	if !s.lastPoll.IsZero() {
		delta = now.Sub(s.lastPoll)
	}
	s.lastPoll = now

	count := s.flushPending(delta, emit)

	for i := 0; i < len(s.devices); {
		d := s.devices[i]
		gone := s.drain(d, now, delta, emit, &count)
		if !gone {
			i++
			continue
		}
		s.remove(i, now)
		count += s.flushPending(delta, emit)
	}
	return count
}

// flushPending emits queued device-loss releases. While disabled they are
// discarded like any other transition.
func (s *Session) flushPending(delta time.Duration, emit func(KeyEvent)) int {
	n := 0
	if s.enabled {
		for _, ev := range s.pending {
			ev.Delta = delta
			emit(ev)
			n++
		}
	}
	s.pending = s.pending[:0]
	return n
}

// drain reads d until a short read or an error. It reports whether the
// device has gone away.
func (s *Session) drain(d *device, now time.Time, delta time.Duration, emit func(KeyEvent), count *int) bool {
	for {
		n, err := d.r.Read(s.buf)
		full := n - n%RecordSize
		for off := 0; off < full; off += RecordSize {
			rec := DecodeRecord(s.buf[off : off+RecordSize])
			if rec.Type != evdev.EV_KEY {
				continue
			}
			code := keymap.KeyCode(rec.Code)
			kind, ok := d.edges.apply(code, rec.Value)
			if !ok || !s.enabled {
				continue
			}
			emit(KeyEvent{Key: code, Kind: kind, Timestamp: now, Delta: delta, Device: d.path})
			*count++
		}
		if err != nil {
			return errors.Is(err, ErrDeviceGone) || deviceGone(err)
		}
		if n < len(s.buf) {
			return false
		}
	}
}

// Pressed returns the union of keys held on all devices.
func (s *Session) Pressed() []keymap.KeyCode {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[keymap.KeyCode]struct{})
	for _, d := range s.devices {
		for c := range d.edges.pressed {
			set[c] = struct{}{}
		}
	}
	return sortedCodes(set)
}

// DeviceCount returns the number of open devices.
func (s *Session) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// DevicePaths returns the open device paths.
func (s *Session) DevicePaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, len(s.devices))
	for i, d := range s.devices {
		paths[i] = d.path
	}
	return paths
}

// SetEnabled pauses or resumes event delivery. Devices are still drained
// while disabled so the pressed sets stay current.
func (s *Session) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// Reset forgets held keys and restarts the poll clock.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		d.edges.reset()
	}
	s.pending = s.pending[:0]
	s.lastPoll = time.Time{}
}

// Status is a one line description for display.
func (s *Session) Status() string {
	n := s.DeviceCount()
	if n == 0 {
		return "No keyboard devices open"
	}
	return fmt.Sprintf("%d keyboard device(s) found", n)
}

// Close closes every device.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, d := range s.devices {
		if err := d.r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", d.path, err))
		}
	}
	s.devices = nil
	return errors.Join(errs...)
}

func sortedCodes(set map[keymap.KeyCode]struct{}) []keymap.KeyCode {
	out := make([]keymap.KeyCode, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
