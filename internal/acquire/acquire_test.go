package acquire

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kase1111-hash/Keyboard-TestKit/internal/keymap"
)

var errWouldBlock = errors.New("resource temporarily unavailable")

// fakeDevice serves queued bytes and then reports would-block.
type fakeDevice struct {
	mu     sync.Mutex
	data   bytes.Buffer
	err    error
	closed bool
	reads  int
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if d.data.Len() == 0 {
		if d.err != nil {
			return 0, d.err
		}
		return 0, errWouldBlock
	}
	return d.data.Read(p)
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) write(recs ...Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, RecordSize)
	for _, r := range recs {
		EncodeRecord(buf, r)
		d.data.Write(buf)
	}
}

func keyRec(code uint16, value int32) Record {
	return Record{Sec: 1, Usec: 2, Type: evdev.EV_KEY, Code: evdev.EvCode(code), Value: value}
}

func synRec() Record {
	return Record{Type: evdev.EV_SYN}
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestSession(t *testing.T, devs map[string]*fakeDevice) (*Session, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Unix(1700000000, 0)}
	s := newSession(Options{
		BufferRecords: 4,
		Clock:         clk.now,
		Open: func(path string, grab bool) (DeviceReader, error) {
			d, ok := devs[path]
			if !ok {
				return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
			}
			return d, nil
		},
	})
	for path := range devs {
		require.NoError(t, s.Attach(Candidate{Path: path}))
	}
	return s, clk
}

func collect(s Source) []KeyEvent {
	var out []KeyEvent
	s.Poll(func(ev KeyEvent) { out = append(out, ev) })
	return out
}

func TestDecodeRecord(t *testing.T) {
	raw := []byte{
		0x10, 0, 0, 0, 0, 0, 0, 0,
		0x20, 0, 0, 0, 0, 0, 0, 0,
		0x01, 0x00,
		0x1e, 0x00,
		0x01, 0x00, 0x00, 0x00,
	}
	rec := DecodeRecord(raw)
	assert.Equal(t, int64(16), rec.Sec)
	assert.Equal(t, int64(32), rec.Usec)
	assert.Equal(t, evdev.EV_KEY, rec.Type)
	assert.Equal(t, evdev.EvCode(30), rec.Code)
	assert.Equal(t, int32(1), rec.Value)

	buf := make([]byte, RecordSize)
	EncodeRecord(buf, rec)
	assert.Equal(t, raw, buf)
}

func TestEdgeTracker(t *testing.T) {
	tr := newEdgeTracker()

	kind, ok := tr.apply(30, valuePress)
	assert.True(t, ok)
	assert.Equal(t, Press, kind)

	_, ok = tr.apply(30, valuePress)
	assert.False(t, ok, "duplicate press")

	_, ok = tr.apply(30, valueAutorepeat)
	assert.False(t, ok, "autorepeat")

	kind, ok = tr.apply(30, valueRelease)
	assert.True(t, ok)
	assert.Equal(t, Release, kind)

	_, ok = tr.apply(30, valueRelease)
	assert.False(t, ok, "release while up")

	_, ok = tr.apply(31, valueAutorepeat)
	assert.False(t, ok, "autorepeat without press")
}

func TestSessionPressAutorepeatRelease(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"/dev/input/event3": dev})

	dev.write(keyRec(30, 1), synRec(), keyRec(30, 2), keyRec(30, 2), keyRec(30, 0), synRec())
	events := collect(s)

	require.Len(t, events, 2)
	assert.Equal(t, keymap.KeyCode(30), events[0].Key)
	assert.Equal(t, Press, events[0].Kind)
	assert.Equal(t, keymap.KeyCode(30), events[1].Key)
	assert.Equal(t, Release, events[1].Kind)
	assert.Equal(t, "/dev/input/event3", events[0].Device)
}

func TestSessionDedup(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	dev.write(keyRec(30, 1), keyRec(30, 1))
	events := collect(s)
	require.Len(t, events, 1)
	assert.Equal(t, Press, events[0].Kind)
	assert.Equal(t, []keymap.KeyCode{30}, s.Pressed())

	dev.write(keyRec(30, 1), keyRec(30, 0))
	events = collect(s)
	require.Len(t, events, 1)
	assert.Equal(t, Release, events[0].Kind)
	assert.Empty(t, s.Pressed())
}

func TestSessionIgnoresNonKeyRecords(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	dev.write(
		Record{Type: evdev.EV_MSC, Code: 4, Value: 30},
		Record{Type: evdev.EV_LED, Code: 0, Value: 1},
		synRec(),
	)
	assert.Empty(t, collect(s))
}

func TestSessionDrainsAcrossReads(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	// Buffer holds 4 records; 10 records need three reads.
	for code := uint16(2); code < 7; code++ {
		dev.write(keyRec(code, 1), keyRec(code, 0))
	}
	events := collect(s)
	assert.Len(t, events, 10)
}

func TestSessionDelta(t *testing.T) {
	dev := &fakeDevice{}
	s, clk := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	collect(s)
	clk.t = clk.t.Add(8 * time.Millisecond)
	dev.write(keyRec(30, 1))
	events := collect(s)

	require.Len(t, events, 1)
	assert.Equal(t, 8*time.Millisecond, events[0].Delta)
	assert.Equal(t, clk.t, events[0].Timestamp)
}

func TestSessionDeviceLossReleasesKeys(t *testing.T) {
	lost := &fakeDevice{}
	ok := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"lost": lost, "ok": ok})

	lost.write(keyRec(30, 1), keyRec(42, 1))
	ok.write(keyRec(31, 1))
	require.Len(t, collect(s), 3)

	lost.err = ErrDeviceGone
	events := collect(s)

	require.Len(t, events, 2)
	assert.Equal(t, KeyEvent{Key: 30, Kind: Release, Timestamp: events[0].Timestamp, Delta: events[0].Delta, Device: "lost"}, events[0])
	assert.Equal(t, keymap.KeyCode(42), events[1].Key)
	assert.True(t, lost.closed)
	assert.Equal(t, []string{"ok"}, s.DevicePaths())
	assert.Equal(t, []keymap.KeyCode{31}, s.Pressed())
}

func TestSessionTransientErrorIsAbsorbed(t *testing.T) {
	dev := &fakeDevice{err: errors.New("input/output error")}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	assert.Empty(t, collect(s))
	assert.Equal(t, 1, s.DeviceCount())

	dev.write(keyRec(30, 1))
	assert.Len(t, collect(s), 1)
}

func TestSessionDetachQueuesReleases(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	dev.write(keyRec(30, 1))
	collect(s)

	require.True(t, s.Detach("kbd"))
	events := collect(s)
	require.Len(t, events, 1)
	assert.Equal(t, Release, events[0].Kind)
	assert.Zero(t, s.DeviceCount())
	assert.Equal(t, "No keyboard devices open", s.Status())
}

func TestSessionDisabledKeepsState(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	s.SetEnabled(false)
	dev.write(keyRec(30, 1))
	assert.Empty(t, collect(s))
	assert.Equal(t, []keymap.KeyCode{30}, s.Pressed())

	s.SetEnabled(true)
	dev.write(keyRec(30, 0))
	assert.Len(t, collect(s), 1)
}

func TestSessionDisabledDropsLossReleases(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	dev.write(keyRec(30, 1))
	require.Len(t, collect(s), 1)

	s.SetEnabled(false)
	dev.err = ErrDeviceGone
	assert.Empty(t, collect(s))
	assert.Empty(t, s.DevicePaths())

	s.SetEnabled(true)
	assert.Empty(t, collect(s), "releases queued while disabled are discarded")
}

func TestSessionReportsDeviceCount(t *testing.T) {
	lost := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"lost": lost, "ok": {}})

	var counts []int
	s.OnDeviceCount(func(n int) { counts = append(counts, n) })

	lost.err = ErrDeviceGone
	collect(s)
	assert.Equal(t, []int{1}, counts)

	require.NoError(t, s.Attach(Candidate{Path: "lost"}))
	assert.Equal(t, []int{1, 2}, counts)
	assert.True(t, s.Detach("ok"))
	assert.Equal(t, []int{1, 2, 1}, counts)
}

func TestSessionReset(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	dev.write(keyRec(30, 1))
	collect(s)
	s.Reset()

	assert.Empty(t, s.Pressed())
	dev.write(keyRec(30, 0))
	assert.Empty(t, collect(s))
}

func TestSessionClose(t *testing.T) {
	dev := &fakeDevice{}
	s, _ := newTestSession(t, map[string]*fakeDevice{"kbd": dev})

	require.NoError(t, s.Close())
	assert.True(t, dev.closed)
	assert.Zero(t, s.DeviceCount())
}

// fakeTree builds a /dev/input and /sys/class/input lookalike.
type fakeTree struct {
	dev, sys string
}

func newFakeTree(t *testing.T) fakeTree {
	root := t.TempDir()
	ft := fakeTree{dev: filepath.Join(root, "dev"), sys: filepath.Join(root, "sys")}
	require.NoError(t, os.MkdirAll(ft.dev, 0o755))
	require.NoError(t, os.MkdirAll(ft.sys, 0o755))
	return ft
}

func (ft fakeTree) node(t *testing.T, name, devName, keyBitmap string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(ft.dev, name), nil, 0o644))
	if devName == "" && keyBitmap == "" {
		return
	}
	d := filepath.Join(ft.sys, name, "device")
	require.NoError(t, os.MkdirAll(filepath.Join(d, "capabilities"), 0o755))
	if devName != "" {
		require.NoError(t, os.WriteFile(filepath.Join(d, "name"), []byte(devName+"\n"), 0o644))
	}
	if keyBitmap != "" {
		require.NoError(t, os.WriteFile(filepath.Join(d, "capabilities", "key"), []byte(keyBitmap+"\n"), 0o644))
	}
}

func (ft fakeTree) options(p Prober) DiscoverOptions {
	return DiscoverOptions{DevDir: ft.dev, SysDir: ft.sys, Prober: p}
}

var noProbe = ProberFunc(func(string) (Capabilities, error) {
	return Capabilities{KeyCount: -1}, errors.New("no ioctl")
})

const fullKeyboardBitmap = "3 0 0 0 0 0 0 0 0 fffffffffffffffe"

func TestCountBitmap(t *testing.T) {
	n, err := countBitmap(fullKeyboardBitmap)
	require.NoError(t, err)
	assert.Equal(t, 65, n)

	n, err = countBitmap("0")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = countBitmap("xyz")
	assert.Error(t, err)
}

func TestDiscoverBySysfs(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event10", "AT Translated Set 2 keyboard", fullKeyboardBitmap)
	ft.node(t, "event2", "Power Button", "100000 0 0 0")
	ft.node(t, "event3", "Logitech USB Receiver", fullKeyboardBitmap)
	require.NoError(t, os.WriteFile(filepath.Join(ft.dev, "mouse0"), nil, 0o644))

	cands, err := Discover(ft.options(noProbe))
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, filepath.Join(ft.dev, "event3"), cands[0].Path)
	assert.Equal(t, filepath.Join(ft.dev, "event10"), cands[1].Path)
	assert.Equal(t, "sysfs", cands[1].Basis)
	assert.Equal(t, 65, cands[1].KeyCount)
}

func TestDiscoverCapabilityBeatsName(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Keyboard Backlight Keys", "f")

	_, err := Discover(ft.options(noProbe))
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestDiscoverFallsBackToIoctl(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "", "")

	probe := ProberFunc(func(path string) (Capabilities, error) {
		return Capabilities{KeyCount: 120, Name: "Virtual Core"}, nil
	})
	cands, err := Discover(ft.options(probe))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "ioctl", cands[0].Basis)
	assert.Equal(t, "Virtual Core", cands[0].Name)
}

func TestDiscoverFallsBackToName(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "USB HID Device", "")
	ft.node(t, "event1", "Sleep Button", "")

	cands, err := Discover(ft.options(noProbe))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "name", cands[0].Basis)
	assert.Equal(t, "USB HID Device", cands[0].Name)
}

func TestDiscoverZeroBitmapFallsBackToName(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Generic USB Keyboard", "0")
	ft.node(t, "event1", "Lid Switch", "0")

	cands, err := Discover(ft.options(noProbe))
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, filepath.Join(ft.dev, "event0"), cands[0].Path)
	assert.Equal(t, "name", cands[0].Basis)
}

func TestDiscoverCustomThreshold(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Macro Pad", "ffff")

	opts := ft.options(noProbe)
	_, err := Discover(opts)
	assert.ErrorIs(t, err, ErrNoDevices)

	opts.MinKeyCount = 10
	cands, err := Discover(opts)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
}

func TestDiscoverPermissionDenied(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "", "")

	probe := ProberFunc(func(path string) (Capabilities, error) {
		return Capabilities{KeyCount: -1}, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
	})
	_, err := Discover(ft.options(probe))

	var perm *PermissionDeniedError
	require.ErrorAs(t, err, &perm)
	assert.Contains(t, err.Error(), "input")
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestDiscoverEnumerationFailed(t *testing.T) {
	_, err := Discover(DiscoverOptions{DevDir: filepath.Join(t.TempDir(), "missing"), Prober: noProbe})

	var enum *EnumerationError
	require.ErrorAs(t, err, &enum)
}

func TestDiscoverNoDevices(t *testing.T) {
	ft := newFakeTree(t)
	_, err := Discover(ft.options(noProbe))
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestOpenSessionSkipsDeniedDevices(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Keyboard A", fullKeyboardBitmap)
	ft.node(t, "event1", "Keyboard B", fullKeyboardBitmap)

	good := &fakeDevice{}
	s, err := OpenSession(Options{
		Discover: ft.options(noProbe),
		Open: func(path string, grab bool) (DeviceReader, error) {
			if filepath.Base(path) == "event0" {
				return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
			}
			return good, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(ft.dev, "event1")}, s.DevicePaths())
	assert.Equal(t, "1 keyboard device(s) found", s.Status())
}

func TestOpenSessionAllDenied(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Keyboard A", fullKeyboardBitmap)

	_, err := OpenSession(Options{
		Discover: ft.options(noProbe),
		Open: func(path string, grab bool) (DeviceReader, error) {
			return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrPermission}
		},
	})

	var perm *PermissionDeniedError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, []string{filepath.Join(ft.dev, "event0")}, perm.Paths)
}

func TestOpenSessionAllFailed(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Keyboard A", fullKeyboardBitmap)
	ft.node(t, "event1", "Keyboard B", fullKeyboardBitmap)

	busy := errors.New("device or resource busy")
	_, err := OpenSession(Options{
		Discover: ft.options(noProbe),
		Open: func(path string, grab bool) (DeviceReader, error) {
			return nil, busy
		},
	})

	var perm *PermissionDeniedError
	require.ErrorAs(t, err, &perm)
	assert.Equal(t, []string{filepath.Join(ft.dev, "event0"), filepath.Join(ft.dev, "event1")}, perm.Paths)
	assert.ErrorIs(t, err, busy)
	assert.Contains(t, err.Error(), "input")
}

func TestRescan(t *testing.T) {
	ft := newFakeTree(t)
	ft.node(t, "event0", "Keyboard A", fullKeyboardBitmap)

	devs := map[string]*fakeDevice{}
	s, err := OpenSession(Options{
		Discover: ft.options(noProbe),
		Open: func(path string, grab bool) (DeviceReader, error) {
			d := &fakeDevice{}
			devs[path] = d
			return d, nil
		},
	})
	require.NoError(t, err)

	devs[filepath.Join(ft.dev, "event0")].write(keyRec(30, 1))
	collect(s)

	ft.node(t, "event1", "Keyboard B", fullKeyboardBitmap)
	require.NoError(t, os.Remove(filepath.Join(ft.dev, "event0")))

	added, removed, err := s.Rescan()
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(ft.dev, "event1")}, added)
	assert.Equal(t, []string{filepath.Join(ft.dev, "event0")}, removed)

	events := collect(s)
	require.Len(t, events, 1)
	assert.Equal(t, Release, events[0].Kind)
}

// stubSource replays fixed batches of events.
type stubSource struct {
	mu      sync.Mutex
	batches [][]KeyEvent
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Poll(emit func(KeyEvent)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return 0
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	for _, ev := range b {
		emit(ev)
	}
	return len(b)
}

func (s *stubSource) Pressed() []keymap.KeyCode { return nil }
func (s *stubSource) Close() error { return nil }

func TestPumpDropsOldest(t *testing.T) {
	p := NewPump(&stubSource{}, time.Millisecond, 2)
	var dropped []KeyEvent
	p.OnDrop(func(ev KeyEvent) { dropped = append(dropped, ev) })

	for code := keymap.KeyCode(1); code <= 4; code++ {
		p.offer(KeyEvent{Key: code, Kind: Press})
	}

	assert.Equal(t, uint64(2), p.Dropped())
	require.Len(t, dropped, 2)
	assert.Equal(t, keymap.KeyCode(1), dropped[0].Key)
	assert.Equal(t, keymap.KeyCode(2), dropped[1].Key)
	assert.Equal(t, keymap.KeyCode(3), (<-p.Events()).Key)
	assert.Equal(t, keymap.KeyCode(4), (<-p.Events()).Key)
}

func TestPumpRun(t *testing.T) {
	src := &stubSource{batches: [][]KeyEvent{
		{{Key: 30, Kind: Press}},
		{{Key: 30, Kind: Release}},
	}}
	p := NewPump(src, time.Millisecond, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	first := <-p.Events()
	second := <-p.Events()
	cancel()

	assert.Equal(t, Press, first.Kind)
	assert.Equal(t, Release, second.Kind)
	assert.ErrorIs(t, <-done, context.Canceled)

	_, open := <-p.Events()
	assert.False(t, open)
}
