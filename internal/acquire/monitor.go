package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultRescanDebounce batches bursts of udev node churn into one rescan.
const DefaultRescanDebounce = 500 * time.Millisecond

// Rescan re-runs discovery. New keyboards are attached and open devices
// whose node no longer exists are detached.
func (s *Session) Rescan() (added, removed []string, err error) {
	cands, err := Discover(s.opts.Discover)
	var enum *EnumerationError
	if errors.As(err, &enum) {
		return nil, nil, err
	}

	for _, path := range s.DevicePaths() {
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			if s.Detach(path) {
				removed = append(removed, path)
			}
		}
	}

	open := make(map[string]bool)
	for _, p := range s.DevicePaths() {
		open[p] = true
	}
	for _, c := range cands {
		if open[c.Path] {
			continue
		}
		if attachErr := s.Attach(c); attachErr != nil {
			s.log.Warn("skipping keyboard", "path", c.Path, "err", attachErr)
			continue
		}
		added = append(added, c.Path)
	}
	return added, removed, nil
}

// Monitor watches the device directory and rescans a Session when event
// nodes appear or disappear.
type Monitor struct {
	session  *Session
	watcher  *fsnotify.Watcher
	debounce time.Duration
	log      *slog.Logger
	onChange func(added, removed []string)
}

// NewMonitor starts watching dir. The caller must call Run.
func NewMonitor(s *Session, dir string, log *slog.Logger) (*Monitor, error) {
	if dir == "" {
		dir = DefaultDevDir
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Monitor{
		session:  s,
		watcher:  w,
		debounce: DefaultRescanDebounce,
		log:      log.With("component", "monitor"),
	}, nil
}

// OnChange registers fn to be called after a rescan that changed the device
// set. It must be set before Run.
func (m *Monitor) OnChange(fn func(added, removed []string)) { m.onChange = fn }

// SetDebounce overrides the rescan delay. It must be called before Run.
func (m *Monitor) SetDebounce(d time.Duration) { m.debounce = d }

// Run processes filesystem events until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.watcher.Close()

	timer := time.NewTimer(m.debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-timer.C:
			pending = false
			added, removed, err := m.session.Rescan()
			if err != nil {
				m.log.Warn("rescan failed", "err", err)
				continue
			}
			if len(added) > 0 || len(removed) > 0 {
				m.log.Info("device set changed", "added", added, "removed", removed)
				if m.onChange != nil {
					m.onChange(added, removed)
				}
			}

		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), "event") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Chmod) == 0 {
				continue
			}
			m.log.Debug("device node event", "op", ev.Op.String(), "name", ev.Name)
			if !pending {
				pending = true
				timer.Reset(m.debounce)
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn("watch error", "err", err)
		}
	}
}
