package acquire

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	evdev "github.com/holoplot/go-evdev"
)

// Defaults for keyboard discovery.
const (
	DefaultDevDir      = "/dev/input"
	DefaultSysDir      = "/sys/class/input"
	DefaultMinKeyCount = 50
)

// DefaultNameKeywords are matched against device names when no capability
// data is available.
var DefaultNameKeywords = []string{"keyboard", "kbd", "hid"}

// Capabilities is what a Prober learned about a device node. KeyCount is -1
// when the key bitmap could not be read.
type Capabilities struct {
	KeyCount int
	Name     string
}

// Prober reads capability data straight from a device node.
type Prober interface {
	Probe(path string) (Capabilities, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(path string) (Capabilities, error)

func (f ProberFunc) Probe(path string) (Capabilities, error) { return f(path) }

// EvdevProber asks the kernel through the evdev ioctls.
type EvdevProber struct{}

func (EvdevProber) Probe(path string) (Capabilities, error) {
	dev, err := evdev.OpenWithFlags(path, os.O_RDONLY)
	if err != nil {
		return Capabilities{KeyCount: -1}, err
	}
	defer dev.Close()

	caps := Capabilities{KeyCount: len(dev.CapableEvents(evdev.EV_KEY))}
	if name, err := dev.Name(); err == nil {
		caps.Name = name
	}
	return caps, nil
}

// DiscoverOptions tunes the keyboard heuristic.
type DiscoverOptions struct {
	DevDir       string
	SysDir       string
	MinKeyCount  int
	NameKeywords []string
	Prober       Prober
}

func (o DiscoverOptions) withDefaults() DiscoverOptions {
	if o.DevDir == "" {
		o.DevDir = DefaultDevDir
	}
	if o.SysDir == "" {
		o.SysDir = DefaultSysDir
	}
	if o.MinKeyCount <= 0 {
		o.MinKeyCount = DefaultMinKeyCount
	}
	if o.NameKeywords == nil {
		o.NameKeywords = DefaultNameKeywords
	}
	if o.Prober == nil {
		o.Prober = EvdevProber{}
	}
	return o
}

// Candidate is a device node that qualified as a keyboard.
type Candidate struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	KeyCount int    `json:"key_count"`
	// Basis is how the node qualified: "sysfs", "ioctl" or "name".
	Basis string `json:"basis"`
}

// Discover lists the keyboard-like event nodes under opts.DevDir.
//
// A node qualifies when its key capability bitmap has more than MinKeyCount
// bits set. The bitmap comes from sysfs, or from the device itself when sysfs
// has nothing. Only when neither is available is the device name matched
// against NameKeywords.
func Discover(opts DiscoverOptions) ([]Candidate, error) {
	opts = opts.withDefaults()

	nodes, err := eventNodes(opts.DevDir)
	if err != nil {
		return nil, err
	}

	var (
		found  []Candidate
		denied []string
		permEr error
	)
	for _, node := range nodes {
		c, ok, err := classify(opts, node)
		if err != nil && errors.Is(err, os.ErrPermission) {
			denied = append(denied, c.Path)
			permEr = err
		}
		if ok {
			found = append(found, c)
		}
	}

	if len(found) == 0 {
		if len(denied) > 0 {
			return nil, &PermissionDeniedError{Paths: denied, Err: permEr}
		}
		return nil, ErrNoDevices
	}
	return found, nil
}

func classify(opts DiscoverOptions, node string) (Candidate, bool, error) {
	path := filepath.Join(opts.DevDir, node)
	c := Candidate{Path: path, KeyCount: -1}

	sysDev := filepath.Join(opts.SysDir, node, "device")
	// An empty or all-zero bitmap means sysfs has no capability data.
	if n, err := sysfsKeyCount(filepath.Join(sysDev, "capabilities", "key")); err == nil && n > 0 {
		c.KeyCount = n
		c.Basis = "sysfs"
	}
	if b, err := os.ReadFile(filepath.Join(sysDev, "name")); err == nil {
		c.Name = strings.TrimSpace(string(b))
	}

	var probeErr error
	if c.KeyCount < 0 || c.Name == "" {
		caps, err := opts.Prober.Probe(path)
		probeErr = err
		if err == nil {
			if c.KeyCount < 0 && caps.KeyCount >= 0 {
				c.KeyCount = caps.KeyCount
				c.Basis = "ioctl"
			}
			if c.Name == "" {
				c.Name = caps.Name
			}
		}
	}

	if c.KeyCount >= 0 {
		return c, c.KeyCount > opts.MinKeyCount, nil
	}
	if matchesKeyword(c.Name, opts.NameKeywords) {
		c.Basis = "name"
		return c, true, nil
	}
	return c, false, probeErr
}

// eventNodes returns the event* entries of dir in numeric order.
func eventNodes(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &EnumerationError{Dir: dir, Err: err}
	}
	var nodes []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "event") {
			nodes = append(nodes, e.Name())
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		a, errA := strconv.Atoi(strings.TrimPrefix(nodes[i], "event"))
		b, errB := strconv.Atoi(strings.TrimPrefix(nodes[j], "event"))
		if errA != nil || errB != nil {
			return nodes[i] < nodes[j]
		}
		return a < b
	})
	return nodes, nil
}

// sysfsKeyCount counts set bits in a sysfs capability bitmap, which is a
// list of space separated hex words.
func sysfsKeyCount(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return countBitmap(string(b))
}

func countBitmap(s string) (int, error) {
	var n int
	for _, word := range strings.Fields(s) {
		v, err := strconv.ParseUint(word, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse capability word %q: %w", word, err)
		}
		n += bits.OnesCount64(v)
	}
	return n, nil
}

func matchesKeyword(name string, keywords []string) bool {
	name = strings.ToLower(name)
	if name == "" {
		return false
	}
	for _, k := range keywords {
		if k != "" && strings.Contains(name, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
