// Package kconf carries the kernel's tunables: parsed once at boot from a
// key=value file and swapped atomically when the file changes on disk.
package kconf

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Parameters are the kernel tunables.
type Parameters struct {
	// NCPU is the number of modeled CPUs.
	NCPU int
	// TimeSlice is the configured slice for a newly Ready task. The
	// scheduler does not read it; it grants sched.MinTimeGran.
	TimeSlice time.Duration
	// ChannelDepth is the configured channel queue depth. Channels do not
	// read it; each half is bounded by ipc.MaxQueueSize.
	ChannelDepth int
	// HandleCap is the configured handle arena capacity. The arena does
	// not read it; it is sized by handle.MaxHandleCount.
	HandleCap int
	// MonitorAddr is where the stats endpoint listens, empty to
	// disable.
	MonitorAddr string
	// LogLevel names the kernel log level (trace, debug, info, warn,
	// error).
	LogLevel string
}

// Defaults returns the boot-time parameter set.
func Defaults() Parameters {
	return Parameters{
		NCPU:         4,
		TimeSlice:    30 * time.Millisecond,
		ChannelDepth: 2048,
		HandleCap:    1 << 16,
		LogLevel:     "info",
	}
}

// Load reads a parameter file over the defaults. Unknown keys fail, so a
// typo cannot silently boot a misconfigured kernel.
func Load(path string) (Parameters, error) {
	p := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return p, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok {
			return p, fmt.Errorf("%s:%d: expected key=value", path, line)
		}
		if err := p.set(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return p, fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Parameters) set(key, value string) error {
	switch key {
	case "ncpu":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 64 {
			return fmt.Errorf("bad ncpu %q", value)
		}
		p.NCPU = n
	case "time_slice":
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return fmt.Errorf("bad time_slice %q", value)
		}
		p.TimeSlice = d
	case "channel_depth":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("bad channel_depth %q", value)
		}
		p.ChannelDepth = n
	case "handle_cap":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("bad handle_cap %q", value)
		}
		p.HandleCap = n
	case "monitor_addr":
		p.MonitorAddr = value
	case "log_level":
		switch value {
		case "trace", "debug", "info", "warn", "error":
			p.LogLevel = value
		default:
			return fmt.Errorf("bad log_level %q", value)
		}
	default:
		return fmt.Errorf("unknown parameter %q", key)
	}
	return nil
}

// Store holds the live parameter set.
type Store struct {
	current atomic.Pointer[Parameters]
	subs    []func(Parameters)
}

// NewStore wraps an initial parameter set.
func NewStore(p Parameters) *Store {
	s := &Store{}
	s.current.Store(&p)
	return s
}

// Get returns the live parameters.
func (s *Store) Get() Parameters { return *s.current.Load() }

// Subscribe registers a callback run on every swap. Subscriptions are made
// during bring-up, before Watch starts.
func (s *Store) Subscribe(fn func(Parameters)) {
	s.subs = append(s.subs, fn)
}

func (s *Store) swap(p Parameters) {
	s.current.Store(&p)
	for _, fn := range s.subs {
		fn(p)
	}
}
