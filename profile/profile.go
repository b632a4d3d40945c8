// Package profile provides a small tic/toc timer over device queues. A
// measurement brackets device work: Tic drains the attached queues before
// recording the start time, Toc drains them again before reading the clock,
// so asynchronous launches are fully accounted for.
package profile

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gridfuse/gridfuse/device"
)

// Profiler accumulates named wall-clock measurements.
type Profiler struct {
	queues []device.Queue

	mu     sync.Mutex
	open   map[string]time.Time
	totals map[string]time.Duration
	counts map[string]int
}

// New creates a profiler attached to the given queues.
func New(queues ...device.Queue) *Profiler {
	return &Profiler{
		queues: queues,
		open:   make(map[string]time.Time),
		totals: make(map[string]time.Duration),
		counts: make(map[string]int),
	}
}

// Tic starts the named measurement.
func (p *Profiler) Tic(name string) error {
	if err := p.sync(); err != nil {
		return err
	}
	p.mu.Lock()
	p.open[name] = time.Now()
	p.mu.Unlock()
	return nil
}

// Toc finishes the named measurement and returns its elapsed seconds.
func (p *Profiler) Toc(name string) (float64, error) {
	if err := p.sync(); err != nil {
		return 0, err
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.open[name]
	if !ok {
		return 0, errors.Errorf("profile: Toc(%q) without matching Tic", name)
	}
	delete(p.open, name)
	d := now.Sub(start)
	p.totals[name] += d
	p.counts[name]++
	return d.Seconds(), nil
}

func (p *Profiler) sync() error {
	for _, q := range p.queues {
		if err := q.Finish(); err != nil {
			return errors.Wrap(err, "profile: queue finish")
		}
	}
	return nil
}

// Summary formats accumulated totals, one line per name, sorted by name.
func (p *Profiler) Summary() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.totals))
	for name := range p.totals {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%-24s %3d calls %12.6fs\n", name, p.counts[name], p.totals[name].Seconds())
	}
	return sb.String()
}
