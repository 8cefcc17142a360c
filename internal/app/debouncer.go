package app

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// DefaultDebounce is the coalescing window for continuous edit input.
const DefaultDebounce = 120 * time.Millisecond

// Debouncer coalesces calls per key: within the window only the latest call
// for a key survives. Calls never run on the timer goroutine; a due key is
// announced on Ready and run by the owner through Fire, so all calls run on
// the owner's goroutine.
type Debouncer struct {
	window time.Duration

	mu      sync.Mutex
	seq     uint64
	pending map[string]*call
	ready   chan string
	done    chan struct{}
	stopped bool
}

type call struct {
	fn    func()
	seq   uint64
	due   time.Time
	timer *time.Timer
}

// NewDebouncer creates a Debouncer; window <= 0 uses DefaultDebounce.
func NewDebouncer(window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{
		window:  window,
		pending: make(map[string]*call),
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}
}

// Window returns the coalescing window.
func (d *Debouncer) Window() time.Duration { return d.window }

// Trigger schedules fn under key, replacing a pending call for the same key
// and restarting its window.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.seq++
	due := time.Now().Add(d.window)

	if c, ok := d.pending[key]; ok {
		c.fn, c.seq, c.due = fn, d.seq, due
		c.timer.Reset(d.window)
		return
	}
	d.pending[key] = &call{
		fn:  fn,
		seq: d.seq,
		due: due,
		timer: time.AfterFunc(d.window, func() {
			select {
			case d.ready <- key:
			case <-d.done:
			}
		}),
	}
}

// Ready announces keys whose window has elapsed.
func (d *Debouncer) Ready() <-chan string { return d.ready }

// Fire runs the pending call for key if its window has elapsed. A stale
// announcement (the key was re-triggered or flushed) is ignored.
func (d *Debouncer) Fire(key string) bool {
	d.mu.Lock()
	c, ok := d.pending[key]
	if !ok || time.Now().Before(c.due) {
		d.mu.Unlock()
		return false
	}
	delete(d.pending, key)
	d.mu.Unlock()

	c.fn()
	return true
}

// Cancel drops the pending call for key.
func (d *Debouncer) Cancel(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.pending[key]
	if ok {
		c.timer.Stop()
		delete(d.pending, key)
	}
	return ok
}

// Flush runs every pending call now, in trigger order, and returns how
// many ran.
func (d *Debouncer) Flush() int {
	d.mu.Lock()
	calls := make([]*call, 0, len(d.pending))
	for key, c := range d.pending {
		c.timer.Stop()
		calls = append(calls, c)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	slices.SortFunc(calls, func(a, b *call) int { return cmp.Compare(a.seq, b.seq) })
	for _, c := range calls {
		c.fn()
	}
	return len(calls)
}

// Pending returns the number of calls waiting for their window.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop drops pending calls and ignores later triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	for key, c := range d.pending {
		c.timer.Stop()
		delete(d.pending, key)
	}
	close(d.done)
}
