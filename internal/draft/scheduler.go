package draft

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. Sessions use it for the debounce window so
// tests can drive flushes without wall-clock timers.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// ClockScheduler schedules with time.AfterFunc.
type ClockScheduler struct{}

func (ClockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ManualScheduler fires callbacks only when the owner advances its clock.
// Callbacks run on the goroutine calling Advance.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	pending []*manualTimer
}

type manualTimer struct {
	owner *ManualScheduler
	due   time.Duration
	seq   int
	f     func()
	done  bool
}

func (m *ManualScheduler) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{owner: m, due: m.now + d, seq: m.seq, f: f}
	m.pending = append(m.pending, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves the clock forward and runs every callback that came due, in
// due order.
func (m *ManualScheduler) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now += d
	var due []*manualTimer
	var rest []*manualTimer
	for _, t := range m.pending {
		switch {
		case t.done:
		case t.due <= m.now:
			t.done = true
			due = append(due, t)
		default:
			rest = append(rest, t)
		}
	}
	m.pending = rest
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})
	for _, t := range due {
		t.f()
	}
	return len(due)
}

// Pending counts scheduled callbacks that have not fired or been stopped.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.pending {
		if !t.done {
			count++
		}
	}
	return count
}
