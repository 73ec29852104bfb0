package actor

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler with a virtual clock. Posted work and
// due timers only run inside Drain and Advance, on the caller's goroutine.
// It is used by tests and by offline simulation.
type Manual struct {
	now    time.Time
	queue  []func()
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// NewManual starts the virtual clock at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Post(fn func()) {
	if fn != nil {
		m.queue = append(m.queue, fn)
	}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.seq++
	t := &manualTimer{at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Now() time.Time { return m.now }

// Drain runs posted work until the queue is empty.
func (m *Manual) Drain() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing due timers in order and
// draining posted work after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	m.Drain()
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		next.fired = true
		next.fn()
		m.Drain()
	}
	m.now = target
	m.Drain()
}

// Pending reports the number of armed timers.
func (m *Manual) Pending() int {
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (m *Manual) nextDue(limit time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if len(m.timers) == 0 || m.timers[0].at.After(limit) {
		return nil
	}
	return m.timers[0]
}
