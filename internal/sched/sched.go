// Package sched is the delayed-task scheduler behind tiered pushes, retry
// rounds, and reservation timers. Every scheduled unit of work owns a
// handle usable for cancellation; cancellation is best-effort, so
// callbacks must re-validate state before acting.
package sched

import (
	"sync"
	"time"
)

// Handle cancels a scheduled callback. Cancel after the callback has been
// dequeued for execution has no effect.
type Handle interface {
	Cancel()
}

// Scheduler schedules a callback after a relative delay.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Handle
	Now() time.Time
}

// Timer is the production Scheduler backed by runtime timers.
type Timer struct{}

func NewTimer() *Timer { return &Timer{} }

func (t *Timer) Schedule(delay time.Duration, fn func()) Handle {
	return timerHandle{t: time.AfterFunc(delay, fn)}
}

func (t *Timer) Now() time.Time { return time.Now() }

type timerHandle struct{ t *time.Timer }

func (h timerHandle) Cancel() { h.t.Stop() }

// Fake is a manually advanced Scheduler for tests. Callbacks fire
// synchronously from Advance in due order.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks map[int]*fakeTask
}

type fakeTask struct {
	due time.Time
	seq int
	fn  func()
}

func NewFake() *Fake {
	return &Fake{now: time.Unix(0, 0), tasks: make(map[int]*fakeTask)}
}

func (f *Fake) Schedule(delay time.Duration, fn func()) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := f.seq
	f.tasks[id] = &fakeTask{due: f.now.Add(delay), seq: id, fn: fn}
	return fakeHandle{f: f, id: id}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward, running every task due at or before the
// new time in (due, insertion) order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()
	for {
		f.mu.Lock()
		var next *fakeTask
		var nextID int
		for id, t := range f.tasks {
			if t.due.After(target) {
				continue
			}
			if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
				next = t
				nextID = id
			}
		}
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		delete(f.tasks, nextID)
		f.now = next.due
		f.mu.Unlock()
		next.fn()
	}
}

// Pending reports how many tasks are queued.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

type fakeHandle struct {
	f  *Fake
	id int
}

func (h fakeHandle) Cancel() {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	delete(h.f.tasks, h.id)
}
