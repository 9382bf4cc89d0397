package pool

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskRunner is the single cooperative worker queue every Pool/Group
// mutation and every Request/delegate callback is posted through. A
// general-purpose posted-task queue is what lets the pool stay lock-free
// while still giving the guarantee that callbacks are never reentrant from
// the call that produced them.
type TaskRunner interface {
	// Post schedules fn to run on the worker goroutine as soon as it is
	// free. Returns a task id that can be passed to Cancel.
	Post(fn func()) uuid.UUID

	// PostDelayed schedules fn to run on the worker goroutine no earlier
	// than d from now (used for ConnectJob timeouts and the backup-job
	// timer).
	PostDelayed(fn func(), d time.Duration) uuid.UUID

	// Cancel prevents a previously posted task from running, if it has not
	// already started. Safe to call with an id that already ran or was
	// already canceled.
	Cancel(id uuid.UUID)

	// Stop shuts the worker down. Pending tasks are dropped; in-flight
	// tasks are allowed to finish.
	Stop()
}

type timerTask struct {
	id    uuid.UUID
	due   time.Time
	fn    func()
	index int
}

type taskHeap []*timerTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].due.Before(h[j].due) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *taskHeap) Push(x interface{}) { t := x.(*timerTask); t.index = len(*h); *h = append(*h, t) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Worker is the production TaskRunner: one goroutine draining an immediate
// queue and a min-heap of delayed tasks, exactly the shape of
// ClientPool.cleanup's ticker+select loop generalized from "one fixed
// maintenance task" to "arbitrary posted work".
type Worker struct {
	mu        sync.Mutex
	immediate []*timerTask
	delayed   taskHeap
	canceled  map[uuid.UUID]bool
	wake      chan struct{}
	stopCh    chan struct{}
	stopped   bool
}

// NewWorker starts a Worker's background goroutine.
func NewWorker() *Worker {
	w := &Worker{
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		canceled: make(map[uuid.UUID]bool),
	}
	go w.run()
	return w
}

func (w *Worker) Post(fn func()) uuid.UUID {
	return w.PostDelayed(fn, 0)
}

func (w *Worker) PostDelayed(fn func(), d time.Duration) uuid.UUID {
	t := &timerTask{id: uuid.New(), due: time.Now().Add(d), fn: fn}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return t.id
	}
	if d <= 0 {
		w.immediate = append(w.immediate, t)
	} else {
		heap.Push(&w.delayed, t)
	}
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return t.id
}

func (w *Worker) Cancel(id uuid.UUID) {
	w.mu.Lock()
	w.canceled[id] = true
	w.mu.Unlock()
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	close(w.stopCh)
}

func (w *Worker) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		w.drainImmediate()

		var nextDelay time.Duration
		w.mu.Lock()
		if len(w.delayed) > 0 {
			nextDelay = time.Until(w.delayed[0].due)
			if nextDelay < 0 {
				nextDelay = 0
			}
		} else {
			nextDelay = time.Hour
		}
		w.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextDelay)

		select {
		case <-w.stopCh:
			return
		case <-w.wake:
		case <-timer.C:
			w.fireDue()
		}
	}
}

func (w *Worker) drainImmediate() {
	for {
		w.mu.Lock()
		if len(w.immediate) == 0 {
			w.mu.Unlock()
			return
		}
		t := w.immediate[0]
		w.immediate = w.immediate[1:]
		skip := w.canceled[t.id]
		delete(w.canceled, t.id)
		w.mu.Unlock()
		if !skip {
			t.fn()
		}
	}
}

func (w *Worker) fireDue() {
	now := time.Now()
	for {
		w.mu.Lock()
		if len(w.delayed) == 0 || w.delayed[0].due.After(now) {
			w.mu.Unlock()
			return
		}
		t := heap.Pop(&w.delayed).(*timerTask)
		skip := w.canceled[t.id]
		delete(w.canceled, t.id)
		w.mu.Unlock()
		if !skip {
			t.fn()
		}
	}
}

// InlineTaskRunner runs every task synchronously on the calling goroutine,
// immediately, ignoring delays. Intended for tests that want deterministic,
// single-threaded execution without a real worker goroutine.
type InlineTaskRunner struct {
	canceled map[uuid.UUID]bool
}

// NewInlineTaskRunner returns a ready-to-use InlineTaskRunner.
func NewInlineTaskRunner() *InlineTaskRunner {
	return &InlineTaskRunner{canceled: make(map[uuid.UUID]bool)}
}

func (r *InlineTaskRunner) Post(fn func()) uuid.UUID {
	return r.PostDelayed(fn, 0)
}

func (r *InlineTaskRunner) PostDelayed(fn func(), _ time.Duration) uuid.UUID {
	id := uuid.New()
	fn()
	return id
}

func (r *InlineTaskRunner) Cancel(id uuid.UUID) {
	r.canceled[id] = true
}

func (r *InlineTaskRunner) Stop() {}

// FakeTaskRunner records posted tasks without running them, letting a test
// step the clock deterministically by calling RunDue/RunAll/Advance.
type FakeTaskRunner struct {
	tasks    []*timerTask
	canceled map[uuid.UUID]bool
	now      time.Time
}

// NewFakeTaskRunner returns a FakeTaskRunner with its clock at the zero
// time; advance it explicitly with Advance.
func NewFakeTaskRunner() *FakeTaskRunner {
	return &FakeTaskRunner{canceled: make(map[uuid.UUID]bool)}
}

func (f *FakeTaskRunner) Post(fn func()) uuid.UUID {
	return f.PostDelayed(fn, 0)
}

func (f *FakeTaskRunner) PostDelayed(fn func(), d time.Duration) uuid.UUID {
	t := &timerTask{id: uuid.New(), due: f.now.Add(d), fn: fn}
	f.tasks = append(f.tasks, t)
	return t.id
}

func (f *FakeTaskRunner) Cancel(id uuid.UUID) {
	f.canceled[id] = true
}

func (f *FakeTaskRunner) Stop() {}

// Advance moves the fake clock forward and runs every task now due, in due
// order, oldest first.
func (f *FakeTaskRunner) Advance(d time.Duration) {
	f.now = f.now.Add(d)
	f.RunDue()
}

// RunDue runs every pending task whose due time has arrived.
func (f *FakeTaskRunner) RunDue() {
	for {
		idx := -1
		for i, t := range f.tasks {
			if !t.due.After(f.now) {
				if idx == -1 || t.due.Before(f.tasks[idx].due) {
					idx = i
				}
			}
		}
		if idx == -1 {
			return
		}
		t := f.tasks[idx]
		f.tasks = append(f.tasks[:idx], f.tasks[idx+1:]...)
		if !f.canceled[t.id] {
			t.fn()
		}
	}
}

// RunAll runs every pending task regardless of due time, in FIFO order.
// Useful for tests that only post immediate (non-delayed) tasks.
func (f *FakeTaskRunner) RunAll() {
	for len(f.tasks) > 0 {
		t := f.tasks[0]
		f.tasks = f.tasks[1:]
		if !f.canceled[t.id] {
			t.fn()
		}
	}
}
