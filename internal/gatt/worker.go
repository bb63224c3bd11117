package gatt

import "sync"

// worker runs queued tasks strictly one at a time on a dedicated
// goroutine. Every platform GATT call executes here, so state owned by the
// worker needs no lock. The queue is unbounded because retried requests
// re-enqueue themselves from the worker goroutine itself.
type worker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	done   chan struct{}
}

func newWorker() *worker {
	w := &worker{done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

// enqueue appends a task to the queue. Returns false once the worker has
// been shut down.
func (w *worker) enqueue(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.tasks = append(w.tasks, fn)
	w.cond.Signal()
	return true
}

func (w *worker) run() {
	for {
		w.mu.Lock()
		for len(w.tasks) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.tasks) == 0 {
			w.mu.Unlock()
			close(w.done)
			return
		}
		fn := w.tasks[0]
		w.tasks = w.tasks[1:]
		w.mu.Unlock()
		fn()
	}
}

// shutdown stops accepting new tasks and blocks until every already-queued
// task has run and the worker goroutine has exited.
func (w *worker) shutdown() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		w.cond.Signal()
	}
	w.mu.Unlock()
	<-w.done
}
