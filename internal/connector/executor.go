package connector

import "sync"

// executor runs queued funcs one at a time on its own goroutine. push never
// blocks, so completions from any goroutine can be handed to it safely.
type executor struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// push queues fn. It reports false once stop has been called.
func (e *executor) push(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	e.signal()
	return true
}

// stop rejects further pushes. Already queued funcs still run, then the
// goroutine exits and done closes.
func (e *executor) stop() {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.signal()
}

func (e *executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for range e.wake {
		for {
			e.mu.Lock()
			batch := e.queue
			e.queue = nil
			stopped := e.stopped
			e.mu.Unlock()
			if len(batch) == 0 {
				if stopped {
					return
				}
				break
			}
			for _, fn := range batch {
				fn()
			}
		}
	}
}
