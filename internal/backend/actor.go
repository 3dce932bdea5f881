package backend

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// actor runs submitted tasks one at a time on a single goroutine. The queue
// is unbounded; submit never blocks.
type actor struct {
	log    zerolog.Logger
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newActor(log zerolog.Logger) *actor {
	a := &actor{log: log, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go a.loop()
	return a
}

// submit enqueues fn. It returns false once the actor is stopping.
func (a *actor) submit(fn func()) bool {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return false
	}
	a.queue = append(a.queue, fn)
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return true
}

func (a *actor) loop() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 {
			if a.closed {
				a.mu.Unlock()
				return
			}
			a.mu.Unlock()
			<-a.wake
			a.mu.Lock()
		}
		fn := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()
		a.run(fn)
	}
}

func (a *actor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("backend task panicked")
		}
	}()
	fn()
}

// stop rejects further submissions, drains the queue and waits for the loop
// to exit.
func (a *actor) stop() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	<-a.done
}
