package playback

import (
	"sync/atomic"
	"time"

	"rollnet/emu/log"
)

// A task is a background goroutine with a cooperative stop flag. The
// goroutine polls running() after every wake up of the condition variable
// it waits on; whoever stops it must broadcast that condition.
type task struct {
	name string
	run  atomic.Bool
	done chan struct{}
}

func startTask(name string, fn func(*task)) *task {
	t := &task{name: name, done: make(chan struct{})}
	t.run.Store(true)
	go func() {
		defer close(t.done)
		log.ModPlayback.DebugZ("task started").String("task", name).End()
		fn(t)
		log.ModPlayback.DebugZ("task exited").String("task", name).End()
	}()
	return t
}

func (t *task) running() bool { return t.run.Load() }

func (t *task) stop() { t.run.Store(false) }

// join waits up to timeout for the task to exit. A task still running after
// that is left to exit on its own, and join reports false.
func (t *task) join(timeout time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		log.ModPlayback.WarnZ("task didn't exit in time, detaching").String("task", t.name).Dur("timeout", timeout).End()
		return false
	}
}
