package concurrency

import (
	"errors"
	"sync"
)

// ErrBusy is returned by Guard.Execute when another task is already running.
var ErrBusy = errors.New("operation already in progress")

// Guard serializes an operation that must not overlap with itself, such as
// staging a new file manifest while a previous staging run is still writing
// its archive. Callers that lose the race get ErrBusy instead of queueing.
type Guard struct {
	mu   sync.Mutex
	busy bool
}

func NewGuard() *Guard {
	return &Guard{}
}

// Execute runs task unless another task is in flight.
func (g *Guard) Execute(task func() error) error {
	g.mu.Lock()
	if g.busy {
		g.mu.Unlock()
		return ErrBusy
	}
	g.busy = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.busy = false
		g.mu.Unlock()
	}()
	return task()
}
