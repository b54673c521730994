package concurrency

import "sync"

// StopFlag is the cooperative cancellation primitive shared by every
// long-running loop in a server instance: archive compression, chunked
// download streaming, and upload writing all poll it between units of work.
// Setting the flag is idempotent and irreversible for the server's lifetime.
type StopFlag struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopFlag() *StopFlag {
	return &StopFlag{ch: make(chan struct{})}
}

// Set requests a stop. Safe to call from any goroutine, any number of times.
func (f *StopFlag) Set() {
	f.once.Do(func() { close(f.ch) })
}

// IsSet reports whether a stop has been requested.
func (f *StopFlag) IsSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Done exposes the flag as a channel for select loops.
func (f *StopFlag) Done() <-chan struct{} {
	return f.ch
}
