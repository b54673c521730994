// Package events implements the transfer event bus: a FIFO queue of typed
// events written by HTTP handler goroutines and drained by a single polling
// controller loop. The polling model is deliberate; it keeps handler
// goroutines fully decoupled from controller-side processing speed.
package events

import (
	"sync"
	"time"
)

// Kind identifies the type of a transfer event. The numeric values are part
// of the contract with the controller and must stay stable.
type Kind int

const (
	Load Kind = iota
	Started
	Progress
	Canceled
	RateLimit
	UploadIncludesMessage
	UploadFileRenamed
	UploadSetDir
	UploadFinished
	UploadCanceled
	IndividualFileStarted
	IndividualFileProgress
	IndividualFileCanceled
	ErrorDataDirCannotCreate
	Other
	InvalidPassword
)

// String returns a human-readable name for the event kind.
func (k Kind) String() string {
	switch k {
	case Load:
		return "load"
	case Started:
		return "started"
	case Progress:
		return "progress"
	case Canceled:
		return "canceled"
	case RateLimit:
		return "rate_limit"
	case UploadIncludesMessage:
		return "upload_includes_message"
	case UploadFileRenamed:
		return "upload_file_renamed"
	case UploadSetDir:
		return "upload_set_dir"
	case UploadFinished:
		return "upload_finished"
	case UploadCanceled:
		return "upload_canceled"
	case IndividualFileStarted:
		return "individual_file_started"
	case IndividualFileProgress:
		return "individual_file_progress"
	case IndividualFileCanceled:
		return "individual_file_canceled"
	case ErrorDataDirCannotCreate:
		return "error_data_dir_cannot_create"
	case Other:
		return "other"
	case InvalidPassword:
		return "invalid_password"
	default:
		return "unknown"
	}
}

// Event is one observation posted by a request handler. Immutable once
// posted; producers must not retain or mutate Data after calling Post.
type Event struct {
	Kind Kind
	Path string
	Data map[string]any
	At   time.Time
}

// HistoryID extracts the "id" entry from the event data, or -1 when the
// event carries no history correlation.
func (e Event) HistoryID() int {
	if v, ok := e.Data["id"].(int); ok {
		return v
	}
	return -1
}

// Bus is a multi-producer, single-consumer FIFO event queue. Post never
// blocks and never fails; DrainNonBlocking returns everything queued so far
// and empties the queue. The zero value is not usable; call NewBus.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	posted int64
}

func NewBus() *Bus {
	return &Bus{queue: make([]Event, 0, 16)}
}

// Post enqueues an event. It is safe for concurrent use and is bounded only
// by memory, so a slow or absent consumer never stalls request handling.
func (b *Bus) Post(kind Kind, path string, data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, Event{Kind: kind, Path: path, Data: data, At: time.Now()})
	b.posted++
}

// DrainNonBlocking returns all queued events in insertion order and resets
// the queue. It never waits; an empty queue yields a nil slice.
func (b *Bus) DrainNonBlocking() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	out := b.queue
	b.queue = make([]Event, 0, 16)
	return out
}

// Posted reports the total number of events posted over the bus lifetime,
// drained or not.
func (b *Bus) Posted() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posted
}
