package pipeline

import (
	"sync"

	"github.com/care/orionscan/internal/types"
)

// inbox is the controller's message queue: decode outcomes posted by the
// worker goroutine, consumed in order by the dispatch loop.
//
// Post never blocks and never panics: once closed, posts are rejected.
type inbox struct {
	mu     sync.RWMutex
	ch     chan types.Message
	closed bool
}

func newInbox(size int) *inbox {
	return &inbox{ch: make(chan types.Message, size)}
}

// Post implements decoder.Outbox.
func (in *inbox) Post(msg types.Message) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.closed {
		return false
	}
	select {
	case in.ch <- msg:
		return true
	default:
		return false
	}
}

// close rejects further posts. Queued messages stay until drained.
func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
}

// drain discards every queued message and returns how many there were.
func (in *inbox) drain() int {
	n := 0
	for {
		select {
		case <-in.ch:
			n++
		default:
			return n
		}
	}
}
