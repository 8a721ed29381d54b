package supervisor

import (
	"sync"

	"github.com/GriffinCanCode/scriptpool/internal/protocol"
)

// mailbox queues the events of one run for the goroutine waiting on it. The
// reader never blocks on a slow caller, and events keep their order.
type mailbox struct {
	mu     sync.Mutex
	queue  []protocol.Message
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) put(m protocol.Message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}
