package transport

import (
	"context"
	"sync"

	"github.com/fxsml/cqrsbus/message"
)

// Pending tracks requests waiting for a correlated reply.
// Thread-safe.
type Pending struct {
	mu      sync.Mutex
	waiters map[string]chan *message.Message
}

// NewPending creates an empty pending-request table.
func NewPending() *Pending {
	return &Pending{waiters: make(map[string]chan *message.Message)}
}

// Add registers correlationID and returns the channel its reply arrives on
// together with a function that abandons the request.
func (p *Pending) Add(correlationID string) (<-chan *message.Message, func()) {
	ch := make(chan *message.Message, 1)
	p.mu.Lock()
	p.waiters[correlationID] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		if p.waiters[correlationID] == ch {
			delete(p.waiters, correlationID)
		}
		p.mu.Unlock()
	}
}

// Resolve hands reply to the request with the same correlation id.
// Returns false if no such request is pending; the first reply wins.
func (p *Pending) Resolve(reply *message.Message) bool {
	corr, ok := reply.Attributes.CorrelationID()
	if !ok {
		return false
	}
	p.mu.Lock()
	ch, ok := p.waiters[corr]
	if ok {
		delete(p.waiters, corr)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- reply
	return true
}

// Len returns the number of pending requests.
func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// PrepareRequest stamps msg with replyTo and a correlation id, generating
// one if msg has none, and returns the correlation id.
func PrepareRequest(msg *message.Message, replyTo string) string {
	corr, ok := msg.Attributes.CorrelationID()
	if !ok {
		corr = message.NewID()
		msg.Attributes[message.AttrCorrelationID] = corr
	}
	msg.Attributes[message.AttrReplyTo] = replyTo
	return corr
}

// Await waits for a reply on ch until ctx or closed is done.
func Await(ctx context.Context, ch <-chan *message.Message, closed <-chan struct{}) (*message.Message, error) {
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-closed:
		return nil, ErrClosed
	}
}

// ReplyTo prepares reply for the requester of request: it copies the
// correlation id and returns the reply address.
func ReplyTo(request, reply *message.Message) (string, error) {
	addr, ok := request.Attributes.ReplyTo()
	if !ok {
		return "", ErrNoReplyAddress
	}
	if corr, ok := request.Attributes.CorrelationID(); ok {
		reply.Attributes[message.AttrCorrelationID] = corr
	}
	return addr, nil
}
