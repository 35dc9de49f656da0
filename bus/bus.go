// bus/bus.go
package bus

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Topics
// -----------------------------------------------------------------------------

// Topic is a sequence of comparable tokens, e.g. T("radio", "cmd", "scan").
// The string tokens "+" and "#" act as single-level and multi-level
// wildcards in subscriptions; "#" is only meaningful as the last token.
type Topic []any

const (
	tokPlus = "+"
	tokHash = "#"
)

// T builds a Topic and panics on non-comparable tokens, since those can
// never be matched in the trie.
func T(toks ...any) Topic {
	for _, tok := range toks {
		if tok == nil || !reflect.TypeOf(tok).Comparable() {
			panic("bus: topic token must be comparable and non-nil")
		}
	}
	return Topic(toks)
}

// -----------------------------------------------------------------------------
// Message
// -----------------------------------------------------------------------------

type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// -----------------------------------------------------------------------------
// Subscription
// -----------------------------------------------------------------------------

type Subscription struct {
	topic  Topic
	ch     chan *Message
	conn   *Connection
	closed bool // guarded by conn.mu
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// -----------------------------------------------------------------------------
// Trie
// -----------------------------------------------------------------------------

type node struct {
	children map[any]*node
	subs     []*Subscription
	retained *Message
}

// -----------------------------------------------------------------------------
// Bus
// -----------------------------------------------------------------------------

// Bus is the in-process message fabric connecting the node's tasks.
// Subscription queues are bounded; when a queue is full the oldest
// message is dropped to make room (drop-oldest backpressure). Consumers
// that cannot tolerate that must drain promptly or size their queue up.
type Bus struct {
	mu   sync.RWMutex
	root *node
	qLen int
}

// NewBus creates a bus with the given per-subscription queue length.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

func (b *Bus) addSubscription(topic Topic, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	for _, tok := range topic {
		if n.children == nil {
			n.children = make(map[any]*node)
		}
		child, ok := n.children[tok]
		if !ok {
			child = &node{}
			n.children[tok] = child
		}
		n = child
	}
	n.subs = append(n.subs, sub)

	// Deliver retained messages matching the (possibly wildcarded) topic.
	var retained []*Message
	collectRetained(b.root, topic, &retained)
	for _, m := range retained {
		deliver(sub, m)
	}
}

// Publish delivers msg to every matching subscriber. If msg.Retained,
// it is stored at its literal topic (payload nil clears the slot).
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var subs []*Subscription
	collectSubs(b.root, msg.Topic, &subs)

	if msg.Retained {
		n := b.root
		for _, tok := range msg.Topic {
			if n.children == nil {
				n.children = make(map[any]*node)
			}
			child, ok := n.children[tok]
			if !ok {
				child = &node{}
				n.children[tok] = child
			}
			n = child
		}
		if msg.Payload == nil {
			n.retained = nil
		} else {
			n.retained = msg
		}
	}

	for _, sub := range subs {
		deliver(sub, msg)
	}
}

// deliver is non-blocking: on a full queue the oldest entry is evicted.
func deliver(sub *Subscription, msg *Message) {
	select {
	case sub.ch <- msg:
	default:
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// collectSubs gathers subscriptions whose pattern matches a concrete topic.
func collectSubs(n *node, toks Topic, out *[]*Subscription) {
	if n == nil {
		return
	}
	if len(toks) == 0 {
		*out = append(*out, n.subs...)
		if n.children != nil {
			if h := n.children[tokHash]; h != nil {
				*out = append(*out, h.subs...)
			}
		}
		return
	}
	if n.children == nil {
		return
	}
	collectSubs(n.children[toks[0]], toks[1:], out)
	collectSubs(n.children[tokPlus], toks[1:], out)
	if h := n.children[tokHash]; h != nil {
		*out = append(*out, h.subs...)
	}
}

// collectRetained gathers retained messages matching a pattern.
func collectRetained(n *node, pat Topic, out *[]*Message) {
	if n == nil {
		return
	}
	if len(pat) == 0 {
		if n.retained != nil {
			*out = append(*out, n.retained)
		}
		return
	}
	switch pat[0] {
	case tokHash:
		allRetained(n, out)
	case tokPlus:
		for _, c := range n.children {
			collectRetained(c, pat[1:], out)
		}
	default:
		if n.children != nil {
			collectRetained(n.children[pat[0]], pat[1:], out)
		}
	}
}

func allRetained(n *node, out *[]*Message) {
	if n.retained != nil {
		*out = append(*out, n.retained)
	}
	for _, c := range n.children {
		allRetained(c, out)
	}
}

func (b *Bus) unsubscribe(topic Topic, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.root
	var stack []*node
	for _, t := range topic {
		if n.children == nil {
			return
		}
		child, ok := n.children[t]
		if !ok {
			return
		}
		stack = append(stack, n)
		n = child
	}

	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}

	// Prune empty nodes.
	for i := len(topic) - 1; i >= 0; i-- {
		parent := stack[i]
		key := topic[i]
		child := parent.children[key]
		if len(child.subs) == 0 && len(child.children) == 0 && child.retained == nil {
			delete(parent.children, key)
		} else {
			break
		}
	}
}

// -----------------------------------------------------------------------------
// Connection
// -----------------------------------------------------------------------------

// Connection scopes subscriptions to one owner (a task or service) so
// they can be torn down together on Disconnect.
type Connection struct {
	bus    *Bus
	id     string
	mu     sync.Mutex
	subs   []*Subscription
	reqSeq atomic.Uint32
}

func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) {
	c.bus.Publish(msg)
}

func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.bus.addSubscription(topic, sub)
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub
}

func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	if sub.closed {
		c.mu.Unlock()
		return
	}
	sub.closed = true
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.bus.unsubscribe(sub.topic, sub)
	close(sub.ch)
}

// Disconnect closes all subscriptions owned by this connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	for _, sub := range subs {
		sub.closed = true
	}
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.unsubscribe(sub.topic, sub)
		close(sub.ch)
	}
}

// -----------------------------------------------------------------------------
// Request / reply
// -----------------------------------------------------------------------------

// Reply answers a request on its ReplyTo topic. No-op if the request
// did not ask for a reply.
func (c *Connection) Reply(req *Message, payload any, retained bool) {
	if len(req.ReplyTo) == 0 {
		return
	}
	c.Publish(&Message{Topic: req.ReplyTo, Payload: payload, Retained: retained})
}

// Request stamps req with a fresh ReplyTo topic, subscribes to it, and
// publishes the request. The caller owns the returned subscription.
func (c *Connection) Request(req *Message) *Subscription {
	seq := c.reqSeq.Add(1)
	req.ReplyTo = Topic{"$reply", c.id, seq}
	sub := c.Subscribe(req.ReplyTo)
	c.Publish(req)
	return sub
}

var errReplyClosed = errors.New("bus: reply subscription closed")

// RequestWait performs Request and blocks for the first reply or ctx expiry.
func (c *Connection) RequestWait(ctx context.Context, req *Message) (*Message, error) {
	sub := c.Request(req)
	defer c.Unsubscribe(sub)
	select {
	case m, ok := <-sub.ch:
		if !ok {
			return nil, errReplyClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
