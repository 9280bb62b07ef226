// Package ipc implements the synchronous message-passing channel: two
// halves bound by a peer id, carrying ordered packets of bytes and
// transferred handles, with a call/response correlation id.
package ipc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/sched/wait"
)

// MaxQueueSize bounds each half's packet queue.
const MaxQueueSize = 2048

// Packet is one channel message: an optional correlation id, a byte
// buffer, and the objects moved with it.
type Packet struct {
	ID      uint64
	Buffer  []byte
	Objects []handle.Object
}

// NewPacket copies data into a fresh packet owning its buffer.
func NewPacket(objects []handle.Object, data []byte) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{Buffer: buf, Objects: objects}
}

// chanCore is one direction's shared state: the queue a half receives
// from, its liveness, and the half's observable.
type chanCore struct {
	queue wait.Queue[*Packet]
	alive atomic.Bool
	ev    *event.Basic
}

var nextPeerID atomic.Uint64

// Channel is one half of a channel pair.
type Channel struct {
	peerID uint64
	callID *atomic.Uint64

	me   *chanCore
	peer *chanCore

	headMu  sync.Mutex
	head    *Packet
	pending []*Packet
}

// New creates a connected channel pair.
func New() (*Channel, *Channel) {
	peerID := nextPeerID.Add(1)
	callID := new(atomic.Uint64)
	c1 := &chanCore{ev: event.NewBasic(0)}
	c2 := &chanCore{ev: event.NewBasic(0)}
	c1.alive.Store(true)
	c2.alive.Store(true)
	a := &Channel{peerID: peerID, callID: callID, me: c1, peer: c2}
	b := &Channel{peerID: peerID, callID: callID, me: c2, peer: c1}
	return a, b
}

// PeerID returns the id shared by both halves.
func (c *Channel) PeerID() uint64 { return c.peerID }

// IsPeer reports whether other belongs to the same pair.
func (c *Channel) IsPeer(other *Channel) bool { return c.peerID == other.peerID }

// Event returns this half's observable; arriving packets raise READ.
func (c *Channel) Event() event.Event { return c.me.ev }

// Close drops this half. The peer's queued packets stay deliverable; its
// further sends fail with ChannelClosed.
func (c *Channel) Close() {
	if c.me.alive.Swap(false) {
		c.peer.ev.Notify(0, event.SigWrite)
	}
}

// Send pushes a packet to the peer's queue. It fails with ChannelClosed
// after the peer is dropped and with Busy at the queue bound; the packet is
// never dropped silently.
func (c *Channel) Send(p *Packet) error {
	if !c.peer.alive.Load() {
		return kerr.ChannelClosed
	}
	if c.peer.queue.Len() >= MaxQueueSize {
		return kerr.Busy
	}
	c.peer.queue.Push(p)
	c.peer.ev.Notify(0, event.SigRead)
	return nil
}

// popDelivered fetches the next deliverable packet: the head cache first,
// then call-bypassed packets, then the queue.
func (c *Channel) popDelivered(timeout time.Duration) (*Packet, error) {
	c.headMu.Lock()
	if p := c.head; p != nil {
		c.head = nil
		c.headMu.Unlock()
		return p, nil
	}
	if len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.headMu.Unlock()
		return p, nil
	}
	c.headMu.Unlock()

	if timeout == 0 {
		if p, ok := c.me.queue.TryPop(); ok {
			return p, nil
		}
		return nil, kerr.WouldBlock
	}
	p, ok := c.me.queue.Pop(timeout)
	if !ok {
		return nil, kerr.Timeout
	}
	return p, nil
}

// Receive dequeues the next packet, waiting up to timeout. A zero timeout
// polls.
func (c *Channel) Receive(timeout time.Duration) (*Packet, error) {
	return c.popDelivered(timeout)
}

// TryReceive polls for the next packet.
func (c *Channel) TryReceive() (*Packet, error) {
	return c.popDelivered(0)
}

// Peek fetches the next packet into the head cache without consuming it,
// so a receiver can size its buffers before committing.
func (c *Channel) Peek(timeout time.Duration) (*Packet, error) {
	c.headMu.Lock()
	if c.head != nil {
		p := c.head
		c.headMu.Unlock()
		return p, nil
	}
	c.headMu.Unlock()

	p, err := c.popDelivered(timeout)
	if err != nil {
		return nil, err
	}
	c.headMu.Lock()
	c.head = p
	c.headMu.Unlock()
	return p, nil
}

// TakeHead consumes a packet previously returned by Peek.
func (c *Channel) TakeHead() *Packet {
	c.headMu.Lock()
	p := c.head
	c.head = nil
	c.headMu.Unlock()
	return p
}

// NextCallID issues the pair's next correlation id.
func (c *Channel) NextCallID() uint64 { return c.callID.Add(1) }

// PushFront returns an already-dequeued packet to the delivery front,
// e.g. after a receive that could not fit its payload.
func (c *Channel) PushFront(p *Packet) {
	c.headMu.Lock()
	if c.head == nil {
		c.head = p
	} else {
		c.pending = append([]*Packet{p}, c.pending...)
	}
	c.headMu.Unlock()
}

// CallSend stamps the next correlation id on the packet and sends it. The
// caller publishes the returned id on its task's correlation set and waits
// with CallReceive.
func (c *Channel) CallSend(p *Packet) (uint64, error) {
	id := c.callID.Add(1)
	p.ID = id
	if err := c.Send(p); err != nil {
		return 0, err
	}
	return id, nil
}

// CallReceive waits for the response carrying the given correlation id.
// Unrelated packets keep their order for plain receives.
func (c *Channel) CallReceive(id uint64, timeout time.Duration) (*Packet, error) {
	deadline := time.Now().Add(timeout)

	c.headMu.Lock()
	for i, p := range c.pending {
		if p.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.headMu.Unlock()
			return p, nil
		}
	}
	c.headMu.Unlock()

	for {
		remain := timeout
		if timeout != wait.Forever {
			remain = time.Until(deadline)
			if remain <= 0 {
				return nil, kerr.Timeout
			}
		}
		p, ok := c.me.queue.Pop(remain)
		if !ok {
			return nil, kerr.Timeout
		}
		if p.ID == id {
			return p, nil
		}
		c.headMu.Lock()
		c.pending = append(c.pending, p)
		c.headMu.Unlock()
	}
}

// SendForChannel atomically splits the named handles out of table and
// sends them with data on the channel that handle thisHandle names in that
// same table. It refuses to transfer the sending channel, its peer, a null
// handle, or any handle lacking SEND — all-or-nothing.
func SendForChannel(table *handle.Table, thisHandle int, handles []int, data []byte, id uint64) error {
	for _, h := range handles {
		if h == thisHandle {
			return kerr.PermissionDenied
		}
	}
	ch, err := handle.Get[*Channel](table, thisHandle)
	if err != nil {
		return err
	}
	objects, err := table.TakeForSend(handles, func(r *handle.Ref) error {
		if other, ok := r.Object().(*Channel); ok && other.peerID == ch.peerID {
			return kerr.PermissionDenied
		}
		return nil
	})
	if err != nil {
		return err
	}
	p := NewPacket(objects, data)
	p.ID = id
	if err := ch.Send(p); err != nil {
		// The transfer is all-or-nothing: a failed send puts the
		// handles back.
		if _, rerr := table.Receive(objects); rerr == nil {
			return err
		}
		return err
	}
	return nil
}
