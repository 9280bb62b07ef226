package syscall

import (
	"time"

	"github.com/h2o-os/h2o/internal/kernel/event"
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/ipc"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/sched"
)

// chanFeatures is the capability mask channel handles start with.
const chanFeatures = handle.FeatSend | handle.FeatRead | handle.FeatWrite | handle.FeatWait

// ChanNew creates a channel pair and returns both handles.
func (d *Dispatcher) ChanNew() (int, int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, 0, err
	}
	c1, c2 := ipc.New()
	h1, err := ht.Insert(c1, chanFeatures, c1.Event())
	if err != nil {
		return 0, 0, err
	}
	h2, err := ht.Insert(c2, chanFeatures, c2.Event())
	if err != nil {
		_, _ = ht.Remove(h1)
		return 0, 0, err
	}
	return h1, h2, nil
}

// SendPacket packs chan_send's argument block.
type SendPacket struct {
	Handles []int
	Buffer  []byte
}

// ChanSend sends a packet; the named handles move with it, all or
// nothing.
func (d *Dispatcher) ChanSend(h int, p SendPacket) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	return ipc.SendForChannel(ht, h, p.Handles, p.Buffer, 0)
}

// RecvPacket is chan_recv's in/out block: capacities in, sizes and
// payload out.
type RecvPacket struct {
	BufferCap int
	HandleCap int

	Buffer  []byte
	Handles []int

	// Needed sizes, filled on BufferTooSmall.
	BufferSize  int
	HandleCount int
}

// ChanRecv receives the next packet into caller-sized buffers. When either
// capacity is short the packet stays queued and the needed sizes come back
// with BufferTooSmall, so the caller can retry; timeout 0 polls.
func (d *Dispatcher) ChanRecv(h int, p *RecvPacket, timeout time.Duration) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	ch, err := handle.Get[*ipc.Channel](ht, h)
	if err != nil {
		return err
	}
	pkt, err := ch.Peek(timeout)
	if err != nil {
		return err
	}
	if len(pkt.Buffer) > p.BufferCap || len(pkt.Objects) > p.HandleCap {
		p.BufferSize = len(pkt.Buffer)
		p.HandleCount = len(pkt.Objects)
		return kerr.Buffer(len(pkt.Buffer), len(pkt.Objects))
	}
	pkt = ch.TakeHead()
	if pkt == nil {
		return kerr.WouldBlock
	}
	handles, err := ht.Receive(pkt.Objects)
	if err != nil {
		return err
	}
	p.Buffer = append(p.Buffer[:0], pkt.Buffer...)
	p.Handles = handles
	p.BufferSize = len(pkt.Buffer)
	p.HandleCount = len(handles)
	return nil
}

// ChanCallSend sends a call packet and returns its correlation id.
func (d *Dispatcher) ChanCallSend(h int, p SendPacket) (uint64, error) {
	info, err := d.currentInfo()
	if err != nil {
		return 0, err
	}
	ht := info.Handles()
	ch, err := handle.Get[*ipc.Channel](ht, h)
	if err != nil {
		return 0, err
	}
	id := ch.NextCallID()
	if err := ipc.SendForChannel(ht, h, p.Handles, p.Buffer, id); err != nil {
		return 0, err
	}
	info.RegisterCall(id)
	return id, nil
}

// ChanCallRecv waits for the response carrying a correlation id issued by
// ChanCallSend on the same task.
func (d *Dispatcher) ChanCallRecv(h int, id uint64, p *RecvPacket, timeout time.Duration) error {
	info, err := d.currentInfo()
	if err != nil {
		return err
	}
	ht := info.Handles()
	ch, err := handle.Get[*ipc.Channel](ht, h)
	if err != nil {
		return err
	}
	pkt, err := ch.CallReceive(id, timeout)
	if err != nil {
		return err
	}
	info.CompleteCall(id)
	if len(pkt.Buffer) > p.BufferCap || len(pkt.Objects) > p.HandleCap {
		// Hand the response back for a resized retry.
		ch.PushFront(pkt)
		info.RegisterCall(id)
		p.BufferSize = len(pkt.Buffer)
		p.HandleCount = len(pkt.Objects)
		return kerr.Buffer(len(pkt.Buffer), len(pkt.Objects))
	}
	handles, err := ht.Receive(pkt.Objects)
	if err != nil {
		return err
	}
	p.Buffer = append(p.Buffer[:0], pkt.Buffer...)
	p.Handles = handles
	p.BufferSize = len(pkt.Buffer)
	p.HandleCount = len(handles)
	return nil
}

// EventWait blocks until the handle's event raises one of the desired
// signal bits, the object dies, or the timeout elapses. The handle must
// carry WAIT.
func (d *Dispatcher) EventWait(h int, signal uint, timeout time.Duration) (uint, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	var ev event.Event
	err = ht.Inspect(h, func(r *handle.Ref) error {
		if !r.Features().Contains(handle.FeatWait) {
			return kerr.PermissionDenied
		}
		if r.Event() == nil {
			return kerr.NotSupported
		}
		ev = r.Event()
		return nil
	})
	if err != nil {
		return 0, err
	}
	blocker := sched.NewBlocker(ev, false, signal)
	werr := blocker.Wait(timeout)
	_, got := blocker.Detach()
	if werr != nil {
		return got, werr
	}
	return got, nil
}

// EventNotify raises signal bits on the handle's event; the handle must
// carry WRITE.
func (d *Dispatcher) EventNotify(h int, clear, set uint) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	return ht.Inspect(h, func(r *handle.Ref) error {
		if !r.Features().Contains(handle.FeatWrite) {
			return kerr.PermissionDenied
		}
		if r.Event() == nil {
			return kerr.NotSupported
		}
		r.Event().Notify(clear, set)
		return nil
	})
}
