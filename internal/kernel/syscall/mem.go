package syscall

import (
	"github.com/h2o-os/h2o/internal/kernel/handle"
	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
)

// physFeatures is the default capability mask for a freshly allocated
// Phys.
const physFeatures = handle.FeatSend | handle.FeatSync |
	handle.FeatRead | handle.FeatWrite | handle.FeatExecute

// virtFeatures is the default capability mask for a Virt handle.
const virtFeatures = handle.FeatSync | handle.FeatRead | handle.FeatWrite | handle.FeatExecute

// PhysAlloc allocates a physical-memory object. Contiguous objects serve
// device-like use; everything else is extensible and committed on demand.
func (d *Dispatcher) PhysAlloc(size int, zeroed, contiguous bool) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	var p phys.Phys
	if contiguous {
		p, err = phys.AllocContiguous(size, zeroed)
	} else {
		p, err = phys.NewExtensible(size)
	}
	if err != nil {
		return 0, err
	}
	feat := handle.Feature(physFeatures)
	if p.Event() != nil {
		feat |= handle.FeatWait
	}
	return ht.Insert(p, feat, p.Event())
}

// PhysRead copies length bytes from the object at off.
func (d *Dispatcher) PhysRead(h, off, length int) ([]byte, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return nil, err
	}
	p, err := handle.GetWithFeatures[phys.Phys](ht, h, handle.FeatRead)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := p.Read(off, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// PhysWrite copies buf into the object at off.
func (d *Dispatcher) PhysWrite(h, off int, buf []byte) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	p, err := handle.GetWithFeatures[phys.Phys](ht, h, handle.FeatWrite)
	if err != nil {
		return 0, err
	}
	return p.Write(off, buf)
}

// PhysSub derives a sub-object and returns its handle.
func (d *Dispatcher) PhysSub(h, off, length int, copyContent bool) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	p, err := handle.Get[phys.Phys](ht, h)
	if err != nil {
		return 0, err
	}
	sub, err := p.CreateSub(off, length, copyContent)
	if err != nil {
		return 0, err
	}
	return ht.Insert(sub, physFeatures, sub.Event())
}

// PhysResize resizes the object; it demands the full R/W/X capability.
func (d *Dispatcher) PhysResize(h, newLen int, zeroed bool) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	p, err := handle.GetWithFeatures[phys.Phys](ht, h,
		handle.FeatRead|handle.FeatWrite|handle.FeatExecute)
	if err != nil {
		return err
	}
	return p.Resize(newLen, zeroed)
}

// SpaceNew creates an address space and returns its handle plus the root
// Virt handle.
func (d *Dispatcher) SpaceNew() (spaceHandle, rootVirt int, err error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, 0, err
	}
	sp, err := space.New(space.CreateUser)
	if err != nil {
		return 0, 0, err
	}
	spaceHandle, err = ht.Insert(sp, handle.FeatSend|handle.FeatSync, nil)
	if err != nil {
		return 0, 0, err
	}
	rootVirt, err = ht.Insert(sp.Root(), virtFeatures, nil)
	if err != nil {
		_, _ = ht.Remove(spaceHandle)
		return 0, 0, err
	}
	return spaceHandle, rootVirt, nil
}

// VirtAlloc carves a sub-Virt out of vh. A nil offset asks for randomized
// placement.
func (d *Dispatcher) VirtAlloc(vh int, offset *int, size, align int) (int, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	v, err := handle.Get[*space.Virt](ht, vh)
	if err != nil {
		return 0, err
	}
	sub, err := v.Allocate(offset, space.Layout{Size: size, Align: align})
	if err != nil {
		return 0, err
	}
	return ht.Insert(sub, virtFeatures, nil)
}

// MapArgs packs virt_map's argument block.
type MapArgs struct {
	PhysHandle int
	PhysOffset int
	Offset     *int
	Len        int
	Align      int
	Flags      space.Flags
}

// VirtMap maps a Phys window into vh and returns the chosen base address.
// Every user mapping must carry USER_ACCESS, and the mapping may not grant
// what the caller's Phys handle does not hold.
func (d *Dispatcher) VirtMap(vh int, args MapArgs) (frame.LAddr, error) {
	ht, err := d.currentHandles()
	if err != nil {
		return 0, err
	}
	v, err := handle.Get[*space.Virt](ht, vh)
	if err != nil {
		return 0, err
	}
	if args.Flags&space.FlagUserAccess == 0 {
		return 0, kerr.PermissionDenied
	}
	want := handle.Feature(0)
	if args.Flags&space.FlagReadable != 0 {
		want |= handle.FeatRead
	}
	if args.Flags&space.FlagWritable != 0 {
		want |= handle.FeatWrite
	}
	if args.Flags&space.FlagExecutable != 0 {
		want |= handle.FeatExecute
	}
	p, err := handle.GetWithFeatures[phys.Phys](ht, args.PhysHandle, want)
	if err != nil {
		return 0, err
	}
	align := args.Align
	if align == 0 {
		align = frame.PageSize
	}
	return v.Map(args.Offset, p, args.PhysOffset, space.Layout{Size: args.Len, Align: align}, args.Flags)
}

// VirtReprot rewrites mapping flags over a window of vh.
func (d *Dispatcher) VirtReprot(vh int, base frame.LAddr, length int, flags space.Flags) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	v, err := handle.Get[*space.Virt](ht, vh)
	if err != nil {
		return err
	}
	return v.Reprotect(base, length, flags)
}

// VirtUnmap removes children inside a window of vh.
func (d *Dispatcher) VirtUnmap(vh int, base frame.LAddr, length int, dropChild bool) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	v, err := handle.Get[*space.Virt](ht, vh)
	if err != nil {
		return err
	}
	return v.Unmap(base, length, dropChild)
}

// VirtDestroy detaches vh from its parent and closes the handle.
func (d *Dispatcher) VirtDestroy(vh int) error {
	ht, err := d.currentHandles()
	if err != nil {
		return err
	}
	v, err := handle.Get[*space.Virt](ht, vh)
	if err != nil {
		return err
	}
	if err := v.Destroy(); err != nil {
		return err
	}
	_, err = ht.Remove(vh)
	return err
}
