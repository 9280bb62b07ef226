// Package boot stages the hosted kernel's birth: the VDSO object every
// space maps, the kernel ABI version it advertises, and the startup-args
// packet handed to the first task over its init channel.
package boot

import (
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/h2o-os/h2o/internal/kernel/kerr"
	"github.com/h2o-os/h2o/internal/kernel/mem/frame"
	"github.com/h2o-os/h2o/internal/kernel/mem/phys"
	"github.com/h2o-os/h2o/internal/kernel/mem/space"
)

// KernelVersion is the kernel ABI version advertised by the VDSO and the
// startup-args packet.
const KernelVersion = "0.3.1"

var kernelVersion = semver.MustParse(KernelVersion)

// Version returns the parsed kernel ABI version.
func Version() *semver.Version { return kernelVersion }

// CheckABI validates a caller-supplied ABI constraint (e.g. "^0.3")
// against the kernel version. An empty constraint always passes.
func CheckABI(constraint string) error {
	if constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("bad ABI constraint %q: %w", constraint, kerr.InvalidArgument)
	}
	if !c.Check(kernelVersion) {
		return fmt.Errorf("ABI %s rejected by %q: %w", KernelVersion, constraint, kerr.NotSupported)
	}
	return nil
}

// vdsoPages sizes the VDSO object.
const vdsoPages = 2

var (
	vdsoOnce sync.Once
	vdsoObj  phys.Phys
	vdsoErr  error
)

// InitVDSO builds and registers the singleton VDSO object: a contiguous
// Phys carrying the ABI version string at offset zero. Mapping it anywhere
// but a space's single VDSO slot is refused by the Virt layer.
func InitVDSO() (phys.Phys, error) {
	vdsoOnce.Do(func() {
		p, err := phys.AllocContiguous(vdsoPages*frame.PageSize, true)
		if err != nil {
			vdsoErr = err
			return
		}
		if _, err := p.Write(0, []byte(KernelVersion)); err != nil {
			vdsoErr = err
			return
		}
		space.RegisterVDSO(p)
		vdsoObj = p
	})
	return vdsoObj, vdsoErr
}

// VDSO returns the registered VDSO object, when initialized.
func VDSO() phys.Phys { return vdsoObj }
