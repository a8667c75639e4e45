// Package probe is a diagnostic: it derives the VMX CR0/CR4 fixed-bit masks
// a real host would hand cr.Derive (§4.4) and prints the host's supported
// CPUID leaves, without creating or running a guest vCPU.
//
// Grounded on probe/cpuid.go's KVM_GET_SUPPORTED_CPUID dump, rehomed onto
// kvmbackend so it no longer needs the teacher's standalone kvm package.
package probe

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/gokvm/cr"
	"github.com/bobuhiro11/gokvm/kvmbackend"
)

// CPUID opens dev (normally "/dev/kvm"), prints every supported CPUID leaf
// it reports, and closes it again.
func CPUID(w io.Writer, dev string) error {
	d, err := kvmbackend.Open(dev)
	if err != nil {
		return err
	}
	defer d.Close()

	for leaf := uint32(0); leaf <= 0x20; leaf++ {
		eax, ebx, ecx, edx := d.CPUID(leaf)
		if eax == 0 && ebx == 0 && ecx == 0 && edx == 0 {
			continue
		}

		fmt.Fprintf(w, "0x%08x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n", leaf, eax, ebx, ecx, edx)
	}

	for leaf := uint32(0x80000000); leaf <= 0x80000020; leaf++ {
		eax, ebx, ecx, edx := d.CPUID(leaf)
		if eax == 0 && ebx == 0 && ecx == 0 && edx == 0 {
			continue
		}

		fmt.Fprintf(w, "0x%08x: eax=0x%08x ebx=0x%08x ecx=0x%08x edx=0x%08x\n", leaf, eax, ebx, ecx, edx)
	}

	return nil
}

// VMXFixedMasks derives and prints this host's CR0/CR4 fixed-bit masks, the
// same masks cr.Derive computes from the IA32_VMX_CR{0,4}_FIXED{0,1} MSRs.
func VMXFixedMasks(w io.Writer, dev string) error {
	d, err := kvmbackend.Open(dev)
	if err != nil {
		return err
	}
	defer d.Close()

	m, err := cr.Derive(d)
	if err != nil {
		return fmt.Errorf("probe: derive cr masks: %w", err)
	}

	fmt.Fprintf(w, "cr0 host_owned=%#08x always_on=%#08x always_off=%#08x\n",
		m.CR0HostOwned, m.CR0AlwaysOn, m.CR0AlwaysOff)
	fmt.Fprintf(w, "cr4 host_owned=%#016x always_on=%#016x always_off=%#016x\n",
		m.CR4HostOwned, m.CR4AlwaysOn, m.CR4AlwaysOff)

	return nil
}
