// Package cpuidemu implements C2: the per-vCPU CPUID emulator, a thin
// overlay on the C1 table for leaves that depend on APIC ID, CR4, MSRs, or
// vCPU count (spec.md §4.2).
//
// Grounded on machine.go's initCPUID (which patches the teacher's static
// CPUID2 array before handing it to KVM) generalized into an on-demand
// per-query emulator, since this module computes a virtual leaf at exit
// time instead of baking a fixed table into the hardware ioctl.
package cpuidemu

import (
	"github.com/bobuhiro11/gokvm/collab"
	"github.com/bobuhiro11/gokvm/cpuidtbl"
	"github.com/bobuhiro11/gokvm/vm"
)

// MiscEnable bits consulted by this package (§4.3 table, §4.2 leaf limiter).
const (
	MiscEnableLimitCPUID = 1 << 22
	MiscEnableXDDisable  = 1 << 34
)

// Leaf-1 ECX/EDX masks (§4.2 "Leaf 1").
const (
	leaf1ECXMonitor = 1 << 3
	leaf1ECXDTES64  = 1 << 2
	leaf1ECXDSCPL   = 1 << 4
	leaf1ECXSMX     = 1 << 6
	leaf1ECXEST     = 1 << 7
	leaf1ECXTM2     = 1 << 8
	leaf1ECXPDCM    = 1 << 15
	leaf1ECXSDBG    = 1 << 11
	leaf1ECXPCID    = 1 << 17
	leaf1ECXVMX     = 1 << 5
	leaf1ECXOSXSAVE = 1 << 27

	leaf1ECXClearMask = leaf1ECXMonitor | leaf1ECXDTES64 | leaf1ECXDSCPL | leaf1ECXSMX |
		leaf1ECXEST | leaf1ECXTM2 | leaf1ECXPDCM | leaf1ECXSDBG | leaf1ECXPCID | leaf1ECXVMX

	leaf1EDXDTES = 1 << 21
	leaf1EDXVME  = 1 << 1
	leaf1EDXDE   = 1 << 2
	leaf1EDXMTRR = 1 << 12
	leaf1EDXACPI = 1 << 22
	leaf1EDXTM1  = 1 << 29
	leaf1EDXPBE  = 1 << 31
	leaf1EDXHTT  = 1 << 28
	leaf1EDXMCE  = 1 << 7
	leaf1EDXMCA  = 1 << 14

	leaf1EDXClearMask = leaf1EDXDTES | leaf1EDXVME | leaf1EDXDE | leaf1EDXMTRR |
		leaf1EDXACPI | leaf1EDXTM1 | leaf1EDXPBE
)

const cr4OSXSAVE = 1 << 18

// XSAVE (leaf D) masks (§4.2 "Leaf D").
const (
	xcr0BNDREGS = 1 << 3
	xcr0BNDCSR  = 1 << 4

	xsaveECXLegacy  = 0x200
	xsaveECXHeader  = 0x40
	xsaveEAXXSAVES  = 1 << 3
	xsaveECXPTState = 1 << 8
)

// leaf 8000_0001H masks (§4.2).
const edxXD = 1 << 20

// GuestCPUID emulates leaf/subleaf eax/ecx into {eax,ebx,ecx,edx}, applying
// the per-vCPU overlay of §4.2 and then the leaf limiter.
func GuestCPUID(
	vcpu *vm.VCPU,
	lapic collab.Lapic,
	guestCR4 uint64,
	miscEnable uint64,
	eax, ecx *uint32,
	ebx, edx *uint32,
) {
	leaf, subleaf := *eax, *ecx

	switch leaf {
	case 1:
		leaf1(vcpu, lapic, guestCR4, eax, ebx, ecx, edx)
	case 0xB:
		leafB(vcpu, lapic, subleaf, eax, ebx, ecx, edx)
	case 0xD:
		leafD(vcpu, subleaf, eax, ebx, ecx, edx)
	case 0x80000001:
		leaf80000001(vcpu, miscEnable, eax, ebx, ecx, edx)
	default:
		entry, ok := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, leaf, subleaf, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)
		if !ok {
			*eax, *ebx, *ecx, *edx = 0, 0, 0, 0
		} else {
			*eax, *ebx, *ecx, *edx = entry.EAX, entry.EBX, entry.ECX, entry.EDX
		}
	}

	applyLeafLimiter(vcpu, miscEnable, leaf, eax, ebx, ecx, edx)
}

func leaf1(vcpu *vm.VCPU, lapic collab.Lapic, guestCR4 uint64, eax, ebx, ecx, edx *uint32) {
	entry, ok := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, 1, 0, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)

	var nEAX, nEBX, nECX, nEDX uint32
	if ok {
		nEAX, nEBX, nECX, nEDX = entry.EAX, entry.EBX, entry.ECX, entry.EDX
	}

	nEBX = (nEBX &^ (0xFF << 24)) | ((lapic.GetAPICID(vcpu.VCPUID) & 0xFF) << 24)

	nECX &^= leaf1ECXClearMask
	nECX &^= leaf1ECXOSXSAVE

	if guestCR4&cr4OSXSAVE != 0 {
		nECX |= leaf1ECXOSXSAVE
	}

	nEDX &^= leaf1EDXClearMask

	if vcpu.VM.IsSafetyVM {
		nEDX &^= leaf1EDXHTT
	} else {
		nEDX &^= leaf1EDXMCE | leaf1EDXMCA
	}

	*eax, *ebx, *ecx, *edx = nEAX, nEBX, nECX, nEDX
}

func leafB(vcpu *vm.VCPU, lapic collab.Lapic, subleaf uint32, eax, ebx, ecx, edx *uint32) {
	x2apicID := lapic.GetAPICID(vcpu.VCPUID)

	switch subleaf {
	case 0:
		*eax = 0
		*ebx = 1
		*ecx = (subleaf & 0xFF) | (1 << 8)
	case 1:
		created := vcpu.VM.CreatedVCPUs
		*eax = vm.FlsCreatedVCPUsMinusOne(created)
		*ebx = uint32(created)
		*ecx = (subleaf & 0xFF) | (2 << 8)
	default:
		*eax, *ebx = 0, 0
		*ecx = subleaf & 0xFF
	}

	*edx = x2apicID
}

func leafD(vcpu *vm.VCPU, subleaf uint32, eax, ebx, ecx, edx *uint32) {
	// Subleaf 2 is fetched unconditionally to learn the AVX state size,
	// matching §4.2's "fetch native subleaf 2 to obtain the AVX state size".
	avxEntry, avxOK := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, 0xD, 2, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)

	var avxSize uint32
	if avxOK {
		avxSize = avxEntry.EAX
	}

	switch subleaf {
	case 0:
		entry, ok := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, 0xD, 0, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)
		if ok {
			*eax, *ebx, *ecx, *edx = entry.EAX, entry.EBX, entry.ECX, entry.EDX
		}

		*eax &^= xcr0BNDREGS | xcr0BNDCSR
		*ecx = xsaveECXLegacy + xsaveECXHeader + avxSize

	case 1:
		entry, ok := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, 0xD, 1, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)
		if ok {
			*eax, *ebx, *ecx, *edx = entry.EAX, entry.EBX, entry.ECX, entry.EDX
		}

		*eax &^= xsaveEAXXSAVES
		*ecx &^= xsaveECXPTState

	case 2:
		if avxOK {
			*eax, *ebx, *ecx, *edx = avxEntry.EAX, avxEntry.EBX, avxEntry.ECX, avxEntry.EDX
		}

	default:
		*eax, *ebx, *ecx, *edx = 0, 0, 0, 0
	}
}

func leaf80000001(vcpu *vm.VCPU, miscEnable uint64, eax, ebx, ecx, edx *uint32) {
	entry, ok := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, 0x80000001, 0, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)
	if ok {
		*eax, *ebx, *ecx, *edx = entry.EAX, entry.EBX, entry.ECX, entry.EDX
	}

	if miscEnable&MiscEnableXDDisable != 0 {
		*edx &^= edxXD
	}
}

// applyLeafLimiter implements §4.2's final step: if MISC_ENABLE.LIMIT_CPUID
// is set, leaf 0 reports EAX=2 and any leaf beyond the shrunken range is
// overwritten verbatim with the leaf-2 entry's registers.
func applyLeafLimiter(vcpu *vm.VCPU, miscEnable uint64, leaf uint32, eax, ebx, ecx, edx *uint32) {
	if miscEnable&MiscEnableLimitCPUID == 0 {
		return
	}

	if leaf == 0 {
		*eax = 2

		return
	}

	if (leaf > 2 && leaf < 0x80000000) || leaf > vcpu.VM.VCPUIDXLevel {
		entry, ok := cpuidtbl.Find(vcpu.VM.VCPUIDEntries, 2, 0, vcpu.VM.VCPUIDLevel, vcpu.VM.VCPUIDXLevel)
		if ok {
			*eax, *ebx, *ecx, *edx = entry.EAX, entry.EBX, entry.ECX, entry.EDX
		}
	}
}

