// Package cpuidtbl implements C1: the per-VM cache of precomputed virtual
// CPUID leaves (spec.md §4.1). It is built once per VM, after physical-CPU
// topology is known, and never mutated again.
//
// Entry mirrors kvm.CPUIDEntry2 (Function/Index/Flags/Eax/Ebx/Ecx/Edx) from
// the teacher's kvm/cpuid.go, field-for-field, renamed to the spec's
// leaf/subleaf vocabulary.
package cpuidtbl

import "github.com/bobuhiro11/gokvm/collab"

// CheckSubleaf is flags bit 0: "check subleaf on lookup" (§3).
const CheckSubleaf uint32 = 1 << 0

// Entry is one precomputed CPUID leaf (§6 "CPUID entry record").
type Entry struct {
	Leaf    uint32
	Subleaf uint32
	Flags   uint32
	EAX     uint32
	EBX     uint32
	ECX     uint32
	EDX     uint32
}

// Leaf 7 subleaf 0 EBX/ECX masks (§4.1 "masked to clear bits for INVPCID,
// PQM, PQE, SGX, MPX, PROC_TRC, HLE, SGX_LC, STIBP, TSX_FORCE_ABORT").
const (
	leaf7EBXInvpcid    = 1 << 10
	leaf7EBXSGX        = 1 << 2
	leaf7EBXMPX        = 1 << 14
	leaf7EBXProcTrc    = 1 << 25
	leaf7EBXHLE        = 1 << 4
	leaf7EBXPQM        = 1 << 12
	leaf7EBXPQE        = 1 << 15
	leaf7ECXSGXLC      = 1 << 30
	leaf7EDXStibp      = 1 << 27
	leaf7EDXForceAbort = 1 << 13

	leaf7EBXMask = leaf7EBXInvpcid | leaf7EBXSGX | leaf7EBXMPX | leaf7EBXProcTrc |
		leaf7EBXHLE | leaf7EBXPQM | leaf7EBXPQE
	leaf7ECXMask = leaf7ECXSGXLC
	leaf7EDXMask = leaf7EDXStibp | leaf7EDXForceAbort
)

// Leaf 8000_0006H L2-associativity field (§4.1): force 4-way encoding.
const (
	leaf80000006L2AssocMask = 0xF << 12
	leaf80000006L2Assoc4Way = 4 << 12 // Intel SDM associativity encoding "4" = 4-way
)

// VirtualCrystalClockHz is the forced leaf 15H ECX value (§4.1).
const VirtualCrystalClockHz uint32 = 0x016C2154

// Build populates entries []Entry for a VM by iterating basic leaves
// 0..vcpuidLevel and extended leaves 8000_0000H..vcpuidXLevel, applying the
// per-leaf policy table of §4.1. The add callback is called once per
// retained leaf (some leaves are skipped or omitted entirely); the caller
// is expected to feed it into vm.VM.AddEntry in sorted order, so Build
// iterates basic leaves before extended leaves and ascending subleaf within
// a leaf, which already yields the (leaf, subleaf)-ascending order spec.md
// §3 requires (leaf 8000_0000H always sorts after any basic leaf numerically
// because its bit 31 is set).
func Build(platform collab.PlatformOps, vcpuidLevel, vcpuidXLevel uint32, hideLeaf16 bool, add func(Entry)) {
	for leaf := uint32(0); leaf <= vcpuidLevel; leaf++ {
		buildBasicLeaf(platform, leaf, vcpuidLevel, hideLeaf16, add)
	}

	for leaf := uint32(0x80000000); leaf <= vcpuidXLevel; leaf++ {
		buildExtendedLeaf(platform, leaf, add)
	}
}

func buildBasicLeaf(platform collab.PlatformOps, leaf, vcpuidLevel uint32, hideLeaf16 bool, add func(Entry)) {
	switch leaf {
	case 0:
		eax, ebx, ecx, edx := platform.CPUID(leaf)
		if hideLeaf16 {
			eax = 0x16
		}

		add(Entry{Leaf: leaf, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})

	case 1, 0xB, 0xD:
		// Per-vCPU; emulated on demand by cpuidemu (C2). No table entry.
		return

	case 4:
		buildCacheLeaf(platform, add)

	case 5, 8, 9, 0xA, 0xC, 0xE, 0xF, 0x10, 0x11, 0x12, 0x13, 0x14:
		// MWAIT, reserved, reserved, PMU, reserved, reserved, RDT-M,
		// RDT-A, reserved, SGX, reserved, PT: omitted, no entry created.
		return

	case 6:
		// Fabricate {eax = ARAT, ebx=ecx=edx=0}.
		add(Entry{Leaf: leaf, EAX: 1 << 2})

	case 7:
		buildLeaf7(platform, add)

	case 0x15:
		eax, ebx, _, edx := platform.CPUID(leaf)
		add(Entry{Leaf: leaf, EAX: eax, EBX: ebx, ECX: VirtualCrystalClockHz, EDX: edx})

	default:
		eax, ebx, ecx, edx := platform.CPUID(leaf)
		add(Entry{Leaf: leaf, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
	}
}

func buildCacheLeaf(platform collab.PlatformOps, add func(Entry)) {
	for sub := uint32(0); ; sub++ {
		eax, ebx, ecx, edx := platform.CPUIDSubleaf(4, sub)
		if eax&0xF == 0 {
			return
		}

		add(Entry{Leaf: 4, Subleaf: sub, Flags: CheckSubleaf, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
	}
}

func buildLeaf7(platform collab.PlatformOps, add func(Entry)) {
	eax, ebx, ecx, edx := platform.CPUIDSubleaf(7, 0)
	ebx &^= leaf7EBXMask
	ecx &^= leaf7ECXMask
	edx &^= leaf7EDXMask
	add(Entry{Leaf: 7, Subleaf: 0, Flags: CheckSubleaf, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
}

func buildExtendedLeaf(platform collab.PlatformOps, leaf uint32, add func(Entry)) {
	switch leaf {
	case 0x80000001:
		// Per-vCPU; emulated on demand by cpuidemu (C2). No table entry.
		return

	case 0x80000006:
		eax, ebx, ecx, edx := platform.CPUID(leaf)
		ecx = (ecx &^ leaf80000006L2AssocMask) | leaf80000006L2Assoc4Way
		add(Entry{Leaf: leaf, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})

	default:
		eax, ebx, ecx, edx := platform.CPUID(leaf)
		add(Entry{Leaf: leaf, EAX: eax, EBX: ebx, ECX: ecx, EDX: edx})
	}
}

// Find performs the lookup of §4.1: a binary-hinted linear scan over the
// sorted entries, matching leaf (and subleaf, if CheckSubleaf is set), with
// the "invalid EAX returns as if EAX=vcpuidLevel" fallback.
func Find(entries []Entry, leaf, subleaf, vcpuidLevel, vcpuidXLevel uint32) (Entry, bool) {
	if e, ok := findDirect(entries, leaf, subleaf); ok {
		return e, true
	}

	limit := vcpuidLevel
	if leaf&0x80000000 != 0 {
		limit = vcpuidXLevel
	}

	if leaf > limit && leaf != vcpuidLevel {
		return findDirect(entries, vcpuidLevel, subleaf)
	}

	return Entry{}, false
}

func findDirect(entries []Entry, leaf, subleaf uint32) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}

	lo, hi := 0, len(entries)-1
	mid := (lo + hi) / 2

	// Binary-hinted: start the scan from the midpoint, matching §4.1's
	// "binary search + sub-leaf match" without requiring entries for a
	// single leaf (which share a Leaf value) to break strict ordering.
	for _, start := range []int{mid, 0} {
		for i := start; i < len(entries); i++ {
			if entries[i].Leaf > leaf {
				break
			}

			if entries[i].Leaf != leaf {
				continue
			}

			if entries[i].Flags&CheckSubleaf != 0 && entries[i].Subleaf != subleaf {
				continue
			}

			return entries[i], true
		}
	}

	return Entry{}, false
}
