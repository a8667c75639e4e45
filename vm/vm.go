// Package vm holds the per-VM and per-vCPU state described in spec.md §3:
// the precomputed CPUID table, emulated MSR array, MSR intercept bitmap,
// cached control-register shadow, and the bookkeeping the dispatcher needs
// across a VM-exit (IDT-vectoring snapshot, exit reason/qualification).
//
// Shaped after machine.Machine (one struct owning per-vCPU slices) and
// kvm.Regs/Sregs (the register-cache idea), generalized from "one physical
// KVM ioctl surface" to "one VmxFields/PlatformOps collaborator surface".
package vm

import (
	"fmt"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/gokvm/cpuidtbl"
)

// MaxVMVCPUIDEntries bounds vcpuid_entries (§3 invariant).
const MaxVMVCPUIDEntries = 128

// NumGuestMSRs is the width of the canonical guest_msrs array (§6).
const NumGuestMSRs = 16

// Canonical MSR-array index enumeration (§6 "Persistent/bit-exact layouts").
// RSVD slots are reserved placeholders; vmsr_get_guest_msr_index returns
// NumGuestMSRs (a miss) for any MSR that doesn't own a slot.
const (
	MSRIdxPAT = iota
	MSRIdxTSCAdjust
	MSRIdxTSCDeadline
	msrIdxRsvd3
	MSRIdxBiosSignID
	MSRIdxTSC
	msrIdxRsvd6
	msrIdxRsvd7
	MSRIdxFeatureControl
	MSRIdxMCGCap
	msrIdxRsvd10
	MSRIdxMiscEnable
	msrIdxRsvd12
	msrIdxRsvd13
	msrIdxRsvd14
	msrIdxRsvd15
)

// MSRBitmapSize is the 4 KiB bitmap layout of §4.3.
const MSRBitmapSize = 4096

// MSRLoadEntry is one VMX-transition MSR load/store area entry.
type MSRLoadEntry struct {
	Index uint32
	Value uint64
}

// RegCached bits, indicating which run_ctx fields are valid relative to the
// VMCS (§3 "reg_cached").
const (
	RegCachedCR0 uint8 = 1 << iota
	RegCachedCR4
)

// RunCtx is the cached guest-state snapshot a vCPU carries between exits.
type RunCtx struct {
	CR0       uint64
	CR2       uint64
	CR4       uint64
	EFER      uint64
	RegCached uint8
}

// IDTVectoringInfo is the snapshot of the IDT-vectoring field captured at
// exit entry (§3, §4.5 step 2).
type IDTVectoringInfo struct {
	Valid      bool
	Vector     uint8
	Type       uint8
	HasErrCode bool
	ErrCode    uint32
}

// Regs is the general-purpose-register file the CR-access VM-exit handler
// reads/writes through GPR (§4.4 "source-GPR index").
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP                uint64
}

// ErrUnsupportedReg is returned by GPR for a register the CR-access decoder
// never produces.
var ErrUnsupportedReg = fmt.Errorf("unsupported register")

// GPR returns a pointer to the named register in vcpu's GPR file.
func (vcpu *VCPU) GPR(reg x86asm.Reg) (*uint64, error) {
	r := &vcpu.Regs

	switch reg {
	case x86asm.RAX:
		return &r.RAX, nil
	case x86asm.RCX:
		return &r.RCX, nil
	case x86asm.RDX:
		return &r.RDX, nil
	case x86asm.RBX:
		return &r.RBX, nil
	case x86asm.RSP:
		return &r.RSP, nil
	case x86asm.RBP:
		return &r.RBP, nil
	case x86asm.RSI:
		return &r.RSI, nil
	case x86asm.RDI:
		return &r.RDI, nil
	case x86asm.R8:
		return &r.R8, nil
	case x86asm.R9:
		return &r.R9, nil
	case x86asm.R10:
		return &r.R10, nil
	case x86asm.R11:
		return &r.R11, nil
	case x86asm.R12:
		return &r.R12, nil
	case x86asm.R13:
		return &r.R13, nil
	case x86asm.R14:
		return &r.R14, nil
	case x86asm.R15:
		return &r.R15, nil
	case x86asm.RIP:
		return &r.RIP, nil
	default:
		return nil, fmt.Errorf("register %v: %w", reg, ErrUnsupportedReg)
	}
}

// IDT-vectoring info "Type" field values (Intel SDM 24.9.3 Table 24-15).
const (
	IDTTypeExternalInterrupt = 0
	IDTTypeNMI               = 2
	IDTTypeHWException       = 3
	IDTTypeSoftException     = 6
)

// IORequest is the request state shared by the port-I/O and EPT-violation
// handlers (§3 "req").
type IORequest struct {
	Port      uint16
	Size      uint8
	Direction uint8 // 0 = in, 1 = out
	Count     uint32
	Data      uint32
}

// VM is one guest partition (§3).
type VM struct {
	ID            uint64
	VCPUIDLevel   uint32
	VCPUIDXLevel  uint32
	VCPUIDEntries []cpuidtbl.Entry // sorted ascending by (leaf, subleaf); immutable after construction
	VRTCOffset    byte
	IsSafetyVM    bool
	CreatedVCPUs  int
}

// AddEntry appends a CPUID entry during construction only. Callers (C1) must
// finish calling this before any vCPU is created; spec.md's invariant that
// vcpuid_entries is immutable thereafter is enforced by convention, not by
// the type system, matching the teacher's "populate once in New()" shape.
func (v *VM) AddEntry(e cpuidtbl.Entry) {
	if len(v.VCPUIDEntries) >= MaxVMVCPUIDEntries {
		panic("vm: too many CPUID entries")
	}

	v.VCPUIDEntries = append(v.VCPUIDEntries, e)
}

// VCPU is one virtual processor, pinned to one physical CPU for its
// lifetime (§3, §5).
type VCPU struct {
	VM     *VM
	VCPUID int

	GuestMSRs      [NumGuestMSRs]uint64
	MSRBitmap      [MSRBitmapSize]byte
	MSRLoadGuest   []MSRLoadEntry
	MSRLoadHost    []MSRLoadEntry
	TSCDeadlineInt bool // current TSC_DEADLINE/TSC_ADJUST intercept state

	RunCtx RunCtx
	Regs   Regs

	IDTVectoring IDTVectoringInfo
	ExitReason   uint16
	ExitQual     uint64

	Req IORequest

	HomeCPU int // physical CPU this vCPU is pinned to
}

// NewVM constructs an empty VM; callers populate VCPUIDEntries via
// cpuidtbl.Build before creating any vCPU.
func NewVM(id uint64, vcpuidLevel, vcpuidXLevel uint32, isSafety bool) *VM {
	return &VM{
		ID:           id,
		VCPUIDLevel:  vcpuidLevel,
		VCPUIDXLevel: vcpuidXLevel,
		IsSafetyVM:   isSafety,
	}
}

// NewVCPU constructs a vCPU bound to vm, pinned to homeCPU.
func NewVCPU(v *VM, vcpuID, homeCPU int) *VCPU {
	v.CreatedVCPUs++

	return &VCPU{
		VM:      v,
		VCPUID:  vcpuID,
		HomeCPU: homeCPU,
	}
}

// FlsCreatedVCPUsMinusOne returns fls32(created_vcpus-1)+1, used by the
// CPUID leaf B "core level" count (§4.2). fls32 is the zero-based index of
// the highest set bit, so the result equals bits.Len32(created_vcpus-1).
func FlsCreatedVCPUsMinusOne(createdVCPUs int) uint32 {
	if createdVCPUs <= 1 {
		return 0
	}

	return uint32(bits.Len32(uint32(createdVCPUs - 1)))
}

// InterceptBit set_intercept helper addressing, shared by msr and collab
// backends that need to reason about bitmap layout without importing msr
// (kept here since it is part of the persistent VCPU/bitmap data shape).
const (
	MSRBitmapReadLowOff   = 0x000
	MSRBitmapReadHighOff  = 0x400
	MSRBitmapWriteLowOff  = 0x800
	MSRBitmapWriteHighOff = 0xC00
	MSRHighWindowBase     = 0xC0000000
	MSRLowWindowMax       = 0x1FFF
)
