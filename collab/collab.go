// Package collab declares the interfaces the virtualization core invokes on
// its external collaborators: virtual LAPIC, virtual IRQ injection, EPT
// maintenance, guest-memory access, raw platform/CPU primitives, and VM
// lifecycle control. The core (cpuidtbl, cpuidemu, msr, cr, vmexit,
// guestmem) depends only on these interfaces, never on a concrete backend,
// so kvmbackend and collabtest are interchangeable at the call sites.
package collab

// Lapic is the virtual local APIC, consulted by CPUID (APIC ID) and MSR
// emulation (APIC_BASE, TSC_DEADLINE, x2APIC range).
type Lapic interface {
	GetAPICID(vcpuID int) uint32
	GetAPICBase(vcpuID int) uint64
	GetTSCDeadlineMSR(vcpuID int) uint64
	SetTSCDeadlineMSR(vcpuID int, v uint64)
	X2APICRead(vcpuID int, msr uint32) (uint64, bool)
	X2APICWrite(vcpuID int, msr uint32, v uint64) bool
}

// RequestBit names the request flags the dispatcher and handlers raise on a
// vCPU for the entry path to honour before the next VM-entry.
type RequestBit uint32

const (
	ReqEPTFlush RequestBit = 1 << iota
	ReqNMI
)

// Virq is the virtual interrupt/exception injection collaborator.
type Virq interface {
	QueueException(vcpuID int, vector uint8, hasErrCode bool, errCode uint32)
	InjectGP(vcpuID int)
	InjectUD(vcpuID int)
	InjectPF(vcpuID int, gpa uint64)
	MakeRequest(vcpuID int, bits RequestBit)
	RetainRIP(vcpuID int)
}

// Ept is the extended-page-table maintenance collaborator.
type Ept interface {
	ModifyMR(gpa uint64, execOK bool) error
	AddMR(gpa, hpa uint64, size uint64) error
	DelMR(gpa uint64, size uint64) error
	WalkLeaves(fn func(gpa uint64) error) error
	FlushLeafPage(gpa uint64)
}

// GuestMemory is the raw GPA-translation collaborator (§6 "Guest memory":
// gpa2hpa, gpa2hva). It deliberately does not expose a copy primitive —
// guestmem (C6) is the core module that turns this translation plus SMAP
// into the page-wise, SMAP-bracketed CopyFromGPA/CopyToGPA the rest of the
// core calls.
type GuestMemory interface {
	GPAToHPA(gpa uint64) (uint64, error)
	GPAToHVA(gpa uint64) (uintptr, error)
}

// PlatformOps is the raw platform/CPU primitive collaborator.
type PlatformOps interface {
	RDTSC() uint64
	CPUID(leaf uint32) (eax, ebx, ecx, edx uint32)
	CPUIDSubleaf(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, v uint64) error
	WriteXCR(index uint32, v uint64) error
	PCPUID() int
}

// SMAP is the scoped supervisor-mode-access-prevention toggle: Release must
// run on every exit path of a guest-memory access (§9 "SMAP discipline").
type SMAP interface {
	AcquireSTAC() SMAPRelease
}

// SMAPRelease closes an SMAP scope opened by SMAP.AcquireSTAC.
type SMAPRelease interface {
	Release()
}

// VMLifecycle is the VM teardown/fatal-error collaborator.
type VMLifecycle interface {
	IsSafetyVM(vmID uint64) bool
	FatalErrorShutdownVM(vcpuID int)
	Panic(msg string)
}

// Tracer receives diagnostic log lines from the dispatcher. It is
// deliberately the only logging surface the core imports — a thin seam a
// host wires to whatever structured logger it already uses.
type Tracer interface {
	Logf(format string, args ...any)
}

// VmxFields is the VMCS read/write collaborator (§6 "VMCS/VMX primitives").
// Field identifiers are the ones named throughout §4: GUEST_CR0,
// CR0_READ_SHADOW, GUEST_CR4, CR4_READ_SHADOW, GUEST_PDPTE0..3,
// GUEST_IA32_PAT, TSC_OFFSET, IDT_VECTORING_INFO, EXIT_QUALIFICATION,
// EXIT_REASON, CR0_GUEST_HOST_MASK, CR4_GUEST_HOST_MASK,
// VM_ENTRY_CONTROLS (for the IA32E_MODE bit), GUEST_CS_AR_BYTES,
// GUEST_TR_AR_BYTES.
type VmxFields interface {
	VMRead16(field uint32) (uint16, error)
	VMRead32(field uint32) (uint32, error)
	VMRead64(field uint32) (uint64, error)
	VMWrite16(field uint32, v uint16) error
	VMWrite32(field uint32, v uint32) error
	VMWrite64(field uint32, v uint64) error
}
