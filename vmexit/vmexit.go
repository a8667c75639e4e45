// Package vmexit implements C5: the central VM-exit dispatcher (spec.md
// §4.5) — IDT-vectoring re-injection, the 65-entry basic-exit-reason
// dispatch table, and the per-reason handler policies.
//
// Grounded on machine.go's RunOnce exit-reason switch (the "one big
// dispatch on the exit code" shape) generalized from KVM's software
// ExitType values onto the VMX hardware basic exit reason space, and on
// kvm/error.go's ExitType/String() idiom for naming reasons in logs.
package vmexit

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokvm/collab"
	"github.com/bobuhiro11/gokvm/guestmem"
	"github.com/bobuhiro11/gokvm/cpuidemu"
	"github.com/bobuhiro11/gokvm/cr"
	"github.com/bobuhiro11/gokvm/msr"
	"github.com/bobuhiro11/gokvm/vm"
)

// Reason is a VMX basic exit reason (Intel SDM vol. 3C table 24-3),
// generalized from the teacher's software-defined kvm.ExitType into the
// hardware 0..64 reason space this module actually dispatches on.
type Reason uint16

// Named basic exit reasons referenced by the handler policy table (§4.5).
const (
	ReasonExceptionOrNMI       Reason = 0
	ReasonExternalInterrupt    Reason = 1
	ReasonTripleFault          Reason = 2
	ReasonInitSignal           Reason = 3
	ReasonSIPI                 Reason = 4
	ReasonSMIIO                Reason = 5
	ReasonSMIOther             Reason = 6
	ReasonInterruptWindow      Reason = 7
	ReasonNMIWindow            Reason = 8
	ReasonTaskSwitch           Reason = 9
	ReasonCPUID                Reason = 10
	ReasonGetSec               Reason = 11
	ReasonHLT                  Reason = 12
	ReasonINVD                 Reason = 13
	ReasonINVLPG               Reason = 14
	ReasonRDPMC                Reason = 15
	ReasonRDTSC                Reason = 16
	ReasonRSM                  Reason = 17
	ReasonVMCALL               Reason = 18
	ReasonVMCLEAR              Reason = 19
	ReasonVMLAUNCH             Reason = 20
	ReasonVMPTRLD              Reason = 21
	ReasonVMPTRST              Reason = 22
	ReasonVMREAD               Reason = 23
	ReasonVMRESUME             Reason = 24
	ReasonVMWRITE              Reason = 25
	ReasonVMXOFF               Reason = 26
	ReasonVMXON                Reason = 27
	ReasonCRAccess             Reason = 28
	ReasonMovDR                Reason = 29
	ReasonIOInstruction        Reason = 30
	ReasonRDMSR                Reason = 31
	ReasonWRMSR                Reason = 32
	ReasonEntryFailGuestState  Reason = 33
	ReasonEntryFailMSRLoading  Reason = 34
	reasonReserved35           Reason = 35
	ReasonMWAIT                Reason = 36
	ReasonMonitorTrapFlag      Reason = 37
	reasonReserved38           Reason = 38
	ReasonMONITOR              Reason = 39
	ReasonPAUSE                Reason = 40
	ReasonEntryFailMachineChk  Reason = 41
	reasonReserved42           Reason = 42
	ReasonTPRBelowThreshold    Reason = 43
	ReasonAPICAccess           Reason = 44
	ReasonVirtualizedEOI       Reason = 45
	ReasonGDTRIDTRAccess       Reason = 46
	ReasonLDTRTRAccess         Reason = 47
	ReasonEPTViolation         Reason = 48
	ReasonEPTMisconfig         Reason = 49
	ReasonINVEPT               Reason = 50
	ReasonRDTSCP               Reason = 51
	ReasonPreemptionTimer      Reason = 52
	ReasonINVVPID              Reason = 53
	ReasonWBINVD               Reason = 54
	ReasonXSETBV               Reason = 55
	ReasonAPICWrite            Reason = 56
	ReasonRDRAND               Reason = 57
	ReasonINVPCID              Reason = 58
	ReasonVMFUNC               Reason = 59
	ReasonENCLS                Reason = 60
	ReasonRDSEED               Reason = 61
	ReasonPMLFull              Reason = 62
	ReasonXSAVES               Reason = 63
	ReasonXRSTORS              Reason = 64

	maxReason = 64
)

var reasonNames = [maxReason + 1]string{
	"EXCEPTION_OR_NMI", "EXTERNAL_INTERRUPT", "TRIPLE_FAULT", "INIT_SIGNAL",
	"SIPI", "SMI_IO", "SMI_OTHER", "INTERRUPT_WINDOW", "NMI_WINDOW",
	"TASK_SWITCH", "CPUID", "GETSEC", "HLT", "INVD", "INVLPG", "RDPMC",
	"RDTSC", "RSM", "VMCALL", "VMCLEAR", "VMLAUNCH", "VMPTRLD", "VMPTRST",
	"VMREAD", "VMRESUME", "VMWRITE", "VMXOFF", "VMXON", "CR_ACCESS", "MOV_DR",
	"IO_INSTRUCTION", "RDMSR", "WRMSR", "ENTRY_FAIL_GUEST_STATE",
	"ENTRY_FAIL_MSR_LOADING", "RESERVED_35", "MWAIT", "MONITOR_TRAP_FLAG",
	"RESERVED_38", "MONITOR", "PAUSE", "ENTRY_FAIL_MACHINE_CHECK",
	"RESERVED_42", "TPR_BELOW_THRESHOLD", "APIC_ACCESS", "VIRTUALIZED_EOI",
	"GDTR_IDTR_ACCESS", "LDTR_TR_ACCESS", "EPT_VIOLATION",
	"EPT_MISCONFIGURATION", "INVEPT", "RDTSCP", "PREEMPTION_TIMER_EXPIRED",
	"INVVPID", "WBINVD", "XSETBV", "APIC_WRITE", "RDRAND", "INVPCID",
	"VMFUNC", "ENCLS", "RDSEED", "PML_FULL", "XSAVES", "XRSTORS",
}

// String names r the way the teacher's generated ExitType.String() names a
// KVM exit code, falling back to "Reason(N)" for an out-of-range value.
func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}

	return fmt.Sprintf("Reason(%d)", uint16(r))
}

// Deps bundles the collaborators the dispatcher and its handlers need,
// mirroring how the teacher's Machine groups every KVM fd a RunOnce call
// touches into one receiver.
type Deps struct {
	VMX       collab.VmxFields
	Virq      collab.Virq
	Mem       guestmem.Accessor
	Platform  collab.PlatformOps
	Lapic     collab.Lapic
	Ept       collab.Ept
	Lifecycle collab.VMLifecycle
	Tracer    collab.Tracer
	Masks     *cr.Masks
}

// Sentinel dispatcher errors (spec.md §7 "Internal invariant violation" /
// "UnexpectedExit").
var (
	ErrWrongHomeCPU  = errors.New("vmexit: vcpu not on its home physical cpu")
	ErrOutOfRange    = errors.New("vmexit: exit reason out of range")
	ErrUnexpectedExit = errors.New("vmexit: unexpected exit reason")
)

const (
	vectorGP = 13
)

// needsQualification lists the reasons whose handler consults
// EXIT_QUALIFICATION (§4.5 step 4).
var needsQualification = map[Reason]bool{
	ReasonCRAccess:      true,
	ReasonIOInstruction: true,
	ReasonEPTViolation:  true,
	ReasonTaskSwitch:    true,
}

// handled lists every reason this module implements directly (§4.5's
// policy table); everything else takes the "~45 other reasons" fatal path.
var handled = map[Reason]func(*vm.VCPU, Deps) error{
	ReasonExceptionOrNMI: handleExceptionOrNMI,
	ReasonCPUID:          handleCPUID,
	ReasonCRAccess:       handleCRAccess,
	ReasonIOInstruction:  handleIOInstruction,
	ReasonRDMSR:          handleRDMSR,
	ReasonWRMSR:          handleWRMSR,
	ReasonEPTViolation:   handleEPTViolation,
	ReasonXSETBV:         handleXSETBV,
	ReasonWBINVD:         handleWBINVD,
	ReasonINVD:           handleINVD,
	ReasonTaskSwitch:     handleTaskSwitch,
	ReasonInitSignal:     handleInitSignal,
	ReasonMovDR:          handleMovDR,
}

// Dispatch is vmexit_handler: the central dispatcher (§4.5).
func Dispatch(vcpu *vm.VCPU, d Deps) error {
	if vcpu.HomeCPU != d.Platform.PCPUID() {
		return fmt.Errorf("%w: vcpu %d home %d, running on %d",
			ErrWrongHomeCPU, vcpu.VCPUID, vcpu.HomeCPU, d.Platform.PCPUID())
	}

	if err := processIDTVectoring(vcpu, d); err != nil {
		return err
	}

	rawReason, err := d.VMX.VMRead32(collab.FieldExitReason)
	if err != nil {
		return err
	}

	reason := Reason(rawReason & 0xFFFF)
	vcpu.ExitReason = uint16(reason)

	if reason > maxReason {
		return fmt.Errorf("%w: %d", ErrOutOfRange, reason)
	}

	if needsQualification[reason] {
		qual, err := d.VMX.VMRead64(collab.FieldExitQualification)
		if err != nil {
			return err
		}

		vcpu.ExitQual = qual
	}

	if fn, ok := handled[reason]; ok {
		return fn(vcpu, d)
	}

	return handleUnexpected(vcpu, d, reason)
}

// processIDTVectoring implements §4.5 step 2: snapshot and, for hardware
// exceptions and NMI, re-inject and clear the field.
func processIDTVectoring(vcpu *vm.VCPU, d Deps) error {
	raw, err := d.VMX.VMRead32(collab.FieldIDTVectoringInfo)
	if err != nil {
		return err
	}

	const (
		idtValidBit = 1 << 31
		idtHasErr   = 1 << 11
		idtTypeMask = 0x7
	)

	info := vm.IDTVectoringInfo{}

	if raw&idtValidBit == 0 {
		vcpu.IDTVectoring = info

		return nil
	}

	info.Valid = true
	info.Vector = uint8(raw)
	info.Type = uint8((raw >> 8) & idtTypeMask)
	info.HasErrCode = raw&idtHasErr != 0

	switch info.Type {
	case vm.IDTTypeHWException:
		if info.HasErrCode {
			ec, err := d.VMX.VMRead32(collab.FieldIDTVectoringErrCode)
			if err != nil {
				return err
			}

			info.ErrCode = ec
		}

		d.Virq.QueueException(vcpu.VCPUID, info.Vector, info.HasErrCode, info.ErrCode)

		if err := d.VMX.VMWrite32(collab.FieldIDTVectoringInfo, 0); err != nil {
			return err
		}

	case vm.IDTTypeNMI:
		d.Virq.MakeRequest(vcpu.VCPUID, collab.ReqNMI)

		if err := d.VMX.VMWrite32(collab.FieldIDTVectoringInfo, 0); err != nil {
			return err
		}

	default:
		// external-interrupt or software-exception: ignored per §4.5 step 2.
	}

	vcpu.IDTVectoring = info

	return nil
}

// handleExceptionOrNMI does nothing and reports success: it makes no Virq
// call, so the exception or NMI that caused the exit is not emulated or
// re-injected here. Only the IDT-vectoring re-injection in Dispatch runs
// for this exit.
func handleExceptionOrNMI(_ *vm.VCPU, _ Deps) error {
	return nil
}

func handleCPUID(vcpu *vm.VCPU, d Deps) error {
	cr4, err := cr.GetCR4(vcpu, d.Masks, d.VMX)
	if err != nil {
		return err
	}

	eax, ecx := uint32(vcpu.Regs.RAX), uint32(vcpu.Regs.RCX)

	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, d.Lapic, cr4, vcpu.GuestMSRs[vm.MSRIdxMiscEnable], &eax, &ecx, &ebx, &edx)

	vcpu.Regs.RAX, vcpu.Regs.RBX = uint64(eax), uint64(ebx)
	vcpu.Regs.RCX, vcpu.Regs.RDX = uint64(ecx), uint64(edx)

	return nil
}

func handleCRAccess(vcpu *vm.VCPU, d Deps) error {
	return cr.HandleCRAccess(vcpu, d.Masks, d.VMX, d.Virq, d.Mem, vcpu.VM.IsSafetyVM, vcpu.ExitQual)
}

func handleIOInstruction(vcpu *vm.VCPU, d Deps) error {
	q := vcpu.ExitQual

	var size uint8

	switch q & 0x7 {
	case 0:
		size = 1
	case 1:
		size = 2
	default:
		size = 4
	}

	isIn := (q>>3)&1 != 0
	port := uint16((q >> 16) & 0xFFFF)

	req := vm.IORequest{Port: port, Size: size, Count: 1}
	if isIn {
		req.Direction = 0
	} else {
		req.Direction = 1

		mask := uint64(1)<<(size*8) - 1
		req.Data = uint32(vcpu.Regs.RAX & mask)
	}

	vcpu.Req = req

	return nil
}

func handleRDMSR(vcpu *vm.VCPU, d Deps) error {
	eax, edx, err := msr.RdmsrVmexit(vcpu, d.Lapic, d.Tracer, uint32(vcpu.Regs.RCX), d.Platform)
	if err != nil {
		d.Virq.InjectGP(vcpu.VCPUID)

		return err
	}

	vcpu.Regs.RAX, vcpu.Regs.RDX = uint64(eax), uint64(edx)

	return nil
}

func handleWRMSR(vcpu *vm.VCPU, d Deps) error {
	value := (vcpu.Regs.RDX << 32) | (vcpu.Regs.RAX & 0xFFFFFFFF)

	err := msr.WrmsrVmexit(vcpu, d.Lapic, d.Virq, d.Tracer, d.Platform, d.VMX, uint32(vcpu.Regs.RCX), value)
	if err != nil {
		d.Virq.InjectGP(vcpu.VCPUID)

		return err
	}

	return nil
}

func handleEPTViolation(vcpu *vm.VCPU, d Deps) error {
	const qualInstrFetch = 1 << 2

	gpa, err := d.VMX.VMRead64(collab.FieldGuestPhysicalAddress)
	if err != nil {
		return err
	}

	if vcpu.ExitQual&qualInstrFetch != 0 {
		return d.Ept.ModifyMR(gpa, true)
	}

	d.Virq.InjectPF(vcpu.VCPUID, gpa)

	return nil
}

// ErrXSETBVRejected is returned (and #GP(0) injected) for every guest
// XSETBV write this module rejects (§4.5 "XSETBV").
var ErrXSETBVRejected = errors.New("vmexit: xsetbv rejected")

func handleXSETBV(vcpu *vm.VCPU, d Deps) error {
	const (
		cr4OSXSAVE  = 1 << 18
		xcr0X87     = 1 << 0
		xcr0SSE     = 1 << 1
		xcr0AVX     = 1 << 2
		xcr0BNDREGS = 1 << 3
		xcr0BNDCSR  = 1 << 4
	)

	cr4, err := cr.GetCR4(vcpu, d.Masks, d.VMX)
	if err != nil {
		return err
	}

	reject := func(why string) error {
		d.Virq.InjectGP(vcpu.VCPUID)

		return fmt.Errorf("%w: %s", ErrXSETBVRejected, why)
	}

	if cr4&cr4OSXSAVE == 0 {
		return reject("osxsave clear")
	}

	if vcpu.Regs.RCX != 0 {
		return reject("ecx != 0")
	}

	newXCR0 := (vcpu.Regs.RDX << 32) | (vcpu.Regs.RAX & 0xFFFFFFFF)

	if newXCR0&xcr0X87 == 0 {
		return reject("x87 bit clear")
	}

	if newXCR0&xcr0AVX != 0 && newXCR0&xcr0SSE == 0 {
		return reject("avx without sse")
	}

	if newXCR0&(xcr0BNDREGS|xcr0BNDCSR) != 0 {
		return reject("mpx bits set")
	}

	return d.Platform.WriteXCR(0, newXCR0)
}

func handleWBINVD(_ *vm.VCPU, d Deps) error {
	return d.Ept.WalkLeaves(func(gpa uint64) error {
		d.Ept.FlushLeafPage(gpa)

		return nil
	})
}

// ErrINVD is returned (and #GP(0) injected) for every INVD exit (§4.5).
var ErrINVD = errors.New("vmexit: invd")

func handleINVD(vcpu *vm.VCPU, d Deps) error {
	d.Virq.InjectGP(vcpu.VCPUID)

	return ErrINVD
}

func handleTaskSwitch(vcpu *vm.VCPU, d Deps) error {
	errCode := uint32(vcpu.ExitQual & 0xFFFF)
	d.Virq.QueueException(vcpu.VCPUID, vectorGP, true, errCode)

	return fmt.Errorf("vmexit: task switch, error code %#x", errCode)
}

func handleInitSignal(vcpu *vm.VCPU, d Deps) error {
	d.Virq.RetainRIP(vcpu.VCPUID)

	return nil
}

func handleMovDR(_ *vm.VCPU, _ Deps) error {
	return nil
}

func handleUnexpected(vcpu *vm.VCPU, d Deps, reason Reason) error {
	d.Tracer.Logf("vmexit: unexpected exit reason %s", reason)

	if vcpu.VM.IsSafetyVM {
		d.Lifecycle.Panic(fmt.Sprintf("unexpected vmexit reason %s", reason))
	} else {
		d.Lifecycle.FatalErrorShutdownVM(vcpu.VCPUID)
	}

	return fmt.Errorf("%w: %s", ErrUnexpectedExit, reason)
}
