// Package msr implements C3: the per-vCPU MSR intercept bitmap and the
// read/write emulation routines for the MSRs the dispatcher traps
// (spec.md §4.3).
//
// The bitmap layout and set_intercept addressing are grounded on
// kvm.MSRList (kvm/msr.go) and the VMX MSR-bitmap structure it stands in
// for; the never-trap list and x2APIC pass-through profile are new,
// following the same flat constant-table idiom the teacher uses for its
// io-port handler ranges (machine.go:initIOPortHandlers).
package msr

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gokvm/collab"
	"github.com/bobuhiro11/gokvm/cpuidemu"
	"github.com/bobuhiro11/gokvm/vm"
)

// Real x86 MSR addresses named throughout §4.3.
const (
	P5MCAddr         = 0x000
	P5MCType         = 0x001
	TimeStampCounter = 0x010
	PlatformID       = 0x017
	APICBase         = 0x01B
	FeatureControl   = 0x03A
	TSCAdjust        = 0x03B
	SMICount         = 0x034
	SpecCtrl         = 0x048
	PredCmd          = 0x049
	BiosSignID       = 0x08B
	MonitorFilterSz  = 0x006
	PlatformInfo     = 0x0CE
	FlushCmd         = 0x10B
	FeatureConfig    = 0x13C
	SysenterCS       = 0x174
	SysenterESP      = 0x175
	SysenterEIP      = 0x176
	MCGCap           = 0x179
	MCGStatus        = 0x17A
	MiscEnable       = 0x1A0
	PAT              = 0x277
	MC0CTL2          = 0x280
	MC3CTL2          = 0x283
	MC9CTL2          = 0x289
	MC0CTL           = 0x400
	MC9CTL           = 0x400 + 4*9
	MC0Status        = 0x401
	MC9Status        = 0x401 + 4*9
	TSCDeadline      = 0x6E0

	Star         = 0xC0000081
	LStar        = 0xC0000082
	CStar        = 0xC0000083
	FMask        = 0xC0000084
	FSBase       = 0xC0000100
	GSBase       = 0xC0000101
	KernelGSBase = 0xC0000102
	TSCAux       = 0xC0000103

	X2APICBase     = 0x800
	X2APICEnd      = 0x83F
	X2APICXAPICID  = 0x802
	X2APICAPICLDR  = 0x80D
	X2APICAPICICR  = 0x830

	EFER = 0xC0000080
)

// InterceptMode replaces the packed bitmask {0,1,2,3} the hardware bitmap
// uses with a tagged variant (§9 "Tagged variants where C overloaded
// integers").
type InterceptMode int

const (
	InterceptNone InterceptMode = iota
	InterceptRead
	InterceptWrite
	InterceptReadWrite
)

// neverTrapList is the 20-MSR list cleared of intercept at init time (§4.3
// step 2).
var neverTrapList = []uint32{
	P5MCAddr, P5MCType, PlatformID, SMICount, PredCmd, PlatformInfo, FlushCmd,
	FeatureConfig, SysenterCS, SysenterESP, SysenterEIP, MCGStatus,
	Star, LStar, CStar, FMask, FSBase, GSBase, KernelGSBase, TSCAux,
}

// x2APICReintercept lists the three x2APIC MSRs that stay intercepted
// (§4.3 "x2APIC pass-through profile"). InitMSREmulation makes every other
// MSR in X2APICBase..X2APICEnd (0x800-0x83F, all 64 addresses, reserved
// ones included) transparent.
var x2APICReintercept = map[uint32]InterceptMode{
	X2APICXAPICID: InterceptRead,
	X2APICAPICLDR: InterceptRead,
	X2APICAPICICR: InterceptReadWrite,
}

// setIntercept chooses the panel by msr&0xC0000000, then within the panel
// indexes byte (msr&0x1FFF)>>3, bit msr&0x7 (§4.3 "Bitmap layout and
// helper").
func setIntercept(bitmap *[vm.MSRBitmapSize]byte, msr uint32, mode InterceptMode) {
	high := msr&vm.MSRHighWindowBase != 0
	byteOff := (msr & vm.MSRLowWindowMax) >> 3
	bit := byte(1) << (msr & 0x7)

	var readOff, writeOff uint32
	if high {
		readOff, writeOff = vm.MSRBitmapReadHighOff, vm.MSRBitmapWriteHighOff
	} else {
		readOff, writeOff = vm.MSRBitmapReadLowOff, vm.MSRBitmapWriteLowOff
	}

	switch mode {
	case InterceptNone:
		bitmap[readOff+byteOff] &^= bit
		bitmap[writeOff+byteOff] &^= bit
	case InterceptRead:
		bitmap[readOff+byteOff] |= bit
		bitmap[writeOff+byteOff] &^= bit
	case InterceptWrite:
		bitmap[readOff+byteOff] &^= bit
		bitmap[writeOff+byteOff] |= bit
	case InterceptReadWrite:
		bitmap[readOff+byteOff] |= bit
		bitmap[writeOff+byteOff] |= bit
	}
}

// IsIntercepted reports the current R/W intercept state of msr, used by
// tests (§8 invariant 2).
func IsIntercepted(bitmap *[vm.MSRBitmapSize]byte, msr uint32) (read, write bool) {
	high := msr&vm.MSRHighWindowBase != 0
	byteOff := (msr & vm.MSRLowWindowMax) >> 3
	bit := byte(1) << (msr & 0x7)

	readOff, writeOff := uint32(vm.MSRBitmapReadLowOff), uint32(vm.MSRBitmapWriteLowOff)
	if high {
		readOff, writeOff = vm.MSRBitmapReadHighOff, vm.MSRBitmapWriteHighOff
	}

	return bitmap[readOff+byteOff]&bit != 0, bitmap[writeOff+byteOff]&bit != 0
}

// GuestMSRIndex is vmsr_get_guest_msr_index: the canonical MSR-array index
// for msr, or vm.NumGuestMSRs on a miss.
func GuestMSRIndex(msr uint32) int {
	switch msr {
	case PAT:
		return vm.MSRIdxPAT
	case TSCAdjust:
		return vm.MSRIdxTSCAdjust
	case TSCDeadline:
		return vm.MSRIdxTSCDeadline
	case BiosSignID:
		return vm.MSRIdxBiosSignID
	case TimeStampCounter:
		return vm.MSRIdxTSC
	case FeatureControl:
		return vm.MSRIdxFeatureControl
	case MCGCap:
		return vm.MSRIdxMCGCap
	case MiscEnable:
		return vm.MSRIdxMiscEnable
	default:
		return vm.NumGuestMSRs
	}
}

// InitMSREmulation sets up a vCPU's bitmap and transition MSR areas at
// exec-control setup time (§4.3 "Initialisation per vCPU"). Installing the
// bitmap's host-physical address into the VMCS (step 6) is left to the
// caller: that translation needs the bitmap's physical (not Go) address,
// which this package has no way to obtain on its own.
func InitMSREmulation(vcpu *vm.VCPU, platform collab.PlatformOps, tscOffsetIsZero bool) error {
	bitmap := &vcpu.MSRBitmap
	for i := range bitmap {
		bitmap[i] = 0
	}

	// Step 1: set intercept-R/W for every MSR in both ranges.
	for off := uint32(0); off < vm.MSRBitmapReadHighOff; off++ {
		bitmap[vm.MSRBitmapReadLowOff+off] = 0xFF
		bitmap[vm.MSRBitmapReadHighOff+off] = 0xFF
		bitmap[vm.MSRBitmapWriteLowOff+off] = 0xFF
		bitmap[vm.MSRBitmapWriteHighOff+off] = 0xFF
	}

	// Step 2: never-trap list.
	for _, m := range neverTrapList {
		setIntercept(bitmap, m, InterceptNone)
	}

	// Step 3: intercept writes only for TSC and EFER.
	setIntercept(bitmap, TimeStampCounter, InterceptWrite)
	setIntercept(bitmap, EFER, InterceptWrite)

	// Step 4: safety VM MCA/MCG exposure.
	if vcpu.VM.IsSafetyVM {
		for m := uint32(MC0CTL2); m <= MC3CTL2; m++ {
			setIntercept(bitmap, m, InterceptNone)
		}

		for i := 0; i <= 9; i++ {
			setIntercept(bitmap, uint32(MC0CTL+4*i), InterceptNone)
			setIntercept(bitmap, uint32(MC0Status+4*i), InterceptNone)
		}
	}

	// Step 5: x2APIC pass-through profile.
	for m := uint32(X2APICBase); m <= X2APICEnd; m++ {
		mode, reintercepted := x2APICReintercept[m]
		if reintercepted {
			setIntercept(bitmap, m, mode)
		} else {
			setIntercept(bitmap, m, InterceptNone)
		}
	}

	vcpu.TSCDeadlineInt = !tscOffsetIsZero
	applyTSCDeadlinePolicy(vcpu, platform, !tscOffsetIsZero)

	// Step 6: install bitmap host-physical address — delegated to the
	// VMX collaborator; this package only guarantees the bitmap bytes are
	// ready by the time the caller does so.

	// Step 7: initialise VMX-transition MSR entries for TSC_AUX.
	vcpu.MSRLoadGuest = []vm.MSRLoadEntry{{Index: TSCAux, Value: uint64(vcpu.VCPUID)}}
	vcpu.MSRLoadHost = []vm.MSRLoadEntry{{Index: TSCAux, Value: uint64(platform.PCPUID())}}

	return nil
}

// applyTSCDeadlinePolicy implements §4.3's "TSC-deadline interception
// policy". intercept is the state being transitioned *to*.
func applyTSCDeadlinePolicy(vcpu *vm.VCPU, platform collab.PlatformOps, intercept bool) {
	bitmap := &vcpu.MSRBitmap

	if !intercept {
		// on -> off
		setIntercept(bitmap, TSCDeadline, InterceptNone)
		setIntercept(bitmap, TSCAdjust, InterceptWrite)

		physical, _ := platform.ReadMSR(TSCDeadline)
		if physical != 0 {
			vcpu.GuestMSRs[vm.MSRIdxTSCDeadline] = physical
		} else {
			_ = platform.WriteMSR(TSCDeadline, vcpu.GuestMSRs[vm.MSRIdxTSCDeadline])
		}
	} else {
		// off -> on
		setIntercept(bitmap, TSCDeadline, InterceptReadWrite)
		setIntercept(bitmap, TSCAdjust, InterceptReadWrite)

		physical, _ := platform.ReadMSR(TSCDeadline)
		vcpu.GuestMSRs[vm.MSRIdxTSCDeadline] = physical
	}

	vcpu.TSCDeadlineInt = intercept
}

// ErrInvalidGuestWrite is returned for reserved-bit violations and illegal
// mode transitions (spec.md §7 InvalidGuestWrite); unknown MSRs return
// ErrUnknownMSR instead.
var ErrInvalidGuestWrite = errors.New("msr: invalid guest write")

// ErrUnknownMSR is logged and results in #GP(0) (§4.3 "other: log-and-#GP(0)").
var ErrUnknownMSR = errors.New("msr: unknown msr")

// RdmsrVmexit emulates an intercepted RDMSR (§4.3 "Read emulation"). msr is
// the guest RCX value; on success eax/edx hold the zero-extended low/high
// halves. A non-nil error means the dispatcher should inject #GP(0).
func RdmsrVmexit(
	vcpu *vm.VCPU,
	lapic collab.Lapic,
	tracer collab.Tracer,
	msr uint32,
	platform collab.PlatformOps,
) (eax, edx uint32, err error) {
	var v uint64

	switch {
	case msr == TSCDeadline:
		v = lapic.GetTSCDeadlineMSR(vcpu.VCPUID)
	case msr == TSCAdjust:
		v = vcpu.GuestMSRs[vm.MSRIdxTSCAdjust]
	case msr == BiosSignID:
		v = vcpu.GuestMSRs[vm.MSRIdxBiosSignID]
	case msr == PAT:
		v = vcpu.GuestMSRs[vm.MSRIdxPAT]
	case msr == APICBase:
		v = lapic.GetAPICBase(vcpu.VCPUID)
	case msr == FeatureControl:
		v = vcpu.GuestMSRs[vm.MSRIdxFeatureControl] & 0x1
	case msr == MiscEnable:
		v = vcpu.GuestMSRs[vm.MSRIdxMiscEnable]
	case msr == SpecCtrl:
		phys, _ := platform.ReadMSR(SpecCtrl)
		v = phys &^ (1 << 1) // STIBP bit cleared
	case msr == MonitorFilterSz:
		v = 0
	case msr == MCGCap:
		if vcpu.VM.IsSafetyVM {
			v = 0x040A
		}
	case isMCi(msr):
		v, err = rdmsrMCi(vcpu, platform, msr)
	case msr >= X2APICBase && msr <= X2APICEnd:
		var ok bool
		v, ok = lapic.X2APICRead(vcpu.VCPUID, msr)

		if !ok {
			err = fmt.Errorf("%w: x2apic msr %#x", ErrUnknownMSR, msr)
		}
	default:
		tracer.Logf("rdmsr: unknown msr %#x", msr)
		err = fmt.Errorf("%w: %#x", ErrUnknownMSR, msr)
	}

	if err != nil {
		return 0, 0, err
	}

	return uint32(v), uint32(v >> 32), nil
}

func isMCi(msr uint32) bool {
	return (msr >= MC0CTL2 && msr <= MC9CTL2) ||
		(msr >= MC0CTL && msr <= MC9CTL && (msr-MC0CTL)%4 == 0) ||
		(msr >= MC0Status && msr <= MC9Status && (msr-MC0Status)%4 == 0)
}

// rdmsrMCi implements the MCi_CTL2/MCi_CTL/MCi_STATUS read row of §4.3's
// table. These registers are only ever intercepted (and so only ever reach
// this function) when the bitmap did not clear their read bit: that is
// always true on a non-safety VM (§4.3 init step 4 never runs), and true
// on a safety VM only for CTL2 banks 4-9 (init step 4 only clears CTL2
// banks 0-3, §4.3 init step 4).
func rdmsrMCi(vcpu *vm.VCPU, platform collab.PlatformOps, msr uint32) (uint64, error) {
	if !vcpu.VM.IsSafetyVM {
		return 0, fmt.Errorf("%w: mci msr %#x on non-safety vm", ErrInvalidGuestWrite, msr)
	}

	if msr >= MC0CTL2 && msr <= MC9CTL2 && msr-MC0CTL2 >= 4 {
		return 0, nil
	}

	v, err := platform.ReadMSR(msr)
	if err != nil {
		return 0, nil
	}

	return v, nil
}

// WrmsrVmexit emulates an intercepted WRMSR (§4.3 "Write emulation"). value
// is (RDX<<32)|(RAX&0xFFFFFFFF), already assembled by the caller.
func WrmsrVmexit(
	vcpu *vm.VCPU,
	lapic collab.Lapic,
	virq collab.Virq,
	tracer collab.Tracer,
	platform collab.PlatformOps,
	vmx collab.VmxFields,
	msr uint32,
	value uint64,
) error {
	switch {
	case msr == TSCDeadline:
		lapic.SetTSCDeadlineMSR(vcpu.VCPUID, value)
		return nil

	case msr == TSCAdjust:
		return wrmsrTSCAdjust(vcpu, platform, vmx, value)

	case msr == TimeStampCounter:
		return wrmsrTSC(vcpu, platform, vmx, value)

	case msr == BiosSignID:
		if value != 0 {
			return fmt.Errorf("%w: bios_sign_id nonzero write", ErrInvalidGuestWrite)
		}

		return nil

	case msr == PAT:
		return wrmsrPAT(vcpu, vmx, value)

	case msr == EFER:
		return wrmsrEFER(vcpu, lapic, virq, vmx, value)

	case msr == MiscEnable:
		return wrmsrMiscEnable(vcpu, virq, value)

	case msr == SpecCtrl:
		return platform.WriteMSR(SpecCtrl, value&^(1<<1))

	case msr == MonitorFilterSz:
		return nil

	case isMCi(msr):
		return wrmsrMCi(vcpu, platform, msr, value)

	case msr >= X2APICBase && msr <= X2APICEnd:
		if !lapic.X2APICWrite(vcpu.VCPUID, msr, value) {
			return fmt.Errorf("%w: x2apic msr %#x", ErrUnknownMSR, msr)
		}

		return nil

	default:
		tracer.Logf("wrmsr: unknown msr %#x value %#x", msr, value)
		return fmt.Errorf("%w: %#x", ErrUnknownMSR, msr)
	}
}

func wrmsrTSCAdjust(vcpu *vm.VCPU, platform collab.PlatformOps, vmx collab.VmxFields, value uint64) error {
	delta := value - vcpu.GuestMSRs[vm.MSRIdxTSCAdjust]

	offset, err := vmx.VMRead64(collab.FieldTSCOffset)
	if err != nil {
		return err
	}

	if err := vmx.VMWrite64(collab.FieldTSCOffset, offset+delta); err != nil {
		return err
	}

	vcpu.GuestMSRs[vm.MSRIdxTSCAdjust] = value

	applyTSCDeadlinePolicy(vcpu, platform, offset+delta != 0)

	return nil
}

func wrmsrTSC(vcpu *vm.VCPU, platform collab.PlatformOps, vmx collab.VmxFields, value uint64) error {
	tscDelta := value - platform.RDTSC()

	curOffset, err := vmx.VMRead64(collab.FieldTSCOffset)
	if err != nil {
		return err
	}

	offsetDelta := tscDelta - curOffset

	vcpu.GuestMSRs[vm.MSRIdxTSCAdjust] += offsetDelta

	if err := vmx.VMWrite64(collab.FieldTSCOffset, tscDelta); err != nil {
		return err
	}

	applyTSCDeadlinePolicy(vcpu, platform, tscDelta != 0)

	return nil
}

// PAT memory-type encodings (§4.3 "PAT" write validation): reserved bits
// 7:3 must be zero, low 3 bits must not be 2 or 3.
const (
	patReservedMask = 0xF8
	patTypeUC       = 0x00
)

func wrmsrPAT(vcpu *vm.VCPU, vmx collab.VmxFields, value uint64) error {
	for i := 0; i < 8; i++ {
		b := byte(value >> (8 * i))
		if b&patReservedMask != 0 {
			return fmt.Errorf("%w: pat byte %d reserved bits set", ErrInvalidGuestWrite, i)
		}

		if b&0x7 == 2 || b&0x7 == 3 {
			return fmt.Errorf("%w: pat byte %d invalid memory type %#x", ErrInvalidGuestWrite, i, b&0x7)
		}
	}

	vcpu.GuestMSRs[vm.MSRIdxPAT] = value

	// GUEST_CR0 never carries CD (cr.SetCR0 strips it), so the guest's CD
	// is read from the CR0 read shadow.
	cr0, err := vmx.VMRead32(collab.FieldCR0ReadShadow)
	if err != nil {
		return err
	}

	const cr0CD = 1 << 30
	if cr0&cr0CD == 0 {
		return vmx.VMWrite64(collab.FieldGuestIA32PAT, value)
	}

	return nil
}

// PATAllUC is the all-uncacheable PAT value written to the VMCS while
// CR0.CD is set (§4.4 "If CD changed").
const PATAllUC uint64 = 0x0000000000000000 |
	patTypeUC<<0 | patTypeUC<<8 | patTypeUC<<16 | patTypeUC<<24 |
	patTypeUC<<32 | patTypeUC<<40 | patTypeUC<<48 | patTypeUC<<56

// EFER bit positions; EferLME is also consulted by the cr package's CR0.PG
// transition handling (§4.4).
const (
	eferSCE = 1 << 0
	EferLME = 1 << 8
	eferLMA = 1 << 10
	eferNXE = 1 << 11

	eferReservedMask = ^uint64(eferSCE | EferLME | eferLMA | eferNXE)

	cr0PagingBit = 1 << 31
)

// MISC_ENABLE bits the guest may change, shared with the CPUID emulator.
const (
	MiscEnableLimitCPUID = cpuidemu.MiscEnableLimitCPUID
	MiscEnableXDDisable  = cpuidemu.MiscEnableXDDisable
)

// edxXD is CPUID.8000_0001H:EDX.XD, the execute-disable support bit.
const edxXD = 1 << 20

// WriteEFER implements §4.3's "EFER" write case and §9's recursive-CPUID
// note: it calls cpuidemu.GuestCPUID(leaf=8000_0001H) on the same vCPU to
// decide whether NXE may be set, without holding any exclusive borrow over
// vcpu.RunCtx across the call. guestCR0/guestCR4/miscEnable are the vCPU's
// current values, supplied by the caller (wrmsrEFER, which reads the CRs
// from the VMCS) rather than read back out of vcpu.RunCtx here, so this
// function has no reentrancy hazard of its own. Returns (nxeChanged, err);
// the caller requests an EPT flush when nxeChanged is true.
func WriteEFER(
	vcpu *vm.VCPU,
	lapic collab.Lapic,
	guestCR0, guestCR4, miscEnable uint64,
	value uint64,
) (nxeChanged bool, err error) {
	old := vcpu.RunCtx.EFER

	if (value^old)&eferReservedMask != 0 {
		return false, fmt.Errorf("%w: efer reserved bits changed", ErrInvalidGuestWrite)
	}

	pagingEnabled := guestCR0&cr0PagingBit != 0

	if (value^old)&EferLME != 0 && pagingEnabled {
		return false, fmt.Errorf("%w: efer.lme changed while paging enabled", ErrInvalidGuestWrite)
	}

	if value&eferNXE != 0 && old&eferNXE == 0 {
		eax, ecx := uint32(0x80000001), uint32(0)

		var ebx, edx uint32
		cpuidemu.GuestCPUID(vcpu, lapic, guestCR4, miscEnable, &eax, &ecx, &ebx, &edx)

		if edx&edxXD == 0 {
			return false, fmt.Errorf("%w: efer.nxe set without cpuid xd support", ErrInvalidGuestWrite)
		}
	}

	// LMA is read-only: preserve current value regardless of guest write.
	newValue := (value &^ eferLMA) | (old & eferLMA)

	vcpu.RunCtx.EFER = newValue

	return (newValue^old)&eferNXE != 0, nil
}

func wrmsrMiscEnable(vcpu *vm.VCPU, virq collab.Virq, value uint64) error {
	old := vcpu.GuestMSRs[vm.MSRIdxMiscEnable]
	const writableMask = MiscEnableLimitCPUID | MiscEnableXDDisable

	if (value^old)&^writableMask != 0 {
		return fmt.Errorf("%w: misc_enable reserved bits changed", ErrInvalidGuestWrite)
	}

	vcpu.GuestMSRs[vm.MSRIdxMiscEnable] = value

	if value&MiscEnableXDDisable != 0 && vcpu.RunCtx.EFER&eferNXE != 0 {
		vcpu.RunCtx.EFER &^= eferNXE
		virq.MakeRequest(vcpu.VCPUID, collab.ReqEPTFlush)
	}

	return nil
}

// wrmsrEFER adapts WriteEFER to the WrmsrVmexit switch: it pulls the current
// guest CR0/CR4 straight out of the VMCS and requests an EPT flush when NXE
// toggled. GUEST_CR0 is not the guest-visible CR0 (cr.SetCR0 adds the
// always-on bits and strips CD/NW), but it carries the guest's PG bit
// unchanged, which is the only CR0 bit WriteEFER consults.
func wrmsrEFER(vcpu *vm.VCPU, lapic collab.Lapic, virq collab.Virq, vmx collab.VmxFields, value uint64) error {
	guestCR0, err := vmx.VMRead64(collab.FieldGuestCR0)
	if err != nil {
		return err
	}

	guestCR4, err := vmx.VMRead64(collab.FieldGuestCR4)
	if err != nil {
		return err
	}

	nxeChanged, err := WriteEFER(vcpu, lapic, guestCR0, guestCR4, vcpu.GuestMSRs[vm.MSRIdxMiscEnable], value)
	if err != nil {
		return err
	}

	if nxeChanged {
		virq.MakeRequest(vcpu.VCPUID, collab.ReqEPTFlush)
	}

	return nil
}

func wrmsrMCi(vcpu *vm.VCPU, platform collab.PlatformOps, msr uint32, value uint64) error {
	if !vcpu.VM.IsSafetyVM {
		return fmt.Errorf("%w: mci msr %#x on non-safety vm", ErrInvalidGuestWrite, msr)
	}

	if msr >= MC0CTL2 && msr <= MC9CTL2 && msr-MC0CTL2 >= 4 {
		return nil
	}

	return platform.WriteMSR(msr, value)
}
