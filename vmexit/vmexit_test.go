package vmexit_test

import (
	"testing"

	"github.com/bobuhiro11/gokvm/collab"
	"github.com/bobuhiro11/gokvm/collab/collabtest"
	"github.com/bobuhiro11/gokvm/cpuidtbl"
	"github.com/bobuhiro11/gokvm/cr"
	"github.com/bobuhiro11/gokvm/guestmem"
	"github.com/bobuhiro11/gokvm/vm"
	"github.com/bobuhiro11/gokvm/vmexit"
)

func simpleMasks() *cr.Masks {
	return &cr.Masks{}
}

type fixture struct {
	vcpu *vm.VCPU
	vmx  *collabtest.VMX
	virq *collabtest.Virq
	mem  guestmem.Accessor
	deps vmexit.Deps
}

func newFixture(t *testing.T, isSafetyVM bool) *fixture {
	t.Helper()

	v := vm.NewVM(1, 0x15, 0x80000008, isSafetyVM)
	v.AddEntry(cpuidtbl.Entry{Leaf: 0, EAX: 0x15})
	vcpu := vm.NewVCPU(v, 0, 0)

	vmx := collabtest.NewVMX()
	virq := &collabtest.Virq{}
	mem := guestmem.New(collabtest.NewGuestMemory(4096), collabtest.SMAP{})
	lifecycle := collabtest.NewVMLifecycle()
	lifecycle.SafetyVMs[v.ID] = isSafetyVM

	deps := vmexit.Deps{
		VMX:       vmx,
		Virq:      virq,
		Mem:       mem,
		Platform:  collabtest.NewPlatform(),
		Lapic:     collabtest.NewLapic(),
		Ept:       collabtest.NewEpt(),
		Lifecycle: lifecycle,
		Tracer:    &collabtest.Tracer{},
		Masks:     simpleMasks(),
	}

	return &fixture{vcpu: vcpu, vmx: vmx, virq: virq, mem: mem, deps: deps}
}

func TestDispatchWrongHomeCPU(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vcpu.HomeCPU = 3 // platform fake always reports pcpu 0

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected ErrWrongHomeCPU")
	}
}

func TestDispatchOutOfRangeReason(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = 9999

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected ErrOutOfRange")
	}
}

func TestDispatchIDTVectoringHWExceptionReinjects(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	const (
		idtValidBit = 1 << 31
		vector      = uint32(14) // #PF
		typeShift   = 8
	)

	f.vmx.Fields[collab.FieldIDTVectoringInfo] = uint64(idtValidBit | vector | (vm.IDTTypeHWException << typeShift))
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonExceptionOrNMI)

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if len(f.virq.Calls) != 1 || f.virq.Calls[0].Method != "QueueException" || f.virq.Calls[0].Vector != 14 {
		t.Fatalf("expected a single QueueException(vector=14) call, got %+v", f.virq.Calls)
	}

	if f.vmx.Fields[collab.FieldIDTVectoringInfo] != 0 {
		t.Error("expected IDT_VECTORING_INFO cleared after re-injection")
	}

	if !f.vcpu.IDTVectoring.Valid || f.vcpu.IDTVectoring.Vector != 14 {
		t.Errorf("expected vcpu.IDTVectoring snapshot recorded, got %+v", f.vcpu.IDTVectoring)
	}
}

func TestDispatchIDTVectoringNMIRequestsFlagAndClears(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	const (
		idtValidBit = 1 << 31
		typeShift   = 8
	)

	f.vmx.Fields[collab.FieldIDTVectoringInfo] = uint64(idtValidBit | (vm.IDTTypeNMI << typeShift))
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonExceptionOrNMI)

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if !f.virq.HasRequest(f.vcpu.VCPUID, collab.ReqNMI) {
		t.Error("expected an NMI request")
	}

	if f.vmx.Fields[collab.FieldIDTVectoringInfo] != 0 {
		t.Error("expected IDT_VECTORING_INFO cleared after NMI request")
	}
}

func TestDispatchCPUIDUpdatesRegisters(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonCPUID)
	f.vcpu.Regs.RAX = 0 // leaf 0

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if f.vcpu.Regs.RAX != uint64(f.vcpu.VM.VCPUIDLevel) {
		t.Errorf("leaf0 EAX: got %#x, want vcpuidLevel %#x", f.vcpu.Regs.RAX, f.vcpu.VM.VCPUIDLevel)
	}
}

func TestDispatchCRAccessDelegatesToHandleCRAccess(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)

	const cr0PE = 1 << 0

	f.vmx.Fields[collab.FieldGuestCR0] = cr0PE
	f.vmx.Fields[collab.FieldCR0ReadShadow] = cr0PE
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonCRAccess)
	f.vcpu.Regs.RAX = cr0PE // mov cr0, rax: crNum=0, gpr=0 (rax), kind=MovToCr(0)
	f.vmx.Fields[collab.FieldExitQualification] = 0

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchIOInstructionDecodesOutWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonIOInstruction)

	const (
		size2    = 1      // 0b01 -> 2 bytes
		dirOut   = 0 << 3 // bit3 clear: write (out)
		port0x3f = uint64(0x3f8) << 16
	)

	f.vmx.Fields[collab.FieldExitQualification] = size2 | dirOut | port0x3f
	f.vcpu.Regs.RAX = 0xABCD

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if f.vcpu.Req.Port != 0x3f8 || f.vcpu.Req.Size != 2 || f.vcpu.Req.Direction != 1 {
		t.Fatalf("unexpected decoded request: %+v", f.vcpu.Req)
	}

	if f.vcpu.Req.Data != 0xABCD {
		t.Errorf("expected data 0xABCD, got %#x", f.vcpu.Req.Data)
	}
}

func TestDispatchIOInstructionDecodesInRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonIOInstruction)

	const (
		size4  = 2      // 0b10 -> 4 bytes
		dirIn  = 1 << 3 // bit3 set: read (in)
		port64 = uint64(0x64) << 16
	)

	f.vmx.Fields[collab.FieldExitQualification] = size4 | dirIn | port64

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if f.vcpu.Req.Port != 0x64 || f.vcpu.Req.Size != 4 || f.vcpu.Req.Direction != 0 {
		t.Fatalf("unexpected decoded request: %+v", f.vcpu.Req)
	}
}

func TestDispatchRDMSRInjectsGPOnUnknownMSR(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonRDMSR)
	f.vcpu.Regs.RCX = 0xdeadbeef

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected an error for an unknown MSR")
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "InjectGP" {
		t.Error("expected #GP injection on rdmsr of an unknown MSR")
	}
}

func TestDispatchWRMSRInjectsGPOnInvalidWrite(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonWRMSR)
	f.vcpu.Regs.RCX = 0xdeadbeef // unknown MSR -> rejected

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected an error for an unknown MSR write")
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "InjectGP" {
		t.Error("expected #GP injection on wrmsr of an unknown MSR")
	}
}

func TestDispatchEPTViolationInstructionFetchModifiesMR(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonEPTViolation)

	const qualInstrFetch = 1 << 2

	f.vmx.Fields[collab.FieldExitQualification] = qualInstrFetch
	f.vmx.Fields[collab.FieldGuestPhysicalAddress] = 0x1000

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	ept, ok := f.deps.Ept.(*collabtest.Ept)
	if !ok {
		t.Fatal("expected collabtest.Ept")
	}

	if !ept.ExecOK[0x1000] {
		t.Error("expected ModifyMR(0x1000, execOK=true) recorded")
	}
}

func TestDispatchEPTViolationDataAccessInjectsPF(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonEPTViolation)
	f.vmx.Fields[collab.FieldExitQualification] = 0
	f.vmx.Fields[collab.FieldGuestPhysicalAddress] = 0x2000

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "InjectPF" || f.virq.Calls[0].GPA != 0x2000 {
		t.Fatalf("expected InjectPF(gpa=0x2000), got %+v", f.virq.Calls)
	}
}

func TestDispatchXSETBVRejectsWithoutOSXSAVE(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonXSETBV)
	// CR4 read shadow/guest left at 0: OSXSAVE clear.

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected rejection")
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "InjectGP" {
		t.Error("expected #GP injection")
	}
}

func TestDispatchXSETBVAcceptsValidXCR0(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonXSETBV)

	const cr4OSXSAVE = 1 << 18

	f.vmx.Fields[collab.FieldGuestCR4] = cr4OSXSAVE
	f.vmx.Fields[collab.FieldCR4ReadShadow] = cr4OSXSAVE
	f.vcpu.Regs.RCX = 0
	f.vcpu.Regs.RAX = 1 // x87 bit set, no AVX/MPX bits

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchWBINVDFlushesEveryRegion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonWBINVD)

	ept := f.deps.Ept.(*collabtest.Ept) //nolint:errcheck
	ept.Regions[0x1000] = 0x1000
	ept.Regions[0x2000] = 0x2000

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchINVDInjectsGPAndErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonINVD)

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected ErrINVD")
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "InjectGP" {
		t.Error("expected #GP injection on INVD")
	}
}

func TestDispatchTaskSwitchQueuesGPException(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonTaskSwitch)
	f.vmx.Fields[collab.FieldExitQualification] = 0x1234

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected an error describing the task switch")
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "QueueException" || !f.virq.Calls[0].HasErrCode {
		t.Fatalf("expected QueueException with an error code, got %+v", f.virq.Calls)
	}
}

func TestDispatchInitSignalRetainsRIP(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonInitSignal)

	if err := vmexit.Dispatch(f.vcpu, f.deps); err != nil {
		t.Fatal(err)
	}

	if len(f.virq.Calls) == 0 || f.virq.Calls[0].Method != "RetainRIP" {
		t.Error("expected RetainRIP call on INIT signal")
	}
}

func TestDispatchUnexpectedReasonShutsDownNonSafetyVM(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonHLT) // not in the handled table

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected ErrUnexpectedExit")
	}

	lifecycle := f.deps.Lifecycle.(*collabtest.VMLifecycle) //nolint:errcheck
	if len(lifecycle.Shutdowns) == 0 {
		t.Error("expected FatalErrorShutdownVM on a non-safety VM")
	}
}

func TestDispatchUnexpectedReasonPanicsSafetyVM(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.vcpu.VM.IsSafetyVM = true
	f.vmx.Fields[collab.FieldExitReason] = uint64(vmexit.ReasonHLT)

	if err := vmexit.Dispatch(f.vcpu, f.deps); err == nil {
		t.Fatal("expected ErrUnexpectedExit")
	}

	lifecycle := f.deps.Lifecycle.(*collabtest.VMLifecycle) //nolint:errcheck
	if len(lifecycle.Panics) == 0 {
		t.Error("expected Panic recorded on a safety VM")
	}
}
