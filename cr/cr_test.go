package cr_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/bobuhiro11/gokvm/collab"
	"github.com/bobuhiro11/gokvm/collab/collabtest"
	"github.com/bobuhiro11/gokvm/cr"
	"github.com/bobuhiro11/gokvm/guestmem"
	"github.com/bobuhiro11/gokvm/vm"
)

func newFixture(t *testing.T) (*vm.VCPU, *collabtest.VMX, *collabtest.Virq, guestmem.Accessor) {
	t.Helper()

	v := vm.NewVM(1, 0x15, 0x80000008, false)
	vcpu := vm.NewVCPU(v, 0, 0)
	vmx := collabtest.NewVMX()
	virq := &collabtest.Virq{}
	mem := guestmem.New(collabtest.NewGuestMemory(4096), collabtest.SMAP{})

	return vcpu, vmx, virq, mem
}

func simpleMasks() *cr.Masks {
	return &cr.Masks{
		CR0HostOwned: 0,
		CR0AlwaysOn:  1 << 4, // ET, architecturally always set
		CR0AlwaysOff: 0,

		CR4HostOwned: 0,
		CR4AlwaysOn:  0,
		CR4AlwaysOff: 0,
	}
}

func TestDeriveComputesFixedMasks(t *testing.T) {
	t.Parallel()

	platform := collabtest.NewPlatform()
	platform.MSRs[0x486] = 0x00000021        // CR0 fixed0: PE | NE
	platform.MSRs[0x487] = 0xffffffff        // CR0 fixed1: all bits may be 1
	platform.MSRs[0x488] = 0x00002000        // CR4 fixed0: VMXE
	platform.MSRs[0x489] = 0xffffffffffffffff // CR4 fixed1: all bits may be 1

	m, err := cr.Derive(platform)
	if err != nil {
		t.Fatal(err)
	}

	if m.CR0AlwaysOn&(1<<5) == 0 {
		t.Error("expected NE forced on by fixed0")
	}

	if m.CR4AlwaysOn&(1<<13) != 0 {
		t.Error("VMXE must not appear in CR4AlwaysOn (guest never sees it)")
	}
}

func TestGetCR0CachesAfterFirstRead(t *testing.T) {
	t.Parallel()

	vcpu, vmx, _, _ := newFixture(t)
	masks := simpleMasks()

	vmx.Fields[collab.FieldGuestCR0] = 0x80000021
	vmx.Fields[collab.FieldCR0ReadShadow] = 0x80000021

	v1, err := cr.GetCR0(vcpu, masks, vmx)
	if err != nil {
		t.Fatal(err)
	}

	// Mutate the VMCS directly: GetCR0 must now return the cached value.
	vmx.Fields[collab.FieldGuestCR0] = 0

	v2, err := cr.GetCR0(vcpu, masks, vmx)
	if err != nil {
		t.Fatal(err)
	}

	if v1 != v2 {
		t.Errorf("expected cached read: got %#x then %#x", v1, v2)
	}
}

func TestSetCR0RejectsClearingPE(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	const cr0PE = 1 << 0

	vmx.Fields[collab.FieldGuestCR0] = cr0PE
	vmx.Fields[collab.FieldCR0ReadShadow] = cr0PE

	err := cr.SetCR0(vcpu, masks, vmx, virq, mem, 0, false)
	if !errors.Is(err, cr.ErrInvalidGuestState) {
		t.Fatalf("expected ErrInvalidGuestState, got %v", err)
	}

	if len(virq.Calls) == 0 || virq.Calls[0].Method != "InjectGP" {
		t.Error("expected #GP injection on rejected CR0 write")
	}
}

func TestSetCR0RejectsPGWithoutPAEInLongMode(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()
	vcpu.RunCtx.EFER = 1 << 8 // EferLME

	const cr0PG = 1 << 31

	err := cr.SetCR0(vcpu, masks, vmx, virq, mem, cr0PG, false)
	if !errors.Is(err, cr.ErrInvalidGuestState) {
		t.Fatalf("expected ErrInvalidGuestState, got %v", err)
	}
}

func TestSetCR0EntersLongModeOnPGWithLME(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()
	vcpu.RunCtx.EFER = 1 << 8 // EferLME

	const (
		cr0PE = 1 << 0
		cr0PG = 1 << 31
		cr4PAE = 1 << 5
	)

	vmx.Fields[collab.FieldGuestCR4] = cr4PAE
	vmx.Fields[collab.FieldCR4ReadShadow] = cr4PAE
	// csAR/trAR left at zero: no long-mode bit, TR type != 0x3 busy-16-bit.

	if err := cr.SetCR0(vcpu, masks, vmx, virq, mem, cr0PE|cr0PG, false); err != nil {
		t.Fatal(err)
	}

	ctrl := vmx.Fields[collab.FieldVMEntryControls]
	if uint32(ctrl)&collab.VMEntryIA32EMode == 0 {
		t.Error("expected VM_ENTRY_CONTROLS.IA32E_MODE set entering long mode")
	}

	if vcpu.RunCtx.EFER&(1<<10) == 0 { // eferLMA
		t.Error("expected EFER.LMA set entering long mode")
	}
}

func TestSetCR0RejectsLongModeEntryWithCSLongModeAlreadySet(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()
	vcpu.RunCtx.EFER = 1 << 8 // EferLME

	const (
		cr0PE  = 1 << 0
		cr0PG  = 1 << 31
		cr4PAE = 1 << 5
	)

	vmx.Fields[collab.FieldGuestCR4] = cr4PAE
	vmx.Fields[collab.FieldCR4ReadShadow] = cr4PAE
	vmx.Fields[collab.FieldGuestCSARBytes] = collab.ARLongMode

	if err := cr.SetCR0(vcpu, masks, vmx, virq, mem, cr0PE|cr0PG, false); !errors.Is(err, cr.ErrInvalidGuestState) {
		t.Fatalf("expected ErrInvalidGuestState, got %v", err)
	}
}

func TestSetCR4RejectsForbiddenBits(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	const cr4VMXE = 1 << 13

	err := cr.SetCR4(vcpu, masks, vmx, virq, mem, false, cr4VMXE, false)
	if !errors.Is(err, cr.ErrInvalidGuestState) {
		t.Fatalf("expected ErrInvalidGuestState, got %v", err)
	}
}

func TestSetCR4RejectsMCEOnNonSafetyVM(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	const cr4MCE = 1 << 6

	err := cr.SetCR4(vcpu, masks, vmx, virq, mem, false, cr4MCE, false)
	if !errors.Is(err, cr.ErrInvalidGuestState) {
		t.Fatalf("expected ErrInvalidGuestState, got %v", err)
	}
}

func TestSetCR4AcceptsMCEOnSafetyVM(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	const cr4MCE = 1 << 6

	if err := cr.SetCR4(vcpu, masks, vmx, virq, mem, true, cr4MCE, false); err != nil {
		t.Fatal(err)
	}
}

func TestHandleCRAccessMovToCR0RoutesToSetCR0(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	const cr0PE = 1 << 0

	vmx.Fields[collab.FieldGuestCR0] = cr0PE
	vmx.Fields[collab.FieldCR0ReadShadow] = cr0PE
	vcpu.Regs.RAX = cr0PE // MovToCr with GPR index 0 (RAX), crNum 0

	if err := cr.HandleCRAccess(vcpu, masks, vmx, virq, mem, false, 0); err != nil {
		t.Fatal(err)
	}
}

func TestHandleCRAccessUnhandledEncodingErrors(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	// crNum=2 with MovToCr kind: cr.go only implements CR0/CR4.
	if err := cr.HandleCRAccess(vcpu, masks, vmx, virq, mem, false, 2); !errors.Is(err, cr.ErrUnhandledCRAccess) {
		t.Fatalf("expected ErrUnhandledCRAccess, got %v", err)
	}
}

func TestReloadPDPTRsViaCR4PAEEnable(t *testing.T) {
	t.Parallel()

	vcpu, vmx, virq, mem := newFixture(t)
	masks := simpleMasks()

	const cr0PG = 1 << 31

	vmx.Fields[collab.FieldGuestCR0] = cr0PG
	vmx.Fields[collab.FieldCR0ReadShadow] = cr0PG
	vmx.Fields[collab.FieldGuestCR3] = 0 // PDPT base 0, page-aligned-ish

	var entry [8]byte
	binary.LittleEndian.PutUint64(entry[:], 1) // present, all other bits clear
	if err := mem.CopyToGPA(0, entry[:]); err != nil {
		t.Fatal(err)
	}

	const cr4PAE = 1 << 5

	if err := cr.SetCR4(vcpu, masks, vmx, virq, mem, false, cr4PAE, false); err != nil {
		t.Fatal(err)
	}

	if vmx.Fields[collab.FieldGuestPDPTE0] != 1 {
		t.Errorf("expected PDPTE0 installed from guest memory, got %#x", vmx.Fields[collab.FieldGuestPDPTE0])
	}
}
