package cpuidemu_test

import (
	"testing"

	"github.com/bobuhiro11/gokvm/collab/collabtest"
	"github.com/bobuhiro11/gokvm/cpuidemu"
	"github.com/bobuhiro11/gokvm/cpuidtbl"
	"github.com/bobuhiro11/gokvm/vm"
)

func newVCPU(t *testing.T) (*vm.VCPU, *collabtest.Lapic) {
	t.Helper()

	v := vm.NewVM(1, 0x15, 0x80000008, false)
	v.AddEntry(cpuidtbl.Entry{Leaf: 1, EAX: 0x000306c3, EBX: 0, ECX: 1 << 5, EDX: 1 << 28})
	v.AddEntry(cpuidtbl.Entry{Leaf: 0x80000001, EDX: 1 << 20})

	vcpu := vm.NewVCPU(v, 0, 0)
	lapic := collabtest.NewLapic()
	lapic.APICID[0] = 7

	return vcpu, lapic
}

func TestGuestCPUIDLeaf1EncodesAPICID(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPU(t)

	eax, ecx := uint32(1), uint32(0)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, 0, &eax, &ecx, &ebx, &edx)

	if got := (ebx >> 24) & 0xFF; got != 7 {
		t.Errorf("leaf1 EBX APIC ID: got %d, want 7", got)
	}

	if ecx&(1<<5) != 0 {
		t.Errorf("leaf1 ECX: VMX bit should be cleared from the guest's view, got %#x", ecx)
	}
}

func TestGuestCPUIDLeaf1OSXSAVEFollowsCR4(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPU(t)

	eax, ecx := uint32(1), uint32(0)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 1<<18, 0, &eax, &ecx, &ebx, &edx)

	if ecx&(1<<27) == 0 {
		t.Error("leaf1 ECX: OSXSAVE should be set when guest CR4.OSXSAVE is set")
	}
}

func TestGuestCPUIDLeafBReportsX2APICID(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPU(t)

	eax, ecx := uint32(0xB), uint32(0)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, 0, &eax, &ecx, &ebx, &edx)

	if edx != 7 {
		t.Errorf("leafB EDX (x2APIC ID): got %d, want 7", edx)
	}
}

func TestGuestCPUIDLeaf80000001XDDisable(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPU(t)

	eax, ecx := uint32(0x80000001), uint32(0)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, cpuidemu.MiscEnableXDDisable, &eax, &ecx, &ebx, &edx)

	if edx&(1<<20) != 0 {
		t.Error("leaf80000001 EDX: XD bit should be cleared when MISC_ENABLE.XD_DISABLE is set")
	}
}

func newVCPUWithXSAVE(t *testing.T) (*vm.VCPU, *collabtest.Lapic) {
	t.Helper()

	v := vm.NewVM(1, 0x15, 0x80000008, false)
	v.AddEntry(cpuidtbl.Entry{Leaf: 1, EAX: 0x000306c3})
	v.AddEntry(cpuidtbl.Entry{
		Leaf: 0xD, Subleaf: 0, Flags: cpuidtbl.CheckSubleaf,
		EAX: 0x7 | (1 << 3) | (1 << 4), EBX: 0x240, ECX: 0x340, EDX: 0,
	})
	v.AddEntry(cpuidtbl.Entry{
		Leaf: 0xD, Subleaf: 1, Flags: cpuidtbl.CheckSubleaf,
		EAX: 0x1, EBX: 0, ECX: (1 << 8) | 0x3, EDX: 0,
	})
	v.AddEntry(cpuidtbl.Entry{
		Leaf: 0xD, Subleaf: 2, Flags: cpuidtbl.CheckSubleaf,
		EAX: 0x100, EBX: 0x240, ECX: 0, EDX: 0,
	})
	v.AddEntry(cpuidtbl.Entry{Leaf: 0x80000001})

	vcpu := vm.NewVCPU(v, 0, 0)
	lapic := collabtest.NewLapic()

	return vcpu, lapic
}

func TestGuestCPUIDLeafDSubleaf0ClearsMPXAndSizesECX(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPUWithXSAVE(t)

	eax, ecx := uint32(0xD), uint32(0)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, 0, &eax, &ecx, &ebx, &edx)

	if eax&((1<<3)|(1<<4)) != 0 {
		t.Errorf("leafD subleaf0 EAX: BNDREGS/BNDCSR should be cleared, got %#x", eax)
	}

	if ecx != 0x200+0x40+0x100 {
		t.Errorf("leafD subleaf0 ECX: got %#x, want legacy+header+avxsize", ecx)
	}
}

func TestGuestCPUIDLeafDSubleaf1ClearsXSAVESAndPTState(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPUWithXSAVE(t)

	eax, ecx := uint32(0xD), uint32(1)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, 0, &eax, &ecx, &ebx, &edx)

	if eax&(1<<3) != 0 {
		t.Errorf("leafD subleaf1 EAX: XSAVES bit should be cleared, got %#x", eax)
	}

	if ecx&(1<<8) != 0 {
		t.Errorf("leafD subleaf1 ECX: PT_STATE bit should be cleared, got %#x", ecx)
	}

	if ecx&0x3 == 0 {
		t.Error("leafD subleaf1 ECX: unrelated bits should survive the mask")
	}
}

func TestGuestCPUIDLeafDSubleaf2IsVerbatim(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPUWithXSAVE(t)

	eax, ecx := uint32(0xD), uint32(2)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, 0, &eax, &ecx, &ebx, &edx)

	if eax != 0x100 || ebx != 0x240 {
		t.Errorf("leafD subleaf2: got eax=%#x ebx=%#x, want native verbatim (0x100, 0x240)", eax, ebx)
	}
}

func TestGuestCPUIDLeafDOtherSubleafIsZero(t *testing.T) {
	t.Parallel()

	vcpu, lapic := newVCPUWithXSAVE(t)

	eax, ecx := uint32(0xD), uint32(5)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, 0, &eax, &ecx, &ebx, &edx)

	if eax != 0 || ebx != 0 || ecx != 0 || edx != 0 {
		t.Errorf("leafD other subleaf: got eax=%#x ebx=%#x ecx=%#x edx=%#x, want all zero", eax, ebx, ecx, edx)
	}
}

func TestGuestCPUIDLeafLimiterShrinksMaxLeaf(t *testing.T) {
	t.Parallel()

	// Entries must stay leaf-ascending for cpuidtbl.Find's binary-hinted
	// scan, so build this VM directly instead of reusing newVCPU's fixture.
	v := vm.NewVM(1, 0x15, 0x80000008, false)
	v.AddEntry(cpuidtbl.Entry{Leaf: 1, EAX: 0x000306c3})
	v.AddEntry(cpuidtbl.Entry{Leaf: 2, EAX: 0x12345678})
	v.AddEntry(cpuidtbl.Entry{Leaf: 0x80000001})

	vcpu := vm.NewVCPU(v, 0, 0)
	lapic := collabtest.NewLapic()

	eax, ecx := uint32(0), uint32(0)
	var ebx, edx uint32

	cpuidemu.GuestCPUID(vcpu, lapic, 0, cpuidemu.MiscEnableLimitCPUID, &eax, &ecx, &ebx, &edx)

	if eax != 2 {
		t.Errorf("leaf0 EAX under LIMIT_CPUID: got %#x, want 2", eax)
	}

	eax, ecx = 5, 0

	cpuidemu.GuestCPUID(vcpu, lapic, 0, cpuidemu.MiscEnableLimitCPUID, &eax, &ecx, &ebx, &edx)

	if eax != 0x12345678 {
		t.Errorf("leaf5 under LIMIT_CPUID should echo the leaf-2 entry: got %#x", eax)
	}
}
