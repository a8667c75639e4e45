// Package cr implements C4: CR0/CR4 validation and side effects, the cached
// read path, PDPTR reload, and the CR-access VM-exit handler (spec.md §4.4).
//
// Grounded on kvm/registers.go's Sregs/DebugRegs (the register-snapshot
// shape this package reconstructs a subset of) and on the real/protected
// mode CR0 toggling BigBossBoolingB-VDATABPro/core_engine/vcpu.go performs
// around paging enablement, generalized here into the always-on/always-off
// mask derivation a VMX host needs.
package cr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/bobuhiro11/gokvm/collab"
	"github.com/bobuhiro11/gokvm/guestmem"
	"github.com/bobuhiro11/gokvm/msr"
	"github.com/bobuhiro11/gokvm/vm"
)

// VMX capability MSRs consulted once at host init (§4.4 "One-time derivation").
const (
	vmxCR0Fixed0 = 0x486
	vmxCR0Fixed1 = 0x487
	vmxCR4Fixed0 = 0x488
	vmxCR4Fixed1 = 0x489
)

// CR0 bit positions named throughout §4.4.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0EM = 1 << 2
	cr0TS = 1 << 3
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0NW = 1 << 29
	cr0CD = 1 << 30
	cr0PG = 1 << 31

	cr0TrapMask = cr0PE | cr0PG | cr0WP | cr0CD | cr0NW

	// definedCR0Mask is every architecturally-defined CR0 bit; everything
	// else is reserved and must read as zero (§4.4's explicit 32-bit mask).
	definedCR0Mask = 0xE005003F
)

// CR4 bit positions named throughout §4.4.
const (
	cr4VME  = 1 << 0
	cr4PVI  = 1 << 1
	cr4TSD  = 1 << 2
	cr4DE   = 1 << 3
	cr4PSE  = 1 << 4
	cr4PAE  = 1 << 5
	cr4MCE  = 1 << 6
	cr4PGE  = 1 << 7
	cr4PCE  = 1 << 8
	cr4OSFX = 1 << 9
	cr4OSXM = 1 << 10
	cr4UMIP = 1 << 11
	cr4VMXE = 1 << 13
	cr4SMXE = 1 << 14
	cr4FSGS = 1 << 16
	cr4PCID = 1 << 17
	cr4OSXS = 1 << 18
	cr4SMEP = 1 << 20
	cr4SMAP = 1 << 21
	cr4PKE  = 1 << 22

	cr4TrapMask = cr4PSE | cr4PAE | cr4VMXE | cr4PCIDE | cr4SMEP | cr4SMAP |
		cr4PKE | cr4SMXE | cr4DE | cr4MCE | cr4PCE | cr4VME | cr4PVI

	definedCR4Mask = cr4VME | cr4PVI | cr4TSD | cr4DE | cr4PSE | cr4PAE | cr4MCE |
		cr4PGE | cr4PCE | cr4OSFX | cr4OSXM | cr4UMIP | cr4VMXE | cr4SMXE |
		cr4FSGS | cr4PCID | cr4OSXS | cr4SMEP | cr4SMAP | cr4PKE
)

// cr4PCIDE aliases cr4PCID; PCIDE is the guest-facing name used by the
// validation table (§4.4 write-path CR4 validation).
const cr4PCIDE = cr4PCID

const eferLMA = 1 << 10

// PAEPDPTEFixedResvdBits are the bits a PAE PDPTE must clear when present
// (§4.4 "PDPTR reload").
const PAEPDPTEFixedResvdBits = 0x1E6

// Masks holds the per-host-init-latched CR0/CR4 always-on/always-off/
// guest-host-mask globals (§4.4 "One-time derivation"). One instance is
// shared read-only by every VM on the host.
type Masks struct {
	CR0HostOwned uint32
	CR0AlwaysOn  uint32
	CR0AlwaysOff uint32

	CR4HostOwned uint64
	CR4AlwaysOn  uint64
	CR4AlwaysOff uint64
}

// Derive computes Masks from the host's VMX fixed-bit capability MSRs.
// Callers write CR0HostOwned/CR4HostOwned into the VMCS guest-host masks
// once per vCPU at exec-control setup time.
func Derive(platform collab.PlatformOps) (*Masks, error) {
	cr0Fixed0, err := platform.ReadMSR(vmxCR0Fixed0)
	if err != nil {
		return nil, fmt.Errorf("cr: read cr0 fixed0: %w", err)
	}

	cr0Fixed1, err := platform.ReadMSR(vmxCR0Fixed1)
	if err != nil {
		return nil, fmt.Errorf("cr: read cr0 fixed1: %w", err)
	}

	cr4Fixed0, err := platform.ReadMSR(vmxCR4Fixed0)
	if err != nil {
		return nil, fmt.Errorf("cr: read cr4 fixed0: %w", err)
	}

	cr4Fixed1, err := platform.ReadMSR(vmxCR4Fixed1)
	if err != nil {
		return nil, fmt.Errorf("cr: read cr4 fixed1: %w", err)
	}

	f0, f1 := uint32(cr0Fixed0), uint32(cr0Fixed1)

	m := &Masks{
		CR0HostOwned: (^(f0 ^ f1) | cr0TrapMask) & definedCR0Mask,
		CR0AlwaysOn:  f0 &^ (cr0PE | cr0PG),
		CR0AlwaysOff: ^f1 & definedCR0Mask,

		CR4HostOwned: (^(cr4Fixed0 ^ cr4Fixed1) | cr4TrapMask) & definedCR4Mask,
		CR4AlwaysOn:  cr4Fixed0 &^ cr4VMXE,
		CR4AlwaysOff: ^cr4Fixed1 & definedCR4Mask,
	}

	return m, nil
}

// ErrInvalidGuestState is returned for rejected CR0/CR4 writes and illegal
// mode transitions (spec.md §7 InvalidGuestState). The rejecting function
// has already injected #GP(0) and modified no CR state.
var ErrInvalidGuestState = errors.New("cr: invalid guest state")

// ErrUnhandledCRAccess is returned for a CR-access exit qualification this
// module does not implement (§4.4 "any other encoding: treat as fatal").
var ErrUnhandledCRAccess = errors.New("cr: unhandled cr access")

// GetCR0 is vcpu_get_cr0: the cached read path (§4.4 "Read path").
func GetCR0(vcpu *vm.VCPU, masks *Masks, vmx collab.VmxFields) (uint64, error) {
	if vcpu.RunCtx.RegCached&vm.RegCachedCR0 != 0 {
		return vcpu.RunCtx.CR0, nil
	}

	shadow, err := vmx.VMRead32(collab.FieldCR0ReadShadow)
	if err != nil {
		return 0, err
	}

	guest, err := vmx.VMRead32(collab.FieldGuestCR0)
	if err != nil {
		return 0, err
	}

	v := uint64((shadow & masks.CR0HostOwned) | (guest &^ masks.CR0HostOwned))
	vcpu.RunCtx.CR0 = v
	vcpu.RunCtx.RegCached |= vm.RegCachedCR0

	return v, nil
}

// GetCR4 is vcpu_get_cr4: the cached read path (§4.4 "Read path").
func GetCR4(vcpu *vm.VCPU, masks *Masks, vmx collab.VmxFields) (uint64, error) {
	if vcpu.RunCtx.RegCached&vm.RegCachedCR4 != 0 {
		return vcpu.RunCtx.CR4, nil
	}

	shadow, err := vmx.VMRead32(collab.FieldCR4ReadShadow)
	if err != nil {
		return 0, err
	}

	guest, err := vmx.VMRead32(collab.FieldGuestCR4)
	if err != nil {
		return 0, err
	}

	v := (uint64(shadow) & masks.CR4HostOwned) | (uint64(guest) &^ masks.CR4HostOwned)
	vcpu.RunCtx.CR4 = v
	vcpu.RunCtx.RegCached |= vm.RegCachedCR4

	return v, nil
}

// SetCR2 stores the guest's CR2 (page-fault linear address); it is never
// virtualized through the VMCS and carries no validation.
func SetCR2(vcpu *vm.VCPU, value uint64) {
	vcpu.RunCtx.CR2 = value
}

// SetCR0 is vcpu_set_cr0: validation, side effects, and VMCS install
// (§4.4 "Write path – CR0 validation/side effects"). isInit bypasses
// guest-facing validation for host-driven initial state loads (construction
// time), applying the mask install directly.
func SetCR0(
	vcpu *vm.VCPU,
	masks *Masks,
	vmx collab.VmxFields,
	virq collab.Virq,
	mem guestmem.Accessor,
	newVal uint64,
	isInit bool,
) error {
	old, err := GetCR0(vcpu, masks, vmx)
	if err != nil {
		return err
	}

	if !isInit {
		if newVal&uint64(masks.CR0AlwaysOff) != 0 {
			return rejectCR0(vcpu, virq, "always-off bit set")
		}

		if old&cr0PE != 0 && newVal&cr0PE == 0 {
			return rejectCR0(vcpu, virq, "clear PE")
		}

		cr4, err := GetCR4(vcpu, masks, vmx)
		if err != nil {
			return err
		}

		if newVal&cr0PG != 0 && cr4&cr4PAE == 0 && vcpu.RunCtx.EFER&msr.EferLME != 0 {
			return rejectCR0(vcpu, virq, "pg set without pae while lme set")
		}

		if newVal&cr0PE == 0 && newVal&cr0PG != 0 {
			return rejectCR0(vcpu, virq, "pg set while pe clear")
		}

		if newVal&cr0NW != 0 && newVal&cr0CD == 0 {
			return rejectCR0(vcpu, virq, "nw set while cd clear")
		}
	}

	changed := old ^ newVal
	flushNeeded := false

	if changed&cr0PG != 0 && newVal&cr0PG != 0 {
		cr4, err := GetCR4(vcpu, masks, vmx)
		if err != nil {
			return err
		}

		switch {
		case vcpu.RunCtx.EFER&msr.EferLME != 0:
			csAR, err := vmx.VMRead32(collab.FieldGuestCSARBytes)
			if err != nil {
				return err
			}

			trAR, err := vmx.VMRead32(collab.FieldGuestTRARBytes)
			if err != nil {
				return err
			}

			if csAR&collab.ARLongMode != 0 || trAR&collab.ARTypeMask == collab.TRBusy16Bit {
				return rejectCR0(vcpu, virq, "pg enable with cs.l or 16-bit busy tss")
			}

			ctrl, err := vmx.VMRead32(collab.FieldVMEntryControls)
			if err != nil {
				return err
			}

			if err := vmx.VMWrite32(collab.FieldVMEntryControls, ctrl|collab.VMEntryIA32EMode); err != nil {
				return err
			}

			vcpu.RunCtx.EFER |= eferLMA

		case cr4&cr4PAE != 0:
			if err := reloadPDPTRs(vmx, mem); err != nil {
				return rejectCR0(vcpu, virq, "pdptr reload failed")
			}
		}
	}

	if changed&cr0PG != 0 && newVal&cr0PG == 0 {
		if vcpu.RunCtx.EFER&msr.EferLME != 0 {
			csAR, err := vmx.VMRead32(collab.FieldGuestCSARBytes)
			if err != nil {
				return err
			}

			compatMode := vcpu.RunCtx.EFER&eferLMA != 0 && csAR&collab.ARLongMode == 0
			stillLongMode := csAR&collab.ARLongMode != 0

			switch {
			case compatMode:
				ctrl, err := vmx.VMRead32(collab.FieldVMEntryControls)
				if err != nil {
					return err
				}

				if err := vmx.VMWrite32(collab.FieldVMEntryControls, ctrl&^collab.VMEntryIA32EMode); err != nil {
					return err
				}

				vcpu.RunCtx.EFER &^= eferLMA

			case stillLongMode:
				return rejectCR0(vcpu, virq, "pg disable while still in 64-bit mode")
			}
		}
	}

	if changed&cr0CD != 0 {
		if newVal&cr0CD != 0 {
			if err := vmx.VMWrite64(collab.FieldGuestIA32PAT, msr.PATAllUC); err != nil {
				return err
			}
		} else {
			if err := vmx.VMWrite64(collab.FieldGuestIA32PAT, vcpu.GuestMSRs[vm.MSRIdxPAT]); err != nil {
				return err
			}
		}
	}

	if changed&(cr0PG|cr0WP|cr0CD) != 0 {
		flushNeeded = true
	}

	shadow := newVal
	guestCR0 := (uint64(masks.CR0AlwaysOn) | shadow) &^ (cr0CD | cr0NW)
	readShadow := shadow | cr0NE

	if err := vmx.VMWrite32(collab.FieldGuestCR0, uint32(guestCR0)); err != nil {
		return err
	}

	if err := vmx.VMWrite32(collab.FieldCR0ReadShadow, uint32(readShadow)); err != nil {
		return err
	}

	vcpu.RunCtx.RegCached &^= vm.RegCachedCR0

	if flushNeeded {
		virq.MakeRequest(vcpu.VCPUID, collab.ReqEPTFlush)
	}

	return nil
}

func rejectCR0(vcpu *vm.VCPU, virq collab.Virq, why string) error {
	virq.InjectGP(vcpu.VCPUID)

	return fmt.Errorf("%w: cr0 %s", ErrInvalidGuestState, why)
}

// SetCR4 is vcpu_set_cr4: validation, side effects, and VMCS install
// (§4.4 "Write path – CR4 validation/side effects").
func SetCR4(
	vcpu *vm.VCPU,
	masks *Masks,
	vmx collab.VmxFields,
	virq collab.Virq,
	mem guestmem.Accessor,
	isSafetyVM bool,
	newVal uint64,
	isInit bool,
) error {
	old, err := GetCR4(vcpu, masks, vmx)
	if err != nil {
		return err
	}

	if !isInit {
		if newVal&masks.CR4AlwaysOff != 0 {
			return rejectCR4(vcpu, virq, "always-off bit set")
		}

		if newVal&(cr4VMXE|cr4SMXE|cr4PKE|cr4PCE|cr4DE|cr4VME|cr4PVI) != 0 {
			return rejectCR4(vcpu, virq, "guest-forbidden bit set")
		}

		if newVal&cr4MCE != 0 && !isSafetyVM {
			return rejectCR4(vcpu, virq, "mce set on non-safety vm")
		}

		if newVal&cr4PCIDE != 0 {
			return rejectCR4(vcpu, virq, "pcide unsupported")
		}

		if vcpu.RunCtx.EFER&eferLMA != 0 && newVal&cr4PAE == 0 {
			return rejectCR4(vcpu, virq, "pae clear while long mode active")
		}
	}

	changed := old ^ newVal

	if changed&(cr4PGE|cr4PSE|cr4PAE|cr4SMEP|cr4SMAP) != 0 {
		cr0, err := GetCR0(vcpu, masks, vmx)
		if err != nil {
			return err
		}

		pagingEnabled := cr0&cr0PG != 0
		longMode := vcpu.RunCtx.EFER&eferLMA != 0

		if newVal&cr4PAE != 0 && pagingEnabled && !longMode {
			if err := reloadPDPTRs(vmx, mem); err != nil {
				return rejectCR4(vcpu, virq, "pdptr reload failed")
			}
		} else {
			virq.MakeRequest(vcpu.VCPUID, collab.ReqEPTFlush)
		}
	}

	if err := vmx.VMWrite32(collab.FieldGuestCR4, uint32(masks.CR4AlwaysOn|newVal)); err != nil {
		return err
	}

	if err := vmx.VMWrite32(collab.FieldCR4ReadShadow, uint32(newVal)); err != nil {
		return err
	}

	vcpu.RunCtx.RegCached &^= vm.RegCachedCR4

	return nil
}

func rejectCR4(vcpu *vm.VCPU, virq collab.Virq, why string) error {
	virq.InjectGP(vcpu.VCPUID)

	return fmt.Errorf("%w: cr4 %s", ErrInvalidGuestState, why)
}

// reloadPDPTRs implements §4.4's "PDPTR reload": treat guest CR3 as a PAE
// PDPT pointer, fetch the four PDPTEs through guest memory, validate
// reserved bits on present entries, and install them into the VMCS.
func reloadPDPTRs(vmx collab.VmxFields, mem guestmem.Accessor) error {
	cr3, err := vmx.VMRead64(collab.FieldGuestCR3)
	if err != nil {
		return err
	}

	base := cr3 &^ 0x1F

	var pdptes [4]uint64

	for i := 0; i < 4; i++ {
		var buf [8]byte

		if err := mem.CopyFromGPA(buf[:], base+uint64(i*8)); err != nil {
			return fmt.Errorf("cr: pdpte %d: %w", i, err)
		}

		pdpte := binary.LittleEndian.Uint64(buf[:])

		if pdpte&1 != 0 && pdpte&PAEPDPTEFixedResvdBits != 0 {
			return fmt.Errorf("cr: pdpte %d reserved bits set", i)
		}

		pdptes[i] = pdpte
	}

	fields := [4]uint32{
		collab.FieldGuestPDPTE0, collab.FieldGuestPDPTE1,
		collab.FieldGuestPDPTE2, collab.FieldGuestPDPTE3,
	}

	for i, f := range fields {
		if err := vmx.VMWrite64(f, pdptes[i]); err != nil {
			return err
		}
	}

	return nil
}

// CrAccessKind is the tagged replacement for the packed access_type field
// the exit qualification carries (§9 "Tagged variants where C overloaded
// integers").
type CrAccessKind int

const (
	MovToCr CrAccessKind = iota
	MovFromCr
	Clts
	Lmsw
)

// gprByIndex maps the exit qualification's 4-bit GPR index (§4.4 "source-GPR
// index") onto the x86asm register enum, following the standard ModRM reg
// encoding order the Intel SDM's CR-access qualification reuses.
var gprByIndex = [16]x86asm.Reg{
	x86asm.RAX, x86asm.RCX, x86asm.RDX, x86asm.RBX,
	x86asm.RSP, x86asm.RBP, x86asm.RSI, x86asm.RDI,
	x86asm.R8, x86asm.R9, x86asm.R10, x86asm.R11,
	x86asm.R12, x86asm.R13, x86asm.R14, x86asm.R15,
}

func decodeCRExitQual(q uint64) (kind CrAccessKind, crNum, gprIdx int, lmswSrc uint16) {
	crNum = int(q & 0xF)
	gprIdx = int((q >> 8) & 0xF)
	lmswSrc = uint16((q >> 16) & 0xFFFF)

	switch (q >> 4) & 0x3 {
	case 0:
		kind = MovToCr
	case 1:
		kind = MovFromCr
	case 2:
		kind = Clts
	default:
		kind = Lmsw
	}

	return kind, crNum, gprIdx, lmswSrc
}

// HandleCRAccess is cr_access_vmexit_handler (§4.4 "CR access VM-exit
// handler").
func HandleCRAccess(
	vcpu *vm.VCPU,
	masks *Masks,
	vmx collab.VmxFields,
	virq collab.Virq,
	mem guestmem.Accessor,
	isSafetyVM bool,
	exitQual uint64,
) error {
	kind, crNum, gprIdx, lmswSrc := decodeCRExitQual(exitQual)

	switch kind {
	case MovToCr:
		reg := gprByIndex[gprIdx]

		ptr, err := vcpu.GPR(reg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnhandledCRAccess, err)
		}

		switch crNum {
		case 0:
			return SetCR0(vcpu, masks, vmx, virq, mem, *ptr, false)
		case 4:
			return SetCR4(vcpu, masks, vmx, virq, mem, isSafetyVM, *ptr, false)
		default:
			return fmt.Errorf("%w: mov-to-cr%d", ErrUnhandledCRAccess, crNum)
		}

	case Lmsw:
		old, err := GetCR0(vcpu, masks, vmx)
		if err != nil {
			return err
		}

		newVal := (old &^ 0x0E) | (uint64(lmswSrc) & 0x0F)

		return SetCR0(vcpu, masks, vmx, virq, mem, newVal, false)

	default:
		return fmt.Errorf("%w: access kind %d", ErrUnhandledCRAccess, kind)
	}
}
