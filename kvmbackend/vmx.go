package kvmbackend

import (
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gokvm/collab"
)

// kvmSegment mirrors struct kvm_segment from linux/kvm.h.
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

// kvmDtable mirrors struct kvm_dtable.
type kvmDtable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// kvmSregs mirrors struct kvm_sregs.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [4]uint64
}

func (d *Device) getSregs() (*kvmSregs, error) {
	var s kvmSregs

	if _, err := ioctl(d.vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&s))); err != nil { //nolint:gosec
		return nil, fmt.Errorf("kvmbackend: get sregs: %w", err)
	}

	return &s, nil
}

func (d *Device) setSregs(s *kvmSregs) error {
	if _, err := ioctl(d.vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(s))); err != nil { //nolint:gosec
		return fmt.Errorf("kvmbackend: set sregs: %w", err)
	}

	return nil
}

// segARBytes packs a kvm_segment's access-rights fields into the VMX
// GUEST_xx_AR_BYTES layout (Intel SDM 24.4.1): Type in bits 0:3, S in bit 4,
// DPL in bits 5:6, P in bit 7, AVL in bit 12, L in bit 13, DB in bit 14, G in
// bit 15, Unusable in bit 16.
func segARBytes(s kvmSegment) uint32 {
	ar := uint32(s.Type&0xF) | uint32(s.S&1)<<4 | uint32(s.DPL&3)<<5 | uint32(s.Present&1)<<7
	ar |= uint32(s.AVL&1) << 12
	ar |= uint32(s.L&1) << 13
	ar |= uint32(s.DB&1) << 14
	ar |= uint32(s.G&1) << 15
	ar |= uint32(s.Unusable&1) << 16

	return ar
}

// VMRead32 backs the handful of VMX fields KVM_GET_SREGS actually exposes:
// GUEST_CR0/CR4 (also served for the CR0/CR4 read shadows) and the CS/TR
// access-rights bytes.
// Everything else (raw exit-reason/qualification, IDT-vectoring, TSC
// offset, PDPTEs, MSR bitmap address) has no userspace-visible KVM
// equivalent and returns ErrFieldUnsupported.
func (d *Device) VMRead32(field uint32) (uint32, error) {
	s, err := d.getSregs()
	if err != nil {
		return 0, err
	}

	switch field {
	case collab.FieldGuestCR0, collab.FieldCR0ReadShadow:
		return uint32(s.CR0), nil
	case collab.FieldGuestCR4, collab.FieldCR4ReadShadow:
		return uint32(s.CR4), nil
	case collab.FieldGuestCSARBytes:
		return segARBytes(s.CS), nil
	case collab.FieldGuestTRARBytes:
		return segARBytes(s.TR), nil
	default:
		return 0, fmt.Errorf("field %#x: %w", field, ErrFieldUnsupported)
	}
}

// VMRead64 backs GUEST_CR0/CR3/CR4 (the CR0/CR4 read shadows return the
// same values), the 64-bit-wide fields KVM_GET_SREGS exposes directly.
func (d *Device) VMRead64(field uint32) (uint64, error) {
	s, err := d.getSregs()
	if err != nil {
		return 0, err
	}

	switch field {
	case collab.FieldGuestCR0, collab.FieldCR0ReadShadow:
		return s.CR0, nil
	case collab.FieldGuestCR3:
		return s.CR3, nil
	case collab.FieldGuestCR4, collab.FieldCR4ReadShadow:
		return s.CR4, nil
	default:
		return 0, fmt.Errorf("field %#x: %w", field, ErrFieldUnsupported)
	}
}

// VMRead16 has no KVM_GET_SREGS-backed field in this core's field set.
func (d *Device) VMRead16(field uint32) (uint16, error) {
	return 0, fmt.Errorf("field %#x: %w", field, ErrFieldUnsupported)
}

// VMWrite32 writes GUEST_CR0/CR4 back through KVM_SET_SREGS; the
// read-shadow and AR-bytes fields are not independently settable from
// userspace and return ErrFieldUnsupported.
func (d *Device) VMWrite32(field uint32, v uint32) error {
	return d.vmWrite64(field, uint64(v))
}

// VMWrite64 writes GUEST_CR0/CR3/CR4 back through KVM_SET_SREGS.
func (d *Device) VMWrite64(field uint32, v uint64) error {
	return d.vmWrite64(field, v)
}

func (d *Device) vmWrite64(field uint32, v uint64) error {
	s, err := d.getSregs()
	if err != nil {
		return err
	}

	switch field {
	case collab.FieldGuestCR0:
		s.CR0 = v
	case collab.FieldGuestCR3:
		s.CR3 = v
	case collab.FieldGuestCR4:
		s.CR4 = v
	default:
		return fmt.Errorf("field %#x: %w", field, ErrFieldUnsupported)
	}

	return d.setSregs(s)
}

// VMWrite16 has no KVM_SET_SREGS-backed field in this core's field set.
func (d *Device) VMWrite16(field uint32, v uint16) error {
	return fmt.Errorf("field %#x: %w", field, ErrFieldUnsupported)
}
