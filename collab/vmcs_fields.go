package collab

// VMCS field encodings named by §4 of the spec. Values follow the Intel SDM
// vol. 3C component-encoding scheme closely enough to be recognizable, but
// this module never touches hardware VMCS memory directly — every access
// goes through VmxFields, so the encoding only has to be a stable key the
// core and a VmxFields implementation agree on.
const (
	FieldGuestCR0             uint32 = 0x6800
	FieldCR0ReadShadow        uint32 = 0x6004
	FieldCR0GuestHostMask     uint32 = 0x6000
	FieldGuestCR4             uint32 = 0x6804
	FieldCR4ReadShadow        uint32 = 0x6006
	FieldCR4GuestHostMask     uint32 = 0x6002
	FieldGuestPDPTE0          uint32 = 0x280A
	FieldGuestPDPTE1          uint32 = 0x280C
	FieldGuestPDPTE2          uint32 = 0x280E
	FieldGuestPDPTE3          uint32 = 0x2810
	FieldGuestIA32PAT         uint32 = 0x2804
	FieldTSCOffset            uint32 = 0x2010
	FieldIDTVectoringInfo     uint32 = 0x4408
	FieldIDTVectoringErrCode  uint32 = 0x4410
	FieldExitQualification    uint32 = 0x6400
	FieldExitReason           uint32 = 0x4402
	FieldVMEntryControls      uint32 = 0x4012
	FieldGuestCSARBytes       uint32 = 0x4816
	FieldGuestTRARBytes       uint32 = 0x4822
	FieldGuestCR3             uint32 = 0x6802
	FieldGuestDR7             uint32 = 0x681A
	FieldMSRBitmapAddr        uint32 = 0x2004
	FieldVMEntryMSRLoadAddr   uint32 = 0x2022
	FieldVMExitMSRLoadAddr    uint32 = 0x2018
	FieldVMExitMSRStoreAddr   uint32 = 0x2016
	FieldGuestPhysicalAddress uint32 = 0x2400
)

// VMEntryIA32EMode is VM_ENTRY_CONTROLS bit 9 ("IA-32e mode guest").
const VMEntryIA32EMode uint32 = 1 << 9

// CS/TR access-rights-byte layout (the AR field holds the segment Type in
// bits 3:0 and the L bit in bit 13, matching the AR_BYTES encoding used by
// VMX; the Type values are those of the classic segment-descriptor field).
const (
	ARTypeMask = 0x0F
	ARLongMode = 1 << 13 // "L" bit: CS.L
)

// TRBusy16Bit is the TSS type value for a 16-bit busy task state segment.
const TRBusy16Bit = 0x3
