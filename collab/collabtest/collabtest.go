// Package collabtest provides in-memory fakes for every collab interface,
// following iodev.NoopDevice's no-op-collaborator idiom generalized from
// "ignore the call" into "record it and answer from a map", since tests
// need to observe what the core asked for, not just avoid panicking.
package collabtest

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gokvm/collab"
)

// errUnmapped is returned by GuestMemory.GPAToHVA for a GPA past the end of
// the fake's backing slice (§6 "fail with -EINVAL on unmapped GPA").
var errUnmapped = errors.New("collabtest: unmapped gpa")

// VMX is an in-memory VmxFields backed by a field map, initialized to
// zero-value reads unless Fields is pre-seeded.
type VMX struct {
	Fields map[uint32]uint64
}

// NewVMX returns a VMX with an initialized field map.
func NewVMX() *VMX {
	return &VMX{Fields: make(map[uint32]uint64)}
}

func (v *VMX) VMRead16(field uint32) (uint16, error) { return uint16(v.Fields[field]), nil }
func (v *VMX) VMRead32(field uint32) (uint32, error) { return uint32(v.Fields[field]), nil }
func (v *VMX) VMRead64(field uint32) (uint64, error) { return v.Fields[field], nil }

func (v *VMX) VMWrite16(field uint32, val uint16) error {
	v.Fields[field] = uint64(val)

	return nil
}

func (v *VMX) VMWrite32(field uint32, val uint32) error {
	v.Fields[field] = uint64(val)

	return nil
}

func (v *VMX) VMWrite64(field uint32, val uint64) error {
	v.Fields[field] = val

	return nil
}

// Lapic is a Lapic fake: one APIC ID/base/deadline per vCPU index, plus a
// tiny x2APIC register file.
type Lapic struct {
	APICID       map[int]uint32
	APICBase     map[int]uint64
	TSCDeadline  map[int]uint64
	X2APICRegs   map[int]map[uint32]uint64
}

// NewLapic returns a Lapic with all maps initialized.
func NewLapic() *Lapic {
	return &Lapic{
		APICID:      make(map[int]uint32),
		APICBase:    make(map[int]uint64),
		TSCDeadline: make(map[int]uint64),
		X2APICRegs:  make(map[int]map[uint32]uint64),
	}
}

func (l *Lapic) GetAPICID(vcpuID int) uint32        { return l.APICID[vcpuID] }
func (l *Lapic) GetAPICBase(vcpuID int) uint64       { return l.APICBase[vcpuID] }
func (l *Lapic) GetTSCDeadlineMSR(vcpuID int) uint64 { return l.TSCDeadline[vcpuID] }

func (l *Lapic) SetTSCDeadlineMSR(vcpuID int, v uint64) {
	l.TSCDeadline[vcpuID] = v
}

func (l *Lapic) X2APICRead(vcpuID int, msr uint32) (uint64, bool) {
	regs, ok := l.X2APICRegs[vcpuID]
	if !ok {
		return 0, false
	}

	v, ok := regs[msr]

	return v, ok
}

func (l *Lapic) X2APICWrite(vcpuID int, msr uint32, v uint64) bool {
	if l.X2APICRegs[vcpuID] == nil {
		l.X2APICRegs[vcpuID] = make(map[uint32]uint64)
	}

	l.X2APICRegs[vcpuID][msr] = v

	return true
}

// VirqCall records one call made against Virq, for assertions.
type VirqCall struct {
	Method     string
	VCPUID     int
	Vector     uint8
	HasErrCode bool
	ErrCode    uint32
	Bits       collab.RequestBit
	GPA        uint64
}

// Virq is a Virq fake recording every call it receives.
type Virq struct {
	Calls []VirqCall
}

func (v *Virq) QueueException(vcpuID int, vector uint8, hasErrCode bool, errCode uint32) {
	v.Calls = append(v.Calls, VirqCall{Method: "QueueException", VCPUID: vcpuID, Vector: vector, HasErrCode: hasErrCode, ErrCode: errCode})
}

func (v *Virq) InjectGP(vcpuID int) {
	v.Calls = append(v.Calls, VirqCall{Method: "InjectGP", VCPUID: vcpuID})
}

func (v *Virq) InjectUD(vcpuID int) {
	v.Calls = append(v.Calls, VirqCall{Method: "InjectUD", VCPUID: vcpuID})
}

func (v *Virq) InjectPF(vcpuID int, gpa uint64) {
	v.Calls = append(v.Calls, VirqCall{Method: "InjectPF", VCPUID: vcpuID, GPA: gpa})
}

func (v *Virq) MakeRequest(vcpuID int, bits collab.RequestBit) {
	v.Calls = append(v.Calls, VirqCall{Method: "MakeRequest", VCPUID: vcpuID, Bits: bits})
}

func (v *Virq) RetainRIP(vcpuID int) {
	v.Calls = append(v.Calls, VirqCall{Method: "RetainRIP", VCPUID: vcpuID})
}

// HasRequest reports whether MakeRequest(vcpuID, bits) was ever called.
func (v *Virq) HasRequest(vcpuID int, bits collab.RequestBit) bool {
	for _, c := range v.Calls {
		if c.Method == "MakeRequest" && c.VCPUID == vcpuID && c.Bits&bits != 0 {
			return true
		}
	}

	return false
}

// Ept is an Ept fake tracking memory regions as a GPA->HPA map plus a set
// of GPAs granted exec rights.
type Ept struct {
	Regions map[uint64]uint64
	ExecOK  map[uint64]bool
}

// NewEpt returns an Ept with initialized maps.
func NewEpt() *Ept {
	return &Ept{Regions: make(map[uint64]uint64), ExecOK: make(map[uint64]bool)}
}

func (e *Ept) ModifyMR(gpa uint64, execOK bool) error {
	e.ExecOK[gpa] = execOK

	return nil
}

func (e *Ept) AddMR(gpa, hpa uint64, size uint64) error {
	for off := uint64(0); off < size; off += 0x1000 {
		e.Regions[gpa+off] = hpa + off
	}

	return nil
}

func (e *Ept) DelMR(gpa uint64, size uint64) error {
	for off := uint64(0); off < size; off += 0x1000 {
		delete(e.Regions, gpa+off)
	}

	return nil
}

func (e *Ept) WalkLeaves(fn func(gpa uint64) error) error {
	for gpa := range e.Regions {
		if err := fn(gpa); err != nil {
			return err
		}
	}

	return nil
}

func (e *Ept) FlushLeafPage(gpa uint64) {}

// GuestMemory is a GuestMemory fake backed by a flat byte slice, indexing
// HVA as the slice's own address space (gpa == offset into Mem).
type GuestMemory struct {
	Mem []byte
}

// NewGuestMemory returns a GuestMemory backed by size bytes.
func NewGuestMemory(size int) *GuestMemory {
	return &GuestMemory{Mem: make([]byte, size)}
}

func (g *GuestMemory) GPAToHPA(gpa uint64) (uint64, error) { return gpa, nil }

func (g *GuestMemory) GPAToHVA(gpa uint64) (uintptr, error) {
	if int(gpa) >= len(g.Mem) {
		return 0, errUnmapped
	}

	return uintptr(unsafe.Pointer(&g.Mem[0])) + uintptr(gpa), nil //nolint:gosec
}

// SMAP is a no-op SMAP fake; its release is an empty smapRelease value.
type SMAP struct{}

func (SMAP) AcquireSTAC() collab.SMAPRelease { return smapRelease{} }

type smapRelease struct{}

func (smapRelease) Release() {}

// Platform is a PlatformOps fake backed by maps for MSRs and CPUID leaves.
type Platform struct {
	MSRs    map[uint32]uint64
	CPUIDs  map[[2]uint32][4]uint32
	TSC     uint64
	PCPUIDv int
}

// NewPlatform returns a Platform with initialized maps.
func NewPlatform() *Platform {
	return &Platform{MSRs: make(map[uint32]uint64), CPUIDs: make(map[[2]uint32][4]uint32)}
}

func (p *Platform) RDTSC() uint64 { return p.TSC }

func (p *Platform) CPUID(leaf uint32) (eax, ebx, ecx, edx uint32) {
	return p.CPUIDSubleaf(leaf, 0)
}

func (p *Platform) CPUIDSubleaf(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	r := p.CPUIDs[[2]uint32{leaf, subleaf}]

	return r[0], r[1], r[2], r[3]
}

func (p *Platform) ReadMSR(msr uint32) (uint64, error) { return p.MSRs[msr], nil }

func (p *Platform) WriteMSR(msr uint32, v uint64) error {
	p.MSRs[msr] = v

	return nil
}

func (p *Platform) WriteXCR(index uint32, v uint64) error { return nil }

func (p *Platform) PCPUID() int { return p.PCPUIDv }

// VMLifecycle is a VMLifecycle fake recording fatal actions instead of
// taking them.
type VMLifecycle struct {
	SafetyVMs map[uint64]bool
	Shutdowns []int
	Panics    []string
}

// NewVMLifecycle returns a VMLifecycle with initialized maps.
func NewVMLifecycle() *VMLifecycle {
	return &VMLifecycle{SafetyVMs: make(map[uint64]bool)}
}

func (l *VMLifecycle) IsSafetyVM(vmID uint64) bool { return l.SafetyVMs[vmID] }

func (l *VMLifecycle) FatalErrorShutdownVM(vcpuID int) {
	l.Shutdowns = append(l.Shutdowns, vcpuID)
}

func (l *VMLifecycle) Panic(msg string) {
	l.Panics = append(l.Panics, msg)
}

// Tracer is a Tracer fake recording every log line instead of printing it.
type Tracer struct {
	Lines []string
}

func (t *Tracer) Logf(format string, args ...any) {
	t.Lines = append(t.Lines, fmt.Sprintf(format, args...))
}
