// Package guestmem implements C6: page-wise GPA<->hypervisor-VA copy
// helpers, bracketing every page's copy with an SMAP scope (spec.md §6
// "Guest memory", §9 "SMAP discipline").
//
// Grounded on machine.Machine's ReadAt/WriteAt (the "index into one flat
// guest-memory byte slice" shape), generalized from "one process-local
// []byte backing the whole guest" to "one HVA per page, resolved through
// the GuestMemory collaborator, copied through unsafe.Slice".
package guestmem

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gokvm/collab"
)

const pageSize = 4096

// Accessor is the copy surface the rest of the core (cr, vmexit) calls;
// Memory is its only implementation, but tests may supply their own.
type Accessor interface {
	CopyFromGPA(dst []byte, gpa uint64) error
	CopyToGPA(gpa uint64, src []byte) error
	GPAToHPA(gpa uint64) (uint64, error)
	GPAToHVA(gpa uint64) (uintptr, error)
}

// Memory turns a raw GuestMemory translation collaborator and an SMAP
// toggle into page-wise, SMAP-bracketed guest-memory copies.
type Memory struct {
	raw  collab.GuestMemory
	smap collab.SMAP
}

// New constructs a Memory over raw and smap.
func New(raw collab.GuestMemory, smap collab.SMAP) *Memory {
	return &Memory{raw: raw, smap: smap}
}

// ErrUnmappedGPA is returned when GPA translation fails mid-copy (§6 "fail
// with -EINVAL on unmapped GPA").
var ErrUnmappedGPA = errors.New("guestmem: unmapped gpa")

// CopyFromGPA copies len(dst) bytes starting at gpa into dst.
func (m *Memory) CopyFromGPA(dst []byte, gpa uint64) error {
	return m.copyPagewise(gpa, len(dst), func(hva uintptr, off, n int) {
		src := unsafe.Slice((*byte)(unsafe.Pointer(hva)), n) //nolint:gosec
		copy(dst[off:off+n], src)
	})
}

// CopyToGPA copies all of src into guest memory starting at gpa.
func (m *Memory) CopyToGPA(gpa uint64, src []byte) error {
	return m.copyPagewise(gpa, len(src), func(hva uintptr, off, n int) {
		d := unsafe.Slice((*byte)(unsafe.Pointer(hva)), n) //nolint:gosec
		copy(d, src[off:off+n])
	})
}

// copyPagewise walks [gpa, gpa+n) in page-bounded chunks, translating each
// chunk's GPA to an HVA and bracketing the raw memory touch with an SMAP
// scope, per §9's "release on all exit paths is guaranteed".
func (m *Memory) copyPagewise(gpa uint64, n int, do func(hva uintptr, off, n int)) error {
	done := 0

	for done < n {
		cur := gpa + uint64(done)
		pageOff := int(cur % pageSize)
		chunk := pageSize - pageOff

		if remain := n - done; chunk > remain {
			chunk = remain
		}

		hva, err := m.raw.GPAToHVA(cur)
		if err != nil {
			return fmt.Errorf("%w: gpa %#x: %w", ErrUnmappedGPA, cur, err)
		}

		release := m.smap.AcquireSTAC()
		do(hva, done, chunk)
		release.Release()

		done += chunk
	}

	return nil
}

// GPAToHPA passes through to the underlying translation collaborator.
func (m *Memory) GPAToHPA(gpa uint64) (uint64, error) {
	return m.raw.GPAToHPA(gpa)
}

// GPAToHVA passes through to the underlying translation collaborator.
func (m *Memory) GPAToHVA(gpa uint64) (uintptr, error) {
	return m.raw.GPAToHVA(gpa)
}
