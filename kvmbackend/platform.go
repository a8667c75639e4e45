package kvmbackend

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RDTSC reads the host time-stamp counter directly (rdtsc_amd64.s), since no
// KVM ioctl surfaces the raw host TSC to userspace.
func (d *Device) RDTSC() uint64 {
	return rdtsc()
}

// CPUID returns the host's supported-CPUID answer for leaf, subleaf 0,
// served from the cache primed at Open.
func (d *Device) CPUID(leaf uint32) (eax, ebx, ecx, edx uint32) {
	return d.CPUIDSubleaf(leaf, 0)
}

// CPUIDSubleaf returns the host's supported-CPUID answer for (leaf,
// subleaf), served from the cache primed at Open (KVM_GET_SUPPORTED_CPUID),
// the same ioctl probe/cpuid.go uses to print host CPUID leaves.
func (d *Device) CPUIDSubleaf(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32) {
	r := d.cpuidCache[[2]uint32{leaf, subleaf}]

	return r[0], r[1], r[2], r[3]
}

// msrDevPath is the standard Linux per-core MSR device node; reading and
// writing at offset=msr address is the documented interface the "msr"
// kernel module exposes (msr(4)).
func msrDevPath(cpu int) string {
	return fmt.Sprintf("/dev/cpu/%d/msr", cpu)
}

// ReadMSR reads msr on the calling thread's current core via the msr(4)
// device node.
func (d *Device) ReadMSR(msr uint32) (uint64, error) {
	f, err := os.Open(msrDevPath(d.PCPUID()))
	if err != nil {
		return 0, fmt.Errorf("kvmbackend: open msr device: %w", err)
	}
	defer f.Close()

	var buf [8]byte

	if _, err := f.ReadAt(buf[:], int64(msr)); err != nil {
		return 0, fmt.Errorf("kvmbackend: read msr %#x: %w", msr, err)
	}

	return le64(buf[:]), nil
}

// WriteMSR writes msr on the calling thread's current core via the msr(4)
// device node.
func (d *Device) WriteMSR(msr uint32, v uint64) error {
	f, err := os.OpenFile(msrDevPath(d.PCPUID()), os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("kvmbackend: open msr device: %w", err)
	}
	defer f.Close()

	var buf [8]byte
	putLE64(buf[:], v)

	if _, err := f.WriteAt(buf[:], int64(msr)); err != nil {
		return fmt.Errorf("kvmbackend: write msr %#x: %w", msr, err)
	}

	return nil
}

// WriteXCR is unsupported from userspace: XSETBV faults outside ring 0, and
// no KVM ioctl lets a userspace VMM set a guest-less host XCR0 on its
// behalf.
func (d *Device) WriteXCR(index uint32, v uint64) error {
	return fmt.Errorf("kvmbackend: xsetbv requires ring 0: %w", ErrFieldUnsupported)
}

// PCPUID returns the physical CPU the calling OS thread is currently
// scheduled on.
func (d *Device) PCPUID() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil {
		return 0
	}

	return cpu
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}
