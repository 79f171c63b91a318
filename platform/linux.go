// Package platform provides the Linux reference implementation of
// xhci.Platform and a helper for mapping an xHCI controller's MMIO BAR
// via a UIO (userspace I/O) device node, grounded in the same
// golang.org/x/sys/unix syscall-wrapper style the teacher pack's
// hosted (KVM/QEMU) packages use for low-level device access.
package platform

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Linux implements xhci.Platform using the stdlib/x-sys-backed
// primitives available to a hosted (non-bare-metal) Go process.
type Linux struct{}

// Sleep cooperatively yields for d; a hosted process has a real
// preemptive scheduler, so this is simply time.Sleep, unlike the
// teacher's bare-metal busy-wait variant.
func (Linux) Sleep(d time.Duration) { time.Sleep(d) }

// PageSize returns the host's MMU page size via getpagesize(2).
func (Linux) PageSize() int { return unix.Getpagesize() }

// MMIORegion is a memory-mapped xHCI MMIO BAR obtained via a UIO device
// node (/dev/uioN) or a PCI sysfs resource file, opened and mmap'd with
// PROT_READ|PROT_WRITE, MAP_SHARED so register writes reach the device
// immediately.
type MMIORegion struct {
	file *os.File
	data []byte
}

// MapUIO opens and maps uioPath (e.g. "/dev/uio0"), sized length bytes,
// returning a region whose Base() is suitable as the mmioBase argument
// to xhci.NewController. The caller is responsible for ensuring length
// matches the UIO mapping's advertised size (read from
// /sys/class/uio/uioN/maps/map0/size).
func MapUIO(uioPath string, length int) (*MMIORegion, error) {
	f, err := os.OpenFile(uioPath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: open %s: %w", uioPath, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: mmap %s: %w", uioPath, err)
	}

	return &MMIORegion{file: f, data: data}, nil
}

// Base returns the virtual address of the mapped region's first byte,
// the value xhci.NewController expects as its mmioBase argument.
func (m *MMIORegion) Base() uint64 {
	return uint64(uintptrOf(m.data))
}

// Close unmaps the region and closes the underlying UIO file descriptor.
func (m *MMIORegion) Close() error {
	if err := unix.Munmap(m.data); err != nil {
		return err
	}
	return m.file.Close()
}
