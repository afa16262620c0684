package restore

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HypervisorOps is the sole collaborator boundary this engine depends on.
// It covers exactly the hypercall surface named in spec.md §6 (platform
// probe queries, domain sizing, MMU updates, foreign mapping, pin
// operations, reservation trimming, and context submission) plus domain
// teardown. It mirrors internal/hv's Hypervisor/VirtualMachine split in
// spirit: a narrow interface that keeps the restore logic testable without
// a real kernel-mode hypervisor underneath it. Production callers supply an
// implementation that issues the real hypercalls; tests supply an
// in-memory fake (see fakehv_test.go).
type HypervisorOps interface {
	// Platform probe (§4.A).
	MaxMFN() (MFN, error)
	HypervisorVirtAddrFloor() (uint64, error)
	PagingLevels(domid DomainID) (int, error)

	// Domain allocator (§4.C).
	SetMaxMemory(domid DomainID, maxPages uint64) error
	IncreaseReservation(domid DomainID, count uint64) (uint64, error)
	GetPFNList(domid DomainID, maxPFN uint64) ([]MFN, error)

	// MMU update batcher (§4.D): one call per flushed batch. Returns the
	// number of updates the hypervisor actually applied.
	FinishMMUUpdates(domid DomainID, updates []MMUUpdate) (int, error)

	// Page loader / PAE relocator (§4.E, §4.G). writable selects whether
	// the mapping may be written through; the L3 relocation read-pass maps
	// read-only, everything else maps read-write.
	MapForeignBatch(domid DomainID, mfns []MFN, writable bool) (*Mapping, error)
	MapForeignRange(domid DomainID, mfn MFN, pages int, writable bool) (*Mapping, error)
	MakePageBelow4G(domid DomainID, old MFN) (MFN, error)

	// Pinner (§4.H): one call per flushed batch of pin commands, mirroring
	// the batched mmuext-op hypercall. Returns the number the hypervisor
	// actually validated and pinned.
	PinTables(domid DomainID, ops []PinOp) (int, error)

	// Reservation trimmer (§4.J).
	DecreaseReservation(domid DomainID, mfns []MFN) (uint64, error)

	// Tail fix-up (§4.I): get-domain-info supplies the shared-info frame the
	// toolstack allocated when the domain was created, which never travels
	// through the P2M and so can't be read back out of it.
	GetDomainInfo(domid DomainID) (DomainInfo, error)
	SetVCPUContext(domid DomainID, vcpu int, ctxt *VCPUContext) error

	// Cleanup on fatal failure.
	DestroyDomain(domid DomainID) error
}

// DomainInfo is the subset of get-domain-info this engine reads.
type DomainInfo struct {
	SharedInfoMFN MFN
}

// MMUUpdate is one machphys (MFN→PFN) install submitted through the MMU
// update hypercall (§3, "machphys update").
type MMUUpdate struct {
	MFN MFN
	PFN PFN
}

// PinOp is one pin command submitted through the pinner's batched
// mmuext-op hypercall (§4.H).
type PinOp struct {
	Cmd PinCommand
	MFN MFN
}

// PinCommand selects the mmuext-op pin command for a page-table level.
type PinCommand int

const (
	PinL1Table PinCommand = iota + 1
	PinL2Table
	PinL3Table
	PinL4Table
)

// PinCommandForLevel maps a page-table level to its pin command. Levels
// outside L1..L4 have no pin command and are a caller bug, not a stream
// error — the pin bit is only ever set on pages pfn_type already classified
// as a page-table level.
func PinCommandForLevel(l PageLevel) (PinCommand, error) {
	switch l {
	case LevelL1:
		return PinL1Table, nil
	case LevelL2:
		return PinL2Table, nil
	case LevelL3:
		return PinL3Table, nil
	case LevelL4:
		return PinL4Table, nil
	default:
		return 0, fmt.Errorf("restore: no pin command for level %s", l)
	}
}

// Mapping is a scoped, borrowed foreign-mapped region (§5: "acquire, use,
// release — never retain across a different mapping call"). Close releases
// the mapping exactly once; callers use it with defer so release happens on
// every exit path, including early returns on error.
type Mapping struct {
	Bytes   []byte
	release func() error
	closed  bool
}

// NewMapping wraps bytes with a release function, used by HypervisorOps
// implementations to hand back a guard value instead of a bare slice.
func NewMapping(bytes []byte, release func() error) *Mapping {
	return &Mapping{Bytes: bytes, release: release}
}

// Close unmaps the region. Safe to call more than once.
func (m *Mapping) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true
	if m.release == nil {
		return nil
	}
	return m.release()
}

// pinBuffer locks the memory backing buf into RAM for the duration of a
// hypercall that hands the kernel buf's address directly — the saved vcpu
// context and a region-MFN vector are engine-owned buffers that cross the
// hypercall boundary this way (§5: "pages whose addresses will cross
// hypercall boundaries... must be pinned in the caller's address space for
// the duration of the hypercall that uses them, then released"). Callers
// defer the returned release func immediately, the same acquire-use-release
// discipline Mapping gives foreign-mapped regions, so the buffer is always
// unlocked on every exit path. A zero-length buf is a no-op: there's
// nothing to lock, and mlock(2) on an empty range only wastes a syscall.
func pinBuffer(buf []byte) (release func(), err error) {
	if len(buf) == 0 {
		return func() {}, nil
	}
	if err := unix.Mlock(buf); err != nil {
		return nil, fmt.Errorf("restore: mlock hypercall buffer: %w", err)
	}
	return func() {
		if err := unix.Munlock(buf); err != nil {
			slog.Warn("restore: munlock hypercall buffer failed", "err", err)
		}
	}, nil
}

// mfnVectorBytes returns a byte-level view over mfns's backing array, for
// handing to pinBuffer, which operates on raw address ranges rather than
// typed slices — the same reinterpretation the teacher's KVM backend uses
// to view a byte buffer as page-table words (internal/hv/kvm/kvm_amd64.go),
// applied in the opposite direction.
func mfnVectorBytes(mfns []MFN) []byte {
	if len(mfns) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&mfns[0])), len(mfns)*int(unsafe.Sizeof(mfns[0])))
}

// contextBytes returns a byte-level view over the saved vcpu context, for
// the same reason mfnVectorBytes does: set_vcpu_context hands the kernel
// ctxt's address directly, so it must be pinned for the call's duration.
func contextBytes(ctxt *VCPUContext) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ctxt)), int(unsafe.Sizeof(*ctxt)))
}
