package restore_test

import (
	"fmt"

	"github.com/tinyrange/cc/internal/restore"
)

// fakeHypervisor is an in-memory stand-in for the real hypercall surface,
// enough to drive restore.Run end to end in a test binary with no kernel
// module underneath it. Frames are just byte slices keyed by MFN; "foreign
// mapping" hands back a slice view directly since there's no address space
// boundary to cross in-process.
type fakeHypervisor struct {
	maxMFN        restore.MFN
	virtAddrFloor uint64
	pagingLevels  int

	nextMFN restore.MFN
	frames  map[restore.MFN][]byte

	// pfnList, when set, is returned verbatim by GetPFNList instead of the
	// frames IncreaseReservation happened to allocate — tests that assert
	// on literal MFN values (matching spec.md's scenarios) pin the mapping
	// down this way instead of discovering it after the fact.
	pfnList []restore.MFN

	sharedInfoMFN restore.MFN

	pinned    []restore.PinOp
	destroyed bool

	submittedCtxt [1]*restore.VCPUContext
}

func newFakeHypervisor(pagingLevels int) *fakeHypervisor {
	hv := &fakeHypervisor{
		maxMFN:        1 << 20,
		virtAddrFloor: 0xffff800000000000,
		pagingLevels:  pagingLevels,
		nextMFN:       1,
		frames:        make(map[restore.MFN][]byte),
	}
	hv.sharedInfoMFN = hv.allocFrame()
	return hv
}

func (hv *fakeHypervisor) allocFrame() restore.MFN {
	mfn := hv.nextMFN
	hv.nextMFN++
	hv.frames[mfn] = make([]byte, restore.PageSize)
	return mfn
}

func (hv *fakeHypervisor) MaxMFN() (restore.MFN, error) { return hv.maxMFN, nil }

func (hv *fakeHypervisor) HypervisorVirtAddrFloor() (uint64, error) { return hv.virtAddrFloor, nil }

func (hv *fakeHypervisor) PagingLevels(restore.DomainID) (int, error) { return hv.pagingLevels, nil }

func (hv *fakeHypervisor) SetMaxMemory(restore.DomainID, uint64) error { return nil }

func (hv *fakeHypervisor) IncreaseReservation(_ restore.DomainID, count uint64) (uint64, error) {
	for i := uint64(0); i < count; i++ {
		hv.allocFrame()
	}
	return count, nil
}

func (hv *fakeHypervisor) GetPFNList(_ restore.DomainID, maxPFN uint64) ([]restore.MFN, error) {
	if hv.pfnList != nil {
		return hv.pfnList, nil
	}
	// The domain's frames were allocated in order starting at mfn 2 (mfn 1
	// is reserved for the shared-info page allocated in newFakeHypervisor),
	// so pfn 0 maps to mfn 2, etc.
	out := make([]restore.MFN, maxPFN)
	for i := range out {
		out[i] = restore.MFN(i) + 2
	}
	return out, nil
}

// setPFNList pins the allocator's result to explicit MFNs and makes sure a
// backing frame exists for each one, for tests that assert on literal MFN
// values from spec.md's scenarios.
func (hv *fakeHypervisor) setPFNList(mfns []restore.MFN) {
	hv.pfnList = mfns
	for _, mfn := range mfns {
		if _, ok := hv.frames[mfn]; !ok {
			hv.frames[mfn] = make([]byte, restore.PageSize)
		}
	}
}

func (hv *fakeHypervisor) FinishMMUUpdates(_ restore.DomainID, updates []restore.MMUUpdate) (int, error) {
	return len(updates), nil
}

func (hv *fakeHypervisor) MapForeignBatch(_ restore.DomainID, mfns []restore.MFN, _ bool) (*restore.Mapping, error) {
	buf := make([]byte, restore.PageSize*len(mfns))
	for i, mfn := range mfns {
		if frame, ok := hv.frames[mfn]; ok {
			copy(buf[i*restore.PageSize:], frame)
		}
		// A slot with no backing frame (the loader's XTAB placeholder) maps
		// as zeroes and drops writes on release, the same as a failed slot
		// in a real map-foreign-batch.
	}
	return restore.NewMapping(buf, func() error {
		for i, mfn := range mfns {
			if frame, ok := hv.frames[mfn]; ok {
				copy(frame, buf[i*restore.PageSize:(i+1)*restore.PageSize])
			}
		}
		return nil
	}), nil
}

func (hv *fakeHypervisor) MapForeignRange(domid restore.DomainID, mfn restore.MFN, pages int, writable bool) (*restore.Mapping, error) {
	mfns := make([]restore.MFN, pages)
	for i := range mfns {
		mfns[i] = mfn + restore.MFN(i)
	}
	return hv.MapForeignBatch(domid, mfns, writable)
}

func (hv *fakeHypervisor) MakePageBelow4G(_ restore.DomainID, old restore.MFN) (restore.MFN, error) {
	mfn := hv.allocFrame()
	copy(hv.frames[mfn], hv.frames[old])
	return mfn, nil
}

func (hv *fakeHypervisor) PinTables(_ restore.DomainID, ops []restore.PinOp) (int, error) {
	hv.pinned = append(hv.pinned, ops...)
	return len(ops), nil
}

func (hv *fakeHypervisor) DecreaseReservation(_ restore.DomainID, mfns []restore.MFN) (uint64, error) {
	for _, mfn := range mfns {
		delete(hv.frames, mfn)
	}
	return uint64(len(mfns)), nil
}

func (hv *fakeHypervisor) GetDomainInfo(restore.DomainID) (restore.DomainInfo, error) {
	return restore.DomainInfo{SharedInfoMFN: hv.sharedInfoMFN}, nil
}

func (hv *fakeHypervisor) SetVCPUContext(_ restore.DomainID, vcpu int, ctxt *restore.VCPUContext) error {
	if vcpu != 0 {
		return fmt.Errorf("unexpected vcpu %d", vcpu)
	}
	hv.submittedCtxt[0] = ctxt
	return nil
}

func (hv *fakeHypervisor) DestroyDomain(restore.DomainID) error {
	hv.destroyed = true
	return nil
}

var _ restore.HypervisorOps = (*fakeHypervisor)(nil)
