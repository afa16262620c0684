package restore

// maxMMUBatch bounds how many machphys updates accumulate before an
// implicit flush — large enough to amortize the hypercall, small enough to
// keep the pending batch's backing array modest.
const maxMMUBatch = 1024

// MMUBatcher coalesces machphys (MFN→PFN) updates into hypercall-sized
// groups (§4.D). Callers must Flush before any operation that depends on
// the updates being visible — specifically before the PAE relocator (§4.G)
// and before pinning (§4.H), per the ordering guarantees of §5.
type MMUBatcher struct {
	hv     HypervisorOps
	domid  DomainID
	queue  []MMUUpdate
	Issued int // total updates successfully flushed, for diagnostics
}

// NewMMUBatcher constructs a batcher bound to domid.
func NewMMUBatcher(hv HypervisorOps, domid DomainID) *MMUBatcher {
	return &MMUBatcher{hv: hv, domid: domid, queue: make([]MMUUpdate, 0, maxMMUBatch)}
}

// Enqueue adds one (mfn, pfn) machphys update, flushing automatically once
// the batch reaches maxMMUBatch entries.
func (b *MMUBatcher) Enqueue(mfn MFN, pfn PFN) error {
	b.queue = append(b.queue, MMUUpdate{MFN: mfn, PFN: pfn})
	if len(b.queue) >= maxMMUBatch {
		return b.Flush()
	}
	return nil
}

// Flush submits any pending updates and clears the queue. It is safe to
// call with an empty queue.
func (b *MMUBatcher) Flush() error {
	const op = "mmu.Flush"

	if len(b.queue) == 0 {
		return nil
	}

	done, err := b.hv.FinishMMUUpdates(b.domid, b.queue)
	if err != nil {
		return failf(op, ErrStreamInvalid, "finish mmu updates: %v", err)
	}
	if done != len(b.queue) {
		return failf(op, ErrStreamInvalid, "hypervisor applied %d of %d queued mmu updates", done, len(b.queue))
	}

	b.Issued += done
	b.queue = b.queue[:0]
	return nil
}
