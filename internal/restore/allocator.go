package restore

import "log/slog"

// AllocateDomain sizes the domain and acquires max_pfn physical frames for
// it (§4.C): set the domain's maximum-memory hint, increase its reservation
// by max_pfn frames, then fetch the hypervisor's resulting PFN→MFN list
// directly into a fresh P2M. Either hypercall short-returning is
// ErrOutOfMemory.
func AllocateDomain(hv HypervisorOps, domid DomainID, maxPFN uint64) (*P2M, error) {
	const op = "allocator.AllocateDomain"

	if err := hv.SetMaxMemory(domid, maxPFN); err != nil {
		return nil, failf(op, ErrOutOfMemory, "set max memory to %d pages: %v", maxPFN, err)
	}

	got, err := hv.IncreaseReservation(domid, maxPFN)
	if err != nil {
		return nil, failf(op, ErrOutOfMemory, "increase reservation: %v", err)
	}
	if got != maxPFN {
		return nil, failf(op, ErrOutOfMemory, "increase reservation returned %d of %d requested frames", got, maxPFN)
	}

	mfns, err := hv.GetPFNList(domid, maxPFN)
	if err != nil {
		return nil, failf(op, ErrOutOfMemory, "get pfn list: %v", err)
	}
	if uint64(len(mfns)) != maxPFN {
		return nil, failf(op, ErrOutOfMemory, "pfn list returned %d of %d entries", len(mfns), maxPFN)
	}

	p2m := NewP2M(maxPFN)
	for pfn, mfn := range mfns {
		p2m.Set(PFN(pfn), mfn)
	}

	slog.Debug("restore: domain allocated", "domid", domid, "max_pfn", maxPFN)

	return p2m, nil
}
