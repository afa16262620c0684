package restore

// Trim implements the reservation trimmer (§4.J): for every absent PFN
// below max_pfn, it substitutes the PFN's p2m entry into the MFN list to
// release and marks the p2m entry invalid. PFNs at or beyond max_pfn are
// silently ignored (the stream is not rejected for naming them). If any
// MFNs were collected, it issues one decrease_reservation hypercall; the
// hypervisor must report every one of them released, or the restore fails.
func Trim(hv HypervisorOps, domid DomainID, p2m *P2M, absentPFNs []PFN) error {
	const op = "trim.Trim"

	mfns := make([]MFN, 0, len(absentPFNs))
	for _, pfn := range absentPFNs {
		if uint64(pfn) >= uint64(p2m.Len()) {
			continue
		}
		mfns = append(mfns, p2m.Get(pfn))
		p2m.Set(pfn, MFNInvalid)
	}

	if len(mfns) == 0 {
		return nil
	}

	done, err := hv.DecreaseReservation(domid, mfns)
	if err != nil {
		return failf(op, ErrStreamInvalid, "decrease reservation: %v", err)
	}
	if uint64(done) != uint64(len(mfns)) {
		return failf(op, ErrStreamInvalid, "hypervisor released %d of %d absent frames", done, len(mfns))
	}
	return nil
}
