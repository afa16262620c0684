package restore

import "log/slog"

// Platform is the platform probe's output (§4.A): the host's MFN ceiling,
// the hypervisor virtual-address floor (used by the safety sanitizer to
// bound the LDT), and the guest's page-table depth. The rest of restore is
// undefined without these constants, so probing happens once, up front,
// and any failure is fatal.
type Platform struct {
	MaxMFN        MFN
	VirtAddrFloor uint64
	PagingLevels  int
}

// ProbePlatform queries hv for the constants every other component
// depends on. A query failure is ErrPlatformUnavailable: there is no
// reasonable way to proceed without them.
func ProbePlatform(hv HypervisorOps, domid DomainID) (Platform, error) {
	const op = "probe.ProbePlatform"

	maxMFN, err := hv.MaxMFN()
	if err != nil {
		return Platform{}, failf(op, ErrPlatformUnavailable, "query max mfn: %v", err)
	}

	floor, err := hv.HypervisorVirtAddrFloor()
	if err != nil {
		return Platform{}, failf(op, ErrPlatformUnavailable, "query hypervisor virtual address floor: %v", err)
	}

	levels, err := hv.PagingLevels(domid)
	if err != nil {
		return Platform{}, failf(op, ErrPlatformUnavailable, "query paging levels: %v", err)
	}
	if levels != 2 && levels != 3 && levels != 4 {
		return Platform{}, failf(op, ErrPlatformUnavailable, "unsupported paging level %d", levels)
	}

	slog.Debug("restore: platform probe", "max_mfn", maxMFN, "virt_addr_floor", floor, "paging_levels", levels)

	return Platform{MaxMFN: maxMFN, VirtAddrFloor: floor, PagingLevels: levels}, nil
}

// EntryWidth returns the page-table entry width in bytes for this
// platform's paging level: 4 bytes for two-level paging, 8 bytes for
// three- and four-level paging (§3 "Page-table entry encoding").
func (p Platform) EntryWidth() int {
	if p.PagingLevels == 2 {
		return 4
	}
	return 8
}

// NeedsPAERelocation reports whether the PAE relocator (§4.G) must run:
// three-level paging without the extended-cr3 virtualization-assist flag.
func (p Platform) NeedsPAERelocation(vmAssist uint32) bool {
	return p.PagingLevels == 3 && !HasExtendedCR3(vmAssist)
}
