package restore

// Flat ring-1 kernel selectors a PV guest's GDT always carries at a fixed
// index, substituted for any trap-table or callback selector the sanitizer
// finds pointing at ring 0 (§4.K) — a guest trap firing with a ring-0
// selector would execute with hypervisor privilege.
const (
	flatKernelCS uint16 = 0xe019
	flatKernelDS uint16 = 0xe021
)

// maxLDTEntries bounds the local descriptor table the same way maxGDTEntries
// bounds the GDT (§4.K).
const maxLDTEntries = 8192

// ring extracts the privilege-level bits of a segment selector.
func ring(sel uint16) uint16 {
	return sel & selRingMask
}

// Sanitize implements the safety sanitizer (§4.K): it forces every trap
// vector to match its table index, replaces any ring-0 code or stack
// selector with the guest's flat kernel equivalent, rejects an
// out-of-bounds or hypervisor-overlapping LDT outright, and submits the
// finished context for VCPU 0. A rejected LDT is the one fatal condition
// this component can raise on its own; every selector fix-up it makes is
// silent, because a ring-0 selector here is attacker- or bug-supplied data,
// not a condition worth surfacing as an error.
func Sanitize(hv HypervisorOps, domid DomainID, platform Platform, ctxt *VCPUContext) error {
	const op = "sanitize.Sanitize"

	for i := range ctxt.TrapCtxt {
		ctxt.TrapCtxt[i].Vector = uint8(i)
		if ring(ctxt.TrapCtxt[i].CS) == 0 {
			ctxt.TrapCtxt[i].CS = flatKernelCS
		}
	}

	if ring(ctxt.KernelSS) == 0 {
		ctxt.KernelSS = flatKernelDS
	}

	// Two- and three-level paging both mean a 32-bit guest; only a
	// four-level guest lacks these callback selectors.
	if platform.PagingLevels != 4 {
		if ring(ctxt.EventCallbackCS) == 0 {
			ctxt.EventCallbackCS = flatKernelCS
		}
		if ring(ctxt.FailsafeCallbackCS) == 0 {
			ctxt.FailsafeCallbackCS = flatKernelCS
		}
	}

	if err := validateLDT(platform, ctxt); err != nil {
		return err
	}

	release, err := pinBuffer(contextBytes(ctxt))
	if err != nil {
		return failf(op, ErrOutOfMemory, "pin vcpu context: %v", err)
	}
	defer release()

	if err := hv.SetVCPUContext(domid, 0, ctxt); err != nil {
		return failf(op, ErrStreamInvalid, "set vcpu 0 context: %v", err)
	}
	return nil
}

// validateLDT rejects an LDT that isn't page-aligned, carries more than
// maxLDTEntries entries, or whose base or end address reaches into the
// hypervisor's reserved virtual-address range (§4.K, §7 "LDT invalid").
func validateLDT(platform Platform, ctxt *VCPUContext) error {
	const op = "sanitize.validateLDT"

	if ctxt.LDTEnts == 0 {
		return nil
	}
	if ctxt.LDTBase%PageSize != 0 {
		return fail(op, ErrLDTInvalid, "ldt base not page-aligned")
	}
	if ctxt.LDTEnts > maxLDTEntries {
		return failf(op, ErrLDTInvalid, "ldt entry count %d exceeds %d", ctxt.LDTEnts, maxLDTEntries)
	}
	end := ctxt.LDTBase + uint64(ctxt.LDTEnts)*8
	if ctxt.LDTBase >= platform.VirtAddrFloor {
		return failf(op, ErrLDTInvalid, "ldt base 0x%x at or above hypervisor floor 0x%x", ctxt.LDTBase, platform.VirtAddrFloor)
	}
	if end >= platform.VirtAddrFloor {
		return failf(op, ErrLDTInvalid, "ldt end 0x%x at or above hypervisor floor 0x%x", end, platform.VirtAddrFloor)
	}
	return nil
}
