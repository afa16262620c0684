package restore

import "log/slog"

// MaxPinBatch bounds how many pin commands one mmuext-op hypercall may
// carry (§4.H "MAX_PIN_BATCH").
const MaxPinBatch = 128

// pinLevelOrder is the strict bottom-up order spec.md §1(d)/§4.H require:
// every L1 pin is submitted (and accepted by the hypervisor) before any L2
// pin is attempted, every L2 before any L3, every L3 before any L4. The
// hypervisor's type system validates a parent level's entries against its
// children's already-pinned type, so a parent pinned before its children
// would be rejected even though every individual PFN is correct.
var pinLevelOrder = [...]PageLevel{LevelL1, LevelL2, LevelL3, LevelL4}

// Pin scans pfn_type level by level (L1, then L2, then L3, then L4) and
// submits one pin command per pinned PFN at that level, batched in groups
// of MaxPinBatch, flushing any partial batch before moving to the next
// level (§4.H). Pinning must run after every write to page-table contents
// — callers enforce that by sequence (flushing the MMU batcher and
// completing any PAE relocation first), not by a lock, per §5.
//
// The hypervisor validates page-table types on pin; any failure here is
// fatal, because it means a page-table page was reconstructed incorrectly.
func Pin(hv HypervisorOps, domid DomainID, p2m *P2M, types *PFNTypeTable) error {
	const op = "pin.Pin"

	var batch []PinOp
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		done, err := hv.PinTables(domid, batch)
		if err != nil {
			return failf(op, ErrStreamInvalid, "pin batch of %d: %v", len(batch), err)
		}
		if done != len(batch) {
			return failf(op, ErrStreamInvalid, "hypervisor pinned %d of %d queued tables", done, len(batch))
		}
		slog.Debug("restore: pin batch submitted", "count", len(batch))
		batch = batch[:0]
		return nil
	}

	for _, level := range pinLevelOrder {
		cmd, err := PinCommandForLevel(level)
		if err != nil {
			return failf(op, ErrStreamInvalid, "level %s: %v", level, err)
		}

		for i := 0; i < types.Len(); i++ {
			pfn := PFN(i)
			tc := types.Get(pfn)
			if tc.IsXTAB() || !tc.Pinned() || tc.Level() != level {
				continue
			}

			batch = append(batch, PinOp{Cmd: cmd, MFN: p2m.Get(pfn)})
			if len(batch) >= MaxPinBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		// Every level's pins must land before the next level's are even
		// queued, not just before the next level's hypercall — a partial
		// batch held open across levels would submit it interleaved with
		// the next level's commands.
		if err := flush(); err != nil {
			return err
		}
	}
	return nil
}
