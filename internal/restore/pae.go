package restore

import (
	"encoding/binary"
	"errors"
	"log/slog"
)

// pae4GThreshold is the largest MFN that may legally sit below 4 GiB:
// three-level (PAE) top-level page directories must reside at MFNs ≤ this
// value (§4.G).
const pae4GThreshold MFN = 0xfffff

// RunPAERelocation runs the two-pass PAE fix-up (§4.G). It must be called
// only when Platform.NeedsPAERelocation is true; the caller (Restore.Run)
// checks that once, up front.
//
// Pass one relocates every L3 table sitting above 4 GiB to a fresh MFN
// below the threshold, preserving its four 64-bit entries byte-for-byte.
// Pass two uncanonicalizes every L1 table, deferred here from the main
// loader loop precisely so it runs after pass one's p2m updates are
// final (Invariant 2). The caller flushes the loader's pending machphys
// updates before calling this; pass one enqueues its own updates through
// the same batcher and RunPAERelocation flushes those once, at the end,
// per the ordering guarantee in §5.
func (l *Loader) RunPAERelocation() error {
	if err := l.relocateL3Tables(); err != nil {
		return err
	}
	if err := l.uncanonicalizeL1Tables(); err != nil {
		return err
	}
	return l.mmu.Flush()
}

func (l *Loader) relocateL3Tables() error {
	const op = "pae.relocateL3Tables"

	for i := 0; i < l.types.Len(); i++ {
		pfn := PFN(i)
		tc := l.types.Get(pfn)
		if tc.IsXTAB() || tc.Level() != LevelL3 {
			continue
		}
		mfn := l.p2m.Get(pfn)
		if mfn <= pae4GThreshold {
			continue
		}

		var entries [4]uint64
		ro, err := l.hv.MapForeignRange(l.domid, mfn, 1, false)
		if err != nil {
			return failf(op, ErrStreamInvalid, "map l3 pfn %d read-only: %v", pfn, err)
		}
		for k := range entries {
			entries[k] = binary.LittleEndian.Uint64(ro.Bytes[k*8:])
		}
		if err := ro.Close(); err != nil {
			return failf(op, ErrStreamInvalid, "unmap l3 pfn %d: %v", pfn, err)
		}

		newMFN, err := l.hv.MakePageBelow4G(l.domid, mfn)
		if err != nil {
			return failf(op, ErrOutOfMemory, "allocate replacement frame below 4G for pfn %d: %v", pfn, err)
		}

		l.p2m.Set(pfn, newMFN)
		if err := l.mmu.Enqueue(newMFN, pfn); err != nil {
			return err
		}

		rw, err := l.hv.MapForeignRange(l.domid, newMFN, 1, true)
		if err != nil {
			return failf(op, ErrStreamInvalid, "map relocated l3 pfn %d read-write: %v", pfn, err)
		}
		for k := range entries {
			binary.LittleEndian.PutUint64(rw.Bytes[k*8:], entries[k])
		}
		if err := rw.Close(); err != nil {
			return failf(op, ErrStreamInvalid, "unmap relocated l3 pfn %d: %v", pfn, err)
		}

		slog.Debug("restore: relocated l3 table below 4G", "pfn", pfn, "old_mfn", mfn, "new_mfn", newMFN)
	}
	return nil
}

func (l *Loader) uncanonicalizeL1Tables() error {
	const op = "pae.uncanonicalizeL1Tables"

	var pfns []PFN
	var mfns []MFN
	for i := 0; i < l.types.Len(); i++ {
		pfn := PFN(i)
		tc := l.types.Get(pfn)
		if tc.IsXTAB() || tc.Level() != LevelL1 {
			continue
		}
		pfns = append(pfns, pfn)
		mfns = append(mfns, l.p2m.Get(pfn))
	}

	width := l.platform.EntryWidth()
	for start := 0; start < len(mfns); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(mfns) {
			end = len(mfns)
		}
		if err := l.uncanonicalizeL1Batch(width, mfns[start:end], pfns[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// uncanonicalizeL1Batch runs one MaxBatchSize-bounded slice of the deferred
// L1 pass, scoped so the region-mfn vector's mlock (pinBuffer) and the
// foreign mapping (Mapping.Close) are both released on every exit path,
// not just the success path.
func (l *Loader) uncanonicalizeL1Batch(width int, mfns []MFN, pfns []PFN) error {
	const op = "pae.uncanonicalizeL1Batch"

	release, err := pinBuffer(mfnVectorBytes(mfns))
	if err != nil {
		return failf(op, ErrOutOfMemory, "pin region-mfn vector: %v", err)
	}
	defer release()

	mapping, err := l.hv.MapForeignBatch(l.domid, mfns, true)
	if err != nil {
		return failf(op, ErrStreamInvalid, "map l1 batch: %v", err)
	}
	defer mapping.Close()

	for i := range mfns {
		frame := mapping.Bytes[i*PageSize : (i+1)*PageSize]
		if err := Uncanonicalize(frame, width, l.p2m); err != nil {
			if errors.Is(err, ErrPTRace) {
				l.PTRaces++
				slog.Debug("restore: page-table race in deferred l1, skipping page", "pfn", pfns[i])
				continue
			}
			return err
		}
	}
	return nil
}
