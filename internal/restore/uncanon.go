package restore

import "encoding/binary"

// pte64ClearMask clears bits [12..39] of a 64-bit page-table entry while
// preserving the low 12 flag bits and the high 24 bits [40..63], which hold
// the NX/reserved bits (§4.F). Bits [40..51] of the frame field are kept and
// ORed with the new MFN; they are zero in any entry whose PFN is below 1<<28.
const pte64ClearMask = 0xffffff0000000fff

// pte64FrameBits is the width of the frame-number field in a 64-bit entry:
// bits [12..51], 40 bits.
const pte64FrameBits = 40

// pte32FrameBits is the width of the frame-number field in a 32-bit entry:
// bits [12..31], 20 bits.
const pte32FrameBits = 20

// Uncanonicalize rewrites every present entry in buf (one page, exactly
// PageSize bytes) from a PFN-tagged page-table entry to an MFN-tagged one,
// in place, preserving flag bits. width is 4 for two-level paging, 8
// otherwise (§3 "Page-table entry encoding", §4.F).
//
// It returns ErrPTRace, wrapped, the instant it finds a present entry
// whose PFN field is out of range — exactly the save-side race spec.md §7
// describes — after rewriting every entry before it in the page. Earlier
// rewrites are not undone: the page was already flagged unreliable by the
// save side, so there is nothing correct to roll back to.
func Uncanonicalize(buf []byte, width int, p2m *P2M) error {
	const op = "uncanon.Uncanonicalize"

	if width != 4 && width != 8 {
		return failf(op, ErrStreamInvalid, "unsupported entry width %d", width)
	}
	if len(buf) != PageSize {
		return failf(op, ErrStreamInvalid, "page buffer is not PageSize bytes")
	}

	entryCount := PageSize / width
	for i := 0; i < entryCount; i++ {
		off := i * width
		entry := readEntry(buf, off, width)
		if entry&1 == 0 {
			continue // not present: left untouched
		}

		pfn := extractEntryPFN(entry, width)
		if uint64(pfn) >= uint64(p2m.Len()) {
			return failf(op, ErrPTRace, "entry %d references pfn %d >= max_pfn %d", i, pfn, p2m.Len())
		}

		entry = rewriteEntryFrame(entry, width, p2m.Get(pfn))
		writeEntry(buf, off, width, entry)
	}
	return nil
}

func readEntry(buf []byte, off, width int) uint64 {
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[off:]))
	}
	return binary.LittleEndian.Uint64(buf[off:])
}

func writeEntry(buf []byte, off, width int, v uint64) {
	if width == 4 {
		binary.LittleEndian.PutUint32(buf[off:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(buf[off:], v)
}

func extractEntryPFN(entry uint64, width int) PFN {
	if width == 4 {
		return PFN((entry >> PageShift) & ((1 << pte32FrameBits) - 1))
	}
	return PFN((entry >> PageShift) & ((1 << pte64FrameBits) - 1))
}

func rewriteEntryFrame(entry uint64, width int, mfn MFN) uint64 {
	if width == 4 {
		cleared := entry & 0xfff // low 12 flag bits only; no high reserved bits on 32-bit entries
		return cleared | (uint64(mfn) << PageShift)
	}
	cleared := entry & pte64ClearMask
	return cleared | (uint64(mfn) << PageShift)
}
