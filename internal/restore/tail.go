package restore

import (
	"bytes"
	"encoding/binary"
)

// maxGDTEntries and maxGDTFrames bound the guest descriptor table (§4.I,
// §7 "GDT entry count out of bound"): 8192 entries of 8 bytes each spans at
// most 16 frames.
const (
	maxGDTEntries = 8192
	maxGDTFrames  = 16
)

// TailInput carries the pieces of the tail fix-up that don't arrive through
// the stream or the p2m/type tables: the raw, untranslated p2m frame-list
// words read during header parsing, and the event-channel numbers the
// caller (not the stream) assigns to the store and console rings.
type TailInput struct {
	P2MFrameList  []uint64
	StoreEvtchn   uint32
	ConsoleEvtchn uint32
}

// TailResult reports the store and console ring frames, translated to
// machine frame numbers, so the caller can wire up the corresponding
// backend connections.
type TailResult struct {
	StoreMFN      MFN
	ConsoleMFN    MFN
	SharedInfoMFN MFN
}

// ResolveTail implements the tail fix-up (§4.I): every embedded PFN still
// living in the virtual-CPU context or start-info page is validated against
// max_pfn (and, for the suspend record and page-table root, against its
// pfn_type) and then translated through the p2m, in place. It ends by
// copying the fully translated p2m into the guest's own p2m frames so the
// guest can see its new machine addresses.
//
// The safety sanitizer (§4.K) runs after this and owns submitting ctxt via
// set_vcpu_context; ResolveTail only prepares the context, it never submits
// it.
func ResolveTail(hv HypervisorOps, domid DomainID, p2m *P2M, types *PFNTypeTable, platform Platform, ctxt *VCPUContext, in TailInput) (*TailResult, error) {
	const op = "tail.ResolveTail"

	suspendPFN := PFN(ctxt.UserRegs.Rdx)
	if uint64(suspendPFN) >= uint64(p2m.Len()) {
		return nil, failf(op, ErrStreamInvalid, "suspend record pfn %d >= max_pfn", suspendPFN)
	}
	if types.Get(suspendPFN) != NewTypeCode(LevelNone, false) {
		return nil, failf(op, ErrStreamInvalid, "suspend record pfn %d is not NOTAB", suspendPFN)
	}
	ctxt.UserRegs.Rdx = uint64(p2m.Get(suspendPFN))

	domInfo, err := hv.GetDomainInfo(domid)
	if err != nil {
		return nil, failf(op, ErrStreamInvalid, "get domain info: %v", err)
	}

	storeMFN, consoleMFN, err := fixupStartInfo(hv, domid, p2m, domInfo, ctxt, in)
	if err != nil {
		return nil, err
	}

	if err := fixupGDTFrames(p2m, ctxt); err != nil {
		return nil, err
	}

	if err := fixupPageTableRoot(p2m, types, platform, ctxt); err != nil {
		return nil, err
	}

	translated, err := translateP2MFrameList(p2m, in.P2MFrameList)
	if err != nil {
		return nil, err
	}
	if err := copyP2MIntoGuest(hv, domid, p2m, translated); err != nil {
		return nil, err
	}

	return &TailResult{StoreMFN: storeMFN, ConsoleMFN: consoleMFN, SharedInfoMFN: domInfo.SharedInfoMFN}, nil
}

// fixupStartInfo resolves the start-info page itself (addressed, by PV
// kernel-entry convention, through %esi) and patches it in place: nr_pages,
// shared_info, flags are overwritten outright; store_mfn and console_mfn are
// validated-then-translated the same as any other embedded PFN.
func fixupStartInfo(hv HypervisorOps, domid DomainID, p2m *P2M, domInfo DomainInfo, ctxt *VCPUContext, in TailInput) (storeMFN, consoleMFN MFN, err error) {
	const op = "tail.fixupStartInfo"

	startPFN := PFN(ctxt.UserRegs.Rsi)
	if uint64(startPFN) >= uint64(p2m.Len()) {
		return 0, 0, failf(op, ErrStreamInvalid, "start-info pfn %d >= max_pfn", startPFN)
	}
	startMFN := p2m.Get(startPFN)

	mapping, err := hv.MapForeignRange(domid, startMFN, 1, true)
	if err != nil {
		return 0, 0, failf(op, ErrStreamInvalid, "map start-info pfn %d: %v", startPFN, err)
	}
	defer mapping.Close()

	si, err := decodeStartInfo(mapping.Bytes)
	if err != nil {
		return 0, 0, failf(op, ErrStreamInvalid, "decode start info: %v", err)
	}

	storePFN := PFN(si.StoreMFN)
	if uint64(storePFN) >= uint64(p2m.Len()) {
		return 0, 0, failf(op, ErrStreamInvalid, "store ring pfn %d >= max_pfn", storePFN)
	}
	consolePFN := PFN(si.ConsoleMFN)
	if uint64(consolePFN) >= uint64(p2m.Len()) {
		return 0, 0, failf(op, ErrStreamInvalid, "console ring pfn %d >= max_pfn", consolePFN)
	}

	storeMFN = p2m.Get(storePFN)
	consoleMFN = p2m.Get(consolePFN)

	si.NrPages = uint64(p2m.Len())
	si.SharedInfo = uint64(domInfo.SharedInfoMFN) << PageShift
	si.Flags = 0
	si.StoreMFN = uint64(storeMFN)
	si.StoreEvtchn = in.StoreEvtchn
	si.ConsoleMFN = uint64(consoleMFN)
	si.ConsoleEvtchn = in.ConsoleEvtchn

	if err := encodeStartInfo(mapping.Bytes, si); err != nil {
		return 0, 0, failf(op, ErrStreamInvalid, "encode start info: %v", err)
	}
	if err := mapping.Close(); err != nil {
		return 0, 0, failf(op, ErrStreamInvalid, "unmap start-info pfn %d: %v", startPFN, err)
	}
	return storeMFN, consoleMFN, nil
}

func decodeStartInfo(buf []byte) (*StartInfo, error) {
	si := &StartInfo{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, si); err != nil {
		return nil, err
	}
	return si, nil
}

func encodeStartInfo(buf []byte, si *StartInfo) error {
	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, si); err != nil {
		return err
	}
	copy(buf, out.Bytes())
	return nil
}

// fixupGDTFrames validates and translates the guest descriptor table's
// frame list. GDTEnts beyond maxGDTEntries is rejected outright (§7); the
// frame count is derived from the entry count, never read separately.
func fixupGDTFrames(p2m *P2M, ctxt *VCPUContext) error {
	const op = "tail.fixupGDTFrames"

	if ctxt.GDTEnts > maxGDTEntries {
		return failf(op, ErrStreamInvalid, "gdt entry count %d exceeds %d", ctxt.GDTEnts, maxGDTEntries)
	}
	frames := (int(ctxt.GDTEnts)*8 + PageSize - 1) / PageSize
	if frames > maxGDTFrames {
		frames = maxGDTFrames
	}
	for i := 0; i < frames; i++ {
		pfn := PFN(ctxt.GDTFrames[i])
		if uint64(pfn) >= uint64(p2m.Len()) {
			return failf(op, ErrStreamInvalid, "gdt frame %d pfn %d >= max_pfn", i, pfn)
		}
		ctxt.GDTFrames[i] = uint64(p2m.Get(pfn))
	}
	return nil
}

// fixupPageTableRoot resolves CR3: the PFN it names must classify as a
// page-table page at exactly the guest's paging depth, never a different
// level and never XTAB.
func fixupPageTableRoot(p2m *P2M, types *PFNTypeTable, platform Platform, ctxt *VCPUContext) error {
	const op = "tail.fixupPageTableRoot"

	rootPFN := ctxt.CR3PFN()
	if uint64(rootPFN) >= uint64(p2m.Len()) {
		return failf(op, ErrStreamInvalid, "page-table root pfn %d >= max_pfn", rootPFN)
	}
	tc := types.Get(rootPFN)
	if tc.IsXTAB() || int(tc.Level()) != platform.PagingLevels {
		return failf(op, ErrStreamInvalid, "page-table root pfn %d has type %s, want level %d", rootPFN, tc, platform.PagingLevels)
	}
	ctxt.SetCR3MFN(p2m.Get(rootPFN))
	return nil
}

// translateP2MFrameList validates and translates every PFN the stream's p2m
// frame list names, without mutating the list — the caller still needs the
// pre-translation values nowhere, but keeping this pure makes the
// translate-before-copy ordering explicit.
func translateP2MFrameList(p2m *P2M, raw []uint64) ([]MFN, error) {
	const op = "tail.translateP2MFrameList"

	out := make([]MFN, len(raw))
	for i, w := range raw {
		pfn := PFN(w)
		if uint64(pfn) >= uint64(p2m.Len()) {
			return nil, failf(op, ErrStreamInvalid, "p2m frame list entry %d pfn %d >= max_pfn", i, pfn)
		}
		out[i] = p2m.Get(pfn)
	}
	return out, nil
}

// copyP2MIntoGuest writes the fully translated p2m table into the guest's
// own p2m frames (§4.I, final step): map them as one foreign batch, memcpy
// the table across, unmap.
func copyP2MIntoGuest(hv HypervisorOps, domid DomainID, p2m *P2M, frameMFNs []MFN) error {
	const op = "tail.copyP2MIntoGuest"

	release, err := pinBuffer(mfnVectorBytes(frameMFNs))
	if err != nil {
		return failf(op, ErrOutOfMemory, "pin region-mfn vector: %v", err)
	}
	defer release()

	mapping, err := hv.MapForeignBatch(domid, frameMFNs, true)
	if err != nil {
		return failf(op, ErrStreamInvalid, "map p2m frame list: %v", err)
	}
	defer mapping.Close()

	const entriesPerFrame = PageSize / 8
	for i := 0; i < p2m.Len(); i++ {
		frame := i / entriesPerFrame
		off := frame*PageSize + (i%entriesPerFrame)*8
		binary.LittleEndian.PutUint64(mapping.Bytes[off:], uint64(p2m.Get(PFN(i))))
	}

	if err := mapping.Close(); err != nil {
		return failf(op, ErrStreamInvalid, "unmap p2m frame list: %v", err)
	}
	return nil
}
