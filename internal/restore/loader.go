package restore

import (
	"bytes"
	"errors"
	"log/slog"
)

// MaxBatchSize bounds how many pages one batch may carry (§6 "Size
// bounds"). The producer must not exceed it.
const MaxBatchSize = 1024

// Loader runs the main page-stream loop (§4.E): for each batch it maps the
// guest frames, reads page bodies, classifies per page type, and
// uncanonicalizes page-table pages that aren't deferred to the PAE
// relocator.
type Loader struct {
	stream   *Stream
	hv       HypervisorOps
	domid    DomainID
	p2m      *P2M
	types    *PFNTypeTable
	mmu      *MMUBatcher
	platform Platform
	vmAssist uint32

	verify bool

	// PTRaces counts uncanonicalization failures (§7 "pt-race"): not
	// fatal, just counted and reported in the final summary.
	PTRaces int
}

// NewLoader constructs the page loader bound to the given collaborators.
func NewLoader(stream *Stream, hv HypervisorOps, domid DomainID, p2m *P2M, types *PFNTypeTable, mmu *MMUBatcher, platform Platform, vmAssist uint32) *Loader {
	return &Loader{
		stream:   stream,
		hv:       hv,
		domid:    domid,
		p2m:      p2m,
		types:    types,
		mmu:      mmu,
		platform: platform,
		vmAssist: vmAssist,
	}
}

// Run consumes batches until it reads j == 0 (§4.E, §8 "j == 0 ends the
// loop even if more bytes remain on the transport").
func (l *Loader) Run() error {
	const op = "loader.Run"

	for {
		j, err := l.stream.ReadBatchCount()
		if err != nil {
			return err
		}
		switch {
		case j == 0:
			return nil
		case j == -1:
			l.verify = !l.verify
			slog.Debug("restore: verify mode toggled", "verify", l.verify)
		case j < 0:
			return failf(op, ErrStreamInvalid, "unrecognized negative batch count %d", j)
		case int(j) > MaxBatchSize:
			return failf(op, ErrStreamInvalid, "batch count %d exceeds MaxBatchSize %d", j, MaxBatchSize)
		default:
			if err := l.runBatch(int(j)); err != nil {
				return err
			}
		}
	}
}

func (l *Loader) runBatch(n int) error {
	const op = "loader.runBatch"

	tags, err := l.stream.ReadTaggedPFNs(n)
	if err != nil {
		return err
	}

	mfns := make([]MFN, n)
	for i, tag := range tags {
		if tag.Type().IsXTAB() {
			mfns[i] = 0 // placeholder; the mapped slot is never read through
			continue
		}
		pfn := tag.PFN()
		if uint64(pfn) >= uint64(l.p2m.Len()) {
			return failf(op, ErrStreamInvalid, "tagged pfn %d >= max_pfn %d", pfn, l.p2m.Len())
		}
		if lvl := tag.Type().Level(); lvl > LevelL4 {
			return failf(op, ErrStreamInvalid, "pfn %d tagged with unknown page type %d", pfn, lvl)
		}
		mfns[i] = l.p2m.Get(pfn)
	}

	release, err := pinBuffer(mfnVectorBytes(mfns))
	if err != nil {
		return failf(op, ErrOutOfMemory, "pin region-mfn vector: %v", err)
	}
	defer release()

	mapping, err := l.hv.MapForeignBatch(l.domid, mfns, true)
	if err != nil {
		return failf(op, ErrStreamInvalid, "map foreign batch: %v", err)
	}
	defer mapping.Close()

	for i, tag := range tags {
		if tag.Type().IsXTAB() {
			continue
		}
		pfn := tag.PFN()
		l.types.Set(pfn, tag.Type())

		frame := mapping.Bytes[i*PageSize : (i+1)*PageSize]

		if l.verify {
			scratch := make([]byte, PageSize)
			if err := l.stream.ReadPage(scratch); err != nil {
				return err
			}
			if !bytes.Equal(scratch, frame) {
				slog.Warn("restore: verify mismatch", "pfn", pfn)
			}
		} else if tag.Type().IsPageTable() && !l.deferredToGPass2(tag.Type()) {
			// Rewrite a copy so a raced page never reaches its frame.
			page := make([]byte, PageSize)
			if err := l.stream.ReadPage(page); err != nil {
				return err
			}
			if err := Uncanonicalize(page, l.platform.EntryWidth(), l.p2m); err != nil {
				if !errors.Is(err, ErrPTRace) {
					return err
				}
				l.PTRaces++
				slog.Debug("restore: page-table race, skipping page", "pfn", pfn)
				continue
			}
			copy(frame, page)
		} else {
			if err := l.stream.ReadPage(frame); err != nil {
				return err
			}
		}

		if err := l.mmu.Enqueue(mfns[i], pfn); err != nil {
			return err
		}
	}

	return nil
}

// deferredToGPass2 reports whether an L1 page's uncanonicalization must
// wait for the PAE relocator's second pass (§4.G): three-level paging
// without extended-cr3, L3 tables will move, so L1 entries referencing
// them (indirectly, through the now-stale p2m) cannot be rewritten yet.
func (l *Loader) deferredToGPass2(t TypeCode) bool {
	return l.platform.NeedsPAERelocation(l.vmAssist) && t.Level() == LevelL1
}
