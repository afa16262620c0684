package restore

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"
)

// Options configures one restore run. DomainID and MaxPFN come from the
// toolstack that is bringing this domain up; StoreEvtchn and ConsoleEvtchn
// are the event channels it has already bound for the store and console
// rings, which the tail fix-up writes into the guest's start-info page.
type Options struct {
	DomainID      DomainID
	MaxPFN        uint64
	StoreEvtchn   uint32
	ConsoleEvtchn uint32
}

// Summary reports the handful of facts the caller needs once a restore
// completes: the event-ring frames the guest will talk through, and how
// many page-table races (§7 "pt-race") were tolerated along the way.
type Summary struct {
	StoreMFN   MFN
	ConsoleMFN MFN
	PTRaces    int
}

// Run drives one restore end to end (§2, the component table in order):
// probe the platform, allocate the domain, load the page stream, relocate
// and pin page tables, trim absent frames, resolve and sanitize the tail,
// and resume. It is a value, not a package singleton — nothing here is
// shared across concurrent restores of different domains (Design Notes).
//
// Any error destroys the domain it just tried to populate before returning,
// so a caller never has to clean up a half-built domain itself.
func Run(hv HypervisorOps, r io.Reader, opts Options) (*Summary, error) {
	abort := func(err error) (*Summary, error) {
		slog.Error("restore: restore failed", "domid", opts.DomainID, "err", err)
		if destroyErr := hv.DestroyDomain(opts.DomainID); destroyErr != nil {
			slog.Error("restore: failed to tear down domain after restore failure", "domid", opts.DomainID, "restore_err", err, "destroy_err", destroyErr)
		}
		return nil, err
	}

	platform, err := ProbePlatform(hv, opts.DomainID)
	if err != nil {
		return abort(err)
	}

	p2m, err := AllocateDomain(hv, opts.DomainID, opts.MaxPFN)
	if err != nil {
		return abort(err)
	}

	summary, err := run(hv, r, opts, platform, p2m)
	if err != nil {
		return abort(err)
	}
	return summary, nil
}

func run(hv HypervisorOps, r io.Reader, opts Options, platform Platform, p2m *P2M) (*Summary, error) {
	const op = "restore.run"

	stream := NewStream(r)
	types := NewPFNTypeTable(opts.MaxPFN)
	mmu := NewMMUBatcher(hv, opts.DomainID)

	p2mFrameList, extCtxt, err := stream.ReadHeader(opts.MaxPFN)
	if err != nil {
		return nil, err
	}

	// The extended-info context record, when present, is consulted only for
	// its virtualization-assist flags: the PAE-relocation decision must be
	// made before the tail's context record arrives. The tail record is
	// still the one that gets fixed up and submitted.
	var vmAssist uint32
	if extCtxt != nil {
		vmAssist = extCtxt.VMAssist
	}

	loader := NewLoader(stream, hv, opts.DomainID, p2m, types, mmu, platform, vmAssist)
	if err := loader.Run(); err != nil {
		return nil, err
	}

	// The loader's machphys updates must be visible before any relocation
	// reads the reverse table, and before pinning either way.
	if err := mmu.Flush(); err != nil {
		return nil, err
	}

	if platform.NeedsPAERelocation(vmAssist) {
		if err := loader.RunPAERelocation(); err != nil {
			return nil, err
		}
	}

	if err := Pin(hv, opts.DomainID, p2m, types); err != nil {
		return nil, err
	}

	absent, err := stream.ReadAbsentTable()
	if err != nil {
		return nil, err
	}
	if err := Trim(hv, opts.DomainID, p2m, absent); err != nil {
		return nil, err
	}

	ctxt, err := stream.ReadVCPUContext()
	if err != nil {
		return nil, err
	}
	ctxt.VMAssist = vmAssist

	savedShared, err := stream.ReadSharedInfo()
	if err != nil {
		return nil, err
	}

	tail, err := ResolveTail(hv, opts.DomainID, p2m, types, platform, ctxt, TailInput{
		P2MFrameList:  p2mFrameList,
		StoreEvtchn:   opts.StoreEvtchn,
		ConsoleEvtchn: opts.ConsoleEvtchn,
	})
	if err != nil {
		return nil, err
	}

	if err := writeSharedInfo(hv, opts.DomainID, tail.SharedInfoMFN, savedShared); err != nil {
		return nil, failf(op, ErrStreamInvalid, "write shared info: %v", err)
	}

	if err := Sanitize(hv, opts.DomainID, platform, ctxt); err != nil {
		return nil, err
	}

	slog.Info("restore: domain restored", "domid", opts.DomainID, "max_pfn", opts.MaxPFN, "pt_races", loader.PTRaces)

	return &Summary{StoreMFN: tail.StoreMFN, ConsoleMFN: tail.ConsoleMFN, PTRaces: loader.PTRaces}, nil
}

// writeSharedInfo zeroes the event-channel state the saved image carries
// (§4.I: a restored domain starts with no event notifications pending) and
// copies the rest of the saved shared-info page onto the guest's live
// shared-info frame.
func writeSharedInfo(hv HypervisorOps, domid DomainID, mfn MFN, saved *SharedInfo) error {
	saved.ZeroEventChannels()

	mapping, err := hv.MapForeignRange(domid, mfn, 1, true)
	if err != nil {
		return err
	}
	defer mapping.Close()

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, saved); err != nil {
		return err
	}
	copy(mapping.Bytes, buf.Bytes())

	return mapping.Close()
}
