package image

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// relocateSpace rewrites every oop slot physically present in sp from
// its saved offset form back to a live absolute address, using the
// just-loaded spaces table (spec.md §4.8 "on load, every pointer is
// relocated back to absolute addresses").
func relocateSpace(h *mem.Heap, sp *mem.Space, spacesByNumber map[uint16]*mem.Space) error {
	err := transformSlots(h, sp, sp.RawBytes(), func(_ *mem.Heap, o oop.OOP) (oop.OOP, error) {
		return fromOffsetForm(spacesByNumber, o)
	}, decodeOffsetFormOffset)
	if err != nil {
		return err
	}
	// Bodies were moved from the saving process's address space into
	// this one; the trailing back-pointer word written at save time is
	// stale, so every live object's back-pointer is recomputed fresh.
	if sp.IsObjectSpace() {
		sp.EnumerateObjects(func(hdr mem.Header) bool {
			if !hdr.HasFlag(mem.FlagFree) {
				hdr.RepairBackPointer()
			}
			return true
		})
	}
	return nil
}

// Load reads an image from r and returns a ready-to-run Heap: spaces
// are allocated fresh (mmap'd) at their saved sizes, their raw bytes
// and cursors are restored, and every oop slot is relocated from the
// saved offset form back to a live absolute address (spec.md §4.8).
func Load(r io.Reader, log *zap.SugaredLogger) (*mem.Heap, error) {
	var magic uint32
	var version, development uint16
	var totalLength uint64
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, errors.Wrap(err, "image: read magic")
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &development); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &totalLength); err != nil {
		return nil, err
	}

	body := make([]byte, totalLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "image: read body")
	}

	var headers []spaceHeader
	var regions [][]byte
	pos := 0
	for {
		if pos+spaceHeaderSize > len(body) {
			return nil, errors.New("image: truncated space header")
		}
		sh := decodeSpaceHeader(body[pos : pos+spaceHeaderSize])
		pos += spaceHeaderSize
		if sh.SpaceSize == 0 {
			break // empty-space terminator
		}
		if pos+int(sh.SpaceSize) > len(body) {
			return nil, errors.New("image: truncated space body")
		}
		headers = append(headers, sh)
		regions = append(regions, body[pos:pos+int(sh.SpaceSize)])
		pos += int(sh.SpaceSize)
	}

	sizes, err := heapSizesFromHeaders(headers)
	if err != nil {
		return nil, err
	}
	h, err := mem.NewHeap(sizes, log)
	if err != nil {
		return nil, err
	}

	spacesByNumber := map[uint16]*mem.Space{}
	spaces := h.AllSpaces()
	if len(spaces) != len(headers) {
		return nil, errors.Errorf("image: expected %d spaces, found %d", len(spaces), len(headers))
	}
	for i, sp := range spaces {
		sh := headers[i]
		sp.Number = sh.SpaceNumber
		sp.Flags = sh.SpaceFlags
		sp.RememberedSetNo = sh.RememberedSetSpaceNo
		copy(sp.RawBytes(), regions[i])
		sp.SetCursors(sh.FirstFreeBlock, sh.LastFreeBlock)
		spacesByNumber[sp.Number] = sp
	}

	for _, sp := range spaces {
		if err := relocateSpace(h, sp, spacesByNumber); err != nil {
			return nil, err
		}
	}

	if log != nil {
		log.Infow("image loaded", "spaces", len(spaces), "version", version, "development", development)
	}
	return h, nil
}

func heapSizesFromHeaders(headers []spaceHeader) (mem.HeapSizes, error) {
	var sizes mem.HeapSizes
	for _, sh := range headers {
		switch mem.SpaceType(sh.SpaceType) {
		case mem.EdenSpace:
			sizes.Eden = sh.SpaceSize
		case mem.SurvivorSpace1, mem.SurvivorSpace2:
			if sh.SpaceSize > sizes.Survivor {
				sizes.Survivor = sh.SpaceSize
			}
		case mem.OldSpace:
			sizes.Old = sh.SpaceSize
		case mem.StackSpace:
			sizes.Stack = sh.SpaceSize
		case mem.RememberedSetSpace:
			sizes.RememberedSetSlots = sh.SpaceSize / 8
		}
	}
	if sizes.Eden == 0 || sizes.Old == 0 || sizes.Stack == 0 {
		return sizes, errors.New("image: missing required space in saved image")
	}
	return sizes, nil
}
