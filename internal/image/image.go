// Package image implements the ".im" image codec of spec.md §4.8:
// a fixed magic/version/flag/length header followed by a sequence of
// memory spaces serialized with position-independent offset-form
// pointers.
package image

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/simberon/beaglest/internal/mem"
	"github.com/simberon/beaglest/internal/oop"
)

// Magic is the 4-byte image header magic, spelled "STIM" and stored
// little-endian as the 32-bit word 0x4d495453 (spec.md §4.8).
const Magic = 0x4d495453

// Version and DevelopmentFlag are the fixed header fields spec.md §6
// names explicitly.
const (
	Version         = 0x0100
	DevelopmentFlag = 0
)

// ErrBadMagic is returned when a file does not begin with the image
// magic number.
var ErrBadMagic = errors.New("image: bad magic number")

type header struct {
	Magic       uint32
	Version     uint16
	Development uint16
	TotalLength uint64
}

type spaceHeader struct {
	SpaceSize             uint64
	LastFreeBlock         uint64
	FirstFreeBlock        uint64
	SpaceType             uint16
	SpaceNumber           uint16
	SpaceFlags            uint16
	RememberedSetSpaceNo  uint16
}

// spaceOrder is the fixed serialization order spec.md §4.8 specifies:
// "Eden, Survivor1, Survivor2, RememberedSet, WellKnownObjects,
// (reserved), StackSpace, OldSpace, then any extra spaces until an
// empty space terminator."
func spaceOrder(h *mem.Heap) []*mem.Space {
	return h.AllSpaces()
}

// Save writes heap to w in the §4.8 wire format. It first flushes the
// start-context well-known slot to nil so a reload resumes from a
// fresh send of the start selector (spec.md §4.8 "Save flushes...").
func Save(w io.Writer, h *mem.Heap, log *zap.SugaredLogger) error {
	saved := h.WellKnownSlot(mem.WKStartContext)
	h.SetWellKnownSlot(mem.WKStartContext, h.Nil())
	defer h.SetWellKnownSlot(mem.WKStartContext, saved)

	spaces := spaceOrder(h)

	var body []byte
	for _, sp := range spaces {
		encoded, err := encodeSpace(h, sp)
		if err != nil {
			return err
		}
		body = append(body, encoded...)
	}
	// Empty-space terminator (spec.md §4.8): a spaceHeader with
	// SpaceSize == 0 and no following bytes.
	body = append(body, encodeSpaceHeader(spaceHeader{})...)

	hdr := header{Magic: Magic, Version: Version, Development: DevelopmentFlag, TotalLength: uint64(len(body))}
	if err := binary.Write(w, binary.LittleEndian, hdr.Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.Development); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.TotalLength); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}

	if log != nil {
		log.Infow("image saved", "spaces", len(spaces), "bytes", len(body))
	}
	return nil
}

func encodeSpaceHeader(sh spaceHeader) []byte {
	buf := make([]byte, 8*3+2*4)
	binary.LittleEndian.PutUint64(buf[0:], sh.SpaceSize)
	binary.LittleEndian.PutUint64(buf[8:], sh.LastFreeBlock)
	binary.LittleEndian.PutUint64(buf[16:], sh.FirstFreeBlock)
	binary.LittleEndian.PutUint16(buf[24:], sh.SpaceType)
	binary.LittleEndian.PutUint16(buf[26:], sh.SpaceNumber)
	binary.LittleEndian.PutUint16(buf[28:], sh.SpaceFlags)
	binary.LittleEndian.PutUint16(buf[30:], sh.RememberedSetSpaceNo)
	return buf
}

const spaceHeaderSize = 8*3 + 2*4

func decodeSpaceHeader(buf []byte) spaceHeader {
	return spaceHeader{
		SpaceSize:            binary.LittleEndian.Uint64(buf[0:]),
		LastFreeBlock:        binary.LittleEndian.Uint64(buf[8:]),
		FirstFreeBlock:       binary.LittleEndian.Uint64(buf[16:]),
		SpaceType:            binary.LittleEndian.Uint16(buf[24:]),
		SpaceNumber:          binary.LittleEndian.Uint16(buf[26:]),
		SpaceFlags:           binary.LittleEndian.Uint16(buf[28:]),
		RememberedSetSpaceNo: binary.LittleEndian.Uint16(buf[30:]),
	}
}

// encodeSpace serializes one space: its header followed by its raw
// bytes, with every oop slot inside transformed to offset form first
// (spec.md §4.8).
func encodeSpace(h *mem.Heap, sp *mem.Space) ([]byte, error) {
	sh := spaceHeader{
		SpaceSize:            sp.SizeBytes(),
		FirstFreeBlock:       sp.LiveHeaderBytes(),
		LastFreeBlock:        sp.LiveBodyBytes(),
		SpaceType:            uint16(sp.Type),
		SpaceNumber:          sp.Number,
		SpaceFlags:           sp.Flags,
		RememberedSetSpaceNo: sp.RememberedSetNo,
	}
	raw := spaceRawBytes(sp)
	body := make([]byte, len(raw))
	copy(body, raw)

	saveBodyOffsetOf := func(p oop.OOP) (uint64, bool) { return sp.OffsetOf(p.Address()) }
	if err := transformSlots(h, sp, body, toOffsetForm, saveBodyOffsetOf); err != nil {
		return nil, err
	}

	out := encodeSpaceHeader(sh)
	out = append(out, body...)
	return out, nil
}

// toOffsetForm converts an absolute oop into the position-independent
// offset form `((spaceNumber+1) << 48) | (byteOffset << 3) | tag`
// (spec.md §4.8). Immediates pass through untouched.
func toOffsetForm(h *mem.Heap, o oop.OOP) (oop.OOP, error) {
	if o.IsImmediate() || o == 0 {
		return o, nil
	}
	sp := h.SpaceContaining(o.Address())
	if sp == nil {
		return 0, errors.Errorf("image save: oop %x not in any space", uint64(o))
	}
	off, _ := sp.OffsetOf(o.Address())
	tag := uint64(o.Tag())
	return oop.OOP((uint64(sp.Number+1) << 48) | (off << 3) | tag), nil
}

// fromOffsetForm reverses toOffsetForm using the loaded spaces table.
func fromOffsetForm(spacesByNumber map[uint16]*mem.Space, o oop.OOP) (oop.OOP, error) {
	if o.IsImmediate() || o == 0 {
		return o, nil
	}
	raw := uint64(o)
	spaceNumber := uint16((raw>>48)&0xffff) - 1
	tag := raw & 0x7
	off := (raw >> 3) & ((1 << 45) - 1)

	sp, ok := spacesByNumber[spaceNumber]
	if !ok {
		return 0, errors.Errorf("image load: unknown space number %d", spaceNumber)
	}
	addr := sp.Base() + uintptr(off)
	return oop.OOP(uint64(addr) | tag), nil
}

// transformSlots walks every oop slot physically present in a space's
// raw byte region, rewriting each with xform. Byte objects' bodies
// are left verbatim (spec.md §4.8). bodyOffsetOf resolves a header's
// (pre-transform) bodyPointer field down to a byte offset within the
// space: on save the field is still a live absolute address, so it
// resolves via sp.OffsetOf; on load it is already in offset form, so
// it resolves by decoding the offset form's bit layout directly,
// without needing a live address to compare against.
func transformSlots(h *mem.Heap, sp *mem.Space, body []byte, xform func(*mem.Heap, oop.OOP) (oop.OOP, error), bodyOffsetOf func(oop.OOP) (uint64, bool)) error {
	if sp.IsPointerSpace() {
		for i := 0; i+8 <= len(body); i += 8 {
			v := oop.OOP(binary.LittleEndian.Uint64(body[i:]))
			nv, err := xform(h, v)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(body[i:], uint64(nv))
		}
		return nil
	}
	if !sp.IsObjectSpace() {
		return nil
	}

	hdrSize := int(mem.HeaderSize)
	walkHeaders(sp, func(off int) {
		hdrBuf := body[off : off+hdrSize]
		classOff := headerClassFieldOffset()
		classVal := oop.OOP(binary.LittleEndian.Uint64(hdrBuf[classOff:]))
		if nv, err := xform(h, classVal); err == nil {
			binary.LittleEndian.PutUint64(hdrBuf[classOff:], uint64(nv))
		}

		flags := binary.LittleEndian.Uint16(hdrBuf[8:])
		isBytes := flags&mem.FlagBytes == mem.FlagBytes
		size := binary.LittleEndian.Uint64(hdrBuf[0:])
		bodyPtrOff := headerBodyPointerFieldOffset()
		bodyPtr := oop.OOP(binary.LittleEndian.Uint64(hdrBuf[bodyPtrOff:]))

		var bodyOff uint64
		var ok bool
		if !isBytes && !bodyPtr.IsImmediate() {
			bodyOff, ok = bodyOffsetOf(bodyPtr)
		}

		if nv, err := xform(h, bodyPtr); err == nil {
			binary.LittleEndian.PutUint64(hdrBuf[bodyPtrOff:], uint64(nv))
		}

		if isBytes || !ok {
			return
		}
		for i := uint64(0); i+8 <= size; i += 8 {
			slotOff := int(bodyOff) + int(i)
			if slotOff+8 > len(body) {
				break
			}
			v := oop.OOP(binary.LittleEndian.Uint64(body[slotOff:]))
			nv, err := xform(h, v)
			if err != nil {
				continue
			}
			binary.LittleEndian.PutUint64(body[slotOff:], uint64(nv))
		}
	})
	return nil
}

// bodyOffsetMask extracts the 45-bit byte-offset field from an
// offset-form oop (spec.md §4.8's `(byteOffsetInSpace << 3)` band).
const bodyOffsetMask = (uint64(1) << 45) - 1

// decodeOffsetFormOffset reads the byte-offset field straight out of
// an already offset-form-encoded oop, without needing a live address
// to resolve it against (used when relocating a just-loaded image,
// before any pointer in it has been converted back to an address).
func decodeOffsetFormOffset(o oop.OOP) (uint64, bool) {
	if o.IsImmediate() || o == 0 {
		return 0, false
	}
	return (uint64(o) >> 3) & bodyOffsetMask, true
}

// headerClassFieldOffset / headerBodyPointerFieldOffset mirror
// rawHeader's field layout in internal/mem (size:8, flags:2, flips:2,
// namedInstVars:4, class:8, identityHash:8, bodyPointer:8).
func headerClassFieldOffset() int        { return 8 + 2 + 2 + 4 }
func headerBodyPointerFieldOffset() int { return 8 + 2 + 2 + 4 + 8 + 8 }

// walkHeaders calls fn(byteOffset) for every header slot physically
// present in sp's backing bytes, respecting its growth convention.
func walkHeaders(sp *mem.Space, fn func(off int)) {
	hdrSize := int(mem.HeaderSize)
	total := int(sp.SizeBytes())
	used := int(sp.LiveHeaderBytes())
	if sp.HasTopHeaders() {
		for off := total - hdrSize; off >= total-used; off -= hdrSize {
			fn(off)
		}
		return
	}
	for off := 0; off < used; off += hdrSize {
		fn(off)
	}
}

// spaceRawBytes exposes sp's full backing region for serialization.
func spaceRawBytes(sp *mem.Space) []byte {
	return sp.RawBytes()
}
