// Package loader parses 32-bit ELF executables and loads them into a fresh
// address space.
//
// Only what the kernel needs is parsed: the ELF header and the PT_LOAD
// program headers. Sections, symbols and relocations are ignored. Both byte
// orders are accepted; the kernel runs big-endian MIPS binaries by default.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/bitmapvm/internal/types"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF identification.
const (
	elfClass32 = 1 // 32-bit
	elfDataLSB = 1 // little endian
	elfDataMSB = 2 // big endian
)

// ELF type.
const (
	elfTypeExec = 2 // executable
)

// Machine types.
const (
	MachineAny  = 0
	MachineMIPS = 8
)

// Program header types and flags.
const (
	ptLoad = 1

	pfX = 0x1
	pfW = 0x2
	pfR = 0x4
)

// Header sizes.
const (
	ehdrSize = 52
	phdrSize = 32
)

// Maximum sizes.
const (
	MaxELFSize  = 16 << 20 // 16 MB
	MaxSegments = 16
)

// ELF errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 32-bit)")
	ErrUnsupportedType    = errors.New("unsupported ELF type (expected executable)")
	ErrUnsupportedMachine = errors.New("unsupported machine type")
	ErrNoSegments         = errors.New("no loadable segments")
	ErrInvalidSegment     = errors.New("invalid segment")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Header is the part of the ELF32 header the loader uses.
type Header struct {
	Class     uint8
	Data      uint8
	Type      uint16
	Machine   uint16
	Entry     uint32
	PHOff     uint32
	PHEntSize uint16
	PHNum     uint16
}

// ProgramHeader is an ELF32 program header.
type ProgramHeader struct {
	Type     uint32
	Offset   uint32
	VAddr    uint32
	PAddr    uint32
	FileSize uint32
	MemSize  uint32
	Flags    uint32
	Align    uint32
}

// Segment is a loadable segment. Bytes past len(Data) up to MemSize are
// zero-filled.
type Segment struct {
	VAddr      types.VAddr
	MemSize    uint32
	Data       []byte
	Readable   bool
	Writeable  bool
	Executable bool
}

// Image is a parsed executable.
type Image struct {
	Entry     types.VAddr
	Machine   uint16
	BigEndian bool
	Segments  []Segment
}

// Config holds loader configuration.
type Config struct {
	// Machine is the required machine type. MachineAny accepts any.
	Machine uint16

	// MaxSize is the largest accepted file.
	MaxSize int
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{
		Machine: MachineMIPS,
		MaxSize: MaxELFSize,
	}
}

// Parse parses an ELF executable.
func Parse(data []byte, config Config) (*Image, error) {
	if config.MaxSize > 0 && len(data) > config.MaxSize {
		return nil, ErrTooLarge
	}

	header, order, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(header, config); err != nil {
		return nil, err
	}

	phdrs, err := parseProgramHeaders(data, header, order)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Entry:     types.VAddr(header.Entry),
		Machine:   header.Machine,
		BigEndian: header.Data == elfDataMSB,
	}
	for i, ph := range phdrs {
		if ph.Type != ptLoad {
			continue
		}
		seg, err := extractSegment(data, ph)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		img.Segments = append(img.Segments, seg)
	}

	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}
	return img, nil
}

// parseHeader parses the ELF header and returns the file's byte order.
func parseHeader(data []byte) (*Header, binary.ByteOrder, error) {
	if len(data) < ehdrSize {
		return nil, nil, ErrInvalidELF
	}
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, nil, ErrInvalidELF
	}

	header := &Header{
		Class: data[4],
		Data:  data[5],
	}

	var order binary.ByteOrder
	switch header.Data {
	case elfDataLSB:
		order = binary.LittleEndian
	case elfDataMSB:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("%w: unknown data encoding %d", ErrInvalidELF, header.Data)
	}

	header.Type = order.Uint16(data[16:18])
	header.Machine = order.Uint16(data[18:20])
	header.Entry = order.Uint32(data[24:28])
	header.PHOff = order.Uint32(data[28:32])
	header.PHEntSize = order.Uint16(data[42:44])
	header.PHNum = order.Uint16(data[44:46])

	return header, order, nil
}

// validateHeader validates the ELF header.
func validateHeader(h *Header, config Config) error {
	if h.Class != elfClass32 {
		return ErrUnsupportedClass
	}
	if h.Type != elfTypeExec {
		return fmt.Errorf("%w: type %d", ErrUnsupportedType, h.Type)
	}
	if config.Machine != MachineAny && h.Machine != config.Machine {
		return fmt.Errorf("%w: %d", ErrUnsupportedMachine, h.Machine)
	}
	if h.PHNum > MaxSegments {
		return fmt.Errorf("%w: %d program headers", ErrInvalidELF, h.PHNum)
	}
	if h.PHNum > 0 && h.PHEntSize != phdrSize {
		return fmt.Errorf("%w: program header size %d", ErrInvalidELF, h.PHEntSize)
	}
	return nil
}

// parseProgramHeaders parses the program header table.
func parseProgramHeaders(data []byte, h *Header, order binary.ByteOrder) ([]ProgramHeader, error) {
	end := uint64(h.PHOff) + uint64(h.PHNum)*phdrSize
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: program headers past end of file", ErrInvalidELF)
	}

	phdrs := make([]ProgramHeader, h.PHNum)
	for i := range phdrs {
		off := h.PHOff + uint32(i)*phdrSize
		b := data[off : off+phdrSize]
		phdrs[i] = ProgramHeader{
			Type:     order.Uint32(b[0:4]),
			Offset:   order.Uint32(b[4:8]),
			VAddr:    order.Uint32(b[8:12]),
			PAddr:    order.Uint32(b[12:16]),
			FileSize: order.Uint32(b[16:20]),
			MemSize:  order.Uint32(b[20:24]),
			Flags:    order.Uint32(b[24:28]),
			Align:    order.Uint32(b[28:32]),
		}
	}
	return phdrs, nil
}

// extractSegment validates a PT_LOAD header and slices out its file bytes.
func extractSegment(data []byte, ph ProgramHeader) (Segment, error) {
	if ph.FileSize > ph.MemSize {
		return Segment{}, fmt.Errorf("%w: file size %d exceeds memory size %d",
			ErrInvalidSegment, ph.FileSize, ph.MemSize)
	}
	if uint64(ph.Offset)+uint64(ph.FileSize) > uint64(len(data)) {
		return Segment{}, fmt.Errorf("%w: data past end of file", ErrInvalidSegment)
	}
	if uint64(ph.VAddr)+uint64(ph.MemSize) > uint64(types.StackBase) {
		return Segment{}, fmt.Errorf("%w: [0x%08x, +%d) overlaps the stack or kernel",
			ErrInvalidSegment, ph.VAddr, ph.MemSize)
	}

	return Segment{
		VAddr:      types.VAddr(ph.VAddr),
		MemSize:    ph.MemSize,
		Data:       data[ph.Offset : ph.Offset+ph.FileSize : ph.Offset+ph.FileSize],
		Readable:   ph.Flags&pfR != 0,
		Writeable:  ph.Flags&pfW != 0,
		Executable: ph.Flags&pfX != 0,
	}, nil
}
