package loader

import "encoding/binary"

// BuildELF encodes img as a minimal ELF32 executable: a header, one PT_LOAD
// program header per segment, then the segment bytes.
func BuildELF(img *Image) []byte {
	var order binary.ByteOrder = binary.LittleEndian
	data := byte(elfDataLSB)
	if img.BigEndian {
		order = binary.BigEndian
		data = elfDataMSB
	}

	offset := uint32(ehdrSize + phdrSize*len(img.Segments))
	size := offset
	for _, seg := range img.Segments {
		size += uint32(len(seg.Data))
	}
	out := make([]byte, size)

	copy(out[0:4], elfMagic)
	out[4] = elfClass32
	out[5] = data
	out[6] = 1 // EV_CURRENT
	order.PutUint16(out[16:18], elfTypeExec)
	order.PutUint16(out[18:20], img.Machine)
	order.PutUint32(out[20:24], 1)
	order.PutUint32(out[24:28], uint32(img.Entry))
	order.PutUint32(out[28:32], ehdrSize)
	order.PutUint16(out[40:42], ehdrSize)
	order.PutUint16(out[42:44], phdrSize)
	order.PutUint16(out[44:46], uint16(len(img.Segments)))

	for i, seg := range img.Segments {
		b := out[ehdrSize+i*phdrSize : ehdrSize+(i+1)*phdrSize]
		var flags uint32
		if seg.Readable {
			flags |= pfR
		}
		if seg.Writeable {
			flags |= pfW
		}
		if seg.Executable {
			flags |= pfX
		}

		order.PutUint32(b[0:4], ptLoad)
		order.PutUint32(b[4:8], offset)
		order.PutUint32(b[8:12], uint32(seg.VAddr))
		order.PutUint32(b[12:16], uint32(seg.VAddr))
		order.PutUint32(b[16:20], uint32(len(seg.Data)))
		order.PutUint32(b[20:24], seg.MemSize)
		order.PutUint32(b[24:28], flags)
		order.PutUint32(b[28:32], 0x1000)

		copy(out[offset:], seg.Data)
		offset += uint32(len(seg.Data))
	}
	return out
}
