package partition

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	nvsPageSize     = 0x1000
	nvsEntryCount   = 126
	nvsBitmapOffset = 32
	nvsBitmapSize   = 32

	nvsEntryWritten = 0x2
)

// NVS page states
const (
	PageUninitialized = 0xFFFFFFFF
	PageActive        = 0xFFFFFFFE
	PageFull          = 0xFFFFFFFC
	PageFreeing       = 0xFFFFFFF8
	PageCorrupt       = 0xFFFFFFF0
)

// NVSStats counts entries across an NVS partition.
type NVSStats struct {
	UsedEntries  uint32
	FreeEntries  uint32
	TotalEntries uint32
	Pages        uint32
}

// NVSHeaderSize is the number of bytes per page ReadNVSStats needs: the page
// header followed by the entry state bitmap.
const NVSHeaderSize = nvsBitmapOffset + nvsBitmapSize

// ReadNVSStats reads the header and entry state bitmap of every page of the
// NVS partition at the start of r. Only written entries in active, full or
// freeing pages count as used. Every other entry, those of uninitialized
// and corrupt pages included, counts as free.
func ReadNVSStats(r io.ReaderAt, size uint32) (NVSStats, error) {
	var stats NVSStats
	if size < nvsPageSize || size%nvsPageSize != 0 {
		return stats, fmt.Errorf("NVS partition size 0x%X is not a multiple of 0x%X", size, nvsPageSize)
	}

	stats.Pages = size / nvsPageSize
	stats.TotalEntries = stats.Pages * nvsEntryCount

	buf := make([]byte, NVSHeaderSize)
	for page := uint32(0); page < stats.Pages; page++ {
		if _, err := r.ReadAt(buf, int64(page*nvsPageSize)); err != nil {
			return stats, fmt.Errorf("read NVS page %d: %w", page, err)
		}

		switch binary.LittleEndian.Uint32(buf[0:4]) {
		case PageActive, PageFull, PageFreeing:
			stats.UsedEntries += countWritten(buf[nvsBitmapOffset:])
		}
	}

	stats.FreeEntries = stats.TotalEntries - stats.UsedEntries
	return stats, nil
}

func countWritten(bitmap []byte) uint32 {
	var n uint32
	for i := 0; i < nvsEntryCount; i++ {
		state := bitmap[i/4] >> (uint(i%4) * 2) & 0x3
		if state == nvsEntryWritten {
			n++
		}
	}
	return n
}
