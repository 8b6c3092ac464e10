package partition

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

const (
	otaSectorSize = 0x1000
	otaEntrySize  = 32

	otaStateInvalid = 3
	otaStateAborted = 4
)

// otaEntry is esp_ota_select_entry_t.
type otaEntry struct {
	Seq   uint32
	State uint32
	CRC   uint32
}

func (e otaEntry) valid() bool {
	if e.Seq == 0xFFFFFFFF || e.Seq == 0 {
		return false
	}
	if e.State == otaStateInvalid || e.State == otaStateAborted {
		return false
	}
	var seq [4]byte
	binary.LittleEndian.PutUint32(seq[:], e.Seq)
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, seq[:]) == e.CRC
}

func readOTAEntry(r io.ReaderAt, off int64) (otaEntry, error) {
	buf := make([]byte, otaEntrySize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return otaEntry{}, err
	}
	return otaEntry{
		Seq:   binary.LittleEndian.Uint32(buf[0:4]),
		State: binary.LittleEndian.Uint32(buf[24:28]),
		CRC:   binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// BootSequence returns the highest valid OTA sequence number stored in the
// two otadata sectors, or 0 if neither holds a valid entry.
func BootSequence(otadata io.ReaderAt) (uint32, error) {
	var best uint32
	for sector := int64(0); sector < 2; sector++ {
		e, err := readOTAEntry(otadata, sector*otaSectorSize)
		if err != nil {
			return 0, err
		}
		if e.valid() && e.Seq > best {
			best = e.Seq
		}
	}
	return best, nil
}

// RunningApp selects the application the bootloader would start. seq is the
// value returned by BootSequence; 0 means no OTA selection is recorded and
// the factory app, or failing that the first app, is used.
func (t Table) RunningApp(seq uint32) (Partition, bool) {
	if seq > 0 {
		slots := t.OTASlots()
		if len(slots) > 0 {
			return slots[int((seq-1)%uint32(len(slots)))], true
		}
	}
	if p, ok := t.Find(TypeApp, SubtypeFactory); ok {
		return p, true
	}
	return t.FirstApp()
}
